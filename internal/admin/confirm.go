package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
)

// Op names a destructive operation that needs confirmation.
type Op string

const (
	OpDeleteAllMessages Op = "delete-all-messages"
	OpClearRoomMessages Op = "clear-room-messages"
	OpDeleteIdentity    Op = "delete-identity"
)

// Required returns how many confirmations op needs.
func Required(op Op) int {
	if op == OpDeleteAllMessages {
		return 2
	}
	return 1
}

// Ticket authorizes one run of a destructive operation once it has been
// confirmed Required(op) times. Tickets expire and cannot be reused.
type Ticket struct {
	op      Op
	target  string
	issuer  string
	expires time.Time

	mu        sync.Mutex
	confirmed int
	used      bool
}

// Op returns the operation the ticket was issued for.
func (t *Ticket) Op() Op { return t.op }

// Target returns the room or identity the ticket names.
func (t *Ticket) Target() string { return t.target }

// Confirm records one explicit confirmation and returns how many are still missing.
func (t *Ticket) Confirm() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirmed++
	return max(Required(t.op)-t.confirmed, 0)
}

// Prepare issues a ticket for op on target. It performs no writes.
func (s *Service) Prepare(op Op, target string) (*Ticket, error) {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return nil, err
	}
	switch op {
	case OpDeleteAllMessages:
		target = ""
	case OpClearRoomMessages, OpDeleteIdentity:
		if target == "" {
			return nil, fmt.Errorf("%s needs a target: %w", op, errs.ErrInvalidInput)
		}
		if op == OpDeleteIdentity {
			target = model.UsernameKey(target)
		}
	default:
		return nil, fmt.Errorf("op %q: %w", op, errs.ErrInvalidInput)
	}
	return &Ticket{op: op, target: target, issuer: me.ID, expires: s.now().Add(s.ticketTTL)}, nil
}

// redeem checks t and consumes it.
func (s *Service) redeem(me model.Identity, t *Ticket, op Op) error {
	if t == nil {
		return fmt.Errorf("%s: %w", op, errs.ErrNotConfirmed)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.op != op:
		return fmt.Errorf("ticket is for %s, not %s: %w", t.op, op, errs.ErrNotConfirmed)
	case t.issuer != me.ID:
		return fmt.Errorf("ticket issued to %q: %w", t.issuer, errs.ErrNotConfirmed)
	case t.used:
		return fmt.Errorf("ticket already used: %w", errs.ErrNotConfirmed)
	case !s.now().Before(t.expires):
		return fmt.Errorf("ticket expired: %w", errs.ErrNotConfirmed)
	case t.confirmed < Required(op):
		return fmt.Errorf("%d of %d confirmations: %w", t.confirmed, Required(op), errs.ErrNotConfirmed)
	}
	t.used = true
	return nil
}

// DeleteAllMessages removes the messages of every room.
func (s *Service) DeleteAllMessages(ctx context.Context, t *Ticket) error {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return err
	}
	if err := s.redeem(me, t, OpDeleteAllMessages); err != nil {
		return err
	}
	if err := s.st.Remove(ctx, "msgs"); err != nil {
		return err
	}
	s.log.Warn("all messages deleted", zap.String("by", me.ID))
	return nil
}

// ClearRoomMessages removes every message of the ticket's room.
func (s *Service) ClearRoomMessages(ctx context.Context, t *Ticket) error {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return err
	}
	if err := s.redeem(me, t, OpClearRoomMessages); err != nil {
		return err
	}
	if err := s.st.Remove(ctx, store.Join("msgs", t.target)); err != nil {
		return err
	}
	s.log.Warn("room messages cleared", zap.String("room", t.target), zap.String("by", me.ID))
	return nil
}

// DeleteIdentity purges the ticket's identity with its indexes, presence,
// friend edges on both sides, notifications and push token. Admins and owners
// are refused with errs.ErrProtectedIdentity.
func (s *Service) DeleteIdentity(ctx context.Context, t *Ticket) error {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return err
	}
	if t == nil || t.op != OpDeleteIdentity {
		return s.redeem(me, t, OpDeleteIdentity)
	}
	id, err := s.identity(ctx, t.target)
	if err != nil {
		return err
	}
	if id.Role.IsAdmin() {
		return fmt.Errorf("identity %q is %s: %w", id.ID, id.Role, errs.ErrProtectedIdentity)
	}
	if err := s.redeem(me, t, OpDeleteIdentity); err != nil {
		return err
	}

	paths := []string{
		store.Join("online", id.ID),
		store.Join("usernames", id.ID),
		store.Join("notifications", id.ID),
		store.Join("fcmTokens", id.ID),
	}
	if id.Email != "" {
		paths = append(paths, store.Join("emails", model.EmailKey(id.Email)))
	}
	snap, err := s.st.Get(ctx, store.Join("friends", id.ID))
	switch {
	case err == nil:
		for _, r := range snap.Children {
			paths = append(paths, store.Join("friends", r.Key, id.ID))
		}
		paths = append(paths, store.Join("friends", id.ID))
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}
	for _, p := range paths {
		if err := s.st.Remove(ctx, p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	// The identity record goes last so a failed purge can be retried.
	if err := s.st.Remove(ctx, store.Join("users", id.ID)); err != nil {
		return err
	}
	s.log.Warn("identity deleted", zap.String("identity", id.ID), zap.String("by", me.ID))
	return nil
}

package social

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
)

// MinSearchLen is the shortest query SearchUsers answers.
const MinSearchLen = 2

func edgePath(owner, peer string) string { return store.Join("friends", owner, peer) }

func (s *Service) edge(ctx context.Context, owner, peer string) (model.FriendEdge, error) {
	snap, err := s.st.Get(ctx, edgePath(owner, peer))
	if err != nil {
		return model.FriendEdge{}, err
	}
	return DecodeEdge(peer, snap.Value)
}

func (s *Service) peer(me model.Identity, peer string) (string, error) {
	pk := model.UsernameKey(peer)
	if pk == "" {
		return "", fmt.Errorf("peer required: %w", errs.ErrInvalidInput)
	}
	if pk == me.ID {
		return "", fmt.Errorf("cannot befriend yourself: %w", errs.ErrInvalidInput)
	}
	return pk, nil
}

// SendRequest writes a pending edge on both sides and notifies the peer.
func (s *Service) SendRequest(ctx context.Context, peer string) error {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return err
	}
	pk, err := s.peer(me, peer)
	if err != nil {
		return err
	}
	if _, err := s.st.Get(ctx, store.Join("users", pk)); err != nil {
		return err
	}
	_, err = s.edge(ctx, me.ID, pk)
	switch {
	case err == nil:
		return fmt.Errorf("edge with %q exists: %w", pk, errs.ErrConflict)
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}

	e := model.FriendEdge{Status: model.FriendPending, FromID: me.ID, Timestamp: s.ms()}
	if err := s.st.Set(ctx, edgePath(me.ID, pk), e); err != nil {
		return err
	}
	if err := s.st.Set(ctx, edgePath(pk, me.ID), e); err != nil {
		return s.undo(ctx, err, edgePath(me.ID, pk))
	}
	return s.notify(ctx, pk, model.NotifyFriendRequest, me)
}

// Accept flips a pending request sent by peer to accepted on both sides. If
// the second write fails the first one is reverted.
func (s *Service) Accept(ctx context.Context, peer string) error {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return err
	}
	pk, err := s.peer(me, peer)
	if err != nil {
		return err
	}
	e, err := s.edge(ctx, me.ID, pk)
	if err != nil {
		return err
	}
	if e.Status == model.FriendAccepted {
		return nil
	}
	if e.FromID != pk {
		return fmt.Errorf("request to %q is outgoing: %w", pk, errs.ErrConflict)
	}

	accepted := map[string]any{"status": model.FriendAccepted}
	if err := s.st.Update(ctx, edgePath(me.ID, pk), accepted); err != nil {
		return err
	}
	if err := s.st.Update(ctx, edgePath(pk, me.ID), accepted); err != nil {
		if rerr := s.st.Update(ctx, edgePath(me.ID, pk), map[string]any{"status": model.FriendPending}); rerr != nil {
			s.log.Warn("revert friend edge", zap.String("peer", pk), zap.Error(rerr))
			return errors.Join(err, rerr)
		}
		return err
	}
	return s.notify(ctx, pk, model.NotifyFriendAccept, me)
}

// Reject removes both sides of the edge with peer. It also ends an accepted
// friendship and is a no-op when no edge exists.
func (s *Service) Reject(ctx context.Context, peer string) error {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return err
	}
	pk, err := s.peer(me, peer)
	if err != nil {
		return err
	}
	return errors.Join(
		s.st.Remove(ctx, edgePath(me.ID, pk)),
		s.st.Remove(ctx, edgePath(pk, me.ID)),
	)
}

// Unfriend is Reject under its user-facing name for accepted edges.
func (s *Service) Unfriend(ctx context.Context, peer string) error { return s.Reject(ctx, peer) }

func (s *Service) undo(ctx context.Context, cause error, path string) error {
	if err := s.st.Remove(ctx, path); err != nil {
		s.log.Warn("undo write", zap.String("path", path), zap.Error(err))
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Service) notify(ctx context.Context, to, kind string, from model.Identity) error {
	_, err := s.st.Push(ctx, store.Join("notifications", to), model.Notification{
		Type: kind, FromID: from.ID, FromName: from.Username, Timestamp: s.ms(),
	})
	if err != nil {
		return fmt.Errorf("notify %q: %w", to, err)
	}
	return nil
}

// Circle splits the edges of me into accepted friends, incoming requests and
// outgoing requests, each ordered by peer.
type Circle struct {
	Friends  []model.FriendEdge
	Incoming []model.FriendEdge
	Outgoing []model.FriendEdge
}

// Partition builds the Circle of me from its edges.
func Partition(edges []model.FriendEdge, me string) Circle {
	var c Circle
	for _, e := range edges {
		switch {
		case e.Status == model.FriendAccepted:
			c.Friends = append(c.Friends, e)
		case e.FromID == me:
			c.Outgoing = append(c.Outgoing, e)
		default:
			c.Incoming = append(c.Incoming, e)
		}
	}
	byPeer := func(a, b model.FriendEdge) int { return cmp.Compare(a.Peer, b.Peer) }
	slices.SortFunc(c.Friends, byPeer)
	slices.SortFunc(c.Incoming, byPeer)
	slices.SortFunc(c.Outgoing, byPeer)
	return c
}

// SearchUsers returns identities whose username contains query, ignoring
// case. Self, banned identities and peers with an existing edge are left out.
func SearchUsers(users []model.Identity, edges []model.FriendEdge, me, query string) ([]model.Identity, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if len([]rune(q)) < MinSearchLen {
		return nil, fmt.Errorf("query shorter than %d characters: %w", MinSearchLen, errs.ErrInvalidInput)
	}
	linked := make(map[string]bool, len(edges))
	for _, e := range edges {
		linked[e.Peer] = true
	}
	var out []model.Identity
	for _, u := range users {
		if u.ID == me || u.Banned || linked[u.ID] {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), q) {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b model.Identity) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

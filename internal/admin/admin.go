// Package admin implements the guarded moderation and settings operations of
// a tenant. Every operation checks the acting identity before it touches the
// store and fails with errs.ErrUnauthorized otherwise.
package admin

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/crypto"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
)

// Actor resolves the acting administrator. Implemented by session.Manager.
type Actor interface {
	RequireAdmin() (model.Identity, error)
}

// Config wires a Service.
type Config struct {
	Store  store.Store
	Actor  Actor
	Logger *zap.Logger
	Now    func() time.Time
	// TicketTTL bounds how long a confirmation ticket stays valid.
	TicketTTL time.Duration
}

// Service runs administrative operations.
type Service struct {
	st        store.Store
	actor     Actor
	log       *zap.Logger
	now       func() time.Time
	ticketTTL time.Duration
}

// DefaultTicketTTL is used when Config.TicketTTL is zero.
const DefaultTicketTTL = 2 * time.Minute

// NewService constructs a Service.
func NewService(cfg Config) *Service {
	s := &Service{st: cfg.Store, actor: cfg.Actor, log: cfg.Logger, now: cfg.Now, ticketTTL: cfg.TicketTTL}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.ticketTTL <= 0 {
		s.ticketTTL = DefaultTicketTTL
	}
	return s
}

func (s *Service) identity(ctx context.Context, key string) (model.Identity, error) {
	key = model.UsernameKey(key)
	if key == "" {
		return model.Identity{}, fmt.Errorf("identity required: %w", errs.ErrInvalidInput)
	}
	snap, err := s.st.Get(ctx, store.Join("users", key))
	if err != nil {
		return model.Identity{}, err
	}
	if snap.Value == nil {
		return model.Identity{}, fmt.Errorf("identity %q: %w", key, errs.ErrNotFound)
	}
	return model.DecodeIdentity(key, snap.Value)
}

func (s *Service) identities(ctx context.Context) ([]model.Identity, error) {
	snap, err := s.st.Get(ctx, "users")
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]model.Identity, 0, len(snap.Children))
	for _, r := range snap.Children {
		id, err := model.DecodeIdentity(r.Key, r.Value)
		if err != nil {
			s.log.Warn("skipping undecodable identity", zap.String("key", r.Key), zap.Error(err))
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Ban marks target banned and drops its presence. Banning yourself fails with
// errs.ErrSelfBan; only an owner may ban an owner.
func (s *Service) Ban(ctx context.Context, target, reason string) error {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return err
	}
	key := model.UsernameKey(target)
	if key == me.ID {
		return errs.ErrSelfBan
	}
	id, err := s.identity(ctx, key)
	if err != nil {
		return err
	}
	if id.Role == model.RoleOwner && me.Role != model.RoleOwner {
		return fmt.Errorf("only an owner may ban an owner: %w", errs.ErrUnauthorized)
	}
	if err := s.st.Update(ctx, store.Join("users", id.ID), map[string]any{
		"banned":    true,
		"banReason": strings.TrimSpace(reason),
		"bannedBy":  me.ID,
		"bannedAt":  s.now().UnixMilli(),
		"online":    false,
	}); err != nil {
		return err
	}
	if err := s.st.Remove(ctx, store.Join("online", id.ID)); err != nil {
		return fmt.Errorf("drop presence: %w", err)
	}
	s.log.Info("identity banned", zap.String("identity", id.ID), zap.String("by", me.ID))
	return nil
}

// Unban clears every ban field of target.
func (s *Service) Unban(ctx context.Context, target string) error {
	if _, err := s.actor.RequireAdmin(); err != nil {
		return err
	}
	id, err := s.identity(ctx, target)
	if err != nil {
		return err
	}
	return s.st.Update(ctx, store.Join("users", id.ID), map[string]any{
		"banned": false, "banReason": nil, "bannedBy": nil, "bannedAt": nil,
	})
}

// SetRole changes the role of target. Only an owner may grant or revoke the
// owner role, and the demotion must leave at least one other active admin or
// owner.
func (s *Service) SetRole(ctx context.Context, target string, role model.Role) error {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("role %q: %w", role, errs.ErrInvalidInput)
	}
	id, err := s.identity(ctx, target)
	if err != nil {
		return err
	}
	if id.Role == role {
		return nil
	}
	if (role == model.RoleOwner || id.Role == model.RoleOwner) && me.Role != model.RoleOwner {
		return fmt.Errorf("owner role is managed by owners: %w", errs.ErrUnauthorized)
	}
	if id.Role.IsAdmin() && !role.IsAdmin() {
		all, err := s.identities(ctx)
		if err != nil {
			return err
		}
		others := 0
		for _, u := range all {
			if u.ID != id.ID && u.Role.IsAdmin() && !u.Banned {
				others++
			}
		}
		if others == 0 {
			return errs.ErrLastAdmin
		}
	}
	if err := s.st.Update(ctx, store.Join("users", id.ID), map[string]any{"role": string(role), "isAdmin": nil}); err != nil {
		return err
	}
	s.log.Info("role changed", zap.String("identity", id.ID), zap.String("role", string(role)))
	return nil
}

// CreateInviteCode mints and stores a new unused code.
func (s *Service) CreateInviteCode(ctx context.Context) (model.InviteCode, error) {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return model.InviteCode{}, err
	}
	for i := 0; i < 5; i++ {
		code, err := crypto.NewInviteCode()
		if err != nil {
			return model.InviteCode{}, err
		}
		_, err = s.st.Get(ctx, store.Join("inviteCodes", code))
		if err == nil {
			continue
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return model.InviteCode{}, err
		}
		inv := model.InviteCode{Code: code, CreatedBy: me.ID, CreatedAt: s.now().UnixMilli()}
		if err := s.st.Set(ctx, store.Join("inviteCodes", code), inv); err != nil {
			return model.InviteCode{}, err
		}
		return inv, nil
	}
	return model.InviteCode{}, fmt.Errorf("no free invite code: %w", errs.ErrConflict)
}

// ListInviteCodes returns every code, newest first.
func (s *Service) ListInviteCodes(ctx context.Context) ([]model.InviteCode, error) {
	if _, err := s.actor.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.inviteCodes(ctx)
}

func (s *Service) inviteCodes(ctx context.Context) ([]model.InviteCode, error) {
	snap, err := s.st.Get(ctx, "inviteCodes")
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]model.InviteCode, 0, len(snap.Children))
	for _, r := range snap.Children {
		var inv model.InviteCode
		if err := codec.Unmarshal(r.Value, &inv); err != nil {
			continue
		}
		inv.Code = r.Key
		out = append(out, inv)
	}
	slices.SortFunc(out, func(a, b model.InviteCode) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Code, b.Code)
	})
	return out, nil
}

// RevokeInviteCode deletes a code.
func (s *Service) RevokeInviteCode(ctx context.Context, code string) error {
	if _, err := s.actor.RequireAdmin(); err != nil {
		return err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return fmt.Errorf("code required: %w", errs.ErrInvalidInput)
	}
	if _, err := s.st.Get(ctx, store.Join("inviteCodes", code)); err != nil {
		return err
	}
	return s.st.Remove(ctx, store.Join("inviteCodes", code))
}

// SettingsPatch changes tenant settings. Nil fields are kept.
type SettingsPatch struct {
	RegistrationOpen  *bool
	RequireInviteCode *bool
	MaintenanceMode   *bool
}

// UpdateSettings merges patch into the tenant settings. Concurrent updates of
// the same field are last-write-wins.
func (s *Service) UpdateSettings(ctx context.Context, patch SettingsPatch) error {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return err
	}
	fields := map[string]any{}
	if patch.RegistrationOpen != nil {
		fields["registrationOpen"] = *patch.RegistrationOpen
	}
	if patch.RequireInviteCode != nil {
		fields["requireInviteCode"] = *patch.RequireInviteCode
	}
	if patch.MaintenanceMode != nil {
		fields["maintenanceMode"] = *patch.MaintenanceMode
	}
	if len(fields) == 0 {
		return fmt.Errorf("nothing to update: %w", errs.ErrInvalidInput)
	}
	// A tenant without stored settings runs on defaults; persist them first so
	// the merge does not drop the defaults of untouched fields.
	if _, err := s.st.Get(ctx, "settings"); errors.Is(err, errs.ErrNotFound) {
		if _, ok := fields["registrationOpen"]; !ok {
			fields["registrationOpen"] = model.DefaultSettings().RegistrationOpen
		}
	} else if err != nil {
		return err
	}
	if err := s.st.Update(ctx, "settings", fields); err != nil {
		return err
	}
	s.log.Info("settings updated", zap.String("by", me.ID), zap.Int("fields", len(fields)))
	return nil
}

// Stats summarizes a tenant.
type Stats struct {
	Users  int `json:"users"`
	Online int `json:"online"`
	Banned int `json:"banned"`
	Admins int `json:"admins"`
	Rooms  int `json:"rooms"`
	Posts  int `json:"posts"`
}

// Stats counts identities, rooms and forum posts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if _, err := s.actor.RequireAdmin(); err != nil {
		return Stats{}, err
	}
	users, err := s.identities(ctx)
	if err != nil {
		return Stats{}, err
	}
	rooms, err := s.count(ctx, "rooms")
	if err != nil {
		return Stats{}, err
	}
	posts, err := s.count(ctx, "forum")
	if err != nil {
		return Stats{}, err
	}
	return Summarize(users, rooms, posts), nil
}

// Summarize counts users by presence, ban and privilege.
func Summarize(users []model.Identity, rooms, posts int) Stats {
	st := Stats{Users: len(users), Rooms: rooms, Posts: posts}
	for _, u := range users {
		if u.Online {
			st.Online++
		}
		if u.Banned {
			st.Banned++
		}
		if u.Role.IsAdmin() {
			st.Admins++
		}
	}
	return st
}

func (s *Service) count(ctx context.Context, path string) (int, error) {
	snap, err := s.st.Get(ctx, path)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(snap.Children), nil
}

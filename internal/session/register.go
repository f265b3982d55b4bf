package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/crypto"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
)

var palette = []string{"#e91e63", "#9c27b0", "#3f51b5", "#2196f3", "#009688", "#4caf50", "#ff9800", "#795548"}

// Register creates an identity and attaches it. Uniqueness of username and
// email is checked under their normalized keys. When the tenant requires
// invite codes the code is consumed. The first identity of a tenant becomes
// its owner.
func (m *Manager) Register(ctx context.Context, r Registration) (model.Identity, error) {
	if err := r.Validate(); err != nil {
		return model.Identity{}, err
	}
	if err := m.beginAttach(); err != nil {
		return model.Identity{}, err
	}
	id, err := m.register(ctx, r)
	if err != nil {
		m.mu.Lock()
		m.state = Unattached
		m.mu.Unlock()
		return model.Identity{}, err
	}
	return m.finishAttach(ctx, id)
}

func (m *Manager) register(ctx context.Context, r Registration) (model.Identity, error) {
	settings, err := m.Settings(ctx)
	if err != nil {
		return model.Identity{}, err
	}
	if settings.MaintenanceMode {
		return model.Identity{}, errs.ErrMaintenance
	}
	if !settings.RegistrationOpen {
		return model.Identity{}, errs.ErrRegistrationClosed
	}

	code := strings.ToUpper(strings.TrimSpace(r.InviteCode))
	if settings.RequireInviteCode {
		if err := m.checkInvite(ctx, code); err != nil {
			return model.Identity{}, &FieldError{Field: "inviteCode", Err: err}
		}
	}

	key := model.UsernameKey(r.Username)
	if err := m.absent(ctx, store.Join("usernames", key)); err != nil {
		return model.Identity{}, &FieldError{Field: "username", Err: fmt.Errorf("%w: %w", errs.ErrUsernameTaken, err)}
	}
	if err := m.absent(ctx, store.Join("users", key)); err != nil {
		return model.Identity{}, &FieldError{Field: "username", Err: fmt.Errorf("%w: %w", errs.ErrUsernameTaken, err)}
	}
	emailKey := model.EmailKey(r.Email)
	if err := m.absent(ctx, store.Join("emails", emailKey)); err != nil {
		return model.Identity{}, &FieldError{Field: "email", Err: fmt.Errorf("%w: %w", errs.ErrEmailTaken, err)}
	}

	role := model.RoleMember
	if _, err := m.st.Get(ctx, "users"); errors.Is(err, errs.ErrNotFound) {
		role = model.RoleOwner
	} else if err != nil {
		return model.Identity{}, err
	}

	digest, err := crypto.Digest(r.Secret)
	if err != nil {
		return model.Identity{}, err
	}
	color := r.Color
	if color == "" {
		color = palette[rand.Intn(len(palette))]
	}
	now := m.now().UnixMilli()
	id := model.Identity{
		ID:        key,
		Username:  strings.TrimSpace(r.Username),
		Digest:    digest,
		Email:     strings.TrimSpace(r.Email),
		Role:      role,
		Color:     color,
		Origin:    strings.TrimSpace(r.Origin),
		Status:    model.StatusOnline,
		CreatedAt: now,
		LastSeen:  now,
	}

	// Writes that already succeeded are undone if a later one fails, so a
	// retry starts from a clean slate.
	var undo []string
	rollback := func(cause error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			if err := m.st.Remove(ctx, undo[i]); err != nil {
				m.log.Warn("registration rollback", zap.String("path", undo[i]), zap.Error(err))
				cause = errors.Join(cause, err)
			}
		}
		return cause
	}
	writes := []struct {
		path  string
		value any
	}{
		{store.Join("usernames", key), map[string]any{"uid": key, "username": id.Username}},
		{store.Join("emails", emailKey), map[string]any{"uid": key}},
		{store.Join("users", key), id},
	}
	for _, w := range writes {
		if err := m.st.Set(ctx, w.path, w.value); err != nil {
			return model.Identity{}, rollback(err)
		}
		undo = append(undo, w.path)
	}
	if settings.RequireInviteCode {
		if err := m.st.Update(ctx, store.Join("inviteCodes", code), map[string]any{
			"used": true, "usedBy": key, "usedAt": now,
		}); err != nil {
			return model.Identity{}, rollback(err)
		}
	}
	m.log.Info("identity registered", zap.String("identity", key), zap.String("role", string(role)))
	return id, nil
}

// absent returns nil when nothing is stored at path and errs.ErrConflict otherwise.
func (m *Manager) absent(ctx context.Context, path string) error {
	_, err := m.st.Get(ctx, path)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil
	case err != nil:
		return err
	default:
		return errs.ErrConflict
	}
}

func (m *Manager) checkInvite(ctx context.Context, code string) error {
	if code == "" {
		return errs.ErrInvalidInvite
	}
	snap, err := m.st.Get(ctx, store.Join("inviteCodes", code))
	if errors.Is(err, errs.ErrNotFound) {
		return errs.ErrInvalidInvite
	}
	if err != nil {
		return err
	}
	var inv model.InviteCode
	if err := codec.Unmarshal(snap.Value, &inv); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidInvite, err)
	}
	if inv.Used {
		return fmt.Errorf("%w: already used: %w", errs.ErrInvalidInvite, errs.ErrConflict)
	}
	return nil
}

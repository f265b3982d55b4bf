package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/livesync"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
)

// ProfileUpdate carries self-service profile changes. Nil fields are kept.
type ProfileUpdate struct {
	Color  *string
	Origin *string
}

// UpdateProfile merges the non-nil fields into the attached identity.
func (m *Manager) UpdateProfile(ctx context.Context, p ProfileUpdate) error {
	id, err := m.RequireAttached()
	if err != nil {
		return err
	}
	fields := map[string]any{}
	if p.Color != nil {
		fields["color"] = strings.TrimSpace(*p.Color)
	}
	if p.Origin != nil {
		o := strings.TrimSpace(*p.Origin)
		if o == "" {
			return &FieldError{Field: "origin", Err: fmt.Errorf("required: %w", errs.ErrInvalidInput)}
		}
		fields["origin"] = o
	}
	if len(fields) == 0 {
		return fmt.Errorf("nothing to update: %w", errs.ErrInvalidInput)
	}
	return m.st.Update(ctx, store.Join("users", id.ID), fields)
}

// SetStatus changes the presence status. Invisible identities drop their
// presence record.
func (m *Manager) SetStatus(ctx context.Context, status string) error {
	if !model.ValidStatus(status) {
		return fmt.Errorf("status %q: %w", status, errs.ErrInvalidInput)
	}
	id, err := m.RequireAttached()
	if err != nil {
		return err
	}
	if err := m.st.Update(ctx, store.Join("users", id.ID), map[string]any{"status": status}); err != nil {
		return err
	}
	if status == model.StatusInvisible {
		return m.st.Remove(ctx, store.Join("online", id.ID))
	}
	return m.st.Set(ctx, store.Join("online", id.ID), model.Presence{TS: m.now().UnixMilli(), User: id.Username})
}

// Heartbeat refreshes presence and lastSeen of the attached identity.
func (m *Manager) Heartbeat(ctx context.Context) error {
	id, err := m.RequireAttached()
	if err != nil {
		return err
	}
	now := m.now().UnixMilli()
	if err := m.st.Update(ctx, store.Join("users", id.ID), map[string]any{"lastSeen": now}); err != nil {
		return err
	}
	if id.Status == model.StatusInvisible {
		return nil
	}
	return m.st.Set(ctx, store.Join("online", id.ID), model.Presence{TS: now, User: id.Username})
}

// Watch follows the attached identity's record. Role changes are picked up;
// a ban or deletion detaches the session.
func (m *Manager) Watch(ctx context.Context, opt livesync.Options) (*livesync.Handle, error) {
	id, err := m.RequireAttached()
	if err != nil {
		return nil, err
	}
	return livesync.Watch(ctx, m.st, store.Join("users", id.ID), opt, model.DecodeIdentity, func(d livesync.Doc[model.Identity]) {
		if d.State != livesync.Live {
			return
		}
		switch {
		case !d.Exists:
			m.log.Info("identity removed remotely", zap.String("identity", id.ID))
			go m.forceDetach(context.WithoutCancel(ctx), true)
		case d.Value.Banned:
			m.log.Info("identity banned remotely", zap.String("identity", id.ID))
			go m.forceDetach(context.WithoutCancel(ctx), false)
		default:
			m.Refresh(d.Value)
		}
	}), nil
}

func (m *Manager) forceDetach(ctx context.Context, gone bool) {
	if err := m.detach(ctx, gone); err != nil {
		m.log.Warn("forced detach", zap.Error(err))
	}
}

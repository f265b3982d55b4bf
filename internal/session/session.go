// Package session resolves the acting identity of a tenant and guards every
// privileged operation behind it.
//
// State machine:
//
//	Unattached -> Attaching -> Attached
//	               Attaching -> AttachFailed (marker cleared)
//	Attached -> Unattached (logout, ban or deletion observed)
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/limiter"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
)

// State of the session.
type State int

const (
	Unattached State = iota
	Attaching
	Attached
	AttachFailed
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case AttachFailed:
		return "attach-failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Markers persists the per-tenant session marker. Implemented by localstate.Dir.
type Markers interface {
	LoadMarker(tenant string) (string, error)
	SaveMarker(tenant, username string) error
	ClearMarker(tenant string) error
}

// Config wires a Manager.
type Config struct {
	Tenant  string
	Store   store.Store
	Markers Markers
	// Limiter throttles login attempts. Optional.
	Limiter limiter.Limiter
	Logger  *zap.Logger
	Now     func() time.Time
}

// Manager tracks the current identity of one tenant.
type Manager struct {
	tenant  string
	st      store.Store
	markers Markers
	lim     limiter.Limiter
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	state    State
	current  model.Identity
	onAttach []func(model.Identity)
	onDetach []func()
}

// New constructs a Manager in the Unattached state.
func New(cfg Config) *Manager {
	m := &Manager{
		tenant:  cfg.Tenant,
		st:      cfg.Store,
		markers: cfg.Markers,
		lim:     cfg.Limiter,
		log:     cfg.Logger,
		now:     cfg.Now,
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.log = m.log.With(zap.String("tenant", cfg.Tenant))
	return m
}

// OnAttach registers fn to run after every successful attach.
func (m *Manager) OnAttach(fn func(model.Identity)) {
	m.mu.Lock()
	m.onAttach = append(m.onAttach, fn)
	m.mu.Unlock()
}

// OnDetach registers fn to run when an attached identity detaches, before the
// presence and marker cleanup. Hooks run in registration order.
func (m *Manager) OnDetach(fn func()) {
	m.mu.Lock()
	m.onDetach = append(m.onDetach, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the attached identity.
func (m *Manager) Current() (model.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Attached {
		return model.Identity{}, false
	}
	return m.current, true
}

// IsAdmin reports whether an attached identity holds the admin or owner role.
func (m *Manager) IsAdmin() bool {
	id, ok := m.Current()
	return ok && id.Role.IsAdmin()
}

// IsModerator reports whether an attached identity may moderate.
func (m *Manager) IsModerator() bool {
	id, ok := m.Current()
	return ok && id.Role.IsModerator()
}

// RequireAttached returns the attached identity or errs.ErrUnauthorized.
func (m *Manager) RequireAttached() (model.Identity, error) {
	id, ok := m.Current()
	if !ok {
		return model.Identity{}, fmt.Errorf("no identity attached: %w", errs.ErrUnauthorized)
	}
	return id, nil
}

// RequireAdmin returns the attached admin or errs.ErrUnauthorized.
func (m *Manager) RequireAdmin() (model.Identity, error) {
	id, err := m.RequireAttached()
	if err != nil {
		return model.Identity{}, err
	}
	if !id.Role.IsAdmin() {
		return model.Identity{}, fmt.Errorf("admin role required: %w", errs.ErrUnauthorized)
	}
	return id, nil
}

// RequireModerator returns the attached moderator or errs.ErrUnauthorized.
func (m *Manager) RequireModerator() (model.Identity, error) {
	id, err := m.RequireAttached()
	if err != nil {
		return model.Identity{}, err
	}
	if !id.Role.IsModerator() {
		return model.Identity{}, fmt.Errorf("moderator role required: %w", errs.ErrUnauthorized)
	}
	return id, nil
}

// Settings reads the tenant settings, falling back to defaults when unset.
func (m *Manager) Settings(ctx context.Context) (model.ServerSettings, error) {
	snap, err := m.st.Get(ctx, "settings")
	if errors.Is(err, errs.ErrNotFound) || (err == nil && snap.Value == nil) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.ServerSettings{}, err
	}
	s := model.DefaultSettings()
	if err := decode(snap.Value, &s); err != nil {
		return model.ServerSettings{}, err
	}
	return s, nil
}

func (m *Manager) lookup(ctx context.Context, key string) (model.Identity, error) {
	snap, err := m.st.Get(ctx, store.Join("users", key))
	if err != nil {
		return model.Identity{}, err
	}
	if snap.Value == nil {
		return model.Identity{}, fmt.Errorf("identity %q: %w", key, errs.ErrNotFound)
	}
	return model.DecodeIdentity(key, snap.Value)
}

// beginAttach moves to Attaching unless an identity is attached or attaching.
func (m *Manager) beginAttach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Attached:
		return fmt.Errorf("already attached as %q: %w", m.current.Username, errs.ErrConflict)
	case Attaching:
		return fmt.Errorf("attach in progress: %w", errs.ErrConflict)
	}
	m.state = Attaching
	return nil
}

// failAttach records AttachFailed and drops the local marker.
func (m *Manager) failAttach(cause error) {
	m.mu.Lock()
	m.state = AttachFailed
	m.current = model.Identity{}
	m.mu.Unlock()
	if err := m.markers.ClearMarker(m.tenant); err != nil {
		m.log.Warn("clear session marker", zap.Error(err))
	}
	m.log.Info("attach failed", zap.Error(cause))
}

// finishAttach marks the identity online, remembers it locally and runs hooks.
func (m *Manager) finishAttach(ctx context.Context, id model.Identity) (model.Identity, error) {
	now := m.now().UnixMilli()
	if err := m.st.Update(ctx, store.Join("users", id.ID), map[string]any{"online": true, "lastSeen": now}); err != nil {
		m.failAttach(err)
		return model.Identity{}, err
	}
	if id.Status != model.StatusInvisible {
		if err := m.st.Set(ctx, store.Join("online", id.ID), model.Presence{TS: now, User: id.Username}); err != nil {
			m.failAttach(err)
			return model.Identity{}, err
		}
	}
	if err := m.markers.SaveMarker(m.tenant, id.ID); err != nil {
		m.failAttach(err)
		return model.Identity{}, err
	}
	id.Online, id.LastSeen = true, now

	m.mu.Lock()
	m.state = Attached
	m.current = id
	hooks := append([]func(model.Identity){}, m.onAttach...)
	m.mu.Unlock()

	m.log.Info("attached", zap.String("identity", id.ID), zap.String("role", string(id.Role)))
	for _, h := range hooks {
		h(id)
	}
	return id, nil
}

// Resume re-attaches the identity remembered by the local marker. It reports
// false with a nil error when there is no marker.
func (m *Manager) Resume(ctx context.Context) (bool, error) {
	key, err := m.markers.LoadMarker(m.tenant)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := m.beginAttach(); err != nil {
		return false, err
	}
	id, err := m.lookup(ctx, key)
	if err == nil {
		err = m.admissible(ctx, id)
	}
	if err != nil {
		m.failAttach(err)
		return false, err
	}
	if _, err := m.finishAttach(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// admissible rejects banned identities and non-admins during maintenance.
func (m *Manager) admissible(ctx context.Context, id model.Identity) error {
	if id.Banned {
		if id.BanReason != "" {
			return fmt.Errorf("%w: %s", errs.ErrBanned, id.BanReason)
		}
		return errs.ErrBanned
	}
	if id.Role.IsAdmin() {
		return nil
	}
	s, err := m.Settings(ctx)
	if err != nil {
		return err
	}
	if s.MaintenanceMode {
		return errs.ErrMaintenance
	}
	return nil
}

// Logout detaches the current identity: dependent subscriptions are torn
// down through the detach hooks, then presence and the local marker are
// cleared. Logging out while unattached is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	return m.detach(ctx, false)
}

// detach implements Logout. When gone is set the identity record no longer
// exists and is not written to.
func (m *Manager) detach(ctx context.Context, gone bool) error {
	m.mu.Lock()
	if m.state != Attached {
		m.mu.Unlock()
		return nil
	}
	id := m.current
	m.state = Unattached
	m.current = model.Identity{}
	hooks := append([]func(){}, m.onDetach...)
	m.mu.Unlock()

	for _, h := range hooks {
		h()
	}

	var errList []error
	if !gone {
		if err := m.st.Update(ctx, store.Join("users", id.ID), map[string]any{
			"online": false, "lastSeen": m.now().UnixMilli(),
		}); err != nil {
			errList = append(errList, err)
		}
	}
	if err := m.st.Remove(ctx, store.Join("online", id.ID)); err != nil {
		errList = append(errList, err)
	}
	if err := m.markers.ClearMarker(m.tenant); err != nil {
		errList = append(errList, err)
	}
	m.log.Info("detached", zap.String("identity", id.ID))
	return errors.Join(errList...)
}

// Refresh replaces the cached identity with a newer copy of the same record.
func (m *Manager) Refresh(id model.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Attached && m.current.ID == id.ID {
		id.Online = true
		m.current = id
	}
}

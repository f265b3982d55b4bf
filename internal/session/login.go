package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/crypto"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
)

func decode(raw []byte, v any) error { return codec.Unmarshal(raw, v) }

// Login attaches the identity whose case-insensitive username and secret match.
// It fails with errs.ErrNotFound, errs.ErrWrongSecret, errs.ErrBanned,
// errs.ErrMaintenance or errs.ErrRateLimited.
func (m *Manager) Login(ctx context.Context, username, secret string) (model.Identity, error) {
	key := model.UsernameKey(username)
	if key == "" {
		return model.Identity{}, &FieldError{Field: "username", Err: fmt.Errorf("required: %w", errs.ErrInvalidInput)}
	}
	if secret == "" {
		return model.Identity{}, &FieldError{Field: "secret", Err: fmt.Errorf("required: %w", errs.ErrInvalidInput)}
	}
	if err := m.beginAttach(); err != nil {
		return model.Identity{}, err
	}
	id, err := m.authenticate(ctx, key, secret)
	if err != nil {
		m.failAttach(err)
		return model.Identity{}, err
	}
	return m.finishAttach(ctx, id)
}

func (m *Manager) authenticate(ctx context.Context, key, secret string) (model.Identity, error) {
	if m.lim != nil {
		allowed, retry, err := m.lim.Allow(ctx, key)
		if err != nil {
			return model.Identity{}, err
		}
		if !allowed {
			return model.Identity{}, fmt.Errorf("retry in %s: %w", retry.Round(time.Second), errs.ErrRateLimited)
		}
	}

	id, err := m.lookup(ctx, key)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Identity{}, m.failure(ctx, key, err)
		}
		return model.Identity{}, err
	}
	ok, rehash := crypto.Verify(secret, id.Digest)
	if !ok {
		return model.Identity{}, m.failure(ctx, key, errs.ErrWrongSecret)
	}
	if m.lim != nil {
		if err := m.lim.Success(ctx, key); err != nil {
			m.log.Warn("reset login limiter", zap.Error(err))
		}
	}
	if err := m.admissible(ctx, id); err != nil {
		return model.Identity{}, err
	}
	if rehash {
		if err := m.upgradeDigest(ctx, &id, secret); err != nil {
			return model.Identity{}, err
		}
	}
	return id, nil
}

// failure records a failed attempt and returns cause, or ErrRateLimited once
// the limiter blocks the username.
func (m *Manager) failure(ctx context.Context, key string, cause error) error {
	if m.lim == nil {
		return cause
	}
	blocked, _, err := m.lim.Failure(ctx, key)
	if err != nil {
		m.log.Warn("record login failure", zap.Error(err))
		return cause
	}
	if blocked {
		return fmt.Errorf("%w: %w", cause, errs.ErrRateLimited)
	}
	return cause
}

// upgradeDigest replaces a legacy or outdated digest after a successful login.
func (m *Manager) upgradeDigest(ctx context.Context, id *model.Identity, secret string) error {
	d, err := crypto.Digest(secret)
	if err != nil {
		return err
	}
	if err := m.st.Update(ctx, store.Join("users", id.ID), map[string]any{"passwordHash": d}); err != nil {
		return err
	}
	id.Digest = d
	m.log.Info("credential digest upgraded", zap.String("identity", id.ID))
	return nil
}

// Package limiter throttles login attempts per username.
package limiter

import (
	"context"
	"sync"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether login is currently allowed and optional retry-after.
	Allow(ctx context.Context, username string) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, username string) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, username string) (bool, time.Duration, error)
}

// Memory is an in-process limiter with a sliding window and lockout.
type Memory struct {
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now, entries: map[string]*entry{}}
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, username string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[username]
	if !ok {
		return true, 0, nil
	}
	if now := m.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success implements Limiter.
func (m *Memory) Success(_ context.Context, username string) error {
	m.mu.Lock()
	delete(m.entries, username)
	m.mu.Unlock()
	return nil
}

// Failure implements Limiter.
func (m *Memory) Failure(_ context.Context, username string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.entries[username]
	if !ok || now.Sub(e.updatedAt) > m.window {
		e = &entry{}
		m.entries[username] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= m.maxFails {
		e.blockedUntil = now.Add(m.blockFor)
		return true, m.blockFor, nil
	}
	return false, 0, nil
}

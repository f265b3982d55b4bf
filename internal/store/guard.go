package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/livechat/internal/errs"
)

// Recorder observes remote calls.
type Recorder interface {
	ObserveCall(op string, err error, d time.Duration)
}

// Guarded decorates a Store with a per-call deadline and call observation.
// Calls exceeding the deadline fail with errs.ErrTimeout.
type Guarded struct {
	next    Store
	timeout time.Duration
	rec     Recorder
}

// WithTimeout wraps s so every call is bounded by d. rec may be nil.
func WithTimeout(s Store, d time.Duration, rec Recorder) *Guarded {
	return &Guarded{next: s, timeout: d, rec: rec}
}

func (g *Guarded) call(ctx context.Context, op, path string, f func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := time.Now()
	err := f(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errs.ErrTimeout) {
		err = fmt.Errorf("%s %s: %w", op, path, errs.ErrTimeout)
	}
	if g.rec != nil {
		g.rec.ObserveCall(op, err, time.Since(start))
	}
	return err
}

// Get implements Store.
func (g *Guarded) Get(ctx context.Context, path string) (snap Snapshot, err error) {
	err = g.call(ctx, "get", path, func(ctx context.Context) error {
		snap, err = g.next.Get(ctx, path)
		return err
	})
	return snap, err
}

// Subscribe implements Store. Only attaching is bounded; deliveries are not.
func (g *Guarded) Subscribe(ctx context.Context, path string, q Query, fn Listener) (sub Subscription, err error) {
	err = g.call(ctx, "subscribe", path, func(ctx context.Context) error {
		sub, err = g.next.Subscribe(ctx, path, q, fn)
		return err
	})
	return sub, err
}

// Set implements Store.
func (g *Guarded) Set(ctx context.Context, path string, value any) error {
	return g.call(ctx, "set", path, func(ctx context.Context) error {
		return g.next.Set(ctx, path, value)
	})
}

// Update implements Store.
func (g *Guarded) Update(ctx context.Context, path string, fields map[string]any) error {
	return g.call(ctx, "update", path, func(ctx context.Context) error {
		return g.next.Update(ctx, path, fields)
	})
}

// Remove implements Store.
func (g *Guarded) Remove(ctx context.Context, path string) error {
	return g.call(ctx, "remove", path, func(ctx context.Context) error {
		return g.next.Remove(ctx, path)
	})
}

// Push implements Store.
func (g *Guarded) Push(ctx context.Context, path string, value any) (key string, err error) {
	err = g.call(ctx, "push", path, func(ctx context.Context) error {
		key, err = g.next.Push(ctx, path, value)
		return err
	})
	return key, err
}

// Close implements Store.
func (g *Guarded) Close() error { return g.next.Close() }

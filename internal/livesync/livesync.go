// Package livesync keeps local projections of remote collections current.
//
// A Handle owns one store subscription. Every delivery carries the whole
// current projection, never a diff. When the subscription breaks, the
// projection is reset to empty, the error is delivered, and the handle
// reconnects with exponential backoff until it is unsubscribed.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/store"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// State describes the freshness of a projection.
type State int

const (
	// Loading means no snapshot has arrived yet.
	Loading State = iota
	// Live means the projection mirrors the latest remote snapshot.
	Live
	// Unavailable means the subscription failed; the projection is empty.
	Unavailable
	// Closed means the handle was unsubscribed.
	Closed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Live:
		return "live"
	case Unavailable:
		return "unavailable"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Observer receives subscription telemetry. Implemented by metrics.Metrics.
type Observer interface {
	Delivered(path string)
	Failed(path string)
	Reconnecting(path string)
	Active(delta int)
}

// Options configure a subscription.
type Options struct {
	OrderBy     string
	LimitToLast int
	// Desc orders items newest first after windowing.
	Desc bool

	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
	Observer   Observer
}

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Handle is a live subscription. Its listener runs with the handle locked and
// must not call Unsubscribe on the same handle.
type Handle struct {
	src     store.Store
	path    string
	opt     Options
	log     *zap.Logger
	deliver func(snap store.Snapshot, st State, err error)

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu      sync.Mutex
	closed  bool
	gen     uint64
	sub     store.Subscription
	state   State
	backoff retry.Backoff
}

func newHandle(ctx context.Context, src store.Store, path string, opt Options, deliver func(store.Snapshot, State, error)) *Handle {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.MinBackoff <= 0 {
		opt.MinBackoff = defaultMinBackoff
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = defaultMaxBackoff
	}
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		src:     src,
		path:    path,
		opt:     opt,
		log:     opt.Logger.With(zap.String("path", path)),
		deliver: deliver,
		ctx:     hctx,
		cancel:  cancel,
	}
	if opt.Observer != nil {
		opt.Observer.Active(1)
	}
	if err := h.attach(); err != nil {
		h.mu.Lock()
		h.failLocked(err)
		h.mu.Unlock()
	}
	return h
}

// State returns the current projection state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Path returns the subscribed path.
func (h *Handle) Path() string { return h.path }

// Unsubscribe stops delivery. Once it returns no listener call is in flight or
// will follow. Safe to call more than once.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.state = Closed
		sub := h.sub
		h.sub = nil
		h.mu.Unlock()

		h.cancel()
		if sub != nil {
			sub.Close()
		}
		if h.opt.Observer != nil {
			h.opt.Observer.Active(-1)
		}
	})
}

func (h *Handle) attach() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	sub, err := h.src.Subscribe(h.ctx, h.path, store.Query{OrderBy: h.opt.OrderBy, LimitToLast: h.opt.LimitToLast},
		func(snap store.Snapshot, err error) { h.on(gen, snap, err) })
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || gen != h.gen {
		sub.Close()
		return nil
	}
	h.sub = sub
	return nil
}

func (h *Handle) on(gen uint64, snap store.Snapshot, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || gen != h.gen {
		return
	}
	if err != nil {
		h.failLocked(err)
		return
	}
	h.backoff = nil
	h.state = Live
	if h.opt.Observer != nil {
		h.opt.Observer.Delivered(h.path)
	}
	h.deliver(snap, Live, nil)
}

// failLocked resets the projection, reports err and schedules a reconnect.
func (h *Handle) failLocked(err error) {
	if !errors.Is(err, errs.ErrRemoteUnavailable) && !errors.Is(err, errs.ErrTimeout) {
		err = fmt.Errorf("%w: %w", errs.ErrRemoteUnavailable, err)
	}
	h.log.Warn("subscription failed", zap.Error(err))
	if h.opt.Observer != nil {
		h.opt.Observer.Failed(h.path)
	}
	h.state = Unavailable
	h.deliver(store.Snapshot{Path: h.path}, Unavailable, err)

	old := h.sub
	h.sub = nil
	h.gen++
	go func() {
		if old != nil {
			old.Close()
		}
		h.reconnect()
	}()
}

func (h *Handle) nextDelay() (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, false
	}
	if h.backoff == nil {
		b := retry.NewExponential(h.opt.MinBackoff)
		b = retry.WithCappedDuration(h.opt.MaxBackoff, b)
		h.backoff = retry.WithJitterPercent(10, b)
	}
	d, stop := h.backoff.Next()
	if stop {
		d = h.opt.MaxBackoff
	}
	return d, true
}

func (h *Handle) reconnect() {
	for {
		d, ok := h.nextDelay()
		if !ok {
			return
		}
		t := time.NewTimer(d)
		select {
		case <-h.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if h.opt.Observer != nil {
			h.opt.Observer.Reconnecting(h.path)
		}
		h.log.Debug("resubscribing", zap.Duration("after", d))
		err := h.attach()
		if err == nil {
			return
		}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		if !errors.Is(err, errs.ErrRemoteUnavailable) && !errors.Is(err, errs.ErrTimeout) {
			err = fmt.Errorf("%w: %w", errs.ErrRemoteUnavailable, err)
		}
		h.log.Warn("resubscribe failed", zap.Error(err))
		h.deliver(store.Snapshot{Path: h.path}, Unavailable, err)
		h.mu.Unlock()
	}
}

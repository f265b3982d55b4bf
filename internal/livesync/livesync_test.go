package livesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/store"
	"github.com/and161185/livechat/internal/store/memstore"
	"github.com/stretchr/testify/require"
)

// fakeStore hands out subscriptions whose listeners the test drives by hand.
type fakeStore struct {
	store.Store

	mu        sync.Mutex
	listeners []store.Listener
	failNext  int
	subs      int
}

type fakeSub struct{ closed atomic.Bool }

func (s *fakeSub) Close() { s.closed.Store(true) }

func (f *fakeStore) Subscribe(_ context.Context, _ string, _ store.Query, fn store.Listener) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("dial failed")
	}
	f.subs++
	f.listeners = append(f.listeners, fn)
	return &fakeSub{}, nil
}

func (f *fakeStore) emit(snap store.Snapshot, err error) {
	f.mu.Lock()
	ls := append([]store.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l(snap, err)
	}
}

func (f *fakeStore) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs
}

type msg struct {
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

func children(pairs ...string) store.Snapshot {
	snap := store.Snapshot{Path: "msgs/general"}
	for i := 0; i+1 < len(pairs); i += 2 {
		snap.Children = append(snap.Children, store.Record{Key: pairs[i], Value: []byte(pairs[i+1])})
	}
	return snap
}

func fastOpts() Options {
	return Options{OrderBy: "ts", MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestSubscribe_NoDeliveryAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	var calls atomic.Int32
	h := Subscribe(context.Background(), fs, "msgs/general", fastOpts(), JSON[msg], func(View[msg]) {
		calls.Add(1)
	})

	fs.emit(children("a", `{"text":"x","ts":1}`), nil)
	require.EqualValues(t, 1, calls.Load())

	h.Unsubscribe()
	h.Unsubscribe()

	fs.emit(children("a", `{"text":"x","ts":1}`, "b", `{"text":"y","ts":2}`), nil)
	fs.emit(store.Snapshot{}, errors.New("late failure"))
	require.EqualValues(t, 1, calls.Load(), "callback invoked after unsubscribe")
	require.Equal(t, Closed, h.State())
}

func TestSubscribe_SortsAscendingAndSkipsBadRecords(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	var got View[msg]
	h := Subscribe(context.Background(), fs, "msgs/general", fastOpts(), JSON[msg], func(v View[msg]) { got = v })
	defer h.Unsubscribe()

	fs.emit(children(
		"c", `{"text":"third","ts":3}`,
		"a", `{"text":"first","ts":1}`,
		"bad", `{"text":`,
		"b", `{"text":"second","ts":2}`,
	), nil)

	require.Equal(t, Live, got.State)
	require.Len(t, got.Items, 3)
	require.Equal(t, []string{"first", "second", "third"},
		[]string{got.Items[0].Value.Text, got.Items[1].Value.Text, got.Items[2].Value.Text})
}

func TestSubscribe_ErrorResetsAndReconnects(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	views := make(chan View[msg], 16)
	h := Subscribe(context.Background(), fs, "msgs/general", fastOpts(), JSON[msg], func(v View[msg]) { views <- v })
	defer h.Unsubscribe()

	fs.emit(children("a", `{"text":"x","ts":1}`), nil)
	require.Len(t, (<-views).Items, 1)

	fs.mu.Lock()
	fs.failNext = 1
	fs.mu.Unlock()
	fs.emit(store.Snapshot{}, errors.New("link down"))

	v := <-views
	require.Equal(t, Unavailable, v.State)
	require.Empty(t, v.Items)
	require.ErrorIs(t, v.Err, errs.ErrRemoteUnavailable)

	v = <-views
	require.Equal(t, Unavailable, v.State, "failed resubscribe is reported")

	require.Eventually(t, func() bool { return fs.subscriptions() == 2 }, time.Second, time.Millisecond)

	fs.emit(children("a", `{"text":"x","ts":1}`, "b", `{"text":"y","ts":2}`), nil)
	v = <-views
	require.Equal(t, Live, v.State)
	require.Len(t, v.Items, 2)
}

func TestSubscribe_InitialFailureReconnects(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{failNext: 1}
	views := make(chan View[msg], 4)
	h := Subscribe(context.Background(), fs, "msgs/general", fastOpts(), JSON[msg], func(v View[msg]) { views <- v })
	defer h.Unsubscribe()

	require.Equal(t, Unavailable, (<-views).State)
	require.Eventually(t, func() bool { return fs.subscriptions() == 1 }, time.Second, time.Millisecond)
}

func TestSubscribe_DescAndWindowOverMemstore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ms := memstore.New(nil)
	defer ms.Close()

	for i := 1; i <= 150; i++ {
		_, err := ms.Push(ctx, "msgs/general", msg{Text: "m", TS: int64(i)})
		require.NoError(t, err)
	}

	views := make(chan View[msg], 64)
	opt := fastOpts()
	opt.LimitToLast = 100
	h := Subscribe(ctx, ms, "msgs/general", opt, JSON[msg], func(v View[msg]) { views <- v })
	defer h.Unsubscribe()

	v := <-views
	require.Len(t, v.Items, 100)
	require.EqualValues(t, 51, v.Items[0].Value.TS)
	require.EqualValues(t, 150, v.Items[99].Value.TS)
}

func TestWatch_MissingAndPresent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ms := memstore.New(nil)
	defer ms.Close()

	docs := make(chan Doc[msg], 8)
	h := Watch(ctx, ms, "settings", fastOpts(), JSON[msg], func(d Doc[msg]) { docs <- d })
	defer h.Unsubscribe()

	d := <-docs
	require.False(t, d.Exists)
	require.Equal(t, Live, d.State)

	require.NoError(t, ms.Set(ctx, "settings", msg{Text: "on"}))
	require.Eventually(t, func() bool {
		select {
		case d = <-docs:
			return d.Exists && d.Value.Text == "on"
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

type countingCanceler struct {
	name  string
	order *[]string
}

func (c countingCanceler) Unsubscribe() { *c.order = append(*c.order, c.name) }

func TestRegistry_SwapAndOrderedClose(t *testing.T) {
	t.Parallel()

	var order []string
	r := NewRegistry()
	for _, n := range []string{"rooms", "messages", "friends", "forum"} {
		n := n
		r.Swap(n, func() Canceler { return countingCanceler{name: n, order: &order} })
	}

	opened := false
	r.Swap("messages", func() Canceler {
		require.Equal(t, []string{"messages"}, order, "previous handle must be cancelled before opening")
		opened = true
		return countingCanceler{name: "messages2", order: &order}
	})
	require.True(t, opened)

	order = nil
	r.Close("rooms", "messages", "friends", "forum")
	require.Equal(t, []string{"rooms", "messages2", "friends", "forum"}, order)
	require.Empty(t, r.Active())

	r.Close("rooms")
	require.Len(t, order, 4)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/and161185/livechat/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	t.Parallel()

	p, err := Clean("/msgs/general/")
	require.NoError(t, err)
	require.Equal(t, "msgs/general", p)

	for _, bad := range []string{"", "/", "a//b", "a/../b", "a/b#", "rooms/$x"} {
		_, err := Clean(bad)
		require.ErrorIs(t, err, errs.ErrInvalidInput, "path %q", bad)
	}
}

func TestParentBaseRelated(t *testing.T) {
	t.Parallel()

	require.Equal(t, "msgs/general", Parent("msgs/general/k1"))
	require.Equal(t, "", Parent("settings"))
	require.Equal(t, "k1", Base("msgs/general/k1"))
	require.Equal(t, "settings", Base("settings"))

	require.True(t, Related("msgs/general", "msgs/general/k1"))
	require.True(t, Related("msgs/general", "msgs"))
	require.True(t, Related("settings", "settings"))
	require.False(t, Related("msgs/general", "msgs/generalx/k1"))
	require.False(t, Related("rooms", "users/ada"))
}

func rec(key, value string) Record { return Record{Key: key, Value: []byte(value)} }

func TestWindow_LastNThenAscending(t *testing.T) {
	t.Parallel()

	var recs []Record
	for i := 150; i >= 1; i-- {
		recs = append(recs, rec(fmt.Sprintf("k%03d", i), fmt.Sprintf(`{"ts":%d}`, i*1000)))
	}
	got := Window(recs, Query{OrderBy: "ts", LimitToLast: 100})
	require.Len(t, got, 100)
	require.Equal(t, "k051", got[0].Key)
	require.Equal(t, "k150", got[99].Key)
}

func TestOrder_MissingFirstTiesByKey(t *testing.T) {
	t.Parallel()

	recs := []Record{
		rec("c", `{"ts":5}`),
		rec("b", `{"ts":5}`),
		rec("a", `{"text":"no ts"}`),
		rec("d", `{"ts":"later"}`),
	}
	Order(recs, "ts", false)
	keys := []string{recs[0].Key, recs[1].Key, recs[2].Key, recs[3].Key}
	require.Equal(t, []string{"a", "b", "c", "d"}, keys)

	Order(recs, "ts", true)
	require.Equal(t, "d", recs[0].Key)
	require.Equal(t, "a", recs[3].Key)

	Order(recs, "", false)
	require.Equal(t, "a", recs[0].Key)
}

func TestMerge(t *testing.T) {
	t.Parallel()

	b, err := Merge([]byte(`{"text":"a","likes":{"ada":true}}`), map[string]any{
		"text":      "b",
		"edited":    true,
		"likes/bob": true,
		"likes/ada": nil,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"b","edited":true,"likes":{"bob":true}}`, string(b))

	b, err = Merge([]byte(`{"a":1}`), map[string]any{"a": nil})
	require.NoError(t, err)
	require.Nil(t, b)

	b, err = Merge(nil, map[string]any{"x/y": nil})
	require.NoError(t, err)
	require.Nil(t, b)

	_, err = Merge(nil, map[string]any{"x//y": 1})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestHub_InitialChangeAndClose(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	value := "v1"
	h := NewHub(func(_ context.Context, path string, _ Query) (Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		return Snapshot{Path: path, Value: []byte(value)}, nil
	}, nil)
	defer h.Close()

	got := make(chan string, 16)
	sub := h.Subscribe("settings", Query{}, func(s Snapshot, err error) {
		require.NoError(t, err)
		got <- string(s.Value)
	})
	require.Equal(t, "v1", <-got)

	mu.Lock()
	value = "v2"
	mu.Unlock()
	h.Changed("settings")
	require.Equal(t, "v2", <-got)

	h.Changed("users/ada")
	select {
	case v := <-got:
		t.Fatalf("unrelated change delivered %q", v)
	case <-time.After(50 * time.Millisecond):
	}

	sub.Close()
	sub.Close()
	require.Equal(t, 0, h.Len())
}

func TestHub_FailDeliversError(t *testing.T) {
	t.Parallel()

	h := NewHub(func(_ context.Context, path string, _ Query) (Snapshot, error) {
		return Snapshot{Path: path, Value: []byte("x")}, nil
	}, nil)
	defer h.Close()

	errsCh := make(chan error, 4)
	h.Subscribe("rooms", Query{}, func(_ Snapshot, err error) { errsCh <- err })
	require.NoError(t, <-errsCh)

	boom := errors.New("link down")
	h.Fail(boom)
	require.ErrorIs(t, <-errsCh, boom)
}

type slowStore struct{ Store }

func (slowStore) Get(ctx context.Context, _ string) (Snapshot, error) {
	<-ctx.Done()
	return Snapshot{}, ctx.Err()
}

type recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recorder) ObserveCall(op string, _ error, _ time.Duration) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func TestGuarded_TimeoutMapsToErrTimeout(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	g := WithTimeout(slowStore{}, 10*time.Millisecond, rec)
	_, err := g.Get(context.Background(), "settings")
	require.ErrorIs(t, err, errs.ErrTimeout)
	require.Equal(t, []string{"get"}, rec.ops)
}

func TestNewKey_Ordered(t *testing.T) {
	t.Parallel()

	a, err := NewKey()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := NewKey()
	require.NoError(t, err)
	require.Less(t, a, b)
}

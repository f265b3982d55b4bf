package metrics

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/livesync"
	"github.com/and161185/livechat/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var (
	_ store.Recorder    = (*Metrics)(nil)
	_ livesync.Observer = (*Metrics)(nil)
)

func TestKind(t *testing.T) {
	t.Parallel()

	require.Equal(t, "msgs", Kind("msgs/general"))
	require.Equal(t, "friends", Kind("/friends/ada/"))
	require.Equal(t, "settings", Kind("settings"))
	require.Equal(t, "root", Kind(""))
}

func TestObserver(t *testing.T) {
	t.Parallel()

	m := New()
	m.Delivered("msgs/general")
	m.Delivered("msgs/random")
	m.Failed("rooms")
	m.Reconnecting("rooms")
	m.Active(1)
	m.Active(1)
	m.Active(-1)

	require.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("msgs")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("rooms")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("rooms")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.active))
}

func TestObserveCall(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveCall("get", nil, time.Millisecond)
	m.ObserveCall("get", fmt.Errorf("get users/x: %w", errs.ErrNotFound), time.Millisecond)
	m.ObserveCall("set", errs.ErrTimeout, time.Second)
	m.ObserveCall("set", errors.New("boom"), time.Second)

	require.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("get", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("get", "not_found")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("set", "timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("set", "error")))
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.Delivered("users")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `livechat_subscription_deliveries_total{path_kind="users"} 1`))
}

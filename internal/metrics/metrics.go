// Package metrics exposes client telemetry for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/livechat/internal/errs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics implements store.Recorder and livesync.Observer.
type Metrics struct {
	reg prometheus.Gatherer

	deliveries *prometheus.CounterVec
	failures   *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	calls      *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	active     prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_subscription_deliveries_total",
			Help: "Snapshots delivered to local projections",
		}, []string{"path_kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_subscription_errors_total",
			Help: "Subscription failures",
		}, []string{"path_kind"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_subscription_reconnects_total",
			Help: "Resubscribe attempts after a failure",
		}, []string{"path_kind"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_remote_calls_total",
			Help: "Calls made to the remote store",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livechat_remote_call_duration_seconds",
			Help:    "Remote store call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livechat_active_subscriptions",
			Help: "Current number of open subscriptions",
		}),
	}
	reg.MustRegister(m.deliveries, m.failures, m.reconnects, m.calls, m.latency, m.active)
	return m
}

// Kind reduces a path to its collection name so label cardinality stays
// bounded: "msgs/general" and "msgs/random" both count as "msgs".
func Kind(path string) string {
	kind, _, _ := strings.Cut(strings.Trim(path, "/"), "/")
	if kind == "" {
		return "root"
	}
	return kind
}

// Delivered implements livesync.Observer.
func (m *Metrics) Delivered(path string) { m.deliveries.WithLabelValues(Kind(path)).Inc() }

// Failed implements livesync.Observer.
func (m *Metrics) Failed(path string) { m.failures.WithLabelValues(Kind(path)).Inc() }

// Reconnecting implements livesync.Observer.
func (m *Metrics) Reconnecting(path string) { m.reconnects.WithLabelValues(Kind(path)).Inc() }

// Active implements livesync.Observer.
func (m *Metrics) Active(delta int) { m.active.Add(float64(delta)) }

// ObserveCall implements store.Recorder.
func (m *Metrics) ObserveCall(op string, err error, d time.Duration) {
	m.calls.WithLabelValues(op, result(err)).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrTimeout):
		return "timeout"
	case errors.Is(err, errs.ErrRemoteUnavailable):
		return "unavailable"
	}
	return "error"
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

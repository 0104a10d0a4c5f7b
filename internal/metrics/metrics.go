// Package metrics exposes the daemon's Prometheus metrics and the small
// ops HTTP endpoint that serves them.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon-wide instruments. One instance is shared by
// the scheduler and all stage runs.
type Metrics struct {
	reg *prometheus.Registry

	stageRuns     *prometheus.CounterVec
	itemsSynced   *prometheus.CounterVec
	itemsFailed   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	tickErrors    *prometheus.CounterVec
	activeTenants prometheus.Gauge
}

// New builds the instrument set on a private registry so tests can run
// several instances without collisions.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.stageRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_stage_runs_total",
		Help: "Completed stage runs by stage and outcome status.",
	}, []string{"stage", "status"})
	m.itemsSynced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_items_synced_total",
		Help: "Records successfully archived, by stage.",
	}, []string{"stage"})
	m.itemsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_items_failed_total",
		Help: "Records that failed to archive, by stage.",
	}, []string{"stage"})
	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archiver_stage_duration_seconds",
		Help:    "Wall time of one stage run.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})
	m.tickErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_tick_errors_total",
		Help: "Tenant ticks aborted before stages could run, by reason.",
	}, []string{"reason"})
	m.activeTenants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "archiver_active_tenants",
		Help: "Active tenants seen by the last scheduler poll.",
	})

	m.reg.MustRegister(m.stageRuns, m.itemsSynced, m.itemsFailed,
		m.stageDuration, m.tickErrors, m.activeTenants)
	return m
}

// ObserveStage records one finished stage run.
func (m *Metrics) ObserveStage(stage, status string, synced, failed int, dur time.Duration) {
	m.stageRuns.WithLabelValues(stage, status).Inc()
	m.itemsSynced.WithLabelValues(stage).Add(float64(synced))
	m.itemsFailed.WithLabelValues(stage).Add(float64(failed))
	m.stageDuration.WithLabelValues(stage).Observe(dur.Seconds())
}

// TickError counts a tenant tick that never reached its stages.
func (m *Metrics) TickError(reason string) {
	m.tickErrors.WithLabelValues(reason).Inc()
}

// SetActiveTenants records the tenant count of the latest poll.
func (m *Metrics) SetActiveTenants(n int) {
	m.activeTenants.Set(float64(n))
}

// Handler returns the scrape handler for this instrument set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve runs the ops endpoint until ctx is cancelled. A healthz probe
// and the Prometheus scrape path are all it carries.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("ops endpoint listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

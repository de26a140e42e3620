// Package metrics implements Prometheus-backed counters and gauges for the
// worker pool and per-session outcomes. The parent and each worker process
// keep their own registry and, when configured, each starts its own
// /metrics server; there is no cross-process aggregation, matching the
// pool's no-shared-state design.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records pool and session metrics for one process (parent or
// worker).
type Collector struct {
	workersLive    prometheus.Gauge
	sessionsTotal  prometheus.Counter
	filterFailures prometheus.Counter
	filterDuration prometheus.Histogram
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		workersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtprelay_workers_live",
			Help: "Number of live preforked worker processes.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtprelay_sessions_total",
			Help: "Total number of SMTP sessions served.",
		}),
		filterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtprelay_filter_failures_total",
			Help: "Total number of sessions aborted due to filter pipeline failure.",
		}),
		filterDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtprelay_filter_duration_seconds",
			Help:    "Time spent running the filter pipeline per session.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(c.workersLive, c.sessionsTotal, c.filterFailures, c.filterDuration)
	return c
}

// WorkersLive sets the live worker gauge. Called by the parent only.
func (c *Collector) WorkersLive(n int) {
	c.workersLive.Set(float64(n))
}

// SessionServed increments the sessions-served counter. Called by a worker
// after each completed session, successful or not.
func (c *Collector) SessionServed() {
	c.sessionsTotal.Inc()
}

// FilterFailed increments the filter-failure counter.
func (c *Collector) FilterFailed() {
	c.filterFailures.Inc()
}

// FilterDuration records how long a filter pipeline run took.
func (c *Collector) FilterDuration(d time.Duration) {
	c.filterDuration.Observe(d.Seconds())
}

// Server serves Prometheus metrics in text format over HTTP.
type Server struct {
	server *http.Server
}

// NewServer creates a Server that will serve reg's metrics at path on addr.
// It also forwards "/debug/" to http.DefaultServeMux, so the in-memory
// request/event traces that golang.org/x/net/trace registers there (via
// internal/trace, imported for session tracing) are reachable on the same
// port, without exposing any of net/http/pprof's handlers.
func NewServer(addr, path string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/", http.DefaultServeMux)

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins serving metrics. It blocks until ctx is canceled or the
// server fails to start.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

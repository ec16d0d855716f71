// Package metrics exposes run and job counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes used as the "outcome" label.
const (
	OutcomeSucceeded      = "succeeded"
	OutcomeFailed         = "failed"
	OutcomeTimeout        = "timeout"
	OutcomeSkipped        = "skipped"
	OutcomeUpstreamFailed = "upstream_failed"
	OutcomeCancelled      = "cancelled"
)

// Collector holds the engine's metrics on a private registry. All methods
// are safe on a nil receiver, so callers never need to guard them.
type Collector struct {
	registry *prometheus.Registry

	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	running  prometheus.Gauge
	runs     *prometheus.CounterVec
	stale    prometheus.Gauge
}

// NewCollector registers the engine metrics plus the Go runtime collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ruleflow_jobs_total",
				Help: "Jobs that reached a terminal state, by rule and outcome.",
			},
			[]string{"rule", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ruleflow_job_duration_seconds",
				Help:    "Wall time of executed jobs.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"rule"},
		),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ruleflow_jobs_running",
			Help: "Jobs currently dispatched to an executor.",
		}),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ruleflow_runs_total",
				Help: "Completed runs by result.",
			},
			[]string{"result"},
		),
		stale: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ruleflow_stale_jobs",
			Help: "Jobs found stale at the start of the current run.",
		}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// StaleJobs records how many jobs the current run has to execute.
func (c *Collector) StaleJobs(n int) {
	if c == nil {
		return
	}
	c.stale.Set(float64(n))
}

// JobStarted records a dispatch.
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.running.Inc()
}

// JobFinished records a dispatched job leaving the running state.
func (c *Collector) JobFinished(rule, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.running.Dec()
	c.jobs.WithLabelValues(rule, outcome).Inc()
	c.duration.WithLabelValues(rule).Observe(d.Seconds())
}

// JobNotRun records a job that reached a terminal state without dispatch.
func (c *Collector) JobNotRun(rule, outcome string) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(rule, outcome).Inc()
}

// RunFinished records the result of a run.
func (c *Collector) RunFinished(ok, cancelled bool) {
	if c == nil {
		return
	}
	result := "ok"
	switch {
	case cancelled:
		result = "cancelled"
	case !ok:
		result = "failed"
	}
	c.runs.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz on addr until ctx is done.
func Serve(ctx context.Context, addr string, c *Collector, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

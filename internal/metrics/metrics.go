// Package metrics exposes workflow counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"snapdrop/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Result label values
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
)

// Metrics holds the workflow collectors and the registry they live in
type Metrics struct {
	registry *prometheus.Registry

	workflowTotal    *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	inFlight         prometheus.Gauge
}

// New creates collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workflowTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snapdrop",
				Name:      "workflow_total",
				Help:      "Total number of workflow runs by kind and result",
			},
			[]string{"kind", "result"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "snapdrop",
				Name:      "workflow_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(10, 2, 9), // 10s to ~43min
			},
			[]string{"kind"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "snapdrop",
				Name:      "workflow_in_flight",
				Help:      "Number of workflows currently running",
			},
		),
	}

	m.registry.MustRegister(
		m.workflowTotal,
		m.workflowDuration,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Started marks a workflow as running
func (m *Metrics) Started() {
	m.inFlight.Inc()
}

// Finished records a completed workflow started with Started
func (m *Metrics) Finished(kind, result string, elapsed time.Duration) {
	m.inFlight.Dec()
	m.workflowTotal.WithLabelValues(kind, result).Inc()
	m.workflowDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Rejected records a request refused before it ran
func (m *Metrics) Rejected(kind string) {
	m.workflowTotal.WithLabelValues(kind, ResultRejected).Inc()
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Logger().Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package metrics exports relay activity to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whisper-darkly/sticky-relay/pipeline"
	"github.com/whisper-darkly/sticky-relay/stream"
)

// Collector records gate attempts and pipeline runs. It implements
// gate.Observer and pipeline.Observer.
type Collector struct {
	registry *prometheus.Registry

	probes      *prometheus.CounterVec
	attempts    prometheus.Counter
	state       *prometheus.GaugeVec
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	lastLive    prometheus.Gauge
}

// New registers the relay collectors on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sticky_relay_probes_total",
			Help: "Liveness probes by answering strategy and result",
		}, []string{"strategy", "result"}),

		attempts: f.NewCounter(prometheus.CounterOpts{
			Name: "sticky_relay_gate_attempts_total",
			Help: "Gate probe attempts",
		}),

		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sticky_relay_pipeline_state",
			Help: "1 for the current pipeline state, 0 otherwise",
		}, []string{"state"}),

		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sticky_relay_runs_total",
			Help: "Finished pipeline runs by outcome",
		}, []string{"outcome"}),

		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sticky_relay_run_duration_seconds",
			Help:    "Wall time of finished pipeline runs",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),

		lastLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "sticky_relay_last_live_timestamp_seconds",
			Help: "Unix time the source was last seen live",
		}),
	}
}

// Registry returns the registry the collectors live in.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// OnAttempt implements gate.Observer.
func (c *Collector) OnAttempt(_ int, res stream.ProbeResult, err error) {
	c.attempts.Inc()

	strategy := res.Strategy
	result := "offline"
	switch {
	case err != nil:
		result = "error"
	case res.Live:
		result = "live"
		c.lastLive.SetToCurrentTime()
	}
	if strategy == "" {
		strategy = "chain"
	}
	c.probes.WithLabelValues(strategy, result).Inc()
}

// OnState implements pipeline.Observer.
func (c *Collector) OnState(run pipeline.Snapshot, from, to pipeline.State) {
	if to == pipeline.Starting {
		// a new run; the previous run's terminal state is no longer current
		c.state.Reset()
	} else if from != to {
		c.state.WithLabelValues(from.String()).Set(0)
	}
	c.state.WithLabelValues(to.String()).Set(1)

	if to.Terminal() {
		c.runs.WithLabelValues(to.String()).Inc()
		c.runDuration.Observe(time.Since(run.StartedAt).Seconds())
	}
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

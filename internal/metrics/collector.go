// Package metrics exposes supervisor counters and gauges in Prometheus format.
package metrics

import (
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "forkpool"

// Collector holds every supervisor series on its own registry.
type Collector struct {
	registry *prometheus.Registry

	workers        *prometheus.GaugeVec
	target         prometheus.Gauge
	state          *prometheus.GaugeVec
	spawns         prometheus.Counter
	spawnFailures  prometheus.Counter
	respawns       prometheus.Counter
	exits          *prometheus.CounterVec
	terminations   prometheus.Counter
	forcedKills    prometheus.Counter
	bindAttempts   *prometheus.CounterVec
	messages       *prometheus.CounterVec
	readyLatency   prometheus.Histogram
	workerLifetime prometheus.Histogram
}

// New creates a collector. Process and Go runtime collectors are included.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Current workers by lifecycle state",
		}, []string{"state"}),
		target: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_target",
			Help:      "Configured pool size",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "1 for the current supervisor state, 0 otherwise",
		}, []string{"state"}),
		spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawns_total",
			Help:      "Worker processes started",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Worker processes that failed to start",
		}),
		respawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "respawns_total",
			Help:      "Replacement workers started after an unexpected exit",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Worker exits by outcome and whether the supervisor requested them",
		}, []string{"outcome", "expected"}),
		terminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Termination signals sent to workers",
		}),
		forcedKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_kills_total",
			Help:      "Workers killed after the grace period",
		}),
		bindAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_attempts_total",
			Help:      "Listener bind attempts by result",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "Messages received from workers by type",
		}, []string{"type"}),
		readyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_ready_seconds",
			Help:      "Time from spawn to the worker's ready message",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		workerLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_lifetime_seconds",
			Help:      "How long workers lived before exiting",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}

	c.registry.MustRegister(
		c.workers, c.target, c.state,
		c.spawns, c.spawnFailures, c.respawns,
		c.exits, c.terminations, c.forcedKills,
		c.bindAttempts, c.messages,
		c.readyLatency, c.workerLifetime,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetTarget records the configured pool size.
func (c *Collector) SetTarget(n int) {
	c.target.Set(float64(n))
}

// SetWorkers replaces the per-state worker gauges.
func (c *Collector) SetWorkers(counts map[string]int) {
	c.workers.Reset()
	for state, n := range counts {
		c.workers.WithLabelValues(state).Set(float64(n))
	}
}

// SetState marks the current supervisor state.
func (c *Collector) SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) IncSpawn()        { c.spawns.Inc() }
func (c *Collector) IncSpawnFailure() { c.spawnFailures.Inc() }
func (c *Collector) IncRespawn()      { c.respawns.Inc() }
func (c *Collector) IncTermination()  { c.terminations.Inc() }
func (c *Collector) IncForcedKill()   { c.forcedKills.Inc() }

// ObserveExit records a worker exit.
func (c *Collector) ObserveExit(outcome string, expected bool, lifetime time.Duration) {
	exp := "false"
	if expected {
		exp = "true"
	}
	c.exits.WithLabelValues(outcome, exp).Inc()
	c.workerLifetime.Observe(lifetime.Seconds())
}

// ObserveReady records the spawn-to-ready latency.
func (c *Collector) ObserveReady(latency time.Duration) {
	c.readyLatency.Observe(latency.Seconds())
}

// ObserveBind records one bind sequence: every attempt but the last was
// retried because the address was in use.
func (c *Collector) ObserveBind(attempts int, err error) {
	if attempts <= 0 {
		return
	}
	c.bindAttempts.WithLabelValues("in_use").Add(float64(attempts - 1))
	if err != nil {
		c.bindAttempts.WithLabelValues("error").Inc()
		return
	}
	c.bindAttempts.WithLabelValues("success").Inc()
}

// IncMessage counts a worker message.
func (c *Collector) IncMessage(msgType string) {
	c.messages.WithLabelValues(msgType).Inc()
}

// Handler serves the registry over HTTP.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteText writes every series in the Prometheus text format.
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

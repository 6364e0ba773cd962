// Package metrics exports coordinator activity as prometheus collectors.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/swarmd/internal/events"
)

const namespace = "swarmd"

// TaskCounter returns the number of tasks per status. It is called on every
// scrape.
type TaskCounter func() map[string]int

// Metrics holds the collectors on a private registry, so several daemons in
// one test binary do not collide on the default registerer.
type Metrics struct {
	reg *prometheus.Registry

	ticks         prometheus.Counter
	tickDuration  prometheus.Histogram
	dispatched    *prometheus.CounterVec
	reclaimed     prometheus.Counter
	spawnFailures *prometheus.CounterVec
	gated         *prometheus.CounterVec
	died          prometheus.Counter
	killed        prometheus.Counter
	working       prometheus.Gauge
	ready         prometheus.Gauge
	state         *prometheus.GaugeVec
}

// New registers the collectors. tasks may be nil.
func New(tasks TaskCounter) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Coordinator ticks completed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Time spent in one coordinator tick.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatched_total",
			Help: "Tasks dispatched to a new agent.",
		}, []string{"executor"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reclaimed_total",
			Help: "Tasks returned to open after their agent died or was killed.",
		}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "spawn_failures_total",
			Help: "Worker spawns that failed.",
		}, []string{"executor"}),
		gated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gates_total",
			Help: "Gate tasks inserted by the gating passes.",
		}, []string{"kind"}),
		died: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agents_died_total",
			Help: "Agents found dead by cleanup.",
		}),
		killed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agents_killed_total",
			Help: "Agents stopped on request.",
		}),
		working: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agents_working",
			Help: "Working agents at the end of the last tick.",
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tasks_ready",
			Help: "Ready tasks at the end of the last tick.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daemon_state",
			Help: "1 for the current daemon lifecycle state.",
		}, []string{"state"}),
	}

	m.reg.MustRegister(
		m.ticks, m.tickDuration, m.dispatched, m.reclaimed, m.spawnFailures,
		m.gated, m.died, m.killed, m.working, m.ready, m.state,
	)
	if tasks != nil {
		m.reg.MustRegister(newTaskCollector(tasks))
	}
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text or OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Observe updates the collectors for one event. Loop edges fire when a task is
// completed through the CLI, outside the daemon, so they are left to the
// journal and not counted here.
func (m *Metrics) Observe(e events.Event) {
	switch ev := e.(type) {
	case events.TickCompletedEvent:
		m.ticks.Inc()
		m.tickDuration.Observe(ev.Duration.Seconds())
		m.working.Set(float64(ev.Working))
		m.ready.Set(float64(ev.Ready))
	case events.TaskDispatchedEvent:
		m.dispatched.WithLabelValues(ev.Executor).Inc()
	case events.TaskReclaimedEvent:
		m.reclaimed.Inc()
	case events.TaskSpawnFailedEvent:
		m.spawnFailures.WithLabelValues(ev.Executor).Inc()
	case events.TaskGatedEvent:
		m.gated.WithLabelValues(ev.Kind).Inc()
	case events.AgentDiedEvent:
		m.died.Inc()
	case events.AgentKilledEvent:
		m.killed.Inc()
	case events.StateChangedEvent:
		m.state.Reset()
		m.state.WithLabelValues(ev.To).Set(1)
	}
}

// Consume observes events from ch until it is closed or ctx is done.
func (m *Metrics) Consume(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// taskCollector reports task counts read at scrape time.
type taskCollector struct {
	count TaskCounter
	desc  *prometheus.Desc
}

func newTaskCollector(count TaskCounter) *taskCollector {
	return &taskCollector{
		count: count,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tasks"),
			"Tasks in the graph by status.",
			[]string{"status"}, nil,
		),
	}
}

func (c *taskCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *taskCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range c.count() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}

// Package metrics exposes Prometheus counters for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates the engine's Prometheus metrics. All methods are safe
// for concurrent use and safe on a nil receiver so callers can skip wiring
// metrics entirely.
type Collector struct {
	reg *prometheus.Registry

	tasksTotal      *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	dispatchedTotal *prometheus.CounterVec
	payloadBytes    prometheus.Counter
	inflight        prometheus.Gauge
	fetchDuration   prometheus.Histogram
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsync_tasks_total",
				Help: "Total number of tasks by terminal status",
			},
			[]string{"plan", "status"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsync_retries_total",
				Help: "Total number of task retries",
			},
			[]string{"plan"},
		),
		dispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsync_dispatched_total",
				Help: "Total number of task dispatches",
			},
			[]string{"plan"},
		),
		payloadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dsync_payload_bytes_total",
				Help: "Total payload bytes fetched",
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dsync_inflight_fetches",
				Help: "Number of fetches currently running",
			},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dsync_fetch_duration_seconds",
				Help:    "Time taken to fetch one task",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	c.reg.MustRegister(c.tasksTotal, c.retriesTotal, c.dispatchedTotal, c.payloadBytes, c.inflight, c.fetchDuration)
	return c
}

// Registry returns the collector's private registry for HTTP exposition.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

func (c *Collector) IncTask(plan, status string) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(plan, status).Inc()
}

func (c *Collector) IncRetry(plan string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(plan).Inc()
}

func (c *Collector) IncDispatched(plan string) {
	if c == nil {
		return
	}
	c.dispatchedTotal.WithLabelValues(plan).Inc()
}

func (c *Collector) AddPayloadBytes(n int) {
	if c == nil {
		return
	}
	c.payloadBytes.Add(float64(n))
}

func (c *Collector) SetInflight(n int) {
	if c == nil {
		return
	}
	c.inflight.Set(float64(n))
}

func (c *Collector) ObserveFetch(d time.Duration) {
	if c == nil {
		return
	}
	c.fetchDuration.Observe(d.Seconds())
}

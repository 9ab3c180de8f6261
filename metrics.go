package keybox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the engine's Prometheus instruments. A nil *metrics is
// valid and makes every count call a no-op, so unregistered engines pay
// nothing.
type metrics struct {
	reads   prometheus.Counter
	writes  prometheus.Counter
	deletes prometheus.Counter
	expired prometheus.Counter
	size    prometheus.Gauge
}

// RegisterMetrics registers the engine's metrics with Prometheus, labeled
// by namespace. Call once after New, before or after Initialize. Returns
// the engine for chaining.
func (e *Engine) RegisterMetrics(registry *prometheus.Registry) *Engine {
	labels := prometheus.Labels{"namespace": e.cfg.Name}

	m := &metrics{
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "keybox",
			Subsystem:   "engine",
			Name:        "reads_total",
			Help:        "Total successful value reads",
			ConstLabels: labels,
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "keybox",
			Subsystem:   "engine",
			Name:        "writes_total",
			Help:        "Total committed value writes",
			ConstLabels: labels,
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "keybox",
			Subsystem:   "engine",
			Name:        "deletes_total",
			Help:        "Total explicit deletions",
			ConstLabels: labels,
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "keybox",
			Subsystem:   "engine",
			Name:        "expired_evictions_total",
			Help:        "Total entries evicted because their deadline passed",
			ConstLabels: labels,
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "keybox",
			Subsystem:   "engine",
			Name:        "size_bytes",
			Help:        "Approximate namespace footprint in bytes",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(m.reads, m.writes, m.deletes, m.expired, m.size)
	e.metrics = m

	go e.metricsUpdateLoop()

	return e
}

// metricsUpdateLoop periodically refreshes the size gauge until the
// engine closes.
func (e *Engine) metricsUpdateLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		switch e.State() {
		case StateClosed:
			return
		case StateUninitialized:
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n, err := e.Size(ctx)
		cancel()
		if err != nil {
			continue
		}
		e.metrics.size.Set(float64(n))
	}
}

func (m *metrics) countRead(n int) {
	if m == nil {
		return
	}
	m.reads.Add(float64(n))
}

func (m *metrics) countWrite(n int) {
	if m == nil {
		return
	}
	m.writes.Add(float64(n))
}

func (m *metrics) countDelete(n int) {
	if m == nil {
		return
	}
	m.deletes.Add(float64(n))
}

func (m *metrics) countExpired(n int) {
	if m == nil {
		return
	}
	m.expired.Add(float64(n))
}

// Package metrics exposes scheduler activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/deriva/internal/items"
	"github.com/rendis/deriva/pkg/schema"
)

const namespace = "deriva"

// Metrics holds the scheduler collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal     prometheus.Counter
	TickDuration   prometheus.Histogram
	ItemsEvaluated *prometheus.CounterVec
	ItemsSkipped   prometheus.Counter
	CompileErrors  prometheus.Gauge
	SourceIDs      prometheus.Gauge
	Recompiles     prometheus.Counter
	LastTickStatus *prometheus.GaugeVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Total number of scheduler ticks",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent in one tick",
			Buckets:   prometheus.DefBuckets,
		}),
		ItemsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_evaluated_total",
			Help:      "Item evaluations by outcome (ok, hold, none, fallback, write_error)",
		}, []string{"status"}),
		ItemsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_skipped_total",
			Help:      "Items skipped because the tick budget was exhausted",
		}),
		CompileErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compile_errors",
			Help:      "Items that failed to compile in the current item list",
		}),
		SourceIDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_ids",
			Help:      "Distinct source ids the current item list reads",
		}),
		Recompiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recompiles_total",
			Help:      "Item list recompilations after a signature change",
		}),
		LastTickStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_status",
			Help:      "1 for the status reported by the most recent tick, 0 otherwise",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.ItemsEvaluated,
		m.ItemsSkipped,
		m.CompileErrors,
		m.SourceIDs,
		m.Recompiles,
		m.LastTickStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTick records a finished tick.
func (m *Metrics) ObserveTick(run schema.RunDiagnostics) {
	m.TicksTotal.Inc()
	m.TickDuration.Observe(float64(run.ElapsedMs) / 1000)
	if run.Skipped > 0 {
		m.ItemsSkipped.Add(float64(run.Skipped))
	}
	for _, status := range []string{schema.StatusStarting, schema.StatusOK, schema.StatusNoItemsEnabled} {
		v := 0.0
		if status == run.Status {
			v = 1
		}
		m.LastTickStatus.WithLabelValues(status).Set(v)
	}
}

// ObserveItem counts one item evaluation outcome.
func (m *Metrics) ObserveItem(outcome string) {
	m.ItemsEvaluated.WithLabelValues(outcome).Inc()
}

// ObserveRefresh records a recompilation of the item list.
func (m *Metrics) ObserveRefresh(res items.RefreshResult) {
	m.Recompiles.Inc()
	m.CompileErrors.Set(float64(res.CompileErrors))
	m.SourceIDs.Set(float64(len(res.SourceIDs)))
}

// Package prom exports resource cache metrics to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/rastercache/cache"
)

// Adapter implements cache.Metrics on top of Prometheus collectors.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evicts    *prometheus.CounterVec
	residents prometheus.Gauge
	cost      prometheus.Gauge
	genDur    prometheus.Histogram
	genErrs   prometheus.Counter
}

// New constructs an adapter and registers its collectors.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil); use
//     them to tell the handle cache from the block pool
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		}
	}
	gauge := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		}
	}
	a := &Adapter{
		hits:      prometheus.NewCounter(opts("hits_total", "Accesses served by a resident value")),
		misses:    prometheus.NewCounter(opts("misses_total", "Accesses that required generation")),
		evicts:    prometheus.NewCounterVec(opts("evictions_total", "Values dropped, by reason"), []string{"reason"}),
		residents: prometheus.NewGauge(gauge("resident_entries", "Number of materialized values")),
		cost:      prometheus.NewGauge(gauge("resident_cost", "Total cost of materialized values")),
		genDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "generate_seconds",
			Help:        "Time spent in entry generators",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(50e-6, 4, 10),
		}),
		genErrs: prometheus.NewCounter(opts("generate_errors_total", "Failed generations")),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.residents, a.cost, a.genDur, a.genErrs)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Size updates the resident gauges.
func (a *Adapter) Size(entries int, cost int64) {
	a.residents.Set(float64(entries))
	a.cost.Set(float64(cost))
}

// Generate records one generator run.
func (a *Adapter) Generate(d time.Duration, err error) {
	a.genDur.Observe(d.Seconds())
	if err != nil {
		a.genErrs.Inc()
	}
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)

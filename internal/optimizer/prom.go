package optimizer

import (
	"github.com/prometheus/client_golang/prometheus"

	"dronedispatch/models"
)

// Instruments holds the optimizer's prometheus collectors. A nil *Instruments
// is valid and records nothing, so tests can skip registration entirely.
type Instruments struct {
	searches       *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	iterations     prometheus.Counter
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	fallbacks      prometheus.Counter
}

// NewInstruments registers the optimizer collectors with reg. Passing
// prometheus.DefaultRegisterer wires them into the default /metrics handler.
func NewInstruments(reg prometheus.Registerer) *Instruments {
	inst := &Instruments{
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_optimizer_searches_total",
			Help: "Route optimizations completed, by resulting method.",
		}, []string{"method"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_optimizer_search_duration_ms",
			Help:    "Route optimization wall-clock duration in milliseconds.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"method"}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_optimizer_node_expansions_total",
			Help: "A* node expansions across all searches.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_optimizer_cache_hits_total",
			Help: "Route cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_optimizer_cache_misses_total",
			Help: "Route cache misses.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_optimizer_fallbacks_total",
			Help: "Searches that exhausted and fell back to direct routing.",
		}),
	}
	reg.MustRegister(inst.searches, inst.searchDuration, inst.iterations,
		inst.cacheHits, inst.cacheMisses, inst.fallbacks)
	return inst
}

func (i *Instruments) cacheHit() {
	if i != nil {
		i.cacheHits.Inc()
	}
}

func (i *Instruments) cacheMiss() {
	if i != nil {
		i.cacheMisses.Inc()
	}
}

func (i *Instruments) addIterations(n int) {
	if i != nil {
		i.iterations.Add(float64(n))
	}
}

func (i *Instruments) fallback() {
	if i != nil {
		i.fallbacks.Inc()
	}
}

func (i *Instruments) observeSearch(method models.OptimizationMethod, ms float64) {
	if i != nil {
		i.searches.WithLabelValues(string(method)).Inc()
		i.searchDuration.WithLabelValues(string(method)).Observe(ms)
	}
}

// Package metrics exposes update-loop and ingest counters in Prometheus
// format and keeps the last tick summary for the status endpoint.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegis/internal/model"
)

const namespace = "aegis"

// Recorder methods are safe on a nil receiver so components can run without
// metrics wired.
type Recorder struct {
	registry     *prometheus.Registry
	ticks        prometheus.Counter
	resets       prometheus.Counter
	skipped      prometheus.Counter
	tickDuration prometheus.Histogram
	entities     prometheus.Gauge
	locations    *prometheus.CounterVec

	mu   sync.RWMutex
	last model.TickStats
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Committed update-loop ticks.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_resets_total",
			Help:      "Entities snapped back to their initial position.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_skipped_total",
			Help:      "Per-entity transforms that failed and kept their previous state.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent computing one tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Entities in the current batch.",
		}),
		locations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locations_total",
			Help:      "Location reports seen by ingest, by source and result.",
		}, []string{"source", "result"}),
	}
	r.registry.MustRegister(
		r.ticks,
		r.resets,
		r.skipped,
		r.tickDuration,
		r.entities,
		r.locations,
		prometheus.NewGoCollector(),
	)
	return r
}

func (r *Recorder) ObserveTick(stats model.TickStats) {
	if r == nil {
		return
	}
	r.ticks.Inc()
	r.resets.Add(float64(stats.Resets))
	r.skipped.Add(float64(stats.Skipped))
	r.tickDuration.Observe(stats.Duration.Seconds())
	r.entities.Set(float64(stats.Entities))
	r.mu.Lock()
	r.last = stats
	r.mu.Unlock()
}

// ObserveLocation counts one ingest outcome; result is "accepted",
// "rejected", "unauthorized" or "duplicate".
func (r *Recorder) ObserveLocation(source, result string) {
	if r == nil {
		return
	}
	r.locations.WithLabelValues(source, result).Inc()
}

func (r *Recorder) SetEntities(n int) {
	if r == nil {
		return
	}
	r.entities.Set(float64(n))
}

func (r *Recorder) Last() model.TickStats {
	if r == nil {
		return model.TickStats{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

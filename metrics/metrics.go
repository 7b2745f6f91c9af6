// Package metrics exposes training and cache activity as prometheus metrics
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeu5/thought-chain-rl/cache"
	"github.com/zeu5/thought-chain-rl/types"
)

// Metrics records cache and training events, it implements both
// cache.Observer and types.Recorder
type Metrics struct {
	registry *prometheus.Registry

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter

	learnerUpdates *prometheus.CounterVec
	episodes       prometheus.Counter
	generations    prometheus.Counter
	bestFitness    prometheus.Gauge
	meanFitness    prometheus.Gauge
	learners       prometheus.Gauge

	lock        sync.Mutex
	lastSummary *types.GenerationSummary
	watched     SummarySource
}

// SummarySource reports the current fitness of a population, *types.Population implements it
type SummarySource interface {
	Summary() types.GenerationSummary
}

var _ cache.Observer = &Metrics{}
var _ types.Recorder = &Metrics{}

func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Number of gradient cache lookups that found the key",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Number of gradient cache lookups that missed",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Number of least recently used entries evicted",
		}),
		learnerUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learner",
			Name:      "updates_total",
			Help:      "Learner updates by outcome",
		}, []string{"outcome"}),
		episodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "episodes_total",
			Help:      "Completed episodes across all agents",
		}),
		generations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "population",
			Name:      "generations_total",
			Help:      "Completed evolution steps",
		}),
		bestFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "population",
			Name:      "best_fitness",
			Help:      "Best fitness of the last evolved generation",
		}),
		meanFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "population",
			Name:      "mean_fitness",
			Help:      "Mean fitness of the last evolved generation",
		}),
		learners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "population",
			Name:      "learners",
			Help:      "Distinct learners referenced by the population",
		}),
	}
	m.registry.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
		m.learnerUpdates,
		m.episodes,
		m.generations,
		m.bestFitness,
		m.meanFitness,
		m.learners,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, outcome := range []string{types.UpdateOK, types.UpdateFailed, types.UpdateTimeout} {
		m.learnerUpdates.WithLabelValues(outcome)
	}
	return m
}

func (m *Metrics) CacheHit() {
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	m.cacheMisses.Inc()
}

func (m *Metrics) CacheEviction() {
	m.cacheEvictions.Inc()
}

func (m *Metrics) LearnerUpdate(outcome string) {
	m.learnerUpdates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EpisodeCompleted() {
	m.episodes.Inc()
}

// GenerationCompleted keeps the gauges at the values of the latest generation.
// With parallel runs the gauges follow whichever run evolved last.
func (m *Metrics) GenerationCompleted(s types.GenerationSummary) {
	m.generations.Inc()
	m.bestFitness.Set(s.Best)
	m.meanFitness.Set(s.Mean)
	m.learners.Set(float64(s.Learners))

	m.lock.Lock()
	defer m.lock.Unlock()
	m.lastSummary = &s
}

// LastSummary returns the latest generation summary, false before the first generation
func (m *Metrics) LastSummary() (types.GenerationSummary, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.lastSummary == nil {
		return types.GenerationSummary{}, false
	}
	return *m.lastSummary, true
}

// Watch makes the state of the population available before its first generation completes
func (m *Metrics) Watch(source SummarySource) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.watched = source
}

// CurrentSummary returns the latest generation summary or, before the first
// generation, the summary of the watched population
func (m *Metrics) CurrentSummary() (types.GenerationSummary, bool) {
	m.lock.Lock()
	last, watched := m.lastSummary, m.watched
	m.lock.Unlock()

	if last != nil {
		return *last, true
	}
	if watched == nil {
		return types.GenerationSummary{}, false
	}
	return watched.Summary(), true
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

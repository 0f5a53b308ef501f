package service

import (
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "timetable"

// Generation outcomes used as metric labels.
const (
	GenerationOutcomeSuccess       = "success"
	GenerationOutcomeInfeasible    = "infeasible"
	GenerationOutcomeMisconfigured = "misconfigured"
	GenerationOutcomeError         = "error"
)

// MetricsSnapshot is a point-in-time summary served by the health endpoint.
type MetricsSnapshot struct {
	CacheHitRatio            float64   `json:"cacheHitRatio"`
	CacheHits                uint64    `json:"cacheHits"`
	CacheMisses              uint64    `json:"cacheMisses"`
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	DBQueryCount             uint64    `json:"dbQueryCount"`
	AverageDBQueryDurationMs float64   `json:"averageDbQueryDurationMs"`
	GenerationsTotal         uint64    `json:"generationsTotal"`
	GenerationFailures       uint64    `json:"generationFailures"`
	QueueDepth               int64     `json:"queueDepth"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}

// tally keeps a count and a summed duration for averages in snapshots.
type tally struct {
	count atomic.Uint64
	total atomic.Int64
}

func (t *tally) add(d time.Duration) {
	t.count.Add(1)
	t.total.Add(int64(d))
}

func (t *tally) averageMs() float64 {
	n := t.count.Load()
	if n == 0 {
		return 0
	}
	return float64(t.total.Load()) / float64(n) / float64(time.Millisecond)
}

// MetricsService owns the Prometheus registry of the process and mirrors the
// headline numbers for the JSON health endpoint.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	httpDuration *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	cacheLatency *prometheus.HistogramVec
	dbDuration   *prometheus.HistogramVec
	generations  *prometheus.CounterVec
	genDuration  prometheus.Histogram
	genAttempts  prometheus.Histogram
	queueGauge   prometheus.Gauge

	requests    tally
	dbQueries   tally
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	genTotal    atomic.Uint64
	genFailed   atomic.Uint64
	queueDepth  atomic.Int64
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	m := &MetricsService{registry: prometheus.NewRegistry()}
	factory := promauto.With(m.registry)

	m.httpDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
	m.cacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by result.",
	}, []string{"result"})
	m.cacheLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "cache",
		Name:      "operation_seconds",
		Help:      "Latency of cache reads and writes.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"op"})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "cache",
		Name:      "hit_ratio",
		Help:      "Share of cache lookups served from the cache.",
	}, m.hitRatio)
	m.dbDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "db",
		Name:      "query_duration_seconds",
		Help:      "Duration of database round trips by query.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})
	m.generations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "generation_total",
		Help:      "Timetable generation runs by outcome.",
	}, []string{"outcome"})
	m.genDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "generation_duration_seconds",
		Help:      "Wall time of timetable generation runs.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	m.genAttempts = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "generation_attempts",
		Help:      "Attempts consumed by timetable generation runs.",
		Buckets:   []float64{1, 2, 3, 5, 10, 20, 35, 50},
	})
	m.queueGauge = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "generation_queue_depth",
		Help:      "Generation runs waiting for a worker.",
	})
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records one served request.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
	m.requests.add(duration)
}

// RecordCacheOperation records a cache read and whether it hit.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.WithLabelValues("get").Observe(duration.Seconds())
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		m.cacheHits.Add(1)
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
	m.cacheMisses.Add(1)
}

// ObserveCacheWrite records a cache write.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.WithLabelValues("set").Observe(duration.Seconds())
}

// ObserveDBQuery records a database round trip.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbDuration.WithLabelValues(label).Observe(duration.Seconds())
	m.dbQueries.add(duration)
}

// ObserveGeneration records the outcome of one generation run. Attempts is
// only observed for runs that reached the scheduler.
func (m *MetricsService) ObserveGeneration(outcome string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
	m.genDuration.Observe(duration.Seconds())
	if attempts > 0 {
		m.genAttempts.Observe(float64(attempts))
	}
	m.genTotal.Add(1)
	if outcome != GenerationOutcomeSuccess {
		m.genFailed.Add(1)
	}
}

// AddQueueDepth moves the pending generation gauge by delta.
func (m *MetricsService) AddQueueDepth(delta float64) {
	if m == nil {
		return
	}
	m.queueGauge.Add(delta)
	m.queueDepth.Add(int64(delta))
}

func (m *MetricsService) hitRatio() float64 {
	hits, misses := m.cacheHits.Load(), m.cacheMisses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Snapshot returns the headline numbers for the health endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		CacheHitRatio:            m.hitRatio(),
		CacheHits:                m.cacheHits.Load(),
		CacheMisses:              m.cacheMisses.Load(),
		RequestsTotal:            m.requests.count.Load(),
		AverageRequestDurationMs: m.requests.averageMs(),
		DBQueryCount:             m.dbQueries.count.Load(),
		AverageDBQueryDurationMs: m.dbQueries.averageMs(),
		GenerationsTotal:         m.genTotal.Load(),
		GenerationFailures:       m.genFailed.Load(),
		QueueDepth:               m.queueDepth.Load(),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}

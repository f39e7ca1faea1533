// Package perf records cache hit/miss ratios, response times, and sync
// outcomes. It is purely observational and never influences cache or
// sync decisions.
package perf

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus mirrors of the in-process counters.
var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_hits_total",
		Help: "Total cache hits by cache name",
	}, []string{"cache"})

	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_misses_total",
		Help: "Total cache misses by cache name",
	}, []string{"cache"})

	responseTimeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_response_time_seconds",
		Help:    "Response time by source (cache, network, fallback)",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"source"})

	syncOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_total",
		Help: "Background sync outcomes",
	}, []string{"outcome"}) // "success", "failure"

	syncRetryCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_sync_retry_count",
		Help:    "Retry count at sync resolution",
		Buckets: []float64{0, 1, 2, 3, 5, 8},
	})
)

// DefaultMaxSamples caps the response-time ring buffer.
const DefaultMaxSamples = 500

// Sample is one recorded measurement.
type Sample struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
}

// CacheStats is a point-in-time snapshot of one cache's hit ratio.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats is a full monitor snapshot.
type Stats struct {
	Caches          map[string]CacheStats `json:"caches"`
	SyncSuccesses   int64                 `json:"sync_successes"`
	SyncFailures    int64                 `json:"sync_failures"`
	SyncSuccessRate float64               `json:"sync_success_rate"`
	AvgRetryCount   float64               `json:"avg_retry_count"`
	Samples         []Sample              `json:"samples"`
}

// Monitor aggregates in-process metrics. All methods are safe for
// concurrent use.
type Monitor struct {
	mu sync.Mutex

	hits   map[string]int64
	misses map[string]int64

	// ring buffer of samples; next points at the next write position
	samples []Sample
	next    int
	count   int

	syncSuccesses int64
	syncFailures  int64
	retrySum      int64

	now func() time.Time
}

// NewMonitor creates a monitor with the given sample capacity.
// A capacity <= 0 uses DefaultMaxSamples.
func NewMonitor(maxSamples int) *Monitor {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Monitor{
		hits:    make(map[string]int64),
		misses:  make(map[string]int64),
		samples: make([]Sample, maxSamples),
		now:     time.Now,
	}
}

// TrackHit records a cache hit.
func (m *Monitor) TrackHit(cache string) {
	cacheHitsTotal.WithLabelValues(cache).Inc()

	m.mu.Lock()
	m.hits[cache]++
	m.mu.Unlock()
}

// TrackMiss records a cache miss.
func (m *Monitor) TrackMiss(cache string) {
	cacheMissesTotal.WithLabelValues(cache).Inc()

	m.mu.Lock()
	m.misses[cache]++
	m.mu.Unlock()
}

// HitRate returns hits / (hits + misses) for a cache, or 0 when unobserved.
func (m *Monitor) HitRate(cache string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.hits[cache] + m.misses[cache]
	if total == 0 {
		return 0
	}
	return float64(m.hits[cache]) / float64(total)
}

// TrackResponseTime appends a response-time sample to the ring buffer.
// Source identifies where the response came from (cache, network, fallback).
func (m *Monitor) TrackResponseTime(url string, d time.Duration, source string) {
	responseTimeSeconds.WithLabelValues(source).Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[m.next] = Sample{
		Name:      url,
		Value:     float64(d.Milliseconds()),
		Timestamp: m.now(),
		Category:  source,
	}
	m.next = (m.next + 1) % len(m.samples)
	if m.count < len(m.samples) {
		m.count++
	}
}

// TrackSync records a background sync outcome and its retry count.
func (m *Monitor) TrackSync(success bool, retryCount int) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	syncOutcomesTotal.WithLabelValues(outcome).Inc()
	syncRetryCount.Observe(float64(retryCount))

	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.syncSuccesses++
	} else {
		m.syncFailures++
	}
	m.retrySum += int64(retryCount)
}

// Snapshot returns a copy of the current statistics. Samples are returned
// oldest first.
func (m *Monitor) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Caches:        make(map[string]CacheStats),
		SyncSuccesses: m.syncSuccesses,
		SyncFailures:  m.syncFailures,
	}

	for cache, hits := range m.hits {
		s := stats.Caches[cache]
		s.Hits = hits
		stats.Caches[cache] = s
	}
	for cache, misses := range m.misses {
		s := stats.Caches[cache]
		s.Misses = misses
		stats.Caches[cache] = s
	}
	for cache, s := range stats.Caches {
		if total := s.Hits + s.Misses; total > 0 {
			s.HitRate = float64(s.Hits) / float64(total)
		}
		stats.Caches[cache] = s
	}

	if total := m.syncSuccesses + m.syncFailures; total > 0 {
		stats.SyncSuccessRate = float64(m.syncSuccesses) / float64(total)
		stats.AvgRetryCount = float64(m.retrySum) / float64(total)
	}

	stats.Samples = make([]Sample, 0, m.count)
	start := m.next - m.count
	if start < 0 {
		start += len(m.samples)
	}
	for i := 0; i < m.count; i++ {
		stats.Samples = append(stats.Samples, m.samples[(start+i)%len(m.samples)])
	}

	return stats
}

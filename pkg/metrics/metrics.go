// Package metrics provides the centralized Prometheus metrics registry for
// the offline resilience layer. All metrics are defined in their respective
// packages (perf, router) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the offline layer.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Cache Metrics (pkg/perf):
//   - offline_cache_hits_total{cache} (Counter): Cache hits by cache name
//   - offline_cache_misses_total{cache} (Counter): Cache misses by cache name
//   - offline_response_time_seconds{source} (Histogram): Response time by
//     source (cache, network, fallback, queued)
//
// Sync Metrics (pkg/perf):
//   - offline_sync_total{outcome} (Counter): Background sync outcomes
//     (success, failure)
//   - offline_sync_retry_count (Histogram): Retry count at sync resolution
//
// Background Task Metrics (pkg/router):
//   - offline_background_tasks_submitted_total (Counter): Tasks accepted by the runner
//   - offline_background_tasks_dropped_total (Counter): Tasks dropped because the queue was full
//   - offline_background_tasks_failed_total (Counter): Tasks that completed with an error
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(offline_cache_hits_total[5m])) /
//   (sum(rate(offline_cache_hits_total[5m])) + sum(rate(offline_cache_misses_total[5m])))
//
//   # Sync Failure Rate
//   rate(offline_sync_total{outcome="failure"}[5m])
//
//   # P95 Cached Response Latency
//   histogram_quantile(0.95, rate(offline_response_time_seconds_bucket{source="cache"}[5m]))
//
//   # Background Refresh Drop Rate
//   rate(offline_background_tasks_dropped_total[5m])

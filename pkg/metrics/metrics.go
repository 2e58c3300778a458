// Package metrics exposes the Prometheus registry used by the cache.
// Metrics are defined next to the code that updates them (cache, session)
// and registered through promauto, so importing those packages is enough
// for them to show up on Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "http_cache"

// Registry is the default Prometheus registry used by the cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - http_cache_hits_total{backend} (Counter): Responses served from storage
//   - http_cache_misses_total{backend} (Counter): Lookups that found no usable entry
//   - http_cache_errors_total{operation} (Counter): Storage errors by operation (get, save, delete, clear)
//   - http_cache_invalid_total{backend} (Counter): Stored values that failed to deserialize
//   - http_cache_evictions_total{backend} (Counter): Entries removed to stay under the size limit
//   - http_cache_size_bytes{backend} (Gauge): Total stored size, for size-tracking backends
//
// Session Metrics (pkg/session):
//   - http_cache_responses_total{source} (Counter): Responses returned by source (cache, network, revalidated, stale, unavailable)
//   - http_cache_request_duration_seconds{method} (Histogram): Origin round trip duration
//   - http_cache_revalidations_total{result} (Counter): Conditional requests by result (not_modified, modified)
//   - http_cache_retries_total{error_class} (Counter): Retry attempts by error class
//   - http_cache_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - http_cache_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Hit Rate
//   sum(rate(http_cache_hits_total[5m])) /
//   (sum(rate(http_cache_hits_total[5m])) + sum(rate(http_cache_misses_total[5m])))
//
//   # Share of responses served stale after an error
//   rate(http_cache_responses_total{source="stale"}[5m]) / rate(http_cache_responses_total[5m])
//
//   # P95 Origin Latency
//   histogram_quantile(0.95, rate(http_cache_request_duration_seconds_bucket[5m]))
//
//   # Revalidation Savings
//   rate(http_cache_revalidations_total{result="not_modified"}[5m])

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/requests-cache/requests-cache-sub000/pkg/metrics"
)

var (
	// CacheHits tracks responses found in storage, by backend
	CacheHits = promauto.With(metrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "hits_total",
			Help:      "Total number of responses found in the cache",
		},
		[]string{"backend"},
	)

	// CacheMisses tracks lookups that found nothing, by backend
	CacheMisses = promauto.With(metrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "misses_total",
			Help:      "Total number of cache lookups that found no response",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks storage errors by operation
	CacheErrors = promauto.With(metrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "errors_total",
			Help:      "Total number of cache storage errors",
		},
		[]string{"operation"}, // "get", "save", "delete", "clear"
	)

	// CacheInvalid tracks stored values that could not be deserialized
	CacheInvalid = promauto.With(metrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "invalid_total",
			Help:      "Total number of cached values that failed to deserialize",
		},
		[]string{"backend"},
	)

	// CacheEvictions tracks entries removed to stay under the size limit
	CacheEvictions = promauto.With(metrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "evictions_total",
			Help:      "Total number of entries evicted by the size limit",
		},
		[]string{"backend"},
	)

	// CacheSize tracks stored bytes, for backends that track sizes
	CacheSize = promauto.With(metrics.Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "size_bytes",
			Help:      "Current size of the cache in bytes",
		},
		[]string{"backend"},
	)
)

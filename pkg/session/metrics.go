package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/requests-cache/requests-cache-sub000/pkg/metrics"
)

// Response sources.
const (
	sourceCache       = "cache"
	sourceNetwork     = "network"
	sourceRevalidated = "revalidated"
	sourceStale       = "stale"
	sourceUnavailable = "unavailable"
)

var (
	// ResponsesTotal tracks returned responses by where they came from
	ResponsesTotal = promauto.With(metrics.Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "responses_total",
		Help:      "Total responses returned by source",
	}, []string{"source"}) // "cache", "network", "revalidated", "stale", "unavailable"

	// RequestDuration tracks origin round trips
	RequestDuration = promauto.With(metrics.Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Name:      "request_duration_seconds",
		Help:      "Origin request duration in seconds by method",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	// RevalidationsTotal tracks conditional requests by result
	RevalidationsTotal = promauto.With(metrics.Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "revalidations_total",
		Help:      "Total conditional requests by result",
	}, []string{"result"}) // "not_modified", "modified"

	// RetriesTotal tracks retry attempts
	RetriesTotal = promauto.With(metrics.Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "retries_total",
		Help:      "Total number of retry attempts by error class",
	}, []string{"error_class"})

	// RetryBackoffSeconds tracks backoff durations
	RetryBackoffSeconds = promauto.With(metrics.Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Name:      "retry_backoff_seconds",
		Help:      "Backoff duration for retries by error class",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	// RetryExhaustedTotal tracks requests that ran out of attempts
	RetryExhaustedTotal = promauto.With(metrics.Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "retry_exhausted_total",
		Help:      "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

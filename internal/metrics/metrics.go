// Package metrics exposes Prometheus collectors for resolver and cache
// activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courier"

var (
	// ExchangesTotal counts completed exchanges by outcome.
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Completed exchanges by outcome (success, failure, exception)",
		},
		[]string{"outcome"},
	)

	// CacheOperationsTotal counts cache lookups and puts by result.
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Cache operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// RetriesTotal counts re-dispatched attempts.
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Attempts issued beyond the first per key",
		},
	)

	// FailedKeysTotal counts keys that finished unresolved, by reason.
	FailedKeysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_keys_total",
			Help:      "Keys left unresolved at termination, by reason",
		},
		[]string{"reason"},
	)

	// RequestDuration observes transport round-trip time.
	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Transport round-trip time",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

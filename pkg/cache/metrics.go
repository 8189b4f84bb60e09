package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by tier (memory, redis).
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_cache_hits_total",
			Help: "Total number of gateway cache hits",
		},
		[]string{"tier"},
	)

	// CacheMisses tracks cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mt5_cache_misses_total",
			Help: "Total number of gateway cache misses",
		},
	)

	// CacheDegraded tracks shared-tier failures absorbed by the memory tier.
	CacheDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_cache_degraded_total",
			Help: "Total number of shared cache tier failures absorbed",
		},
		[]string{"operation"}, // "get", "put", "invalidate"
	)
)

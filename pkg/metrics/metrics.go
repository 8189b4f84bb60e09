// Package metrics provides the central Prometheus registry reference for
// the MT5 gateway. Metrics are defined in their respective packages
// (transport, session, cache, gateway) to maintain modularity and avoid
// circular dependencies.
//
// This package documents all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the gateway.
// All metrics are automatically registered via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Transport Metrics (pkg/transport):
//   - mt5_upstream_requests_total{endpoint, status} (Counter): Upstream requests by endpoint and HTTP status
//   - mt5_upstream_request_duration_seconds{endpoint} (Histogram): Upstream request duration
//
// Session Metrics (pkg/session):
//   - mt5_handshakes_total{result} (Counter): Handshakes by result (success, failure)
//   - mt5_keepalive_probes_total{result} (Counter): Keep-alive probes by result
//   - mt5_session_invalidations_total{reason} (Counter): Session invalidations by reason
//   - mt5_session_state{state} (Gauge): Current session state (1 for the active state)
//
// Cache Metrics (pkg/cache):
//   - mt5_cache_hits_total{tier} (Counter): Cache hits by tier (memory, redis)
//   - mt5_cache_misses_total (Counter): Cache misses
//   - mt5_cache_degraded_total{operation} (Counter): Shared-tier failures absorbed
//
// Dispatch Metrics (pkg/gateway):
//   - mt5_fetches_total{kind, source} (Counter): Resource fetches by kind and source (cache, upstream)
//   - mt5_auth_retries_total (Counter): Fetches retried after auth-scoped failures
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(mt5_cache_hits_total[5m])) /
//   (sum(rate(mt5_cache_hits_total[5m])) + sum(rate(mt5_cache_misses_total[5m])))
//
//   # Handshake Failure Rate
//   rate(mt5_handshakes_total{result="failure"}[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(mt5_upstream_request_duration_seconds_bucket[5m]))
//
//   # Degraded Shared Tier
//   rate(mt5_cache_degraded_total[5m]) > 0

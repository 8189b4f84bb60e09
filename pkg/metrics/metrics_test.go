package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	_ "github.com/tradebridge/mt5-gateway/pkg/cache"
	_ "github.com/tradebridge/mt5-gateway/pkg/gateway"
	_ "github.com/tradebridge/mt5-gateway/pkg/session"
	_ "github.com/tradebridge/mt5-gateway/pkg/transport"
)

func TestRegistry(t *testing.T) {
	if Registry == nil {
		t.Error("Registry should not be nil")
	}

	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
}

// Each documented metric is registered by its defining package at init.
// Registering a second collector under the same name must fail, which
// proves the name is taken on the default registry.
func TestDocumentedMetricsRegistered(t *testing.T) {
	names := []string{
		"mt5_upstream_requests_total",
		"mt5_upstream_request_duration_seconds",
		"mt5_handshakes_total",
		"mt5_keepalive_probes_total",
		"mt5_session_invalidations_total",
		"mt5_session_state",
		"mt5_cache_hits_total",
		"mt5_cache_misses_total",
		"mt5_cache_degraded_total",
		"mt5_fetches_total",
		"mt5_auth_retries_total",
	}

	for _, name := range names {
		dup := prometheus.NewCounter(prometheus.CounterOpts{
			Name: name,
			Help: "duplicate registration check",
		})
		if err := Registry.Register(dup); err == nil {
			Registry.Unregister(dup)
			t.Errorf("%s is documented but not registered", name)
		}
	}
}

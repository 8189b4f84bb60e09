package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

// Key identifies a cached upstream response by resource kind and
// canonicalized request parameters.
type Key struct {
	Kind   webapi.Kind
	Params url.Values
}

// String generates a deterministic cache key string.
// Format: mt5:<kind>:param1=val1:param2=val2 with parameters sorted.
//
// Example:
//
//	mt5:user:login=46108
func (k Key) String() string {
	parts := []string{"mt5", string(k.Kind)}

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, k.Params.Get(name)))
		}
	}

	return strings.Join(parts, ":")
}

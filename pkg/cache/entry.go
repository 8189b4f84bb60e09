package cache

import (
	"time"

	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

// Entry is a cached upstream response.
type Entry struct {
	// Data is the raw upstream response body.
	Data []byte `json:"data"`

	// Kind is the resource kind the entry belongs to. The kind selects
	// the TTL enforced on read.
	Kind webapi.Kind `json:"kind"`

	// StoredAt is when the entry was written to this tier.
	StoredAt time.Time `json:"stored_at"`
}

// Fresh reports whether the entry is younger than ttl. An entry at or past
// its TTL is treated as absent.
func (e *Entry) Fresh(ttl time.Duration) bool {
	return time.Since(e.StoredAt) < ttl
}

// TTLPolicy maps resource kinds to their cache TTLs. A kind with no TTL
// (or a non-positive one) is never cached.
type TTLPolicy map[webapi.Kind]time.Duration

// DefaultTTLPolicy returns the stock policy: user records change rarely,
// open positions change continuously.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		webapi.KindUser:     60 * time.Second,
		webapi.KindPosition: 30 * time.Second,
	}
}

// For returns the TTL for a kind, or 0 when the kind is not cacheable.
func (p TTLPolicy) For(kind webapi.Kind) time.Duration {
	return p[kind]
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tradebridge/mt5-gateway/pkg/logging"
)

// ErrMiss indicates the key was absent or stale in every tier.
var ErrMiss = errors.New("cache miss")

// Tiered is the two-tier response cache. The memory tier is always
// present; the shared Redis tier is optional and best-effort.
type Tiered struct {
	local  *memoryTier
	shared *redis.Client
	policy TTLPolicy
	logger zerolog.Logger
}

// NewTiered creates a cache. shared may be nil to run on memory alone.
func NewTiered(shared *redis.Client, policy TTLPolicy) *Tiered {
	if policy == nil {
		policy = DefaultTTLPolicy()
	}
	return &Tiered{
		local:  newMemoryTier(),
		shared: shared,
		policy: policy,
		logger: logging.NewLogger("cache"),
	}
}

// Get returns the entry for key if any tier holds a fresh copy, checking
// the memory tier first. A shared-tier hit populates the memory tier.
// Returns ErrMiss otherwise; shared-tier failures count as misses, never
// as errors.
func (c *Tiered) Get(ctx context.Context, key Key) (*Entry, error) {
	ttl := c.policy.For(key.Kind)
	if ttl <= 0 {
		return nil, ErrMiss
	}
	ks := key.String()

	if entry := c.local.get(ks); entry != nil {
		if entry.Fresh(ttl) {
			CacheHits.WithLabelValues("memory").Inc()
			c.logger.Debug().Str("key", ks).Str("tier", "memory").Msg("Cache hit")
			return entry, nil
		}
		c.local.delete(ks)
	}

	if c.shared == nil {
		CacheMisses.Inc()
		return nil, ErrMiss
	}

	data, err := c.shared.Get(ctx, ks).Bytes()
	if err != nil {
		if err != redis.Nil {
			CacheDegraded.WithLabelValues("get").Inc()
			c.logger.Warn().Err(err).Str("key", ks).Msg("Shared cache tier get failed, degrading to memory tier")
		}
		CacheMisses.Inc()
		return nil, ErrMiss
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheDegraded.WithLabelValues("get").Inc()
		c.logger.Warn().Err(err).Str("key", ks).Msg("Corrupt shared cache entry")
		CacheMisses.Inc()
		return nil, ErrMiss
	}
	if !entry.Fresh(ttl) {
		CacheMisses.Inc()
		return nil, ErrMiss
	}

	c.local.put(ks, &entry)
	CacheHits.WithLabelValues("redis").Inc()
	c.logger.Debug().Str("key", ks).Str("tier", "redis").Msg("Cache hit")
	return &entry, nil
}

// Put stores data under key. The memory tier write is unconditional; the
// shared tier write is best-effort and failures are logged and swallowed.
// Kinds with no TTL policy are not stored.
func (c *Tiered) Put(ctx context.Context, key Key, data []byte) {
	ttl := c.policy.For(key.Kind)
	if ttl <= 0 {
		return
	}
	ks := key.String()

	entry := &Entry{
		Data:     data,
		Kind:     key.Kind,
		StoredAt: time.Now(),
	}
	c.local.put(ks, entry)

	if c.shared == nil {
		return
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		CacheDegraded.WithLabelValues("put").Inc()
		c.logger.Warn().Err(err).Str("key", ks).Msg("Marshal cache entry failed")
		return
	}
	if err := c.shared.Set(ctx, ks, encoded, ttl).Err(); err != nil {
		CacheDegraded.WithLabelValues("put").Inc()
		c.logger.Warn().Err(err).Str("key", ks).Msg("Shared cache tier put failed, entry kept in memory tier")
	}
}

// Invalidate removes the entry from both tiers immediately, so stale reads
// cannot follow a mutation.
func (c *Tiered) Invalidate(ctx context.Context, key Key) {
	ks := key.String()
	c.local.delete(ks)

	if c.shared == nil {
		return
	}
	if err := c.shared.Del(ctx, ks).Err(); err != nil {
		CacheDegraded.WithLabelValues("invalidate").Inc()
		c.logger.Warn().Err(err).Str("key", ks).Msg("Shared cache tier invalidate failed")
	}
}

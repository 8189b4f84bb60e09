// Package cache implements the gateway's two-tier response cache: a fast
// in-process tier always present, and an optional Redis tier shared across
// gateway instances. Tiers are independent copies with independently
// enforced TTLs, reconciled only by write-through on miss.
//
// The shared tier is strictly best-effort. If Redis is unreachable the
// cache degrades to the memory tier alone and no error ever reaches the
// request path.
package cache

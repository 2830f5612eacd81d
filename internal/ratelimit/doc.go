// Package ratelimit implements admission control for the edge service.
//
// A check is always scoped to an identifier (see Identify) and a Policy:
//
//	dec, err := limiter.Check(ctx, "ip:203.0.113.7", policy)
//
// # Algorithms
//
// Three interchangeable algorithms are supported:
//
//   - FixedWindow: a counter per aligned window (floor(now/window)). Bursts that
//     straddle a window boundary can admit up to twice the quota. This is an
//     accepted trade-off for O(1) state and is relied on by the presets.
//   - SlidingWindow: a log of hit timestamps in the trailing window. Exact, at
//     the cost of up to MaxRequests timestamps per identifier.
//   - TokenBucket: continuous refill of MaxRequests per Window, bounded by
//     BurstLimit (MaxRequests when unset). A bucket holding exactly one token
//     admits the request.
//
// A denied check never consumes a unit and never persists state; in
// particular the token bucket's refill timestamp only moves when a token is
// actually taken, so recomputing the refill for the same instant never
// credits tokens twice.
//
// # Stores
//
// Counter records live in a Store keyed by "{policy}:{identifier}", so the
// same identifier under two policies never shares state. MemoryStore is a
// sharded in-process map used as the fail-open fallback and in tests; the
// Redis-backed store lives in internal/repository/redis. FallbackStore
// composes the two: it tries the durable store and, on any error, logs a
// warning and answers from memory instead of failing the request.
//
// Under fallback, counts are per process only. Cross-instance under-counting
// while the durable store is down is a known limitation.
//
// # Cleanup
//
// MemoryStore removes expired records opportunistically: each committing
// write triggers a sweep with a configurable probability (1% by default).
// This bounds memory without a background scheduler.
package ratelimit

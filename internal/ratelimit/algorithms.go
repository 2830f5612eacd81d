package ratelimit

import (
	"math"
	"slices"
	"time"
)

// evaluate runs p's algorithm against rec at now. It mutates rec only in the
// ways that should be persisted and reports whether the caller must commit.
func evaluate(p Policy, rec *Record, now time.Time) (Decision, bool) {
	switch p.Algorithm {
	case FixedWindow:
		return fixedWindow(p, rec, now)
	case SlidingWindow:
		return slidingWindow(p, rec, now)
	default:
		return tokenBucket(p, rec, now)
	}
}

func fixedWindow(p Policy, rec *Record, now time.Time) (Decision, bool) {
	window := int64(p.Window)
	idx := floorDiv(now.UnixNano(), window)
	if rec.WindowIndex != idx {
		rec.WindowIndex = idx
		rec.Count = 0
	}

	resetAt := time.Unix(0, (idx+1)*window)
	limit := int64(p.MaxRequests)

	if rec.Count >= limit {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: clampDuration(resetAt.Sub(now)),
			TotalHits:  rec.Count,
		}, false
	}

	rec.Count++
	rec.ExpiresAt = resetAt.UnixNano()
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: nonNegative(limit - rec.Count),
		ResetAt:   resetAt,
		TotalHits: rec.Count,
	}, true
}

func slidingWindow(p Policy, rec *Record, now time.Time) (Decision, bool) {
	nowNano := now.UnixNano()
	cutoff := nowNano - int64(p.Window)

	kept := make([]int64, 0, len(rec.Timestamps)+1)
	for _, ts := range rec.Timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	rec.Timestamps = kept
	limit := int64(p.MaxRequests)

	if int64(len(kept)) >= limit {
		oldest := slices.Min(kept)
		resetAt := time.Unix(0, oldest).Add(p.Window)
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: clampDuration(resetAt.Sub(now)),
			TotalHits:  int64(len(kept)),
		}, false
	}

	rec.Timestamps = append(rec.Timestamps, nowNano)
	if n := len(rec.Timestamps); n > 1 && rec.Timestamps[n-2] > nowNano {
		slices.Sort(rec.Timestamps)
	}
	rec.ExpiresAt = rec.Timestamps[len(rec.Timestamps)-1] + int64(p.Window)

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: nonNegative(limit - int64(len(rec.Timestamps))),
		ResetAt:   time.Unix(0, rec.Timestamps[0]).Add(p.Window),
		TotalHits: int64(len(rec.Timestamps)),
	}, true
}

func tokenBucket(p Policy, rec *Record, now time.Time) (Decision, bool) {
	capacity := float64(p.Capacity())
	nowNano := now.UnixNano()

	tokens := capacity
	if rec.Seeded {
		elapsed := nowNano - rec.LastRefill
		if elapsed < 0 {
			elapsed = 0
		}
		// elapsed*max/window keeps whole-token refills exact.
		tokens = math.Min(capacity, rec.Tokens+float64(elapsed)*float64(p.MaxRequests)/float64(p.Window))
	}
	if tokens < 0 {
		tokens = 0
	}

	limit := int64(p.MaxRequests)

	if tokens < 1 {
		wait := refillDuration(p, 1-tokens)
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    now.Add(wait),
			RetryAfter: wait,
			TotalHits:  nonNegative(int64(capacity) - int64(math.Floor(tokens))),
		}, false
	}

	tokens--
	rec.Tokens = tokens
	rec.LastRefill = nowNano
	rec.Seeded = true

	full := refillDuration(p, capacity-tokens)
	rec.ExpiresAt = now.Add(full).UnixNano()

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: nonNegative(int64(math.Floor(tokens))),
		ResetAt:   now.Add(full),
		TotalHits: nonNegative(int64(capacity) - int64(math.Floor(tokens))),
	}, true
}

// refillDuration is the time needed to accumulate n tokens under p.
func refillDuration(p Policy, n float64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(n * float64(p.Window) / float64(p.MaxRequests)))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func clampDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

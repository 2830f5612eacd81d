package ratelimit

import "time"

// Decision is the outcome of a single check. It is never persisted.
// RetryAfter is zero when the check was allowed.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	TotalHits  int64         `json:"total_hits"`
}

// Key addresses one counter record.
type Key struct {
	Policy     string
	Identifier string
}

func (k Key) String() string {
	return k.Policy + ":" + k.Identifier
}

// Record is the counter state for one Key. Only the fields of the policy's
// algorithm are meaningful. Times are Unix nanoseconds.
type Record struct {
	// Sliding window: hit timestamps, ascending.
	Timestamps []int64 `json:"ts,omitempty"`

	// Fixed window.
	WindowIndex int64 `json:"wi,omitempty"`
	Count       int64 `json:"c,omitempty"`

	// Token bucket. Seeded is false until the first committed check.
	Tokens     float64 `json:"tk,omitempty"`
	LastRefill int64   `json:"lr,omitempty"`
	Seeded     bool    `json:"sd,omitempty"`

	// ExpiresAt is when the record stops carrying information and may be
	// dropped by cleanup.
	ExpiresAt int64 `json:"exp"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.Timestamps != nil {
		out.Timestamps = append([]int64(nil), r.Timestamps...)
	}
	return out
}

// Expired reports whether r can be removed at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != 0 && r.ExpiresAt <= now.UnixNano()
}

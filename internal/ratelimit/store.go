package ratelimit

import "context"

// ApplyFunc mutates a record in place and reports whether it must be
// persisted. A store may call it more than once for a single Apply (for
// example after an optimistic transaction conflict), always with a freshly
// loaded record, so it must not have side effects beyond rec and its own
// captured results.
type ApplyFunc func(rec *Record) (commit bool)

// Store is a counting store. Implementations must make Apply atomic per key:
// the load, fn and the conditional write act as one read-modify-write.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Apply loads the record for key, initializing an empty one when absent,
	// runs fn on it and persists the result when fn returns true.
	Apply(ctx context.Context, key Key, fn ApplyFunc) error
	// Reset removes every record of identifier, across all policies.
	Reset(ctx context.Context, identifier string) error
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"edge-guard/internal/util"
)

// Limiter evaluates policies against a Store.
type Limiter struct {
	store    Store
	clock    func() time.Time
	logger   *zap.Logger
	observer func(Policy, Decision)
}

type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		l.clock = fn
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithObserver registers a callback that sees every consuming decision.
func WithObserver(fn func(Policy, Decision)) Option {
	return func(l *Limiter) {
		l.observer = fn
	}
}

// NewLimiter returns a Limiter over store. A nil store means a fresh
// MemoryStore.
func NewLimiter(store Store, opts ...Option) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{
		store:  store,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check consumes one unit for identifier under policy when it is allowed.
// A denied check consumes nothing.
func (l *Limiter) Check(ctx context.Context, identifier string, policy Policy) (Decision, error) {
	dec, err := l.run(ctx, identifier, policy, true)
	if err != nil {
		return Decision{}, err
	}
	if !dec.Allowed {
		l.logger.Info("Rate limit exceeded",
			zap.String("policy", policy.Name),
			zap.String("identifier", identifier),
			zap.Int64("limit", dec.Limit),
			zap.Duration("retry_after", dec.RetryAfter),
		)
	}
	if l.observer != nil {
		l.observer(policy, dec)
	}
	return dec, nil
}

// Status reports what Check would decide right now without consuming a unit.
// Remaining and TotalHits describe the state before the hypothetical request.
func (l *Limiter) Status(ctx context.Context, identifier string, policy Policy) (Decision, error) {
	dec, err := l.run(ctx, identifier, policy, false)
	if err != nil {
		return Decision{}, err
	}
	if dec.Allowed {
		dec.Remaining++
		dec.TotalHits = nonNegative(dec.TotalHits - 1)
	}
	return dec, nil
}

// Reset clears every counter of identifier across policies and algorithms.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if identifier == "" {
		return fmt.Errorf("%w: empty identifier", util.ErrMalformedInput)
	}
	if err := l.store.Reset(ctx, identifier); err != nil {
		return fmt.Errorf("reset %q: %w", identifier, err)
	}
	l.logger.Info("Rate limit reset", zap.String("identifier", identifier))
	return nil
}

func (l *Limiter) run(ctx context.Context, identifier string, policy Policy, consume bool) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	if identifier == "" {
		return Decision{}, fmt.Errorf("%w: empty identifier", util.ErrMalformedInput)
	}

	now := l.clock()
	var dec Decision
	err := l.store.Apply(ctx, Key{Policy: policy.Name, Identifier: identifier}, func(rec *Record) bool {
		var commit bool
		dec, commit = evaluate(policy, rec, now)
		return consume && commit
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %s: %v", util.ErrStoreUnavailable, l.store.Name(), err)
	}
	return dec, nil
}

package ratelimit

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FallbackStore tries a durable store first and answers from a local store
// whenever the durable one fails. Storage errors never reach the caller of
// Apply unless the fallback fails too.
type FallbackStore struct {
	primary    Store
	fallback   Store
	logger     *zap.Logger
	onFallback func(primary string, err error)
}

type FallbackOption func(*FallbackStore)

// WithFallbackHook registers a callback invoked every time Apply falls back.
func WithFallbackHook(fn func(primary string, err error)) FallbackOption {
	return func(f *FallbackStore) {
		f.onFallback = fn
	}
}

func NewFallbackStore(primary, fallback Store, logger *zap.Logger, opts ...FallbackOption) *FallbackStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &FallbackStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FallbackStore) Name() string {
	return f.primary.Name() + "+" + f.fallback.Name()
}

func (f *FallbackStore) Apply(ctx context.Context, key Key, fn ApplyFunc) error {
	err := f.primary.Apply(ctx, key, fn)
	if err == nil {
		return nil
	}

	f.logger.Warn("Durable rate limit store failed, falling back",
		zap.String("store", f.primary.Name()),
		zap.String("fallback", f.fallback.Name()),
		zap.String("policy", key.Policy),
		zap.Error(err),
	)
	if f.onFallback != nil {
		f.onFallback(f.primary.Name(), err)
	}

	// The primary may have used up ctx's deadline.
	return f.fallback.Apply(context.WithoutCancel(ctx), key, fn)
}

// Reset clears identifier from both stores concurrently.
func (f *FallbackStore) Reset(ctx context.Context, identifier string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.primary.Reset(gctx, identifier)
	})
	g.Go(func() error {
		return f.fallback.Reset(gctx, identifier)
	})
	return g.Wait()
}

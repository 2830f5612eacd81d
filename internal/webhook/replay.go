package webhook

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultReplayRetention = 24 * time.Hour

// ReplayGuard deduplicates deliveries by id. CheckAndMark records id and
// reports whether it had been recorded before within the retention period.
type ReplayGuard interface {
	CheckAndMark(ctx context.Context, id string) (duplicate bool, err error)
}

// MemoryReplayGuard is a process-local ReplayGuard.
type MemoryReplayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	clock     func() time.Time
}

func NewMemoryReplayGuard(retention time.Duration, clock func() time.Time) *MemoryReplayGuard {
	if retention <= 0 {
		retention = DefaultReplayRetention
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryReplayGuard{
		seen:      make(map[string]time.Time),
		retention: retention,
		clock:     clock,
	}
}

// CheckAndMark prunes ids older than the retention period on every call.
func (g *MemoryReplayGuard) CheckAndMark(_ context.Context, id string) (bool, error) {
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	for seenID, at := range g.seen {
		if now.Sub(at) > g.retention {
			delete(g.seen, seenID)
		}
	}

	if _, ok := g.seen[id]; ok {
		return true, nil
	}
	g.seen[id] = now
	return false, nil
}

// Len returns the number of ids currently remembered.
func (g *MemoryReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// FallbackReplayGuard consults a shared guard and falls back to a local one
// when the shared guard errors.
type FallbackReplayGuard struct {
	primary  ReplayGuard
	fallback ReplayGuard
	logger   *zap.Logger
}

func NewFallbackReplayGuard(primary, fallback ReplayGuard, logger *zap.Logger) *FallbackReplayGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackReplayGuard{primary: primary, fallback: fallback, logger: logger}
}

func (g *FallbackReplayGuard) CheckAndMark(ctx context.Context, id string) (bool, error) {
	dup, err := g.primary.CheckAndMark(ctx, id)
	if err == nil {
		return dup, nil
	}
	g.logger.Warn("Durable replay store failed, falling back", zap.String("webhook_id", id), zap.Error(err))
	return g.fallback.CheckAndMark(context.WithoutCancel(ctx), id)
}

package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"edge-guard/internal/bucketing"
)

const DefaultCleanupProbability = 0.01

type memoryEntry struct {
	key Key
	rec Record
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// MemoryStore is a process-local Store. Its state lives only as long as the
// process and is not shared between instances.
type MemoryStore struct {
	shards             []*memoryShard
	buckets            *bucketing.BucketingManager
	cleanupProbability float64
	random             func() float64
	clock              func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithShards sets the number of independently locked shards.
func WithShards(n int) MemoryOption {
	return func(m *MemoryStore) {
		m.buckets = bucketing.NewBucketingManager(n)
	}
}

// WithCleanupProbability sets the chance that a committing write sweeps
// expired records. 0 disables opportunistic cleanup.
func WithCleanupProbability(p float64) MemoryOption {
	return func(m *MemoryStore) {
		m.cleanupProbability = p
	}
}

// WithRandom replaces the source used for the cleanup trigger.
func WithRandom(fn func() float64) MemoryOption {
	return func(m *MemoryStore) {
		m.random = fn
	}
}

// WithStoreClock sets the clock used to decide expiry during sweeps.
func WithStoreClock(fn func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.clock = fn
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		buckets:            bucketing.NewBucketingManager(bucketing.DefaultShards),
		cleanupProbability: DefaultCleanupProbability,
		random:             rand.Float64,
		clock:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.shards = make([]*memoryShard, m.buckets.Buckets())
	for i := range m.shards {
		m.shards[i] = &memoryShard{entries: make(map[string]*memoryEntry)}
	}
	return m
}

func (m *MemoryStore) Name() string {
	return "memory"
}

func (m *MemoryStore) Apply(_ context.Context, key Key, fn ApplyFunc) error {
	k := key.String()
	shard := m.shards[m.buckets.BucketFor(k)]

	shard.mu.Lock()
	var rec Record
	if entry, ok := shard.entries[k]; ok {
		rec = entry.rec.Clone()
	}
	commit := fn(&rec)
	if commit {
		shard.entries[k] = &memoryEntry{key: key, rec: rec}
	}
	shard.mu.Unlock()

	if commit && m.cleanupProbability > 0 && m.random() < m.cleanupProbability {
		m.Sweep()
	}
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, identifier string) error {
	for _, shard := range m.shards {
		shard.mu.Lock()
		for k, entry := range shard.entries {
			if entry.key.Identifier == identifier {
				delete(shard.entries, k)
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

// Sweep removes every expired record and returns how many were dropped.
func (m *MemoryStore) Sweep() int {
	now := m.clock()
	removed := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		for k, entry := range shard.entries {
			if entry.rec.Expired(now) {
				delete(shard.entries, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of records held.
func (m *MemoryStore) Len() int {
	n := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		n += len(shard.entries)
		shard.mu.Unlock()
	}
	return n
}

package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-guard/internal/util"
)

var epoch = time.Unix(1_700_000_000, 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(clock *fakeClock) *Limiter {
	store := NewMemoryStore(WithCleanupProbability(0), WithStoreClock(clock.Now))
	return NewLimiter(store, WithClock(clock.Now))
}

func TestSlidingWindowScenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	l := newTestLimiter(clock)
	policy := Policy{Name: "sw", Algorithm: SlidingWindow, MaxRequests: 5, Window: 60 * time.Second}

	for i := 0; i < 5; i++ {
		dec, err := l.Check(ctx, "ip:1.1.1.1", policy)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "check %d", i+1)
		assert.Equal(t, int64(4-i), dec.Remaining)
	}

	clock.Set(epoch.Add(time.Second))
	dec, err := l.Check(ctx, "ip:1.1.1.1", policy)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, int64(0), dec.Remaining)
	assert.Equal(t, 59*time.Second, dec.RetryAfter)
	assert.WithinDuration(t, epoch.Add(60*time.Second), dec.ResetAt, 0)

	clock.Set(epoch.Add(61 * time.Second))
	dec, err = l.Check(ctx, "ip:1.1.1.1", policy)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(1), dec.TotalHits)
}

func TestSlidingWindowPurgesBoundaryInclusive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	l := newTestLimiter(clock)
	policy := Policy{Name: "sw", Algorithm: SlidingWindow, MaxRequests: 1, Window: 10 * time.Second}

	dec, err := l.Check(ctx, "k", policy)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	clock.Set(epoch.Add(10*time.Second - time.Nanosecond))
	dec, _ = l.Check(ctx, "k", policy)
	assert.False(t, dec.Allowed)

	// A hit exactly W ago is outside (T-W, T].
	clock.Set(epoch.Add(10 * time.Second))
	dec, _ = l.Check(ctx, "k", policy)
	assert.True(t, dec.Allowed)
}

func TestSlidingWindowNeverExceedsQuotaInAnyWindow(t *testing.T) {
	ctx := context.Background()
	const max = 7
	window := 10 * time.Second
	policy := Policy{Name: "sw", Algorithm: SlidingWindow, MaxRequests: max, Window: window}

	for seed := uint64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewSource(int64(seed)))
		clock := newFakeClock(epoch)
		l := newTestLimiter(clock)

		var admitted []time.Time
		for i := 0; i < 200; i++ {
			clock.Advance(time.Duration(rng.Int63n(int64(400 * time.Millisecond))))
			dec, err := l.Check(ctx, "k", policy)
			require.NoError(t, err)
			if dec.Allowed {
				admitted = append(admitted, clock.Now())
			}
		}

		for _, end := range admitted {
			n := 0
			for _, ts := range admitted {
				if ts.After(end.Add(-window)) && !ts.After(end) {
					n++
				}
			}
			assert.LessOrEqual(t, n, max, "seed %d", seed)
		}
	}
}

func TestTokenBucketScenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	l := newTestLimiter(clock)
	policy := Policy{Name: "tb", Algorithm: TokenBucket, MaxRequests: 10, Window: 60 * time.Second, BurstLimit: 5}

	for i := 0; i < 5; i++ {
		dec, err := l.Check(ctx, "user:42", policy)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "check %d", i+1)
		assert.Equal(t, int64(4-i), dec.Remaining)
	}

	dec, err := l.Check(ctx, "user:42", policy)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 6*time.Second, dec.RetryAfter)

	clock.Advance(6 * time.Second)
	dec, err = l.Check(ctx, "user:42", policy)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(0), dec.Remaining)

	dec, _ = l.Check(ctx, "user:42", policy)
	assert.False(t, dec.Allowed)
}

func TestTokenBucketDenialDoesNotMoveRefill(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	l := newTestLimiter(clock)
	policy := Policy{Name: "tb", Algorithm: TokenBucket, MaxRequests: 1, Window: 10 * time.Second}

	dec, _ := l.Check(ctx, "k", policy)
	require.True(t, dec.Allowed)

	// Repeated denials at increasing times must not reset the refill clock.
	for i := 1; i <= 9; i++ {
		clock.Set(epoch.Add(time.Duration(i) * time.Second))
		dec, _ = l.Check(ctx, "k", policy)
		assert.False(t, dec.Allowed)
		assert.InDelta(t, float64(time.Duration(10-i)*time.Second), float64(dec.RetryAfter), float64(time.Microsecond))
	}

	clock.Set(epoch.Add(10 * time.Second))
	dec, _ = l.Check(ctx, "k", policy)
	assert.True(t, dec.Allowed)
}

func TestTokenBucketRefillIsCappedAtCapacity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	l := newTestLimiter(clock)
	policy := Policy{Name: "tb", Algorithm: TokenBucket, MaxRequests: 10, Window: time.Second, BurstLimit: 3}

	dec, _ := l.Check(ctx, "k", policy)
	require.True(t, dec.Allowed)

	clock.Advance(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if dec, _ := l.Check(ctx, "k", policy); dec.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestTokenBucketThrottlesSustainedOverload(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	l := newTestLimiter(clock)
	// 10 per second, burst 10; send 20 per second for 10 seconds.
	policy := Policy{Name: "tb", Algorithm: TokenBucket, MaxRequests: 10, Window: time.Second}

	allowed := 0
	for i := 0; i < 200; i++ {
		if dec, _ := l.Check(ctx, "k", policy); dec.Allowed {
			allowed++
		}
		clock.Advance(50 * time.Millisecond)
	}
	assert.LessOrEqual(t, allowed, 10+100)
	assert.Greater(t, allowed, 100)
}

func TestFixedWindowScenario(t *testing.T) {
	ctx := context.Background()
	window := 60 * time.Second
	start := time.Unix(0, 0).Add(time.Duration(epoch.UnixNano()/int64(window)) * window)
	clock := newFakeClock(start.Add(5 * time.Second))
	l := newTestLimiter(clock)
	policy := Policy{Name: "fw", Algorithm: FixedWindow, MaxRequests: 3, Window: window}

	for i := 0; i < 3; i++ {
		dec, err := l.Check(ctx, "ip:2.2.2.2", policy)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.WithinDuration(t, start.Add(window), dec.ResetAt, 0)
	}

	clock.Set(start.Add(window - time.Millisecond))
	dec, err := l.Check(ctx, "ip:2.2.2.2", policy)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, time.Millisecond, dec.RetryAfter)
	assert.Equal(t, int64(3), dec.TotalHits)

	clock.Set(start.Add(window + time.Millisecond))
	dec, err = l.Check(ctx, "ip:2.2.2.2", policy)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(2), dec.Remaining)
	assert.WithinDuration(t, start.Add(2*window), dec.ResetAt, 0)
}

func TestFixedWindowBoundaryAdmitsTwiceTheQuota(t *testing.T) {
	ctx := context.Background()
	window := time.Minute
	start := time.Unix(0, 0).Add(time.Duration(epoch.UnixNano()/int64(window)) * window)
	clock := newFakeClock(start.Add(window - time.Second))
	l := newTestLimiter(clock)
	policy := Policy{Name: "fw", Algorithm: FixedWindow, MaxRequests: 4, Window: window}

	allowed := 0
	for i := 0; i < 4; i++ {
		if dec, _ := l.Check(ctx, "k", policy); dec.Allowed {
			allowed++
		}
	}
	clock.Set(start.Add(window + time.Second))
	for i := 0; i < 4; i++ {
		if dec, _ := l.Check(ctx, "k", policy); dec.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 8, allowed)
}

func TestResetBehavesLikeNewIdentifier(t *testing.T) {
	ctx := context.Background()
	policies := []Policy{
		{Name: "a", Algorithm: SlidingWindow, MaxRequests: 2, Window: time.Minute},
		{Name: "b", Algorithm: FixedWindow, MaxRequests: 2, Window: time.Minute},
		{Name: "c", Algorithm: TokenBucket, MaxRequests: 2, Window: time.Minute},
	}

	clock := newFakeClock(epoch)
	l := newTestLimiter(clock)
	fresh := newTestLimiter(newFakeClock(epoch))

	for _, p := range policies {
		for i := 0; i < 3; i++ {
			_, err := l.Check(ctx, "ip:9.9.9.9", p)
			require.NoError(t, err)
		}
	}

	require.NoError(t, l.Reset(ctx, "ip:9.9.9.9"))

	for _, p := range policies {
		got, err := l.Check(ctx, "ip:9.9.9.9", p)
		require.NoError(t, err)
		want, err := fresh.Check(ctx, "ip:new", p)
		require.NoError(t, err)
		assert.Equal(t, want, got, p.Name)
	}
}

func TestPoliciesUseDisjointKeys(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(newFakeClock(epoch))
	search := Policy{Name: "search", Algorithm: SlidingWindow, MaxRequests: 1, Window: time.Minute}
	admin := Policy{Name: "admin", Algorithm: SlidingWindow, MaxRequests: 1, Window: time.Minute}

	dec, _ := l.Check(ctx, "user:1", search)
	assert.True(t, dec.Allowed)
	dec, _ = l.Check(ctx, "user:1", search)
	assert.False(t, dec.Allowed)

	dec, _ = l.Check(ctx, "user:1", admin)
	assert.True(t, dec.Allowed)
}

func TestStatusDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(newFakeClock(epoch))

	for _, p := range []Policy{
		{Name: "a", Algorithm: SlidingWindow, MaxRequests: 3, Window: time.Minute},
		{Name: "b", Algorithm: FixedWindow, MaxRequests: 3, Window: time.Minute},
		{Name: "c", Algorithm: TokenBucket, MaxRequests: 3, Window: time.Minute},
	} {
		_, err := l.Check(ctx, "k", p)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			st, err := l.Status(ctx, "k", p)
			require.NoError(t, err)
			assert.True(t, st.Allowed, p.Name)
			assert.Equal(t, int64(2), st.Remaining, p.Name)
			assert.Equal(t, int64(1), st.TotalHits, p.Name)
		}
	}
}

func TestCheckRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(newFakeClock(epoch))

	_, err := l.Check(ctx, "k", Policy{Name: "x", Algorithm: "leaky", MaxRequests: 1, Window: time.Second})
	assert.ErrorIs(t, err, util.ErrInvalidPolicy)

	_, err = l.Check(ctx, "", Policy{Name: "x", Algorithm: FixedWindow, MaxRequests: 1, Window: time.Second})
	assert.ErrorIs(t, err, util.ErrMalformedInput)

	assert.ErrorIs(t, l.Reset(ctx, ""), util.ErrMalformedInput)
}

func TestCheckObserverAndConcurrency(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	allowed := 0
	l := NewLimiter(NewMemoryStore(), WithObserver(func(_ Policy, d Decision) {
		mu.Lock()
		defer mu.Unlock()
		if d.Allowed {
			allowed++
		}
	}))
	policy := Policy{Name: "fw", Algorithm: FixedWindow, MaxRequests: 50, Window: time.Hour}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Check(ctx, "shared", policy)
		}()
	}
	wg.Wait()

	// Allow for a window boundary falling inside the test.
	assert.GreaterOrEqual(t, allowed, 50)
	assert.LessOrEqual(t, allowed, 100)
}

type failingStore struct {
	err   error
	calls int
}

func (f *failingStore) Name() string { return "failing" }

func (f *failingStore) Apply(context.Context, Key, ApplyFunc) error {
	f.calls++
	return f.err
}

func (f *failingStore) Reset(context.Context, string) error { return f.err }

func TestCheckFallsBackWhenDurableStoreFails(t *testing.T) {
	ctx := context.Background()
	durable := &failingStore{err: errors.New("dial tcp: connection refused")}
	var fallbacks int
	store := NewFallbackStore(durable, NewMemoryStore(), nil, WithFallbackHook(func(string, error) { fallbacks++ }))
	l := NewLimiter(store)
	policy := Policy{Name: "auth", Algorithm: SlidingWindow, MaxRequests: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		dec, err := l.Check(ctx, "ip:3.3.3.3", policy)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}
	dec, err := l.Check(ctx, "ip:3.3.3.3", policy)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 3, durable.calls)
	assert.Equal(t, 3, fallbacks)
}

func TestCheckWithoutFallbackReportsStoreUnavailable(t *testing.T) {
	l := NewLimiter(&failingStore{err: errors.New("boom")})
	_, err := l.Check(context.Background(), "k", Policy{Name: "x", Algorithm: FixedWindow, MaxRequests: 1, Window: time.Second})
	assert.ErrorIs(t, err, util.ErrStoreUnavailable)
}

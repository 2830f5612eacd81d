package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"edge-guard/internal/client"
	"edge-guard/internal/ratelimit"
	"edge-guard/internal/util"
)

const (
	DefaultKeyPrefix = "ratelimit:"
	defaultTxRetries = 5
	scanBatch        = 200
)

// ErrContention is returned when a key kept changing under every attempted
// transaction.
var ErrContention = errors.New("rate limit key under contention")

// RateLimitStore keeps counter records in Redis, one JSON value per
// policy and identifier. Each Apply is an optimistic WATCH/MULTI transaction
// on that single key, so concurrent instances never lose updates.
type RateLimitStore struct {
	client  *client.RedisClient
	prefix  string
	retries int
	clock   func() time.Time
}

type StoreOption func(*RateLimitStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *RateLimitStore) {
		s.prefix = prefix
	}
}

// WithClock sets the clock used to turn record expiry into key TTLs. It must
// agree with the limiter's clock.
func WithClock(fn func() time.Time) StoreOption {
	return func(s *RateLimitStore) {
		s.clock = fn
	}
}

func WithTxRetries(n int) StoreOption {
	return func(s *RateLimitStore) {
		s.retries = max(n, 1)
	}
}

func NewRateLimitStore(c *client.RedisClient, opts ...StoreOption) *RateLimitStore {
	s := &RateLimitStore{
		client:  c,
		prefix:  DefaultKeyPrefix,
		retries: defaultTxRetries,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RateLimitStore) Name() string {
	return "redis"
}

func (s *RateLimitStore) key(k ratelimit.Key) string {
	return s.prefix + k.String()
}

func (s *RateLimitStore) Apply(ctx context.Context, key ratelimit.Key, fn ratelimit.ApplyFunc) error {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	redisKey := s.key(key)
	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, redisKey)
		if err != nil {
			return err
		}
		if !fn(&rec) {
			return nil
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := s.ttl(rec)
			if ttl <= 0 {
				pipe.Del(ctx, redisKey)
				return nil
			}
			pipe.Set(ctx, redisKey, payload, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.client.Client.Watch(ctx, txf, redisKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			util.Debug("Rate limit transaction retried",
				zap.String("key", redisKey),
				zap.Int("attempt", attempt+1))
			continue
		}
		return fmt.Errorf("apply %s: %w", redisKey, err)
	}
	return fmt.Errorf("apply %s: %w", redisKey, ErrContention)
}

func (s *RateLimitStore) load(ctx context.Context, tx *redis.Tx, redisKey string) (ratelimit.Record, error) {
	var rec ratelimit.Record

	raw, err := tx.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}

	if err := json.Unmarshal(raw, &rec); err != nil {
		// An unreadable record is treated as absent and overwritten.
		util.Warn("Discarding corrupt rate limit record",
			zap.String("key", redisKey),
			zap.Error(err))
		return ratelimit.Record{}, nil
	}
	return rec, nil
}

func (s *RateLimitStore) ttl(rec ratelimit.Record) time.Duration {
	if rec.ExpiresAt == 0 {
		return 0
	}
	ttl := time.Unix(0, rec.ExpiresAt).Sub(s.clock())
	if ttl > 0 && ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}

// Reset deletes every record of identifier whatever its policy. Missing
// records are not an error.
func (s *RateLimitStore) Reset(ctx context.Context, identifier string) error {
	pattern := escapeGlob(s.prefix) + "*:" + escapeGlob(identifier)

	var matched []string
	iter := s.client.Client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		if s.ownedBy(iter.Val(), identifier) {
			matched = append(matched, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}

	for start := 0; start < len(matched); start += scanBatch {
		end := min(start+scanBatch, len(matched))
		if err := s.client.Client.Del(ctx, matched[start:end]...).Err(); err != nil {
			return fmt.Errorf("delete records of %q: %w", identifier, err)
		}
	}

	util.Debug("Rate limit records reset",
		zap.String("identifier", identifier),
		zap.Int("keys", len(matched)))
	return nil
}

// ownedBy reports whether redisKey is exactly prefix+policy+":"+identifier.
// Policy names never contain ':' so the first separator ends the policy.
func (s *RateLimitStore) ownedBy(redisKey, identifier string) bool {
	rest, ok := strings.CutPrefix(redisKey, s.prefix)
	if !ok {
		return false
	}
	_, id, ok := strings.Cut(rest, ":")
	return ok && id == identifier
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

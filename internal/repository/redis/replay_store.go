package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"edge-guard/internal/client"
	"edge-guard/internal/util"
)

const (
	replayPrefix           = "webhook:seen:"
	DefaultReplayRetention = 24 * time.Hour
)

// ReplayStore remembers webhook ids in Redis so a delivery is accepted by at
// most one instance within the retention period.
type ReplayStore struct {
	client    *client.RedisClient
	retention time.Duration
}

func NewReplayStore(c *client.RedisClient, retention time.Duration) *ReplayStore {
	if retention <= 0 {
		retention = DefaultReplayRetention
	}
	return &ReplayStore{client: c, retention: retention}
}

func (s *ReplayStore) Name() string {
	return "redis"
}

// CheckAndMark records id and reports whether it had already been recorded.
func (s *ReplayStore) CheckAndMark(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	fresh, err := s.client.Client.SetNX(ctx, replayPrefix+id, time.Now().Unix(), s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("mark webhook %s: %w", id, err)
	}
	if !fresh {
		util.Debug("Webhook id already seen", zap.String("webhook_id", id))
	}
	return !fresh, nil
}

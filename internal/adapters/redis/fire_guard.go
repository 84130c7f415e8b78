package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-jobs/internal/core"
)

var _ core.FireGuard = (*FireGuard)(nil)

// FireGuard records scheduler fires with SET NX so a second scheduler instance
// skips triggers that were already enqueued.
type FireGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewFireGuard creates a fire guard. Markers expire after ttl.
func NewFireGuard(client redis.UniversalClient, ttl time.Duration) (*FireGuard, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FireGuard{client: client, prefix: "cron:fire:", ttl: ttl}, nil
}

// TryFire reports whether this caller is the first to fire entryID at scheduledAt.
func (g *FireGuard) TryFire(ctx context.Context, entryID string, scheduledAt time.Time) (bool, error) {
	key := g.prefix + entryID + ":" + strconv.FormatInt(scheduledAt.Unix(), 10)
	ok, err := g.client.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

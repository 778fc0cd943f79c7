package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"locketwan/internal/model"

	"github.com/go-redis/redis/v8"
)

const (
	redisActivityKey = "usage:activity"
	redisCounterTTL  = 48 * time.Hour
)

func redisUsageKey(userID, usageType, day string) string {
	return fmt.Sprintf("usage:%s:%s:%s", day, userID, usageType)
}

type redisUsageRepo struct {
	client *redis.Client
}

// NewRedisUsageRepo creates a UsageRepository on Redis. Counters expire on their
// own after two days, so Rollover has nothing to prune.
func NewRedisUsageRepo(client *redis.Client) UsageRepository {
	return &redisUsageRepo{client: client}
}

func (r *redisUsageRepo) GetDailyUsage(ctx context.Context, userID, usageType, day string) (int, error) {
	n, err := r.client.Get(ctx, redisUsageKey(userID, usageType, day)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s usage for user %s: %w", usageType, userID, err)
	}
	return n, nil
}

func (r *redisUsageRepo) IncrementDailyUsage(ctx context.Context, userID, usageType, day string) (int, error) {
	key := redisUsageKey(userID, usageType, day)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, redisCounterTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recording %s usage for user %s: %w", usageType, userID, err)
	}
	return int(incr.Val()), nil
}

func (r *redisUsageRepo) Rollover(ctx context.Context, day string) error {
	return nil
}

type redisActivityRepo struct {
	client *redis.Client
}

// NewRedisActivityRepo creates an ActivityRepository backed by a capped Redis list.
func NewRedisActivityRepo(client *redis.Client) ActivityRepository {
	return &redisActivityRepo{client: client}
}

func (r *redisActivityRepo) Append(ctx context.Context, entry model.ActivityLogEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding activity entry: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, redisActivityKey, b)
		pipe.LTrim(ctx, redisActivityKey, 0, ActivityLogCap-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending activity for user %s: %w", entry.UserID, err)
	}
	return nil
}

func (r *redisActivityRepo) ListSince(ctx context.Context, userID string, since int64) ([]model.ActivityLogEntry, error) {
	raw, err := r.client.LRange(ctx, redisActivityKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing activity for user %s: %w", userID, err)
	}
	// The list is newest first.
	var out []model.ActivityLogEntry
	for i := len(raw) - 1; i >= 0; i-- {
		var e model.ActivityLogEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		if e.UserID == userID && e.Timestamp >= since {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

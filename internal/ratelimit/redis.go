package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares a provider's sliding window between gateway
// instances, so a fleet collectively respects one upstream quota. It
// only answers admission; queueing and backoff stay in-process.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
}

func NewRedisLimiter(redisURL string, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, window: window}, nil
}

func NewRedisLimiterWithClient(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, window: window}
}

// Allow records one request of the given token weight and reports
// whether the provider's shared window still has room. Members encode
// "nanos:tokens" so the token spend can be summed on read.
func (r *RedisLimiter) Allow(ctx context.Context, providerID string, requestLimit, tokens, tokenLimit int) (bool, time.Time, error) {
	key := "throttle:" + providerID
	now := time.Now()
	windowStart := now.Add(-r.window)
	windowEnd := now.Add(r.window)

	pipe := r.client.Pipeline()

	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))

	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d:%d", now.UnixNano(), tokens),
	})

	membersCmd := pipe.ZRange(ctx, key, 0, -1)

	pipe.Expire(ctx, key, r.window)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, time.Time{}, err
	}

	members := membersCmd.Val()
	spentTokens := 0
	for _, m := range members {
		if idx := strings.LastIndexByte(m, ':'); idx >= 0 {
			if n, err := strconv.Atoi(m[idx+1:]); err == nil {
				spentTokens += n
			}
		}
	}

	if len(members) > requestLimit || spentTokens > tokenLimit {
		return false, windowEnd, nil
	}

	return true, windowEnd, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

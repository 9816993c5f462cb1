package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator keeps repeated threshold checks from spamming the
// same alert, including across gateway instances.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this provider/level alert is new.
	ShouldAlert(ctx context.Context, provider string, level AlertLevel) bool

	// ClearAlert drops alert state once spend falls back under the
	// warning threshold.
	ClearAlert(ctx context.Context, provider string)
}

// InMemoryDeduplicator suits single-instance deployments.
type InMemoryDeduplicator struct {
	mu         sync.RWMutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, provider string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lastLevel, exists := d.lastAlerts[provider]
	if exists && lastLevel == level {
		return false
	}

	d.lastAlerts[provider] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, provider string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, provider)
}

// RedisDeduplicator shares alert state between instances.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisDeduplicator(redisURL string, lockTTL time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}, nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(provider string, level AlertLevel) string {
	return fmt.Sprintf("budget:alert:%s:%s", provider, level)
}

// ShouldAlert uses SETNX so only one instance wins the alert.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, provider string, level AlertLevel) bool {
	key := d.alertKey(provider, level)

	acquired, err := d.client.SetNX(ctx, key, time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// Fail open on Redis errors.
		return true
	}

	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, provider string) {
	pattern := fmt.Sprintf("budget:alert:%s:*", provider)
	keys, err := d.client.Keys(ctx, pattern).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}

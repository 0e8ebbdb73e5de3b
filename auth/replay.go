package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers accepted signatures. Remember reports false when key
// was already seen within ttl.
type ReplayGuard interface {
	Remember(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisReplayGuard shares seen signatures across replicas.
type RedisReplayGuard struct {
	client *redis.Client
	prefix string
}

func NewRedisReplayGuard(client *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, prefix: "signflow:hmac:"}
}

func (g *RedisReplayGuard) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+key, 1, ttl).Result()
}

// MemoryReplayGuard is a single-process guard.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	now  func() time.Time
	seen map[string]time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{now: time.Now, seen: make(map[string]time.Time)}
}

func (g *MemoryReplayGuard) Remember(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

// Connect builds a Redis client from a redis:// URL or a host:port address.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("auth: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

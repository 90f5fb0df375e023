package continuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"muwise.app/internal/ids"
)

const keyPrefix = "muwise:continuation:"

// Redis stores continuations with a server-side expiry so every API replica
// can resume them.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Store = (*Redis)(nil)

// NewRedis parses url, checks connectivity and returns the store.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisFromClient(rdb, ttl), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = TTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func (r *Redis) Put(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrEmpty
	}
	for attempt := 0; attempt < 3; attempt++ {
		nonce := ids.Nonce()
		ok, err := r.rdb.SetNX(ctx, keyPrefix+nonce, token, r.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("store continuation: %w", err)
		}
		if ok {
			return nonce, nil
		}
	}
	return "", errors.New("store continuation: nonce collision")
}

func (r *Redis) Peek(ctx context.Context, nonce string) (string, error) {
	if nonce == "" {
		return "", ErrNotFound
	}
	token, err := r.rdb.Get(ctx, keyPrefix+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read continuation: %w", err)
	}
	return token, nil
}

func (r *Redis) Take(ctx context.Context, nonce string) (string, error) {
	if nonce == "" {
		return "", ErrNotFound
	}
	token, err := r.rdb.GetDel(ctx, keyPrefix+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("take continuation: %w", err)
	}
	return token, nil
}

// Ping reports redis reachability for readiness checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

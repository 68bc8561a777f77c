package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/brigade-ai/brigade/internal/resilience"
)

// RedisTier is the durable cache tier backed by Redis. Values are stored
// as-is (callers serialize) with Redis-side TTL expiry.
type RedisTier struct {
	client *redis.Client
}

// NewRedisTier connects to Redis at the given URL
// (e.g. "redis://localhost:6379/0").
func NewRedisTier(url string) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Redis durable tier initialized")
	return &RedisTier{client: client}, nil
}

func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, resilience.Transient(fmt.Errorf("redis get %s: %w", key, err))
	}
	return val, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return resilience.Transient(fmt.Errorf("redis set %s: %w", key, err))
	}
	return nil
}

func (r *RedisTier) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return resilience.Transient(fmt.Errorf("redis del %s: %w", key, err))
	}
	return nil
}

func (r *RedisTier) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return resilience.Transient(fmt.Errorf("redis ping: %w", err))
	}
	return nil
}

func (r *RedisTier) Close() error { return r.client.Close() }

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "reelforge:cache:"

// RedisConfig configures the Redis tier
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisRemote stores cache entries in Redis with native expiry
type RedisRemote struct {
	cli *redis.Client
}

var _ Remote = (*RedisRemote)(nil)

// NewRedisRemote connects and pings Redis
func NewRedisRemote(ctx context.Context, cfg RedisConfig) (*RedisRemote, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisRemote{cli: c}, nil
}

func (r *RedisRemote) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	var (
		get *redis.StringCmd
		ttl *redis.DurationCmd
	)
	_, err := r.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, redisKeyPrefix+key)
		ttl = p.PTTL(ctx, redisKeyPrefix+key)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrRemoteMiss
	}
	if err != nil {
		return nil, 0, err
	}

	value, err := get.Bytes()
	if err != nil {
		return nil, 0, err
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		return nil, 0, ErrRemoteMiss
	}
	return value, remaining, nil
}

func (r *RedisRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.cli.Set(ctx, redisKeyPrefix+key, value, ttl).Err()
}

func (r *RedisRemote) Close() error { return r.cli.Close() }

package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/logging"
)

// RedisCache shares triage entries between hosts reviewing the same profile.
type RedisCache struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, opts RedisOptions, log *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	return NewRedisCacheFromClient(client, opts.KeyPrefix, log), nil
}

func NewRedisCacheFromClient(client *redis.Client, prefix string, log *zap.Logger) *RedisCache {
	if prefix == "" {
		prefix = "stigharden"
	}
	return &RedisCache{client: client, prefix: prefix, log: logging.OrNop(log)}
}

func (r *RedisCache) key(k string) string {
	return r.prefix + ":triage:" + k
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// PutIfAbsent uses SETNX without expiry; entries are never overwritten.
func (r *RedisCache) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, 0).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		r.log.Debug("Redis triage entry already present", zap.String("key", key))
	}
	return ok, nil
}

func (r *RedisCache) Close() error { return r.client.Close() }

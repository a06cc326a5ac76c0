package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
)

// Config holds Redis connection settings
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis implements Cache on a single Redis instance
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, depErr("ping", cfg.Addr, err)
	}

	return &Redis{client: client, prefix: cfg.KeyPrefix}, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, depErr("get", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return depErr("set", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, depErr("setnx", key, err)
	}
	return ok, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		return depErr("del", fmt.Sprintf("%d keys", len(keys)), err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, depErr("exists", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.key(key), ttl).Err(); err != nil {
		return depErr("expire", key, err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, r.key(key), args...).Err(); err != nil {
		return depErr("sadd", key, err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, r.key(key), args...).Err(); err != nil {
		return depErr("srem", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.key(key)).Result()
	if err != nil {
		return nil, depErr("smembers", key, err)
	}
	return members, nil
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := r.client.RPush(ctx, r.key(key), args...).Err(); err != nil {
		return depErr("rpush", key, err)
	}
	return nil
}

func (r *Redis) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.LPop(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, depErr("lpop", key, err)
	}
	return v, true, nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, r.key(key)).Result()
	if err != nil {
		return 0, depErr("llen", key, err)
	}
	return n, nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := r.client.LRange(ctx, r.key(key), start, stop).Result()
	if err != nil {
		return nil, depErr("lrange", key, err)
	}
	return values, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func depErr(op, subject string, err error) error {
	return fmt.Errorf("cache %s %s: %v: %w", op, subject, err, errdefs.ErrDependencyUnavailable)
}

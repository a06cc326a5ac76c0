// Package cache defines the coordination substrate shared by the
// orchestrator and the alerting engine: plain keys with TTLs, sets, lists,
// and set-if-absent leases. The Redis adapter is the production
// implementation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is the port every engine component coordinates through. All
// blocking operations honor the context.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores the value only when the key is absent. It returns true
	// when the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Close() error
}

// GetJSON loads and unmarshals a JSON document. The boolean reports whether
// the key existed.
func GetJSON(ctx context.Context, c Cache, key string, out any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals and stores a JSON document with the given TTL.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return c.Set(ctx, key, string(data), ttl)
}

// AcquireLease takes the single-writer token at key for owner. It returns
// false when another owner holds an unexpired lease.
func AcquireLease(ctx context.Context, c Cache, key, owner string, ttl time.Duration) (bool, error) {
	return c.SetNX(ctx, key, owner, ttl)
}

// RefreshLease extends the lease TTL when owner still holds it.
func RefreshLease(ctx context.Context, c Cache, key, owner string, ttl time.Duration) (bool, error) {
	current, ok, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || current != owner {
		return false, nil
	}
	if err := c.Set(ctx, key, owner, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseLease drops the lease held at key when owner still holds it.
func ReleaseLease(ctx context.Context, c Cache, key, owner string) error {
	current, ok, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || current != owner {
		return nil
	}
	return c.Delete(ctx, key)
}

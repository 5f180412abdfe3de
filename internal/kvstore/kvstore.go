// Package kvstore defines the key-value store surface the chat server
// consumes (spec.md §6), plus a go-redis-backed implementation and an
// in-memory fake for tests.
package kvstore

import (
	"context"
	"time"
)

// Conn is the operation surface a pooled KV-store connection exposes.
type Conn interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNxEx(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Del(ctx context.Context, keys ...string) (count int64, err error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// Eval runs script with the given keys/args. Only the single
	// compare-and-delete script DistLock needs is required to be
	// supported by every implementation (see distlock's unlockScript).
	Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error)
	Close() error
}

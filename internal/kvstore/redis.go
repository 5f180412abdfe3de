package kvstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisConn adapts a shared redis.UniversalClient to Conn. Every pooled
// "connection" here is a thin handle onto the same client — go-redis
// already pools TCP connections internally — but wrapping it in
// pool.Pool[kvstore.Conn] still gives the rest of the system the uniform
// acquire/release/down contract spec.md §4.2 specifies.
type redisConn struct {
	rdb redis.UniversalClient
}

// Dial returns a pool.Factory-compatible constructor sharing rdb.
func Dial(rdb redis.UniversalClient) func() (Conn, error) {
	return func() (Conn, error) { return &redisConn{rdb: rdb}, nil }
}

// NewClient builds a redis.UniversalClient (single-node or cluster,
// depending on addrs) and pings it.
func NewClient(addrs []string, password string, db int) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

func (c *redisConn) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *redisConn) SetNxEx(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *redisConn) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *redisConn) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Del(ctx, keys...).Result()
}

func (c *redisConn) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, ttl).Result()
}

func (c *redisConn) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.rdb.IncrBy(ctx, key, delta).Result()
}

func (c *redisConn) Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error) {
	res, err := c.rdb.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case int64:
		return v, nil
	default:
		return 0, nil
	}
}

func (c *redisConn) Close() error { return nil }

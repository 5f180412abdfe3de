package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value   string
	expires time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Memory is an in-process fake of the KV store used by unit and
// end-to-end tests. It is safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry
}

// NewMemory creates an empty in-memory KV store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]entry)}
}

// Dial returns a pool.Factory-compatible constructor sharing m.
func (m *Memory) Dial() func() (Conn, error) {
	return func() (Conn, error) { return &memConn{m: m}, nil }
}

type memConn struct{ m *Memory }

func (c *memConn) Close() error { return nil }

func (c *memConn) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = c.make(value, ttl)
	return nil
}

func (c *memConn) make(value string, ttl time.Duration) entry {
	e := entry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	return e
}

func (c *memConn) SetNxEx(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	m.data[key] = c.make(value, ttl)
	return true, nil
}

func (c *memConn) Get(_ context.Context, key string) (string, bool, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) {
		if ok {
			delete(m.data, key)
		}
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *memConn) Del(_ context.Context, keys ...string) (int64, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (c *memConn) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	e.expires = time.Now().Add(ttl)
	m.data[key] = e
	return true, nil
}

func (c *memConn) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	var cur int64
	if ok && !e.expired(time.Now()) {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	}
	cur += delta
	e.value = strconv.FormatInt(cur, 10)
	m.data[key] = e
	return cur, nil
}

// Eval only needs to support the single owner-match delete script DistLock
// issues (spec.md §4.11): `if GET(key)==ownerId then DEL(key) else 0`. The
// fake recognizes that script shape by its keys/args arity rather than
// embedding a Lua interpreter, which nothing else in scope would exercise.
func (c *memConn) Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error) {
	if len(keys) != 1 || len(args) != 1 {
		return 0, nil
	}
	owner, _ := args[0].(string)
	val, found, err := c.Get(ctx, keys[0])
	if err != nil || !found || val != owner {
		return 0, err
	}
	n, err := c.Del(ctx, keys[0])
	return n, err
}

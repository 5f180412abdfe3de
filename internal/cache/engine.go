// Package cache implements the multi-tier caching policies that sit
// between request handlers and the KV store: pass-through with negative
// caching, logical-expiry with async rebuild, a single-flight barrier for
// hot reads, and a fallback admission limiter for when the KV tier is
// declared down (spec.md §4.6). Grounded on the donor cache repo's
// pass-through/logical-expire/single-flight shape, adapted from msgpack to
// the JSON encoding spec.md's history cache explicitly requires.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/chatcore/linechat/internal/kvstore"
	"github.com/chatcore/linechat/internal/metrics"
	"github.com/chatcore/linechat/internal/pool"
)

// NullMarker is the reserved value written to remember "the relational
// store has no record for this key" — it can never collide with a
// legitimately JSON-encoded value because it is not valid JSON.
const NullMarker = "\x00NULL\x00"

// ErrUnavailable is returned when the fallback admission limiter rejects a
// read because the KV tier is down and the per-second budget is spent.
var ErrUnavailable = errors.New("cache: unavailable, fallback limit exceeded")

// Submitter hands a background task to a bounded executor (the server's
// WorkerPool) instead of letting rebuilds fan out unboundedly.
type Submitter interface {
	Submit(task func()) bool
}

// Engine implements the policies above against a pooled KVStoreConn.
type Engine struct {
	kv       *pool.Pool[kvstore.Conn]
	submit   Submitter
	group    singleflight.Group
	fallback *fixedWindowLimiter
	log      zerolog.Logger
	metrics  *metrics.CacheMetrics
}

// NewEngine builds an Engine. submit may be nil, in which case background
// rebuilds run on a freshly spawned goroutine (spec.md §4.6 contract).
// fallbackPerSecond bounds reads admitted while the KV pool is down.
func NewEngine(kv *pool.Pool[kvstore.Conn], submit Submitter, fallbackPerSecond int, log zerolog.Logger, m *metrics.CacheMetrics) *Engine {
	return &Engine{
		kv:       kv,
		submit:   submit,
		fallback: newFixedWindowLimiter(fallbackPerSecond),
		log:      log,
		metrics:  m,
	}
}

// Down reports whether the KV pool is currently considered unavailable.
func (e *Engine) Down() bool { return e.kv.Down() }

// Admit applies the fallback admission limiter: always true while the pool
// is up; while down, true only for up to fallbackPerSecond calls per
// 1-second window.
func (e *Engine) Admit() bool {
	if !e.Down() {
		return true
	}
	return e.fallback.Allow()
}

func (e *Engine) acquire(ctx context.Context) (kvstore.Conn, func(), error) {
	h, err := e.kv.Acquire(ctx)
	if err != nil {
		return nil, func() {}, err
	}
	return h.Value, h.Release, nil
}

func (e *Engine) submitBackground(task func()) {
	if e.submit != nil && e.submit.Submit(task) {
		return
	}
	go task()
}

// PassThrough implements spec.md §4.6 "pass-through read with negative
// caching". T must be JSON-(un)marshalable. loader returns (value, absent,
// err); when absent is true the null marker is written with nullTTL.
func PassThrough[T any](ctx context.Context, e *Engine, key string, nullTTL, normalTTL time.Duration, loader func() (T, bool, error)) (value T, absent bool, err error) {
	conn, release, err := e.acquire(ctx)
	if err != nil {
		e.recordErr("pass_through")
		return value, false, err
	}
	defer release()

	raw, found, err := conn.Get(ctx, key)
	if err != nil {
		e.recordErr("pass_through")
		return value, false, err
	}
	if found {
		if raw == NullMarker {
			e.recordHit("redis")
			return value, true, nil
		}
		if jsonErr := json.Unmarshal([]byte(raw), &value); jsonErr == nil {
			e.recordHit("redis")
			return value, false, nil
		}
		// Undecodable — fall through to loader as if it were a miss.
	}

	v, isAbsent, err := loader()
	if err != nil {
		return value, false, err
	}
	e.recordHit("db")
	if isAbsent {
		_ = conn.Set(ctx, key, NullMarker, nullTTL)
		return value, true, nil
	}
	encoded, err := json.Marshal(v)
	if err == nil {
		_ = conn.Set(ctx, key, string(encoded), normalTTL)
	}
	return v, false, nil
}

// logicalEntry is the on-wire shape for logical-expiry cache values: no
// store-level TTL is set on the key itself, so staleness is purely a
// read-side decision based on ExpireAt (spec.md §3 "CacheEntry").
type logicalEntry[T any] struct {
	Data     T     `json:"data"`
	ExpireAt int64 `json:"expireAt"`
}

// GetWithLogicalExpire implements spec.md §4.6 "logical-expiry read with
// async rebuild". On a stale hit it returns the stale data immediately and
// submits a background rebuild; it does not itself guard against multiple
// concurrent rebuilds for the same key — callers needing that should use
// the single-flight barrier (Barrier) instead, as ChatPersistence's
// history reads do.
func GetWithLogicalExpire[T any](ctx context.Context, e *Engine, key string, logicalTTL time.Duration, loader func() (T, bool, error)) (value T, absent bool, err error) {
	conn, release, err := e.acquire(ctx)
	if err != nil {
		e.recordErr("logical_expire")
		return value, false, err
	}
	defer release()

	raw, found, err := conn.Get(ctx, key)
	if err != nil {
		e.recordErr("logical_expire")
		return value, false, err
	}

	var entry logicalEntry[T]
	decodable := found && json.Unmarshal([]byte(raw), &entry) == nil

	if !decodable {
		v, isAbsent, err := loader()
		if err != nil {
			return value, false, err
		}
		e.recordHit("db")
		if isAbsent {
			return value, true, nil
		}
		e.writeLogical(ctx, conn, key, v, logicalTTL)
		return v, false, nil
	}

	now := time.Now().Unix()
	if now < entry.ExpireAt {
		e.recordHit("redis")
		return entry.Data, false, nil
	}

	// Stale: return immediately, rebuild asynchronously.
	e.recordHit("redis")
	e.submitBackground(func() {
		rebuildCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn2, release2, err := e.acquire(rebuildCtx)
		if err != nil {
			return
		}
		defer release2()
		v, isAbsent, err := loader()
		if err != nil || isAbsent {
			return
		}
		e.writeLogical(rebuildCtx, conn2, key, v, logicalTTL)
	})
	return entry.Data, false, nil
}

func (e *Engine) writeLogical(ctx context.Context, conn kvstore.Conn, key string, v any, logicalTTL time.Duration) {
	encoded, err := json.Marshal(struct {
		Data     any   `json:"data"`
		ExpireAt int64 `json:"expireAt"`
	}{Data: v, ExpireAt: time.Now().Add(logicalTTL).Unix()})
	if err != nil {
		return
	}
	_ = conn.Set(ctx, key, string(encoded), 0)
}

// Barrier runs fn under a per-key single-flight group so that concurrent
// callers for the same key collapse into one in-flight load (spec.md §4.6
// "single-flight barrier", used by ChatPersistence.getHistory). fn is
// responsible for double-checking the cache after entering, since another
// caller may have filled it between the initial miss and the barrier being
// acquired.
func (e *Engine) Barrier(key string, fn func() (any, error)) (any, error) {
	v, err, _ := e.group.Do(key, fn)
	return v, err
}

func (e *Engine) recordHit(tier string) {
	if e.metrics != nil {
		e.metrics.Hit(tier)
	}
}

func (e *Engine) recordErr(when string) {
	if e.metrics != nil {
		e.metrics.Error(when)
	}
}

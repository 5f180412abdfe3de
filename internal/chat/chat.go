// Package chat implements ChatPersistence (spec.md §4.9): durable message
// storage plus cached, rate-limited history reads.
package chat

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatcore/linechat/internal/cache"
	"github.com/chatcore/linechat/internal/kvstore"
	"github.com/chatcore/linechat/internal/pool"
	"github.com/chatcore/linechat/internal/relstore"
)

// HistoryEntry is a single persisted chat message, the shape cached as a
// JSON array under room:history:<roomId>:<limit>.
type HistoryEntry struct {
	ID       int64  `json:"id"`
	RoomID   int64  `json:"roomId"`
	FromID   int64  `json:"fromId"`
	FromName string `json:"fromName"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"`
}

const (
	minLimit     = 1
	maxLimit     = 200
	defaultLimit = 50

	historyTTLFloor  = 60 * time.Second
	historyTTLJitter = 30 * time.Second
)

// Persistence implements save/getHistory/invalidate against a relational
// store and the shared CacheEngine.
type Persistence struct {
	rel    *pool.Pool[relstore.Conn]
	engine *cache.Engine
	log    zerolog.Logger

	// dbMu serializes direct relational-store history reads while the KV
	// tier is down (spec.md §4.9 step 3's "second mutex").
	dbMu sync.Mutex
}

// New builds a Persistence.
func New(rel *pool.Pool[relstore.Conn], engine *cache.Engine, log zerolog.Logger) *Persistence {
	return &Persistence{rel: rel, engine: engine, log: log}
}

// ClampLimit applies spec.md §4.9's clamp: [1, 200], default 50 when limit
// is 0.
func ClampLimit(limit int) int {
	if limit == 0 {
		return defaultLimit
	}
	if limit < minLimit {
		return minLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func historyKey(roomID int64, limit int) string {
	return fmt.Sprintf("room:history:%d:%d", roomID, limit)
}

// Save persists a message. Failures are logged but never returned to the
// caller, so send_msg's response and broadcast go out whether or not the
// save succeeded.
func (p *Persistence) Save(ctx context.Context, roomID, userID int64, username, text string) {
	h, err := p.rel.Acquire(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("chat: failed to acquire relational connection for save")
		return
	}
	defer h.Release()

	// StmtInsertMessage binds text as a placeholder parameter; the driver
	// (or the in-memory fake) handles quoting, so it must be passed
	// unescaped here. Conn.Escape is reserved for the legacy raw-SQL call
	// shape, never for values also bound as parameters.
	if _, err := h.Value.Update(ctx, relstore.StmtInsertMessage, roomID, userID, username, text); err != nil {
		p.log.Error().Err(err).Int64("room_id", roomID).Msg("chat: failed to persist message")
	}
}

// GetHistory implements spec.md §4.9 getHistory: cache-first with
// single-flight collapsing on miss, and a rate-limited direct-DB fallback
// while the KV tier is down.
func (p *Persistence) GetHistory(ctx context.Context, roomID int64, limit int) ([]HistoryEntry, error) {
	limit = ClampLimit(limit)
	key := historyKey(roomID, limit)

	loader := func() ([]HistoryEntry, bool, error) {
		return p.loadFromStoreBarriered(ctx, key, roomID, limit)
	}

	if !p.engine.Down() {
		entries, _, err := cache.GetWithLogicalExpire(ctx, p.engine, key, jitteredTTL(), loader)
		return entries, err
	}

	if !p.engine.Admit() {
		return nil, cache.ErrUnavailable
	}
	return p.loadDirect(ctx, roomID, limit)
}

// loadFromStoreBarriered re-checks nothing itself — GetWithLogicalExpire
// already holds the per-key KV read — but routes the actual relational
// load through the shared single-flight group so concurrent misses for the
// same key collapse into one query, per spec.md §4.9 step 2.
func (p *Persistence) loadFromStoreBarriered(ctx context.Context, key string, roomID int64, limit int) ([]HistoryEntry, bool, error) {
	v, err := p.engine.Barrier(key, func() (any, error) {
		return p.loadDirect(ctx, roomID, limit)
	})
	if err != nil {
		return nil, false, err
	}
	entries, _ := v.([]HistoryEntry)
	return entries, false, nil
}

func (p *Persistence) loadDirect(ctx context.Context, roomID int64, limit int) ([]HistoryEntry, error) {
	p.dbMu.Lock()
	defer p.dbMu.Unlock()

	h, err := p.rel.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	rows, err := h.Value.Query(ctx, relstore.StmtSelectHistory, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			id, rid, uid int64
			username     string
			content      string
			createdAt    time.Time
		)
		if err := rows.Scan(&id, &rid, &uid, &username, &content, &createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, HistoryEntry{
			ID: id, RoomID: rid, FromID: uid, FromName: username,
			Text: content, Ts: createdAt.Unix(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// StmtSelectHistory returns newest-first (ORDER BY id DESC); present
	// history oldest-first to callers.
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Invalidate deletes a room's history cache keys: the one for the default
// limit plus one for each limit passed in (clamped). Since limits are part
// of the key, callers pass the set of limits they know were served; keys
// for other limits are left in place. No handler calls it at present.
func (p *Persistence) Invalidate(ctx context.Context, kv *pool.Pool[kvstore.Conn], roomID int64, limits ...int) error {
	h, err := kv.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	keys := make([]string, 0, len(limits)+1)
	keys = append(keys, historyKey(roomID, defaultLimit))
	for _, l := range limits {
		keys = append(keys, historyKey(roomID, ClampLimit(l)))
	}
	_, err = h.Value.Del(ctx, keys...)
	return err
}

// jitteredTTL returns a duration in [60s, 90s), per spec.md §4.9 step 2.
func jitteredTTL() time.Duration {
	return historyTTLFloor + time.Duration(rand.Int63n(int64(historyTTLJitter)))
}

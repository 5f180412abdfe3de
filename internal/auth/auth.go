// Package auth implements SessionAuth & DirectoryCache (spec.md §4.7): user
// lookup by username/phone through a two-tier cache (in-process LRU+TTL
// over the KV store over the relational store), authentication with a
// legacy-plaintext migration path, registration, rename and password
// reset, each with write-through cache invalidation.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/chatcore/linechat/internal/cache"
	"github.com/chatcore/linechat/internal/kvstore"
	"github.com/chatcore/linechat/internal/pool"
	"github.com/chatcore/linechat/internal/relstore"
)

// UserRecord is the public, decoded shape handlers work with.
type UserRecord struct {
	ID       int64
	Username string
	Phone    string
	Digest   string
}

func (r record) toUserRecord() UserRecord {
	return UserRecord{ID: r.ID, Username: r.Username, Phone: r.Phone, Digest: r.Digest}
}

// TTL defaults from spec.md §4.7: base + uniform jitter.
const (
	negativeTTLBase   = 600 * time.Second
	negativeTTLJitter = 300 * time.Second
	positiveTTLBase   = 3600 * time.Second
	positiveTTLJitter = 600 * time.Second
)

// SessionAuth ties the relational store, the CacheEngine, the raw KV pool
// (needed for direct invalidate/warm writes the Engine's PassThrough
// wrapper doesn't expose) and the two in-process directory caches
// together.
type SessionAuth struct {
	rel    *pool.Pool[relstore.Conn]
	kv     *pool.Pool[kvstore.Conn]
	engine *cache.Engine
	dir    *directoryCache

	globalLimiter *fixedWindowLimiter
}

// New builds a SessionAuth. directoryCapacity/directoryTTL configure the
// in-process tier (defaults 1024 entries / 30s per spec.md §4.7).
func New(rel *pool.Pool[relstore.Conn], kv *pool.Pool[kvstore.Conn], engine *cache.Engine, directoryCapacity int, directoryTTL time.Duration) *SessionAuth {
	return &SessionAuth{
		rel:           rel,
		kv:            kv,
		engine:        engine,
		dir:           newDirectoryCache(directoryCapacity, directoryTTL),
		globalLimiter: newFixedWindowLimiter(50),
	}
}

func nameKey(username string) string { return "user:name:" + username }
func phoneKey(phone string) string   { return "user:phone:" + phone }
func idKey(id int64) string          { return fmt.Sprintf("user:id:%d", id) }

// admitAuthPath applies the coarse global limiter, but only when the KV
// tier is down (spec.md §4.7 "Coarse global limiter").
func (a *SessionAuth) admitAuthPath() bool {
	if !a.engine.Down() {
		return true
	}
	return a.globalLimiter.Allow()
}

func (a *SessionAuth) acquireRel(ctx context.Context) (relstore.Conn, func(), error) {
	h, err := a.rel.Acquire(ctx)
	if err != nil {
		return nil, func() {}, err
	}
	return h.Value, h.Release, nil
}

// LoadByName implements spec.md §4.7 load-by-name.
func (a *SessionAuth) LoadByName(ctx context.Context, username string) (UserRecord, bool, error) {
	if r, ok := a.dir.getName(username); ok {
		return r.toUserRecord(), !r.Present, nil
	}
	r, absent, err := a.loadThroughKV(ctx, nameKey(username), func() (record, bool, error) {
		return a.queryByUsername(ctx, username)
	})
	if err != nil {
		return UserRecord{}, false, err
	}
	if absent {
		a.dir.setName(username, record{Present: false})
	} else {
		a.dir.setName(username, r)
	}
	return r.toUserRecord(), absent, nil
}

// LoadByPhone implements spec.md §4.7 load-by-phone.
func (a *SessionAuth) LoadByPhone(ctx context.Context, phone string) (UserRecord, bool, error) {
	if r, ok := a.dir.getPhone(phone); ok {
		return r.toUserRecord(), !r.Present, nil
	}
	r, absent, err := a.loadThroughKV(ctx, phoneKey(phone), func() (record, bool, error) {
		return a.queryByPhone(ctx, phone)
	})
	if err != nil {
		return UserRecord{}, false, err
	}
	if absent {
		a.dir.setPhone(phone, record{Present: false})
	} else {
		a.dir.setPhone(phone, r)
	}
	return r.toUserRecord(), absent, nil
}

func (a *SessionAuth) loadThroughKV(ctx context.Context, key string, loader func() (record, bool, error)) (record, bool, error) {
	nullTTL := jittered(negativeTTLBase, negativeTTLJitter)
	normalTTL := jittered(positiveTTLBase, positiveTTLJitter)
	return cache.PassThrough(ctx, a.engine, key, nullTTL, normalTTL, loader)
}

func (a *SessionAuth) queryByUsername(ctx context.Context, username string) (record, bool, error) {
	conn, release, err := a.acquireRel(ctx)
	if err != nil {
		return record{}, false, err
	}
	defer release()
	return scanUserRow(conn.Query(ctx, relstore.StmtLookupByUsername, username))
}

func (a *SessionAuth) queryByPhone(ctx context.Context, phone string) (record, bool, error) {
	conn, release, err := a.acquireRel(ctx)
	if err != nil {
		return record{}, false, err
	}
	defer release()
	return scanUserRow(conn.Query(ctx, relstore.StmtLookupByPhone, phone))
}

func (a *SessionAuth) queryByID(ctx context.Context, id int64) (record, bool, error) {
	conn, release, err := a.acquireRel(ctx)
	if err != nil {
		return record{}, false, err
	}
	defer release()
	return scanUserRow(conn.Query(ctx, relstore.StmtLookupByID, id))
}

func scanUserRow(rows relstore.Rows, err error) (record, bool, error) {
	if err != nil {
		return record{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return record{}, true, rows.Err()
	}
	var r record
	r.Present = true
	// spec.md §9 open question (a): the legacy code scanned row[2] for a
	// two-column SELECT id,password — corrected here by scanning exactly
	// as many destinations as the four-column lookup statements select.
	if err := rows.Scan(&r.ID, &r.Username, &r.Phone, &r.Digest); err != nil {
		return record{}, false, err
	}
	return r, false, nil
}

// Authenticate implements spec.md §4.7 authenticate, including the legacy
// plaintext-migration path (§9 design note, open question (b): the digest
// comparator is always consulted first; trusting a cache hit alone is
// disallowed).
func (a *SessionAuth) Authenticate(ctx context.Context, username, password string) (UserRecord, error) {
	if !a.admitAuthPath() {
		return UserRecord{}, fmt.Errorf("auth: service busy")
	}

	rec, absent, err := a.LoadByName(ctx, username)
	if err != nil {
		return UserRecord{}, err
	}
	if absent {
		return UserRecord{}, fmt.Errorf("wrong username or password")
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.Digest), []byte(password)) == nil {
		return rec, nil
	}

	// Legacy migration: the stored value may still be a plaintext password
	// from an earlier schema.
	if subtle.ConstantTimeCompare([]byte(rec.Digest), []byte(password)) == 1 {
		newDigest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return UserRecord{}, err
		}
		if err := a.updateDigest(ctx, rec.ID, string(newDigest)); err != nil {
			return UserRecord{}, err
		}
		if err := a.invalidateUser(ctx, rec.Username, rec.Phone, rec.ID); err != nil {
			return UserRecord{}, err
		}
		rec.Digest = string(newDigest)
		return rec, nil
	}

	return UserRecord{}, fmt.Errorf("wrong username or password")
}

// Register implements spec.md §4.7 register: verify both phone and
// username are free directly against the relational store, insert, read
// back the id, and warm positive entries in both cache tiers.
func (a *SessionAuth) Register(ctx context.Context, phone, username, password string) (UserRecord, error) {
	if !a.admitAuthPath() {
		return UserRecord{}, fmt.Errorf("auth: service busy")
	}

	if _, absent, err := a.queryByUsername(ctx, username); err != nil {
		return UserRecord{}, err
	} else if !absent {
		return UserRecord{}, fmt.Errorf("username %q is already taken", username)
	}
	if _, absent, err := a.queryByPhone(ctx, phone); err != nil {
		return UserRecord{}, err
	} else if !absent {
		return UserRecord{}, fmt.Errorf("phone %q is already registered", phone)
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return UserRecord{}, err
	}

	conn, release, err := a.acquireRel(ctx)
	if err != nil {
		return UserRecord{}, err
	}
	if _, err := conn.Update(ctx, relstore.StmtInsertUser, username, phone, string(digest)); err != nil {
		release()
		return UserRecord{}, err
	}
	release()

	r, absent, err := a.queryByUsername(ctx, username)
	if err != nil {
		return UserRecord{}, err
	}
	if absent {
		return UserRecord{}, fmt.Errorf("auth: register succeeded but readback failed")
	}

	a.warm(ctx, r)
	return r.toUserRecord(), nil
}

// Rename implements spec.md §4.7 rename: invalidation happens before
// returning success; a failed invalidation fails the whole operation.
func (a *SessionAuth) Rename(ctx context.Context, userID int64, newName string) (oldName, phone string, err error) {
	cur, absent, err := a.queryByID(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if absent {
		return "", "", fmt.Errorf("auth: no such user")
	}

	if _, nameAbsent, err := a.queryByUsername(ctx, newName); err != nil {
		return "", "", err
	} else if !nameAbsent {
		return "", "", fmt.Errorf("username %q is already taken", newName)
	}

	conn, release, err := a.acquireRel(ctx)
	if err != nil {
		return "", "", err
	}
	_, err = conn.Update(ctx, relstore.StmtRenameUser, newName, userID)
	release()
	if err != nil {
		return "", "", err
	}

	if err := a.invalidateUser(ctx, cur.Username, cur.Phone, cur.ID); err != nil {
		return "", "", fmt.Errorf("auth: rename succeeded but cache invalidation failed: %w", err)
	}

	warmed := record{Present: true, ID: cur.ID, Username: newName, Phone: cur.Phone, Digest: cur.Digest}
	a.warm(ctx, warmed)

	return cur.Username, cur.Phone, nil
}

// ResetPassword implements spec.md §4.7 resetPassword.
func (a *SessionAuth) ResetPassword(ctx context.Context, phone, newPassword string) error {
	cur, absent, err := a.queryByPhone(ctx, phone)
	if err != nil {
		return err
	}
	if absent {
		return fmt.Errorf("auth: no such phone")
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := a.updateDigest(ctx, cur.ID, string(digest)); err != nil {
		return err
	}

	if err := a.invalidateUser(ctx, cur.Username, cur.Phone, cur.ID); err != nil {
		return fmt.Errorf("auth: password reset succeeded but cache invalidation failed: %w", err)
	}
	return nil
}

func (a *SessionAuth) updateDigest(ctx context.Context, userID int64, digest string) error {
	conn, release, err := a.acquireRel(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = conn.Update(ctx, relstore.StmtUpdatePassword, digest, userID)
	return err
}

// invalidateUser deletes every cache key for a user (by old name, by
// phone, and by id) from both the KV store and the in-process caches —
// the invariant spec.md §3 names explicitly.
func (a *SessionAuth) invalidateUser(ctx context.Context, username, phone string, id int64) error {
	h, err := a.kv.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	keys := []string{nameKey(username), phoneKey(phone), idKey(id)}
	if _, err := h.Value.Del(ctx, keys...); err != nil {
		return err
	}
	a.dir.delName(username)
	a.dir.delPhone(phone)
	return nil
}

func (a *SessionAuth) warm(ctx context.Context, r record) {
	h, err := a.kv.Acquire(ctx)
	if err != nil {
		return
	}
	defer h.Release()

	ttl := jittered(positiveTTLBase, positiveTTLJitter)
	writeRecord(ctx, h.Value, nameKey(r.Username), r, ttl)
	writeRecord(ctx, h.Value, phoneKey(r.Phone), r, ttl)
	a.dir.setName(r.Username, r)
	a.dir.setPhone(r.Phone, r)
}

func writeRecord(ctx context.Context, conn kvstore.Conn, key string, r record, ttl time.Duration) {
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = conn.Set(ctx, key, string(raw), ttl)
}

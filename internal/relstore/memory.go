package relstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// The canonical statement text the auth and chat packages issue against a
// Conn. The in-memory fake recognizes exactly these (spec.md §6 explicitly
// leaves the SQL dialect out of scope, so a full parser would be
// over-engineering for a test double); a real deployment talks to
// OpenSQLite/Dial instead, which executes arbitrary SQL.
const (
	StmtLookupByUsername = "SELECT id, username, phone, password FROM users WHERE username = ?"
	StmtLookupByPhone    = "SELECT id, username, phone, password FROM users WHERE phone = ?"
	StmtLookupByID       = "SELECT id, username, phone, password FROM users WHERE id = ?"
	StmtInsertUser       = "INSERT INTO users (username, phone, password) VALUES (?, ?, ?)"
	StmtRenameUser       = "UPDATE users SET username = ? WHERE id = ?"
	StmtUpdatePassword   = "UPDATE users SET password = ? WHERE id = ?"
	StmtInsertMessage    = "INSERT INTO messages (room_id, user_id, username, content) VALUES (?, ?, ?, ?)"
	StmtSelectHistory    = "SELECT id, room_id, user_id, username, content, created_at FROM messages WHERE room_id = ? ORDER BY id DESC LIMIT ?"
)

type memUser struct {
	id       int64
	username string
	phone    string
	password string
}

type memMessage struct {
	id        int64
	roomID    int64
	userID    int64
	username  string
	content   string
	createdAt time.Time
}

// Memory is an in-process fake of the relational store used by unit and
// end-to-end tests. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	byID     map[int64]*memUser
	byName   map[string]*memUser
	byPhone  map[string]*memUser
	nextUser int64
	messages []*memMessage
	nextMsg  int64
}

// NewMemory creates an empty in-memory relational store.
func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[int64]*memUser),
		byName:  make(map[string]*memUser),
		byPhone: make(map[string]*memUser),
	}
}

// Dial returns a pool.Factory-compatible constructor. Every call shares the
// same underlying Memory (it has no real per-connection state), matching
// how a connection pool over a single in-memory backend behaves.
func (m *Memory) Dial() func() (Conn, error) {
	return func() (Conn, error) { return &memConn{m: m}, nil }
}

type memConn struct{ m *Memory }

func (c *memConn) Close() error { return nil }

func (c *memConn) Escape(raw string) string {
	return strings.ReplaceAll(raw, "'", "''")
}

func (c *memConn) Update(_ context.Context, sqlText string, args ...any) (int64, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()

	switch sqlText {
	case StmtInsertUser:
		username, phone, password := args[0].(string), args[1].(string), args[2].(string)
		if _, exists := m.byName[strings.ToLower(username)]; exists {
			return 0, fmt.Errorf("relstore: username already exists")
		}
		if _, exists := m.byPhone[phone]; exists {
			return 0, fmt.Errorf("relstore: phone already exists")
		}
		m.nextUser++
		u := &memUser{id: m.nextUser, username: username, phone: phone, password: password}
		m.byID[u.id] = u
		m.byName[strings.ToLower(username)] = u
		m.byPhone[phone] = u
		return 1, nil

	case StmtRenameUser:
		newName, id := args[0].(string), toInt64(args[1])
		u, ok := m.byID[id]
		if !ok {
			return 0, fmt.Errorf("relstore: no such user %d", id)
		}
		delete(m.byName, strings.ToLower(u.username))
		u.username = newName
		m.byName[strings.ToLower(newName)] = u
		return 1, nil

	case StmtUpdatePassword:
		newPassword, id := args[0].(string), toInt64(args[1])
		u, ok := m.byID[id]
		if !ok {
			return 0, fmt.Errorf("relstore: no such user %d", id)
		}
		u.password = newPassword
		return 1, nil

	case StmtInsertMessage:
		roomID, userID, username, content := toInt64(args[0]), toInt64(args[1]), args[2].(string), args[3].(string)
		m.nextMsg++
		msg := &memMessage{
			id: m.nextMsg, roomID: roomID, userID: userID,
			username: username, content: content, createdAt: time.Now().UTC(),
		}
		m.messages = append(m.messages, msg)
		return 1, nil
	}
	return 0, fmt.Errorf("relstore: memory fake does not recognize statement: %s", sqlText)
}

func (c *memConn) Query(_ context.Context, sqlText string, args ...any) (Rows, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()

	switch sqlText {
	case StmtLookupByUsername:
		u, ok := m.byName[strings.ToLower(args[0].(string))]
		return userRows(u, ok), nil
	case StmtLookupByPhone:
		u, ok := m.byPhone[args[0].(string)]
		return userRows(u, ok), nil
	case StmtLookupByID:
		u, ok := m.byID[toInt64(args[0])]
		return userRows(u, ok), nil
	case StmtSelectHistory:
		roomID, limit := toInt64(args[0]), int(toInt64(args[1]))
		var matched []*memMessage
		for _, msg := range m.messages {
			if msg.roomID == roomID {
				matched = append(matched, msg)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].id > matched[j].id })
		if len(matched) > limit {
			matched = matched[:limit]
		}
		return &memMessageRows{rows: matched, idx: -1}, nil
	}
	return nil, fmt.Errorf("relstore: memory fake does not recognize statement: %s", sqlText)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	default:
		return 0
	}
}

// memUserRows yields at most one row.
type memUserRows struct {
	u       *memUser
	yielded bool
	has     bool
}

func userRows(u *memUser, has bool) Rows { return &memUserRows{u: u, has: has} }

func (r *memUserRows) Next() bool {
	if !r.has || r.yielded {
		return false
	}
	r.yielded = true
	return true
}

func (r *memUserRows) Scan(dest ...any) error {
	vals := []any{r.u.id, r.u.username, r.u.phone, r.u.password}
	return scanInto(vals, dest)
}
func (r *memUserRows) Close() error { return nil }
func (r *memUserRows) Err() error   { return nil }

type memMessageRows struct {
	rows []*memMessage
	idx  int
}

func (r *memMessageRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *memMessageRows) Scan(dest ...any) error {
	m := r.rows[r.idx]
	vals := []any{m.id, m.roomID, m.userID, m.username, m.content, m.createdAt}
	return scanInto(vals, dest)
}
func (r *memMessageRows) Close() error { return nil }
func (r *memMessageRows) Err() error   { return nil }

// scanInto copies vals into the *T destinations Scan received, the same way
// database/sql would, without needing reflection: every call site here
// knows its own column shapes.
func scanInto(vals []any, dest []any) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("relstore: scan column count mismatch: have %d want %d", len(vals), len(dest))
	}
	for i, v := range vals {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("relstore: unsupported scan destination %T", dest[i])
		}
	}
	return nil
}

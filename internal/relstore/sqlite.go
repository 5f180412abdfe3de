package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// schema matches spec.md §6: users(id, username unique, phone unique,
// password) and messages(id auto, room_id, user_id, username, content,
// created_at default now).
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	phone    TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id    INTEGER NOT NULL,
	user_id    INTEGER NOT NULL,
	username   TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f','now'))
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id DESC);
`

// OpenSQLite opens (and migrates) a WAL-mode SQLite database at path. It
// returns the shared *sql.DB; callers hand out dedicated connections from
// it via Dial for use as pool.Pool[relstore.Conn] resources.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("relstore: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("relstore: ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("relstore: migrate schema: %w", err)
	}
	return db, nil
}

// sqlConn adapts a *sql.Conn checkout to the Conn interface.
type sqlConn struct {
	c *sql.Conn
}

// Dial returns a factory suitable for pool.New: each call checks out one
// dedicated *sql.Conn from db.
func Dial(db *sql.DB) func() (Conn, error) {
	return func() (Conn, error) {
		c, err := db.Conn(context.Background())
		if err != nil {
			return nil, err
		}
		return &sqlConn{c: c}, nil
	}
}

func (s *sqlConn) Query(ctx context.Context, sqlText string, args ...any) (Rows, error) {
	rows, err := s.c.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}

func (s *sqlConn) Update(ctx context.Context, sqlText string, args ...any) (int64, error) {
	res, err := s.c.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Escape guards against the legacy string-built-SQL call pattern spec.md
// §6 names; parameterized Query/Update above should be preferred wherever
// possible, but handlers built around the legacy shape still need it.
func (s *sqlConn) Escape(raw string) string {
	return strings.ReplaceAll(raw, `'`, `''`)
}

func (s *sqlConn) Close() error { return s.c.Close() }

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool                 { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...any) error      { return r.rows.Scan(dest...) }
func (r *sqlRows) Close() error                { return r.rows.Close() }
func (r *sqlRows) Err() error                  { return r.rows.Err() }

// Package relstore defines the relational-store surface the chat server
// consumes, independent of any particular SQL dialect, plus a SQLite-backed
// implementation and an in-memory fake for tests.
package relstore

import "context"

// Row is a single result row; callers know the column order they asked for.
type Row []any

// Rows iterates query results. Close must always be called.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Conn is the operation surface a pooled relational-store connection
// exposes to handlers. It deliberately mirrors the legacy C/C++ driver
// shape from spec.md §6: query/update/escape.
type Conn interface {
	Query(ctx context.Context, sqlText string, args ...any) (Rows, error)
	Update(ctx context.Context, sqlText string, args ...any) (affected int64, err error)
	Escape(raw string) string
	Close() error
}

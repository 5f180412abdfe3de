// Package registry owns per-socket Connection state and the fd-indexed
// ConnectionRegistry that protects cross-thread access to it (spec.md §3,
// §4.5, §9 "Registry ownership").
package registry

import (
	"sync"
	"sync/atomic"
)

// Session is the authenticated substate of a Connection (spec.md §3).
type Session struct {
	Authenticated bool
	UserID        int64
	UserName      string
	RoomID        int64
}

// Connection is exclusively owned by the ConnectionRegistry; workers only
// ever reach it through Registry.Get, under the registry lock. Inbuf is
// only ever touched by the Reactor goroutine. Outbuf, WantWrite and
// ShortClose are only mutated while holding the registry lock, or via the
// atomic operations on the flag fields themselves (spec.md §5).
//
// Session is read and written by handler code running on arbitrary
// WorkerPool goroutines, and read again by Server.Broadcast and
// Server.closeConn on whatever goroutine triggers them — none of which
// coincide with the registry lock a given handler call holds. sessionMu
// guards it independently of the registry's fd-map mutex so unrelated
// connections never contend with each other over it; access goes through
// Session/UpdateSession below, never the zero-value field directly.
//
// I/O goes directly through FD via raw read(2)/write(2): the socket is
// accepted non-blocking (SOCK_NONBLOCK), so there is no net.Conn wrapper
// to fight with Go's own runtime poller over who owns readiness.
type Connection struct {
	FD int

	Inbuf  []byte
	Outbuf []byte

	WantWrite  atomic.Bool
	ShortClose atomic.Bool

	sessionMu sync.Mutex
	session   Session
}

// NewConnection wraps an accepted, already-non-blocking socket fd.
func NewConnection(fd int) *Connection {
	return &Connection{FD: fd}
}

// Session returns a copy of the connection's current session state. Safe
// to call from any goroutine.
func (c *Connection) Session() Session {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session
}

// UpdateSession runs fn with exclusive access to the live session, so
// multi-field updates (e.g. login setting Authenticated, UserID and
// UserName together) are atomic with respect to concurrent readers like
// Session above.
func (c *Connection) UpdateSession(fn func(*Session)) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	fn(&c.session)
}

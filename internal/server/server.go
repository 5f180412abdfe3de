// Package server implements the Server/Acceptor (spec.md §4.5): the
// listening socket, the Reactor-driven read/write pump per connection, and
// the load-bearing postWrite ordering that lets worker goroutines hand
// data back to the single Reactor thread safely.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/chatcore/linechat/internal/reactor"
	"github.com/chatcore/linechat/internal/registry"
	"github.com/chatcore/linechat/internal/room"
	"github.com/chatcore/linechat/internal/wpool"
)

// Handler processes one decoded line from a connection and returns the raw
// bytes to write back (already newline-terminated) plus whether the
// connection should be closed once those bytes drain. It is also
// responsible for any broadcast fan-out (spec.md's send_msg semantics),
// since only the handler has the context (room membership, message
// content) needed to address other connections.
type Handler func(conn *registry.Connection, line []byte) (response []byte, shortClose bool)

const readBufSize = 64 * 1024

// Server owns the listening socket and wires the Reactor, the
// ConnectionRegistry and the WorkerPool together.
type Server struct {
	reactor *reactor.Reactor
	reg     *registry.Registry
	workers *wpool.Pool
	rooms   *room.Directory
	log     zerolog.Logger
	handle  Handler

	listenFD   int
	listenFile *os.File

	running atomic.Bool
}

// New builds a Server. handle is invoked once per complete line; rooms is
// consulted on connection teardown to release any held membership.
func New(rct *reactor.Reactor, reg *registry.Registry, workers *wpool.Pool, rooms *room.Directory, log zerolog.Logger, handle Handler) *Server {
	return &Server{reactor: rct, reg: reg, workers: workers, rooms: rooms, log: log, handle: handle}
}

// Start creates the listening socket, sets SO_REUSEADDR/SO_REUSEPORT,
// binds, listens, makes it non-blocking, and registers it with the
// Reactor. Idempotent: a second call is a no-op.
func (s *Server) Start(addr string) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("server: expected a TCP listener")
	}

	// File() dups the fd into a new, independently owned, blocking-mode
	// *os.File; the original listener can be closed once we hold it.
	file, err := tcpLn.File()
	if err != nil {
		ln.Close()
		return fmt.Errorf("server: extract listener fd: %w", err)
	}
	ln.Close()

	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		return fmt.Errorf("server: set listener non-blocking: %w", err)
	}

	s.listenFD = fd
	s.listenFile = file

	s.reactor.SetDispatcher(s.onEvent)
	if err := s.reactor.Add(fd, reactor.Readable, nil); err != nil {
		file.Close()
		return err
	}

	s.log.Info().Str("addr", addr).Msg("server: listening")
	return nil
}

// onEvent implements spec.md §4.5 onEvent.
func (s *Server) onEvent(fd int, events uint32, user any) {
	if reactor.IsErrOrHup(events) {
		s.closeConn(fd)
		return
	}

	if fd == s.listenFD {
		s.onAccept()
		return
	}

	conn, ok := s.reg.Get(fd)
	if !ok {
		return
	}

	if events&unix.EPOLLIN != 0 {
		s.onConnRead(conn)
	}
	if events&unix.EPOLLOUT != 0 {
		s.onConnWrite(conn)
	}
}

// onAccept loops accept4(2) until EAGAIN, per spec.md §4.5 step 2. Sockets
// come back already non-blocking (SOCK_NONBLOCK) and close-on-exec.
func (s *Server) onAccept() {
	for {
		nfd, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			s.log.Error().Err(err).Msg("server: accept4 failed")
			return
		}

		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		conn := registry.NewConnection(nfd)
		s.reg.Put(conn)
		if err := s.reactor.Add(nfd, reactor.Readable, nfd); err != nil {
			s.reg.Remove(nfd)
			unix.Close(nfd)
		}
	}
}

// onConnRead implements spec.md §4.5 onConnRead: drain to EAGAIN, split on
// newline, submit each complete line to the WorkerPool.
func (s *Server) onConnRead(conn *registry.Connection) {
	buf := make([]byte, readBufSize)
	for {
		n, err := unix.Read(conn.FD, buf)
		switch {
		case err == nil && n > 0:
			conn.Inbuf = append(conn.Inbuf, buf[:n]...)
			continue
		case err == nil && n == 0:
			// Peer closed.
			s.closeConn(conn.FD)
			return
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			// Fully drained for this notification.
		case err == unix.EINTR:
			continue
		default:
			s.closeConn(conn.FD)
			return
		}
		break
	}

	lines, rest := splitLines(conn.Inbuf)
	conn.Inbuf = rest
	for _, line := range lines {
		fd := conn.FD
		l := line
		s.workers.Submit(func() { s.runHandler(fd, l) })
	}
}

// runHandler is the worker task spec.md §4.5 describes: re-resolve the
// Connection by fd (it may have closed meanwhile), invoke the handler, and
// post the response.
func (s *Server) runHandler(fd int, line []byte) {
	conn, ok := s.reg.Get(fd)
	if !ok {
		return
	}
	resp, shortClose := s.handle(conn, line)
	if resp != nil {
		s.postWrite(fd, resp)
	}
	if shortClose {
		conn.ShortClose.Store(true)
	}
}

// postWrite implements spec.md §4.5 postWrite. The ordering is load
// bearing: the Reactor interest must be modified before the wakeup is
// posted, or the Reactor could observe the old interest set on its next
// epoll_wait, leaving the new data unflushed until some unrelated event
// happens to wake it.
func (s *Server) postWrite(fd int, data []byte) {
	conn, ok := s.reg.Get(fd)
	if !ok {
		return
	}
	var needModify bool
	s.reg.Lock(func() {
		conn.Outbuf = append(conn.Outbuf, data...)
		needModify = !conn.WantWrite.Swap(true)
	})
	if needModify {
		_ = s.reactor.Modify(fd, reactor.Readable|reactor.Writable, fd)
		s.reactor.Wakeup()
	}
}

// onConnWrite implements spec.md §4.5 onConnWrite.
func (s *Server) onConnWrite(conn *registry.Connection) {
	for {
		var chunk []byte
		s.reg.Lock(func() { chunk = conn.Outbuf })
		if len(chunk) == 0 {
			break
		}

		n, err := unix.Write(conn.FD, chunk)
		if n > 0 {
			s.reg.Lock(func() { conn.Outbuf = conn.Outbuf[n:] })
		}
		switch {
		case err == nil:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		case err == unix.EINTR:
			continue
		default:
			s.closeConn(conn.FD)
			return
		}
		break
	}

	var empty bool
	s.reg.Lock(func() { empty = len(conn.Outbuf) == 0 })
	if !empty {
		return
	}

	if conn.ShortClose.Load() {
		s.closeConn(conn.FD)
		return
	}
	if conn.WantWrite.Swap(false) {
		_ = s.reactor.Modify(conn.FD, reactor.Readable, conn.FD)
	}
}

// closeConn implements spec.md §4.5 closeConn: idempotent, releases room
// membership if any.
func (s *Server) closeConn(fd int) {
	s.reactor.Remove(fd)
	conn, ok := s.reg.Remove(fd)
	if !ok {
		return
	}
	unix.Close(fd)
	sess := conn.Session()
	if sess.Authenticated && sess.RoomID != 0 {
		s.rooms.Leave(sess.RoomID)
	}
}

// Broadcast sends data to every currently-authenticated connection whose
// Session.RoomID equals roomID, via postWrite (spec.md §6 send_msg's
// broadcast:true semantics). Each connection's session is snapshotted
// under its own lock (Connection.Session), independent of the registry
// mutex reg.Each holds, since handler goroutines mutate it concurrently.
func (s *Server) Broadcast(roomID int64, data []byte) {
	var fds []int
	s.reg.Each(func(c *registry.Connection) {
		sess := c.Session()
		if sess.Authenticated && sess.RoomID == roomID {
			fds = append(fds, c.FD)
		}
	})
	for _, fd := range fds {
		s.postWrite(fd, data)
	}
}

// ListenAddr returns the actual bound "ip:port" of the listening socket —
// useful in tests that bind to port 0 and need the OS-assigned port.
func (s *Server) ListenAddr() (string, error) {
	sa, err := unix.Getsockname(s.listenFD)
	if err != nil {
		return "", err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port), nil
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port), nil
	default:
		return "", fmt.Errorf("server: unsupported socket address type %T", sa)
	}
}

// Stop tears down the listening socket. Existing connections are left to
// drain naturally; callers wanting a hard stop should also Stop the
// Reactor.
func (s *Server) Stop() error {
	if s.listenFile == nil {
		return nil
	}
	s.reactor.Remove(s.listenFD)
	return s.listenFile.Close()
}

// splitLines splits buf on '\n', tolerating a trailing '\r' on each line,
// and returns the complete lines plus the unconsumed remainder.
func splitLines(buf []byte) (lines [][]byte, rest []byte) {
	start := 0
	for i, b := range buf {
		if b == '\n' {
			line := buf[start:i]
			line = bytes.TrimSuffix(line, []byte{'\r'})
			cp := make([]byte, len(line))
			copy(cp, line)
			lines = append(lines, cp)
			start = i + 1
		}
	}
	if start < len(buf) {
		rest = append(rest, buf[start:]...)
	}
	return lines, rest
}

// Package reactor implements a single-threaded, edge-triggered I/O event
// demultiplexer on Linux epoll, with an eventfd self-pipe for cross-thread
// wakeup (spec.md §4.3). All registered descriptors must be non-blocking;
// every notification must be drained to EAGAIN by the caller, or events can
// be lost permanently — this is deliberately a thin wrapper, not a
// framework, so that discipline stays visible at the call site.
package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Interest mirrors the epoll event bits a caller can request.
type Interest uint32

const (
	Readable Interest = unix.EPOLLIN
	Writable Interest = unix.EPOLLOUT
	errOrHup Interest = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
)

// Dispatcher handles one readiness notification. events carries the raw
// epoll bitmask (so callers can test for errOrHup themselves); user is
// whatever opaque value was registered for fd via Add/Modify.
type Dispatcher func(fd int, events uint32, user any)

const (
	stateStopped int32 = iota
	stateRunning
	stateStopping
)

// Reactor is a single-threaded epoll event loop. It must be driven by
// exactly one goroutine calling Loop; Add/Modify/Remove/Wakeup/Stop are
// safe to call from any goroutine.
type Reactor struct {
	epfd          int
	wakeFd        int
	edgeTriggered bool
	log           zerolog.Logger

	mu    sync.Mutex
	users map[int]any

	dispatcher atomic.Pointer[Dispatcher]
	state      atomic.Int32
}

// New creates a Reactor. edgeTriggered selects EPOLLET on every registered
// fd, per spec.md §4.3; it is exposed as a flag mainly so tests can force
// level-triggered behavior while exercising the drain-to-EAGAIN discipline
// without relying on edge semantics.
func New(edgeTriggered bool, log zerolog.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	r := &Reactor{
		epfd:          epfd,
		wakeFd:        wakeFd,
		edgeTriggered: edgeTriggered,
		log:           log,
		users:         make(map[int]any),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: register wakeup fd: %w", err)
	}
	return r, nil
}

func (r *Reactor) maskFor(i Interest) uint32 {
	m := uint32(i)
	if r.edgeTriggered {
		m |= uint32(unix.EPOLLET)
	}
	return m
}

// Add registers fd for the given interest, associating user with it for
// later dispatch.
func (r *Reactor) Add(fd int, interest Interest, user any) error {
	r.mu.Lock()
	r.users[fd] = user
	r.mu.Unlock()

	ev := unix.EpollEvent{Events: r.maskFor(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.mu.Lock()
		delete(r.users, fd)
		r.mu.Unlock()
		return fmt.Errorf("reactor: add fd %d: %w", fd, err)
	}
	return nil
}

// Modify changes the registered interest for fd. Safe to call from any
// goroutine; the dispatch-time lookup under r.mu is what makes a
// cross-thread Modify (e.g. postWrite arming write-readiness) safe.
func (r *Reactor) Modify(fd int, interest Interest, user any) error {
	r.mu.Lock()
	r.users[fd] = user
	r.mu.Unlock()

	ev := unix.EpollEvent{Events: r.maskFor(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: modify fd %d: %w", fd, err)
	}
	return nil
}

// Remove de-registers fd. Idempotent: removing an already-closed or
// already-removed fd is not an error.
func (r *Reactor) Remove(fd int) {
	r.mu.Lock()
	delete(r.users, fd)
	r.mu.Unlock()

	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// SetDispatcher installs the callback invoked for every non-internal
// readiness event. Must be called before Loop.
func (r *Reactor) SetDispatcher(fn Dispatcher) {
	r.dispatcher.Store(&fn)
}

// Wakeup makes the self-pipe readable, interrupting a blocked epoll_wait
// from any goroutine.
func (r *Reactor) Wakeup() {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	for {
		_, err := unix.Write(r.wakeFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Stop transitions the loop to Stopping and posts a wakeup so Loop
// observes it promptly. Safe to call from any goroutine; a restart after
// Stop is not supported.
func (r *Reactor) Stop() {
	r.state.CompareAndSwap(stateRunning, stateStopping)
	r.Wakeup()
}

// Loop runs the event-demultiplexing loop until Stop is called. It must be
// invoked by exactly one goroutine. Every non-blocking socket's read/write
// path is expected to drain to EAGAIN on each notification, per the
// edge-triggered contract.
func (r *Reactor) Loop() error {
	if !r.state.CompareAndSwap(stateStopped, stateRunning) {
		return fmt.Errorf("reactor: already running or stopped")
	}

	const maxEvents = 256
	events := make([]unix.EpollEvent, maxEvents)

	for r.state.Load() == stateRunning {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeFd {
				r.drainWakeup()
				continue
			}
			r.dispatch(fd, events[i].Events)
		}
	}

	r.state.Store(stateStopped)
	return nil
}

func (r *Reactor) dispatch(fd int, mask uint32) {
	dp := r.dispatcher.Load()
	if dp == nil {
		return
	}
	r.mu.Lock()
	user, ok := r.users[fd]
	r.mu.Unlock()
	if !ok {
		return
	}
	(*dp)(fd, mask, user)
}

func (r *Reactor) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakeFd, buf[:])
		if err == nil {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Close releases the epoll and eventfd descriptors. Call only after Loop
// has returned.
func (r *Reactor) Close() error {
	err1 := unix.Close(r.wakeFd)
	err2 := unix.Close(r.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}

// IsErrOrHup reports whether mask carries an error/hangup bit, the signal
// spec.md §4.5 step 1 uses to close a connection unconditionally.
func IsErrOrHup(mask uint32) bool {
	return mask&uint32(errOrHup) != 0
}

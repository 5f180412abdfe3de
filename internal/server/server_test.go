package server

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/linechat/internal/reactor"
	"github.com/chatcore/linechat/internal/registry"
	"github.com/chatcore/linechat/internal/room"
	"github.com/chatcore/linechat/internal/wpool"
)

// newRunningServer wires a Reactor, Registry, WorkerPool and Server
// together, starts listening on an ephemeral port, and runs the Reactor
// loop in the background. It returns the bound address and a stop func.
func newRunningServer(t *testing.T, handle Handler) (addr string, stop func()) {
	t.Helper()

	rct, err := reactor.New(true, zerolog.Nop())
	require.NoError(t, err)

	reg := registry.New()
	workers := wpool.New(2, 64, zerolog.Nop())
	rooms := room.New()

	srv := New(rct, reg, workers, rooms, zerolog.Nop(), handle)
	require.NoError(t, srv.Start("127.0.0.1:0"))

	loopDone := make(chan struct{})
	go func() {
		_ = rct.Loop()
		close(loopDone)
	}()

	sa, err := srv.ListenAddr()
	require.NoError(t, err)

	return sa, func() {
		srv.Stop()
		rct.Stop()
		<-loopDone
		rct.Close()
		workers.Stop()
	}
}

func TestEchoRoundTrip(t *testing.T) {
	handle := func(conn *registry.Connection, line []byte) ([]byte, bool) {
		out := append(append([]byte{}, line...), '\n')
		return out, false
	}

	addr, stop := newRunningServer(t, handle)
	defer stop()

	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("hello\n"))
	require.NoError(t, err)

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(c)
	resp, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", resp)
}

func TestCloseFlagClosesConnectionAfterFlush(t *testing.T) {
	handle := func(conn *registry.Connection, line []byte) ([]byte, bool) {
		return []byte("bye\n"), true
	}

	addr, stop := newRunningServer(t, handle)
	defer stop()

	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("quit\n"))
	require.NoError(t, err)

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(c)
	resp, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "bye\n", resp)

	// The server should close its end once the short-close flag drains;
	// a further read must observe EOF.
	buf := make([]byte, 16)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.Read(buf)
	assert.Error(t, err)
}

func TestSplitLinesTrimsTrailingCR(t *testing.T) {
	lines, rest := splitLines([]byte("a\r\nb\nc"))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, lines)
	assert.Equal(t, []byte("c"), rest)
}

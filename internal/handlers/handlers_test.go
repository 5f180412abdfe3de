package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/linechat/internal/auth"
	"github.com/chatcore/linechat/internal/cache"
	"github.com/chatcore/linechat/internal/chat"
	"github.com/chatcore/linechat/internal/idissuer"
	"github.com/chatcore/linechat/internal/kvstore"
	"github.com/chatcore/linechat/internal/pool"
	"github.com/chatcore/linechat/internal/protocol"
	"github.com/chatcore/linechat/internal/registry"
	"github.com/chatcore/linechat/internal/relstore"
	"github.com/chatcore/linechat/internal/room"
	"github.com/chatcore/linechat/internal/sms"
)

// fakeBroadcaster records every Broadcast call instead of fanning out over
// real sockets.
type fakeBroadcaster struct {
	calls []struct {
		roomID int64
		data   []byte
	}
}

func (f *fakeBroadcaster) Broadcast(roomID int64, data []byte) {
	f.calls = append(f.calls, struct {
		roomID int64
		data   []byte
	}{roomID, data})
}

func newTestDispatcher(t *testing.T, maxRoomCapacity int) (*Dispatcher, *fakeBroadcaster) {
	t.Helper()

	relPool, err := pool.New(2, relstore.NewMemory().Dial())
	require.NoError(t, err)

	kvPool, err := pool.New(2, kvstore.NewMemory().Dial())
	require.NoError(t, err)

	engine := cache.NewEngine(kvPool, nil, 50, zerolog.Nop(), nil)
	sessionAuth := auth.New(relPool, kvPool, engine, 1024, 30*time.Second)
	rooms := room.New()
	persistence := chat.New(relPool, engine, zerolog.Nop())
	epoch := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := idissuer.New(kvPool, epoch, 1)
	smsSvc := sms.New(kvPool, zerolog.Nop())

	d := New(sessionAuth, rooms, persistence, ids, smsSvc, maxRoomCapacity, zerolog.Nop())
	fb := &fakeBroadcaster{}
	d.SetBroadcaster(fb)
	return d, fb
}

func sendLine(t *testing.T, d *Dispatcher, conn *registry.Connection, req protocol.Request) protocol.Response {
	t.Helper()
	line, err := json.Marshal(req)
	require.NoError(t, err)

	out, _ := d.Handle(conn, line)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	return resp
}

func TestEchoAndUpperDoNotRequireAuth(t *testing.T) {
	d, _ := newTestDispatcher(t, 10)
	conn := registry.NewConnection(1)

	resp := sendLine(t, d, conn, protocol.Request{Cmd: "echo", Msg: "hi"})
	assert.True(t, resp.Ok)

	resp = sendLine(t, d, conn, protocol.Request{Cmd: "upper", Msg: "hi there"})
	assert.True(t, resp.Ok)
	var data string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "HI THERE", data)
}

func TestQuitSetsCloseFlag(t *testing.T) {
	d, _ := newTestDispatcher(t, 10)
	conn := registry.NewConnection(1)

	line, err := json.Marshal(protocol.Request{Cmd: "quit"})
	require.NoError(t, err)
	_, shortClose := d.Handle(conn, line)
	assert.True(t, shortClose)
}

func TestProtectedCommandsRequireLoginFirst(t *testing.T) {
	d, _ := newTestDispatcher(t, 10)
	conn := registry.NewConnection(1)

	resp := sendLine(t, d, conn, protocol.Request{Cmd: "send_msg", Text: "hello"})
	assert.False(t, resp.Ok)
	assert.NotEmpty(t, resp.Err)
}

func TestUnknownCommandFails(t *testing.T) {
	d, _ := newTestDispatcher(t, 10)
	conn := registry.NewConnection(1)

	resp := sendLine(t, d, conn, protocol.Request{Cmd: "not_a_real_command"})
	assert.False(t, resp.Ok)
}

func TestInvalidJSONReturnsFailErr(t *testing.T) {
	d, _ := newTestDispatcher(t, 10)
	conn := registry.NewConnection(1)

	out, shortClose := d.Handle(conn, []byte("{not json"))
	assert.False(t, shortClose)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.False(t, resp.Ok)
	assert.NotEmpty(t, resp.Err)
}

func TestRegisterLoginJoinSendAndHistoryFlow(t *testing.T) {
	d, fb := newTestDispatcher(t, 10)
	ctx := context.Background()

	// Register directly through SessionAuth to avoid wiring a real SMS
	// transport into the test — the dispatch path for login/join/send/
	// history is what this test exercises.
	_, err := d.auth.Register(ctx, "13900000001", "zara", "pw123")
	require.NoError(t, err)

	conn := registry.NewConnection(1)
	loginResp := sendLine(t, d, conn, protocol.Request{Cmd: "login", Mode: "password", User: "zara", Pass: "pw123"})
	require.True(t, loginResp.Ok)
	assert.Equal(t, int64(1), loginResp.RoomID)
	assert.True(t, conn.Session().Authenticated)
	assert.Equal(t, int64(1), conn.Session().RoomID)

	sendResp := sendLine(t, d, conn, protocol.Request{Cmd: "send_msg", Text: "hello room"})
	require.True(t, sendResp.Ok)
	assert.Equal(t, "hello room", sendResp.Text)
	assert.Equal(t, "zara", sendResp.FromName)
	require.Len(t, fb.calls, 1)
	assert.Equal(t, int64(1), fb.calls[0].roomID)

	histResp := sendLine(t, d, conn, protocol.Request{Cmd: "get_history", Limit: 10})
	require.True(t, histResp.Ok)
	require.Len(t, histResp.History, 1)
	assert.Equal(t, "hello room", histResp.History[0].Text)
}

func TestLoginFailsWithWrongPassword(t *testing.T) {
	d, _ := newTestDispatcher(t, 10)
	ctx := context.Background()
	_, err := d.auth.Register(ctx, "13900000002", "yusuf", "correct")
	require.NoError(t, err)

	conn := registry.NewConnection(2)
	resp := sendLine(t, d, conn, protocol.Request{Cmd: "login", Mode: "password", User: "yusuf", Pass: "wrong"})
	assert.False(t, resp.Ok)
	assert.False(t, conn.Session().Authenticated)
}

func TestLoginReportsRoomFullWithoutFailingLogin(t *testing.T) {
	d, _ := newTestDispatcher(t, 1)
	ctx := context.Background()

	_, err := d.auth.Register(ctx, "13900000003", "first", "pw")
	require.NoError(t, err)
	_, err = d.auth.Register(ctx, "13900000004", "second", "pw")
	require.NoError(t, err)

	c1 := registry.NewConnection(1)
	r1 := sendLine(t, d, c1, protocol.Request{Cmd: "login", Mode: "password", User: "first", Pass: "pw"})
	require.True(t, r1.Ok)
	assert.Equal(t, int64(1), r1.RoomID)

	c2 := registry.NewConnection(2)
	r2 := sendLine(t, d, c2, protocol.Request{Cmd: "login", Mode: "password", User: "second", Pass: "pw"})
	require.True(t, r2.Ok, "login itself still succeeds when the default room is full")
	assert.Equal(t, int64(0), r2.RoomID)
	assert.Equal(t, int64(0), c2.Session().RoomID)
}

func TestJoinAndLeaveRoomUpdatesSessionAndDirectory(t *testing.T) {
	d, _ := newTestDispatcher(t, 10)
	ctx := context.Background()
	_, err := d.auth.Register(ctx, "13900000005", "wendy", "pw")
	require.NoError(t, err)

	conn := registry.NewConnection(1)
	login := sendLine(t, d, conn, protocol.Request{Cmd: "login", Mode: "password", User: "wendy", Pass: "pw"})
	require.True(t, login.Ok)

	joinResp := sendLine(t, d, conn, protocol.Request{Cmd: "join_room", RoomID: 2})
	require.True(t, joinResp.Ok)
	assert.Equal(t, int64(2), conn.Session().RoomID)
	assert.Equal(t, 0, d.rooms.Size(1), "leaving the old room must free its slot")

	listResp := sendLine(t, d, conn, protocol.Request{Cmd: "list_rooms"})
	require.True(t, listResp.Ok)

	leaveResp := sendLine(t, d, conn, protocol.Request{Cmd: "leave_room"})
	require.True(t, leaveResp.Ok)
	assert.Equal(t, int64(0), conn.Session().RoomID)
}

func TestUpdateNameRejectsTakenUsername(t *testing.T) {
	d, _ := newTestDispatcher(t, 10)
	ctx := context.Background()
	_, err := d.auth.Register(ctx, "13900000006", "nameA", "pw")
	require.NoError(t, err)
	_, err = d.auth.Register(ctx, "13900000007", "nameB", "pw")
	require.NoError(t, err)

	conn := registry.NewConnection(1)
	login := sendLine(t, d, conn, protocol.Request{Cmd: "login", Mode: "password", User: "nameB", Pass: "pw"})
	require.True(t, login.Ok)

	resp := sendLine(t, d, conn, protocol.Request{Cmd: "update_name", NewName: "nameA"})
	assert.False(t, resp.Ok)
}

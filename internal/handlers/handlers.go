// Package handlers implements the command dispatch table (spec.md §6):
// decoding each request line, routing it to SessionAuth, RoomDirectory,
// ChatPersistence, IdIssuer and SmsService, and producing the response
// envelope the Server writes back (and, for send_msg, broadcasts).
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatcore/linechat/internal/auth"
	"github.com/chatcore/linechat/internal/chat"
	"github.com/chatcore/linechat/internal/idissuer"
	"github.com/chatcore/linechat/internal/protocol"
	"github.com/chatcore/linechat/internal/registry"
	"github.com/chatcore/linechat/internal/room"
	"github.com/chatcore/linechat/internal/sms"
)

// defaultRoomID is the room login auto-joins when it has capacity (spec.md
// §8 scenario 4).
const defaultRoomID int64 = 1

// Broadcaster fans a response out to every authenticated connection in a
// room, the sending connection included. server.Server satisfies this
// structurally.
type Broadcaster interface {
	Broadcast(roomID int64, data []byte)
}

// Dispatcher holds every domain collaborator a handler may need and
// implements server.Handler via Handle.
type Dispatcher struct {
	auth  *auth.SessionAuth
	rooms *room.Directory
	chat  *chat.Persistence
	ids   *idissuer.Issuer
	sms   *sms.Service
	log   zerolog.Logger

	maxRoomCapacity int
	requestTimeout  time.Duration

	broadcaster Broadcaster
}

// New builds a Dispatcher. SetBroadcaster must be called once the Server
// wiring it into exists, since the Server itself depends on the
// Dispatcher's Handle method at construction time.
func New(a *auth.SessionAuth, rooms *room.Directory, cp *chat.Persistence, ids *idissuer.Issuer, smsSvc *sms.Service, maxRoomCapacity int, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		auth: a, rooms: rooms, chat: cp, ids: ids, sms: smsSvc,
		maxRoomCapacity: maxRoomCapacity,
		requestTimeout:  5 * time.Second,
		log:             log,
	}
}

// SetBroadcaster wires the fan-out target. Must be called before serving
// traffic.
func (d *Dispatcher) SetBroadcaster(b Broadcaster) { d.broadcaster = b }

// Handle implements server.Handler: decode one line, dispatch by cmd,
// encode the response (plus trailing newline per spec.md §6).
func (d *Dispatcher) Handle(conn *registry.Connection, line []byte) (response []byte, shortClose bool) {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return encode(protocol.FailErr("invalid json: " + err.Error())), false
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.requestTimeout)
	defer cancel()

	resp := d.route(ctx, conn, req)
	return encode(resp), resp.Close
}

func (d *Dispatcher) route(ctx context.Context, conn *registry.Connection, req protocol.Request) protocol.Response {
	authedCmds := map[string]bool{
		"update_name": true, "join_room": true, "leave_room": true,
		"list_rooms": true, "send_msg": true, "get_history": true,
	}
	if authedCmds[req.Cmd] && !conn.Session().Authenticated {
		return protocol.FailErr("please login first")
	}

	switch req.Cmd {
	case "login":
		return d.handleLogin(ctx, conn, req)
	case "register":
		return d.handleRegister(ctx, req)
	case "reset_pass":
		return d.handleResetPass(ctx, req)
	case "update_name":
		return d.handleUpdateName(ctx, conn, req)
	case "join_room":
		return d.handleJoinRoom(conn, req)
	case "leave_room":
		return d.handleLeaveRoom(conn)
	case "list_rooms":
		return d.handleListRooms()
	case "send_msg":
		return d.handleSendMsg(ctx, conn, req)
	case "get_history":
		return d.handleGetHistory(ctx, conn, req)
	case "echo":
		return protocol.Ok("").WithData(req.Msg)
	case "upper":
		return protocol.Ok("").WithData(upper(req.Msg))
	case "quit":
		r := protocol.Ok("").WithData("bye")
		r.Close = true
		return r
	default:
		return protocol.FailErr("unknown command: " + req.Cmd)
	}
}

func (d *Dispatcher) handleLogin(ctx context.Context, conn *registry.Connection, req protocol.Request) protocol.Response {
	var rec auth.UserRecord

	switch req.Mode {
	case "sms":
		ok, err := d.sms.Verify(ctx, req.Phone, req.Code)
		if err != nil {
			return protocol.Fail("login failed: " + err.Error())
		}
		if !ok {
			return protocol.Fail("invalid or expired code")
		}
		r, absent, err := d.auth.LoadByPhone(ctx, req.Phone)
		if err != nil {
			return protocol.Fail("login failed: " + err.Error())
		}
		if absent {
			return protocol.Fail("no account for this phone")
		}
		rec = r
	default: // "password"
		r, err := d.auth.Authenticate(ctx, req.User, req.Pass)
		if err != nil {
			return protocol.Fail(err.Error())
		}
		rec = r
	}

	joined := d.rooms.TryJoin(defaultRoomID, d.maxRoomCapacity)
	roomID := int64(0)
	if joined {
		roomID = defaultRoomID
	}
	conn.UpdateSession(func(s *registry.Session) {
		s.Authenticated = true
		s.UserID = rec.ID
		s.UserName = rec.Username
		s.RoomID = roomID
	})

	if joined {
		return protocol.Response{Ok: true, RoomID: defaultRoomID, Msg: "login success"}
	}
	return protocol.Response{Ok: true, RoomID: 0, Msg: "login success, but room 1 is full"}
}

func (d *Dispatcher) handleRegister(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Step {
	case 1:
		if err := d.sms.Send(ctx, req.Phone); err != nil {
			return protocol.Fail(err.Error())
		}
		return protocol.Ok("code sent")
	case 2:
		if req.Pass != req.Pass2 {
			return protocol.Fail("passwords do not match")
		}
		ok, err := d.sms.Verify(ctx, req.Phone, req.Code)
		if err != nil {
			return protocol.Fail("register failed: " + err.Error())
		}
		if !ok {
			return protocol.Fail("invalid or expired code")
		}
		rec, err := d.auth.Register(ctx, req.Phone, req.User, req.Pass)
		if err != nil {
			return protocol.Fail(err.Error())
		}
		return protocol.Response{Ok: true, Msg: "register success", User: rec.Username, UserID: rec.ID}
	default:
		return protocol.FailErr("register requires step 1 or 2")
	}
}

func (d *Dispatcher) handleResetPass(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Step {
	case 1:
		if err := d.sms.Send(ctx, req.Phone); err != nil {
			return protocol.Fail(err.Error())
		}
		return protocol.Ok("code sent")
	case 2:
		ok, err := d.sms.Verify(ctx, req.Phone, req.Code)
		if err != nil {
			return protocol.Fail("reset failed: " + err.Error())
		}
		if !ok {
			return protocol.Fail("invalid or expired code")
		}
		if err := d.auth.ResetPassword(ctx, req.Phone, req.NewPass); err != nil {
			return protocol.Fail(err.Error())
		}
		return protocol.Ok("password reset")
	default:
		return protocol.FailErr("reset_pass requires step 1 or 2")
	}
}

func (d *Dispatcher) handleUpdateName(ctx context.Context, conn *registry.Connection, req protocol.Request) protocol.Response {
	userID := conn.Session().UserID
	oldName, phone, err := d.auth.Rename(ctx, userID, req.NewName)
	if err != nil {
		return protocol.Fail(err.Error())
	}
	conn.UpdateSession(func(s *registry.Session) { s.UserName = req.NewName })
	return protocol.Response{Ok: true, OldName: oldName, NewName: req.NewName, Phone: phone}
}

func (d *Dispatcher) handleJoinRoom(conn *registry.Connection, req protocol.Request) protocol.Response {
	current := conn.Session().RoomID
	if current == req.RoomID {
		return protocol.Response{Ok: true, RoomID: req.RoomID}
	}
	if !d.rooms.TryJoin(req.RoomID, d.maxRoomCapacity) {
		return protocol.Response{Ok: false, Msg: "room is full", RoomID: 0}
	}
	if current != 0 {
		d.rooms.Leave(current)
	}
	conn.UpdateSession(func(s *registry.Session) { s.RoomID = req.RoomID })
	return protocol.Response{Ok: true, RoomID: req.RoomID}
}

func (d *Dispatcher) handleLeaveRoom(conn *registry.Connection) protocol.Response {
	current := conn.Session().RoomID
	if current != 0 {
		d.rooms.Leave(current)
		conn.UpdateSession(func(s *registry.Session) { s.RoomID = 0 })
	}
	return protocol.Ok("left room")
}

func (d *Dispatcher) handleListRooms() protocol.Response {
	snap := d.rooms.Snapshot()
	rooms := make([]protocol.RoomInfo, 0, len(snap))
	for id, size := range snap {
		rooms = append(rooms, protocol.RoomInfo{RoomID: id, Size: size})
	}
	return protocol.Response{Ok: true, Rooms: rooms}
}

func (d *Dispatcher) handleSendMsg(ctx context.Context, conn *registry.Connection, req protocol.Request) protocol.Response {
	sess := conn.Session()
	if sess.RoomID == 0 {
		return protocol.Fail("not in a room")
	}

	ts := time.Now().Unix()
	resp := protocol.Response{
		Ok: true, Broadcast: true,
		RoomID: sess.RoomID, FromID: sess.UserID,
		FromName: sess.UserName, Text: req.Text, Ts: ts,
	}

	d.chat.Save(ctx, sess.RoomID, sess.UserID, sess.UserName, req.Text)

	if seqID, err := d.ids.Next(ctx, "msg"); err == nil {
		d.log.Debug().Int64("seq_id", seqID).Int64("room_id", sess.RoomID).Msg("send_msg dispatched")
	}

	if d.broadcaster != nil {
		if payload, err := json.Marshal(resp); err == nil {
			d.broadcaster.Broadcast(sess.RoomID, append(payload, '\n'))
		}
	}

	return resp
}

func (d *Dispatcher) handleGetHistory(ctx context.Context, conn *registry.Connection, req protocol.Request) protocol.Response {
	roomID := conn.Session().RoomID
	if roomID == 0 {
		return protocol.Fail("not in a room")
	}

	entries, err := d.chat.GetHistory(ctx, roomID, req.Limit)
	if err != nil {
		return protocol.Fail("history unavailable: " + err.Error())
	}

	out := make([]protocol.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.HistoryEntry{
			ID: e.ID, FromID: e.FromID, FromName: e.FromName,
			Text: e.Text, Ts: e.Ts, RoomID: e.RoomID,
		})
	}
	return protocol.Response{Ok: true, RoomID: roomID, History: out}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func encode(r protocol.Response) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(protocol.FailErr("internal encoding error"))
	}
	return append(b, '\n')
}

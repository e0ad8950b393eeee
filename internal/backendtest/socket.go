package backendtest

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vovakirdan/chatsync/internal/core"
	"github.com/vovakirdan/chatsync/internal/proto"
	"github.com/vovakirdan/chatsync/internal/store"
	"github.com/vovakirdan/chatsync/internal/utils"
)

type socketConn struct {
	sid    string
	conn   *websocket.Conn
	user   *store.User
	cancel context.CancelFunc

	mu        sync.Mutex
	connected bool
	rooms     map[string]bool
}

func (sc *socketConn) send(ctx context.Context, frame []byte) error {
	return sc.conn.Write(ctx, websocket.MessageText, frame)
}

func (sc *socketConn) inRoom(id string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.rooms[id]
}

// handleSocket serves one Engine.IO v4 websocket session on the default
// socket.io namespace. It is mounted beside the gin router so the upgrade
// gets the raw ResponseWriter.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != strconv.Itoa(proto.EngineProtocol) || q.Get("transport") != "websocket" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(proto.ErrorResponse{Message: "unsupported transport"})
		return
	}
	user := s.userFromRequest(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sc := &socketConn{
		sid:    utils.NewID(),
		conn:   conn,
		user:   user,
		cancel: cancel,
		rooms:  make(map[string]bool),
	}
	s.mu.Lock()
	s.sockets[sc.sid] = sc
	s.accepted++
	s.mu.Unlock()
	defer s.dropSocket(sc)

	open, err := proto.EncodeOpen(proto.OpenData{
		SID:          sc.sid,
		Upgrades:     []string{},
		PingInterval: int(s.opts.PingInterval.Milliseconds()),
		PingTimeout:  int(s.opts.PingTimeout.Milliseconds()),
		MaxPayload:   1 << 20,
	})
	if err != nil {
		return
	}
	if err := sc.send(ctx, open); err != nil {
		return
	}

	go s.pingLoop(ctx, sc)

	err = s.socketReadLoop(ctx, sc)
	if err == nil || errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
		conn.Close(websocket.StatusNormalClosure, "closing")
		return
	}
	s.log.Debug().Err(err).Str("sid", sc.sid).Msg("socket closed with error")
}

func (s *Server) pingLoop(ctx context.Context, sc *socketConn) {
	t := time.NewTicker(s.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sc.send(ctx, proto.EncodePing()); err != nil {
				return
			}
		}
	}
}

func (s *Server) socketReadLoop(ctx context.Context, sc *socketConn) error {
	for {
		_, b, err := sc.conn.Read(ctx)
		if err != nil {
			return err
		}
		f, err := proto.DecodeFrame(b)
		if err != nil {
			s.log.Warn().Err(err).Str("sid", sc.sid).Msg("malformed socket frame")
			continue
		}

		switch f.Engine {
		case proto.EnginePong, proto.EngineNoop:
		case proto.EngineClose:
			return nil
		case proto.EngineMessage:
			switch f.Socket {
			case proto.SocketConnect:
				if err := s.socketConnected(ctx, sc); err != nil {
					return err
				}
			case proto.SocketDisconnect:
				return nil
			case proto.SocketEvent:
				s.socketEvent(ctx, sc, f)
			}
		}
	}
}

func (s *Server) socketConnected(ctx context.Context, sc *socketConn) error {
	ack, err := proto.EncodeConnectAck(sc.sid)
	if err != nil {
		return err
	}
	if err := sc.send(ctx, ack); err != nil {
		return err
	}

	sc.mu.Lock()
	sc.connected = true
	sc.mu.Unlock()

	if sc.user == nil {
		return nil
	}
	s.mu.Lock()
	s.online[sc.user.ID] = true
	s.mu.Unlock()
	s.broadcast(ctx, proto.EventUserConnected, userData(sc.user, true), nil)
	return nil
}

func (s *Server) dropSocket(sc *socketConn) {
	s.mu.Lock()
	delete(s.sockets, sc.sid)
	still := false
	if sc.user != nil {
		for _, other := range s.sockets {
			if other.user != nil && other.user.ID == sc.user.ID {
				still = true
				break
			}
		}
		if !still {
			delete(s.online, sc.user.ID)
		}
	}
	s.mu.Unlock()

	sc.mu.Lock()
	wasConnected := sc.connected
	sc.mu.Unlock()

	if sc.user != nil && wasConnected && !still {
		select {
		case <-s.done:
		default:
			s.broadcast(context.Background(), proto.EventUserDisconnected, userData(sc.user, false), nil)
		}
	}
}

func (s *Server) socketEvent(ctx context.Context, sc *socketConn, f proto.Frame) {
	var arg json.RawMessage
	if len(f.Args) > 0 {
		arg = f.Args[0]
	}

	switch f.Event {
	case proto.EventRoomJoin:
		var roomID proto.ID
		if err := json.Unmarshal(arg, &roomID); err != nil {
			s.log.Warn().Err(err).Msg("bad room.join payload")
			return
		}
		sc.mu.Lock()
		sc.rooms[roomID.String()] = true
		sc.mu.Unlock()
	case proto.EventMessage:
		var msg proto.MessageData
		if err := json.Unmarshal(arg, &msg); err != nil {
			s.log.Warn().Err(err).Msg("bad message payload")
			return
		}
		if err := s.storeMessage(ctx, msg); err != nil {
			s.log.Error().Err(err).Msg("store message")
		}
	default:
		s.log.Debug().Str("event", f.Event).Msg("ignore socket event")
	}
}

// storeMessage persists msg and fans it out. The first message of a private
// room also announces the room to everyone.
func (s *Server) storeMessage(ctx context.Context, msg proto.MessageData) error {
	msg.Message = html.EscapeString(msg.Message)
	roomID := msg.RoomID.String()
	if roomID == "" {
		roomID = core.DirectRoomID
		msg.RoomID = proto.ID(roomID)
	}

	if from, err := strconv.ParseInt(msg.From.String(), 10, 64); err == nil {
		s.mu.Lock()
		s.online[from] = true
		s.mu.Unlock()
	}

	room, err := s.store.GetRoom(ctx, roomID)
	private := errors.Is(err, store.ErrNotFound) || (err == nil && room.Private())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if private {
		hasMessages, err := s.store.HasMessages(ctx, roomID)
		if err != nil {
			return err
		}
		if !hasMessages {
			r, err := s.createPrivateRoom(ctx, roomID)
			if err != nil {
				return err
			}
			p, err := s.roomPayload(ctx, r)
			if err != nil {
				return err
			}
			s.broadcast(ctx, proto.EventShowRoom, p, nil)
		}
	}

	if err := s.store.SaveMessage(ctx, &store.Message{
		RoomID: roomID,
		From:   msg.From.String(),
		Body:   msg.Message,
		Date:   msg.Date,
	}); err != nil {
		return err
	}

	if private {
		s.broadcast(ctx, proto.EventMessage, msg, func(sc *socketConn) bool { return sc.inRoom(roomID) })
		return nil
	}
	s.broadcast(ctx, proto.EventMessage, msg, nil)
	return nil
}

func (s *Server) createPrivateRoom(ctx context.Context, roomID string) (*store.Room, error) {
	r, err := s.store.EnsureRoom(ctx, roomID, "")
	if err != nil {
		return nil, err
	}
	for _, p := range strings.Split(roomID, ":") {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		if err := s.store.AddMember(ctx, id, roomID); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// broadcast emits event to every connected socket accepted by filter (all
// when filter is nil).
func (s *Server) broadcast(ctx context.Context, event string, data any, filter func(*socketConn) bool) {
	frame, err := proto.EncodeEvent(event, data)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}

	s.mu.Lock()
	targets := make([]*socketConn, 0, len(s.sockets))
	for _, sc := range s.sockets {
		sc.mu.Lock()
		ok := sc.connected
		sc.mu.Unlock()
		if ok && (filter == nil || filter(sc)) {
			targets = append(targets, sc)
		}
	}
	s.mu.Unlock()

	for _, sc := range targets {
		if err := sc.send(ctx, frame); err != nil {
			s.log.Debug().Err(err).Str("sid", sc.sid).Msg("broadcast write")
		}
	}
}

// Emit sends event with data to every connected socket.
func (s *Server) Emit(event string, data any) {
	s.broadcast(context.Background(), event, data, nil)
}

// EmitRaw writes frame verbatim to every connected socket.
func (s *Server) EmitRaw(frame []byte) {
	s.mu.Lock()
	targets := make([]*socketConn, 0, len(s.sockets))
	for _, sc := range s.sockets {
		targets = append(targets, sc)
	}
	s.mu.Unlock()
	for _, sc := range targets {
		_ = sc.send(context.Background(), frame)
	}
}

// Sockets returns the number of sockets that completed the socket.io connect.
func (s *Server) Sockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sc := range s.sockets {
		sc.mu.Lock()
		if sc.connected {
			n++
		}
		sc.mu.Unlock()
	}
	return n
}

// Accepted returns how many websocket sessions were ever accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropSockets closes every socket from the server side.
func (s *Server) DropSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.sockets {
		sc.cancel()
	}
}

// Online reports whether the user with id is marked online.
func (s *Server) Online(id int64) bool {
	return s.isOnline(id)
}

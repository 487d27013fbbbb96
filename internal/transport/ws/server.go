package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/curaline/realtime-service/internal/domain"
	"github.com/curaline/realtime-service/internal/realtime"
)

type Server struct {
	upgrader websocket.Upgrader

	rooms    *realtime.RoomTable
	presence *realtime.Presence
	delivery *realtime.Delivery
	calls    *realtime.CallManager

	pingEvery   time.Duration
	sendTimeout time.Duration
}

func NewServer(rooms *realtime.RoomTable, presence *realtime.Presence, delivery *realtime.Delivery, calls *realtime.CallManager, pingEvery, sendTimeout time.Duration) *Server {
	if pingEvery <= 0 {
		pingEvery = 15 * time.Second
	}
	return &Server{
		rooms:    rooms,
		presence: presence,
		delivery: delivery,
		calls:    calls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingEvery:   pingEvery,
		sendTimeout: sendTimeout,
	}
}

// WS endpoint: GET /ws?access_token=...&user_id=...
// One goroutine per inbound frame is not needed: frames for one connection
// are handled in arrival order, which preserves the per-room ordering
// guarantee for that sender.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("access_token")) == "" {
		http.Error(w, "missing access_token", http.StatusUnauthorized)
		return
	}
	uid, err := strconv.ParseInt(strings.TrimSpace(q.Get("user_id")), 10, 64)
	if err != nil || uid <= 0 {
		http.Error(w, "invalid user_id", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}

	c := newWsConn(conn, uuid.New().String(), uid, s.sendTimeout)
	s.presence.ConnectionOpened(r.Context(), c)

	go s.pingLoop(r.Context(), c)
	s.readLoop(r.Context(), c)

	// Disconnect cleanup: membership purge + registry removal + presence
	// offline fan-out, then call participant cleanup. All idempotent.
	s.presence.ConnectionClosed(r.Context(), c.ID())
	s.calls.DropConnection(r.Context(), uid)

	if err := c.Close(); err != nil {
		slog.Debug("ws close failed", "conn", c.ID(), "user", uid, "err", err)
	}
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.dispatch(ctx, c, f)
	}
}

func (s *Server) pingLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *wsConn, f Frame) {
	switch f.Type {
	case TypeJoinRoom:
		var p RoomRef
		if decode(f.Payload, &p) != nil || p.RoomID == "" {
			s.sendErr(c, "invalid", "bad join_room payload")
			return
		}
		if err := s.rooms.Join(ctx, p.RoomID, c); err != nil {
			s.sendOpErr(c, err)
			return
		}
		// Snapshot for the fresh joiner: who is live, who is typing.
		_ = c.Send(realtime.Event{
			Type: realtime.EventRoomState,
			Payload: realtime.RoomStatePayload{
				RoomID:      p.RoomID,
				OnlineUsers: s.rooms.OnlineUsers(p.RoomID),
				Typing:      s.presence.Typists(p.RoomID),
			},
		})

	case TypeLeaveRoom:
		var p RoomRef
		if decode(f.Payload, &p) == nil && p.RoomID != "" {
			s.rooms.Leave(p.RoomID, c.ID())
		}

	case TypeChat:
		var p ChatIn
		if decode(f.Payload, &p) != nil || p.RoomID == "" {
			s.sendErr(c, "invalid", "bad chat payload")
			return
		}
		if _, err := s.delivery.SendMessage(ctx, p.RoomID, c, p.Text, p.ReplyTo, p.AttachmentRef); err != nil {
			s.sendOpErr(c, err)
		}

	case TypeTyping:
		var p TypingIn
		if decode(f.Payload, &p) == nil && p.RoomID != "" {
			s.presence.SetTyping(p.RoomID, c.UserID(), p.IsTyping)
		}

	case TypeRead:
		var p ReadIn
		if decode(f.Payload, &p) != nil || p.MsgID == "" {
			return
		}
		if err := s.delivery.AcknowledgeRead(ctx, p.MsgID, c.UserID()); err != nil {
			s.sendOpErr(c, err)
		}

	case TypeReaction:
		var p ReactionIn
		if decode(f.Payload, &p) != nil || p.MsgID == "" {
			s.sendErr(c, "invalid", "bad reaction payload")
			return
		}
		var err error
		if p.Remove {
			err = s.delivery.RemoveReaction(ctx, p.MsgID, c.UserID(), p.Emoji)
		} else {
			err = s.delivery.AddReaction(ctx, p.MsgID, c.UserID(), p.Emoji)
		}
		if err != nil {
			s.sendOpErr(c, err)
		}

	case TypeCallInitiate:
		var p CallInitiateIn
		if decode(f.Payload, &p) != nil || p.RoomID == "" {
			s.sendErr(c, "invalid", "bad call_initiate payload")
			return
		}
		call, err := s.calls.Initiate(ctx, p.RoomID, c, domain.CallType(p.CallType))
		if err != nil {
			s.sendOpErr(c, err)
			return
		}
		_ = c.Send(realtime.Event{Type: realtime.EventCallIncoming, Payload: realtime.CallIncomingPayload{
			CallID:      call.ID,
			RoomID:      call.RoomID,
			CallType:    string(call.Type),
			InitiatorID: call.InitiatorID,
		}})

	case TypeCallJoin:
		var p CallRef
		if decode(f.Payload, &p) != nil || p.CallID == "" {
			s.sendErr(c, "invalid", "bad call_join payload")
			return
		}
		token, err := s.calls.Join(ctx, p.CallID, c)
		if err != nil {
			s.sendOpErr(c, err)
			return
		}
		_ = c.Send(realtime.Event{Type: realtime.EventCallToken, Payload: map[string]string{
			"call_id": p.CallID,
			"token":   token,
		}})

	case TypeCallLeave:
		var p CallRef
		if decode(f.Payload, &p) != nil || p.CallID == "" {
			return
		}
		if err := s.calls.Leave(ctx, p.CallID, c.UserID()); err != nil &&
			!errors.Is(err, domain.ErrNotParticipant) {
			s.sendOpErr(c, err)
		}

	case TypeCallEnd:
		var p CallEndIn
		if decode(f.Payload, &p) != nil || p.CallID == "" {
			return
		}
		if err := s.calls.End(ctx, p.CallID, c.UserID(), p.Reason); err != nil {
			s.sendOpErr(c, err)
		}

	case TypeCallReject:
		var p CallRejectIn
		if decode(f.Payload, &p) != nil || p.CallID == "" {
			return
		}
		if err := s.calls.Reject(ctx, p.CallID, c.UserID(), p.Reason); err != nil {
			s.sendOpErr(c, err)
		}

	case TypeCallMedia:
		var p CallMediaIn
		if decode(f.Payload, &p) != nil || p.CallID == "" {
			return
		}
		var err error
		if p.Kind == "audio" {
			err = s.calls.SetAudio(ctx, p.CallID, c.UserID(), p.Enabled)
		} else {
			err = s.calls.SetVideo(ctx, p.CallID, c.UserID(), p.Enabled)
		}
		if err != nil {
			s.sendOpErr(c, err)
		}

	case TypeScreenShare:
		var p ScreenShareIn
		if decode(f.Payload, &p) != nil || p.CallID == "" {
			return
		}
		if err := s.calls.SetScreenShare(ctx, p.CallID, c.UserID(), p.Sharing); err != nil {
			s.sendOpErr(c, err)
		}

	case TypeSignal:
		var p SignalIn
		if decode(f.Payload, &p) != nil || p.CallID == "" || p.ToUserID == 0 {
			return
		}
		if err := s.calls.Signal(p.CallID, c.UserID(), p.ToUserID, p.SignalType, p.Data); err != nil {
			s.sendOpErr(c, err)
		}

	default:
		// ignore
	}
}

// sendOpErr maps a failed operation to a typed error frame for the caller
// only; other participants never learn about it.
func (s *Server) sendOpErr(c *wsConn, err error) {
	switch {
	case errors.Is(err, domain.ErrAccessDenied):
		s.sendErr(c, "access_denied", domain.ErrAccessDenied.Error())
	case errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrCallNotFound),
		errors.Is(err, domain.ErrMessageNotFound):
		s.sendErr(c, "not_found", err.Error())
	case errors.Is(err, domain.ErrCallNotActive):
		s.sendErr(c, "call_not_active", domain.ErrCallNotActive.Error())
	case errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrMessageTooLong):
		s.sendErr(c, "invalid", err.Error())
	default:
		slog.Error("ws operation failed", "conn", c.ID(), "user", c.UserID(), "err", err)
		s.sendErr(c, "unavailable", "operation failed, try again")
	}
}

func (s *Server) sendErr(c *wsConn, code, msg string) {
	if err := c.Send(realtime.Event{
		Type:    realtime.EventError,
		Payload: realtime.ErrorPayload{Code: code, Message: msg},
	}); err != nil {
		slog.Debug("ws error frame failed", "conn", c.ID(), "err", err)
	}
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}

	return json.Unmarshal(raw, dst)
}

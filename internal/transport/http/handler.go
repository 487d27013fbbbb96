package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/curaline/realtime-service/internal/domain"
	"github.com/curaline/realtime-service/internal/postgres"
	"github.com/curaline/realtime-service/internal/realtime"
	httpmw "github.com/curaline/realtime-service/internal/transport/http/middleware"
)

// HistoryStore is the slice of the durable store the read API needs.
type HistoryStore interface {
	ValidateRoomAccess(ctx context.Context, roomID string, userID int64) error
	History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error)
}

type Handler struct {
	rooms    *realtime.RoomTable
	presence *realtime.Presence
	calls    *realtime.CallManager
	store    HistoryStore
}

func NewHandler(rooms *realtime.RoomTable, presence *realtime.Presence, calls *realtime.CallManager, store HistoryStore) *Handler {
	return &Handler{
		rooms:    rooms,
		presence: presence,
		calls:    calls,
		store:    store,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /rooms/{id}/online
func (h *Handler) GetOnlineUsers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !h.authorize(w, r, roomID) {
		return
	}

	writeJSON(w, http.StatusOK, OnlineUsersResponse{
		RoomID: roomID,
		Users:  h.rooms.OnlineUsers(roomID),
	})
}

// GET /rooms/{id}/typing
func (h *Handler) GetTyping(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !h.authorize(w, r, roomID) {
		return
	}

	writeJSON(w, http.StatusOK, TypingResponse{
		RoomID: roomID,
		Users:  h.presence.Typists(roomID),
	})
}

// GET /rooms/{id}/messages?after=&limit=
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !h.authorize(w, r, roomID) {
		return
	}
	after := r.URL.Query().Get("after")
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	items, next, err := h.store.History(r.Context(), roomID, after, limit)
	if err != nil {
		if errors.Is(err, postgres.ErrInvalidCursor) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_cursor"})
			return
		}
		slog.Error("handler.GetChatHistory:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "history unavailable"})
		return
	}
	resp := ChatHistoryResponse{Items: make([]ChatMessageItem, 0, len(items)), NextCursor: next}
	for _, m := range items {
		resp.Items = append(resp.Items, ChatMessageItem{
			ID:            m.ID,
			RoomID:        m.RoomID,
			UserID:        m.UserID,
			Text:          m.Text,
			ReplyTo:       m.ReplyTo,
			AttachmentRef: m.AttachmentRef,
			CreatedAt:     m.CreatedAt.Truncate(time.Millisecond),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /calls/{id}
// The snapshot is room-scoped data; only members of the call's chat room
// may read it.
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	call, parts, err := h.calls.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "call not found"})
		return
	}
	if !h.authorize(w, r, call.RoomID) {
		return
	}

	resp := CallResponse{
		ID:           call.ID,
		RoomID:       call.RoomID,
		Type:         string(call.Type),
		Status:       string(call.Status),
		InitiatorID:  call.InitiatorID,
		StartedAt:    call.StartedAt,
		EndedAt:      call.EndedAt,
		Participants: make([]CallParticipantItem, 0, len(parts)),
	}
	for _, p := range parts {
		resp.Participants = append(resp.Participants, CallParticipantItem{
			UserID:          p.UserID,
			JoinedAt:        p.JoinedAt,
			LeftAt:          p.LeftAt,
			VideoEnabled:    p.VideoEnabled,
			AudioEnabled:    p.AudioEnabled,
			IsScreenSharing: p.IsScreenSharing,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /calls/{id}/recording/start
func (h *Handler) StartRecording(w http.ResponseWriter, r *http.Request) {
	h.recording(w, r, true)
}

// POST /calls/{id}/recording/stop
func (h *Handler) StopRecording(w http.ResponseWriter, r *http.Request) {
	h.recording(w, r, false)
}

func (h *Handler) recording(w http.ResponseWriter, r *http.Request, start bool) {
	callID := chi.URLParam(r, "id")
	userID := httpmw.UserIDFromCtx(r.Context())
	if userID == 0 {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing user id"})
		return
	}

	var err error
	if start {
		err = h.calls.StartRecording(r.Context(), callID, userID)
	} else {
		err = h.calls.StopRecording(r.Context(), callID, userID)
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, domain.ErrCallNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "call not found"})
	case errors.Is(err, domain.ErrCallNotActive):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: domain.ErrCallNotActive.Error()})
	case errors.Is(err, domain.ErrNotParticipant):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: domain.ErrNotParticipant.Error()})
	default:
		slog.Error("handler.recording:", slog.Any("err", err))
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "media gateway unavailable"})
	}
}

// authorize gates a room-scoped read on the durable store's access check.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, roomID string) bool {
	userID := httpmw.UserIDFromCtx(r.Context())
	if userID == 0 {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing user id"})
		return false
	}
	switch err := h.store.ValidateRoomAccess(r.Context(), roomID, userID); {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrRoomNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "room not found"})
	case errors.Is(err, domain.ErrAccessDenied):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: domain.ErrAccessDenied.Error()})
	default:
		slog.Error("handler.authorize:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "access check failed"})
	}
	return false
}

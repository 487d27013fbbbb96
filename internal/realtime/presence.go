package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/curaline/realtime-service/internal/domain"
)

// Presence derives online/offline transitions from registry changes and fans
// them out to interested rooms, and owns the ephemeral typing table.
// Everything here is best-effort and eventually consistent.
type Presence struct {
	registry *Registry
	rooms    *RoomTable
	store    Store

	typingMu  sync.Mutex
	typing    map[string]map[int64]domain.TypingState // roomID -> userID -> state
	typingTTL time.Duration
}

func NewPresence(registry *Registry, rooms *RoomTable, store Store, typingTTL time.Duration) *Presence {
	if typingTTL <= 0 {
		typingTTL = 6 * time.Second
	}
	return &Presence{
		registry:  registry,
		rooms:     rooms,
		store:     store,
		typing:    make(map[string]map[int64]domain.TypingState),
		typingTTL: typingTTL,
	}
}

// ConnectionOpened registers the connection and, on an offline→online
// transition, announces the user to the live members of their rooms.
func (p *Presence) ConnectionOpened(ctx context.Context, c Conn) {
	if wentOnline := p.registry.Register(c); wentOnline {
		p.announce(ctx, c.UserID(), true, nil)
	}
}

// ConnectionClosed runs the disconnect cleanup: membership purge first (so
// peer_left reaches each room), then registry removal, then the offline
// announcement if this was the last connection. Idempotent; a second call
// for the same connection finds nothing to do.
func (p *Presence) ConnectionClosed(ctx context.Context, connID string) {
	liveRooms := p.rooms.RemoveConnectionFromAllRooms(connID)

	userID, wentOffline := p.registry.Unregister(connID)
	if !wentOffline {
		return
	}
	p.clearTyping(liveRooms, userID)
	p.announce(ctx, userID, false, liveRooms)
}

// announce emits a presence event to the members of every room the user
// belongs to: the live rooms just vacated (offline path) plus the rooms the
// durable store knows the user participates in. The store call is
// best-effort and happens outside any lock.
func (p *Presence) announce(ctx context.Context, userID int64, online bool, liveRooms []string) {
	target := make(map[string]struct{}, len(liveRooms))
	for _, roomID := range liveRooms {
		target[roomID] = struct{}{}
	}
	for _, c := range p.registry.ConnectionsFor(userID) {
		for _, roomID := range p.rooms.RoomsForConnection(c.ID()) {
			target[roomID] = struct{}{}
		}
	}
	stored, err := p.store.RoomsForUser(ctx, userID)
	if err != nil {
		slog.Debug("presence: rooms lookup failed", "user", userID, "err", err)
	}
	for _, roomID := range stored {
		target[roomID] = struct{}{}
	}

	payload := PresencePayload{UserID: userID, Online: online}
	if !online {
		if ls := p.registry.LastSeen(userID); !ls.IsZero() {
			payload.LastSeenUnix = ls.Unix()
		}
	}
	ev := Event{Type: EventPresence, Payload: payload}
	for roomID := range target {
		p.rooms.BroadcastExceptUser(roomID, ev, userID)
	}
}

// SetTyping broadcasts the indicator to the other room members immediately.
// Not persisted; the latest update per (room, user) wins. Indicators from
// users without a live membership in the room are dropped.
func (p *Presence) SetTyping(roomID string, userID int64, isTyping bool) {
	if !p.rooms.UserInRoom(roomID, userID) {
		slog.Debug("typing dropped: not a room member", "room", roomID, "user", userID)
		return
	}
	p.typingMu.Lock()
	rt, ok := p.typing[roomID]
	if !ok {
		rt = make(map[int64]domain.TypingState)
		p.typing[roomID] = rt
	}
	rt[userID] = domain.TypingState{
		RoomID:    roomID,
		UserID:    userID,
		IsTyping:  isTyping,
		UpdatedAt: time.Now(),
	}
	p.typingMu.Unlock()

	p.rooms.BroadcastExceptUser(roomID, Event{
		Type:    EventTyping,
		Payload: TypingPayload{RoomID: roomID, UserID: userID, IsTyping: isTyping},
	}, userID)
}

// Typists returns the users currently typing in the room, dropping entries
// older than the staleness window.
func (p *Presence) Typists(roomID string) []int64 {
	cutoff := time.Now().Add(-p.typingTTL)

	p.typingMu.Lock()
	defer p.typingMu.Unlock()

	rt := p.typing[roomID]
	out := make([]int64, 0, len(rt))
	for userID, st := range rt {
		if !st.IsTyping || st.UpdatedAt.Before(cutoff) {
			delete(rt, userID)
			continue
		}
		out = append(out, userID)
	}
	if len(rt) == 0 {
		delete(p.typing, roomID)
	}
	return out
}

func (p *Presence) clearTyping(roomIDs []string, userID int64) {
	p.typingMu.Lock()
	defer p.typingMu.Unlock()
	for _, roomID := range roomIDs {
		if rt, ok := p.typing[roomID]; ok {
			delete(rt, userID)
			if len(rt) == 0 {
				delete(p.typing, roomID)
			}
		}
	}
}

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/curaline/realtime-service/internal/domain"
)

// RoomTable tracks which live connections are subscribed to which rooms.
// Membership is connection-scoped: a user's second device is not a member
// until it joins on its own. Empty room entries are deleted immediately.
type RoomTable struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn     // roomID -> connID -> conn
	byConn map[string]map[string]struct{} // connID -> set of roomID

	store Store
}

func NewRoomTable(store Store) *RoomTable {
	return &RoomTable{
		rooms:  make(map[string]map[string]Conn),
		byConn: make(map[string]map[string]struct{}),
		store:  store,
	}
}

// Join adds a connection to a room after the durable store grants access.
// The access check runs before any mutation; a denial leaves membership
// untouched and broadcasts nothing. Existing members (not the joiner) are
// notified with a peer_joined event.
func (t *RoomTable) Join(ctx context.Context, roomID string, c Conn) error {
	if err := t.store.ValidateRoomAccess(ctx, roomID, c.UserID()); err != nil {
		if errors.Is(err, domain.ErrAccessDenied) || errors.Is(err, domain.ErrRoomNotFound) {
			return err
		}
		return fmt.Errorf("validate room access: %w", err)
	}

	t.Enter(roomID, c)
	return nil
}

// Enter adds the connection without consulting the store. Used for call
// rooms, where the call manager has already validated the participant.
func (t *RoomTable) Enter(roomID string, c Conn) {
	t.mu.Lock()
	rs, ok := t.rooms[roomID]
	if !ok {
		rs = make(map[string]Conn)
		t.rooms[roomID] = rs
	}
	if _, already := rs[c.ID()]; already {
		t.mu.Unlock()
		return // idempotent rejoin, no duplicate broadcast
	}
	rs[c.ID()] = c

	cr, ok := t.byConn[c.ID()]
	if !ok {
		cr = make(map[string]struct{})
		t.byConn[c.ID()] = cr
	}
	cr[roomID] = struct{}{}

	others := othersSnapshot(rs, c.ID())
	t.mu.Unlock()

	deliver(others, Event{
		Type:    EventPeerJoined,
		Payload: PeerEventPayload{RoomID: roomID, UserID: c.UserID(), ConnID: c.ID()},
	})
}

// Leave removes the connection from the room and notifies the remaining
// members. No-op if the connection is not a member.
func (t *RoomTable) Leave(roomID, connID string) {
	t.mu.Lock()
	rs, ok := t.rooms[roomID]
	if !ok {
		t.mu.Unlock()
		return
	}
	c, member := rs[connID]
	if !member {
		t.mu.Unlock()
		return
	}
	delete(rs, connID)
	if len(rs) == 0 {
		delete(t.rooms, roomID)
	}
	if cr, ok := t.byConn[connID]; ok {
		delete(cr, roomID)
		if len(cr) == 0 {
			delete(t.byConn, connID)
		}
	}
	remaining := othersSnapshot(rs, connID)
	t.mu.Unlock()

	deliver(remaining, Event{
		Type:    EventPeerLeft,
		Payload: PeerEventPayload{RoomID: roomID, UserID: c.UserID(), ConnID: connID},
	})
}

// RemoveConnectionFromAllRooms purges a disconnected connection and notifies
// every room it was part of. Idempotent; returns the affected room ids.
func (t *RoomTable) RemoveConnectionFromAllRooms(connID string) []string {
	t.mu.RLock()
	cr := t.byConn[connID]
	roomIDs := make([]string, 0, len(cr))
	for roomID := range cr {
		roomIDs = append(roomIDs, roomID)
	}
	t.mu.RUnlock()

	for _, roomID := range roomIDs {
		t.Leave(roomID, connID)
	}
	return roomIDs
}

func (t *RoomTable) MembersOf(roomID string) []Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rs := t.rooms[roomID]
	out := make([]Conn, 0, len(rs))
	for _, c := range rs {
		out = append(out, c)
	}
	return out
}

func (t *RoomTable) IsMember(roomID, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rooms[roomID][connID]
	return ok
}

// UserInRoom reports whether any of the user's connections is a member.
func (t *RoomTable) UserInRoom(roomID string, userID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.rooms[roomID] {
		if c.UserID() == userID {
			return true
		}
	}
	return false
}

// OnlineUsers returns the distinct users with at least one member connection.
func (t *RoomTable) OnlineUsers(roomID string) []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[int64]struct{})
	out := make([]int64, 0, len(t.rooms[roomID]))
	for _, c := range t.rooms[roomID] {
		if _, dup := seen[c.UserID()]; dup {
			continue
		}
		seen[c.UserID()] = struct{}{}
		out = append(out, c.UserID())
	}
	return out
}

func (t *RoomTable) RoomsForConnection(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cr := t.byConn[connID]
	out := make([]string, 0, len(cr))
	for roomID := range cr {
		out = append(out, roomID)
	}
	return out
}

// RemoveUserFromRoom detaches every connection of the user from the room,
// notifying remaining members per connection.
func (t *RoomTable) RemoveUserFromRoom(roomID string, userID int64) {
	t.mu.RLock()
	var connIDs []string
	for id, c := range t.rooms[roomID] {
		if c.UserID() == userID {
			connIDs = append(connIDs, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range connIDs {
		t.Leave(roomID, id)
	}
}

// Broadcast fans an event out to the room's live members, minus the optional
// excluded connection. Best-effort per recipient.
func (t *RoomTable) Broadcast(roomID string, ev Event, excludeConnID string) {
	t.mu.RLock()
	targets := othersSnapshot(t.rooms[roomID], excludeConnID)
	t.mu.RUnlock()

	deliver(targets, ev)
}

// BroadcastExceptUser fans out to every member connection not owned by the
// given user (the actor already knows its own new state).
func (t *RoomTable) BroadcastExceptUser(roomID string, ev Event, userID int64) {
	t.mu.RLock()
	targets := make([]Conn, 0, len(t.rooms[roomID]))
	for _, c := range t.rooms[roomID] {
		if c.UserID() != userID {
			targets = append(targets, c)
		}
	}
	t.mu.RUnlock()

	deliver(targets, ev)
}

func othersSnapshot(rs map[string]Conn, excludeConnID string) []Conn {
	out := make([]Conn, 0, len(rs))
	for id, c := range rs {
		if id == excludeConnID {
			continue
		}
		out = append(out, c)
	}
	return out
}

// deliver pushes an event to each connection, isolating per-recipient
// failures: one stale connection never aborts delivery to the rest.
func deliver(targets []Conn, ev Event) {
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			slog.Debug("event delivery failed",
				"conn", c.ID(), "user", c.UserID(), "event", ev.Type, "err", err)
		}
	}
}

package realtime

import (
	"sync"
	"time"
)

// Registry maps users to their live connections. It is the source of truth
// for "is this user reachable right now". All operations are total: unknown
// ids are no-ops, duplicate registration overwrites (last writer wins).
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]Conn           // connID -> conn
	byUser   map[int64]map[string]Conn // userID -> connID -> conn
	lastSeen map[int64]time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]Conn),
		byUser:   make(map[int64]map[string]Conn),
		lastSeen: make(map[int64]time.Time),
	}
}

// Register records a live connection. Returns true if this brought the user
// online (first connection).
func (r *Registry) Register(c Conn) (wentOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uid := c.UserID()
	// A conn id reused by a different user must not leave the previous
	// owner's entry dangling, or that user looks online forever.
	if old, ok := r.conns[c.ID()]; ok && old.UserID() != uid {
		r.detachLocked(old.UserID(), c.ID())
	}
	us, ok := r.byUser[uid]
	if !ok {
		us = make(map[string]Conn)
		r.byUser[uid] = us
	}
	wentOnline = len(us) == 0

	r.conns[c.ID()] = c
	us[c.ID()] = c
	return wentOnline
}

// Unregister removes a connection. Safe for unknown ids (disconnect races
// are expected). Returns the owning user and whether this was the user's
// last connection; on last removal the user's last-seen is recorded.
func (r *Registry) Unregister(connID string) (userID int64, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return 0, false
	}
	delete(r.conns, connID)

	userID = c.UserID()
	wentOffline = r.detachLocked(userID, connID)
	return userID, wentOffline
}

// detachLocked removes one connection from the user's set and records
// last-seen on the user's final removal. Caller holds mu.
func (r *Registry) detachLocked(userID int64, connID string) (wentOffline bool) {
	us, ok := r.byUser[userID]
	if !ok {
		return false
	}
	delete(us, connID)
	if len(us) == 0 {
		delete(r.byUser, userID)
		r.lastSeen[userID] = time.Now()
		wentOffline = true
	}
	return wentOffline
}

func (r *Registry) ConnectionsFor(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	us := r.byUser[userID]
	out := make([]Conn, 0, len(us))
	for _, c := range us {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// LastSeen returns the user's last-seen timestamp. The zero time means the
// user was never seen going offline by this instance.
func (r *Registry) LastSeen(userID int64) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeen[userID]
}

func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

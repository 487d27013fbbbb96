package domain

import "time"

type Presence struct {
	UserID   int64
	Online   bool
	LastSeen time.Time
}

// TypingState is ephemeral, last-writer-wins per (room, user).
// Entries older than the staleness window are treated as "not typing".
type TypingState struct {
	RoomID    string
	UserID    int64
	IsTyping  bool
	UpdatedAt time.Time
}

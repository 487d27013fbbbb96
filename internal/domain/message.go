package domain

import "time"

type ChatMessage struct {
	ID            string    `db:"id"`
	RoomID        string    `db:"room_id"`
	UserID        int64     `db:"user_id"`
	Text          string    `db:"text"`
	ReplyTo       *string   `db:"reply_to"`
	AttachmentRef *string   `db:"attachment_ref"`
	CreatedAt     time.Time `db:"created_at"`
}

// ReadReceipt accumulates read acknowledgments for one message.
// Content lives in the durable store; this is coordination state only.
type ReadReceipt struct {
	MessageID string
	RoomID    string
	Readers   map[int64]time.Time // userID -> read at
	UpdatedAt time.Time
}

// Reaction is the canonical per-user reaction to a message as the
// durable store reports it back after a mutation.
type Reaction struct {
	MessageID string    `db:"message_id"`
	UserID    int64     `db:"user_id"`
	Emoji     string    `db:"emoji"`
	CreatedAt time.Time `db:"created_at"`
}

package domain

import "time"

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallActive    CallStatus = "active"
	CallEnded     CallStatus = "ended"
	CallRejected  CallStatus = "rejected"
)

// Terminal reports whether the status accepts no further transitions.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallRejected
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallSession struct {
	ID          string
	RoomID      string // underlying chat room the call was started from
	Type        CallType
	Status      CallStatus
	InitiatorID int64
	StartedAt   time.Time
	EndedAt     *time.Time
}

type CallParticipant struct {
	CallID          string
	UserID          int64
	JoinedAt        time.Time
	LeftAt          *time.Time
	VideoEnabled    bool
	AudioEnabled    bool
	IsScreenSharing bool
}

// CallEvent is the diagnostic log entry emitted on every state change.
// It always carries the acting user's id.
type CallEvent struct {
	CallID    string    `db:"call_id"`
	RoomID    string    `db:"room_id"`
	UserID    int64     `db:"user_id"`
	Kind      string    `db:"kind"` // initiated|joined|left|rejected|ended|media|screen_share
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

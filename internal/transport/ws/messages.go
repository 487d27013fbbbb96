package ws

import "encoding/json"

// Inbound frame types accepted from clients. Outbound frames are
// realtime.Event values written as-is.
const (
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeChat         = "chat"
	TypeTyping       = "typing"
	TypeRead         = "read"
	TypeReaction     = "reaction"
	TypeCallInitiate = "call_initiate"
	TypeCallJoin     = "call_join"
	TypeCallLeave    = "call_leave"
	TypeCallEnd      = "call_end"
	TypeCallReject   = "call_reject"
	TypeCallMedia    = "call_media"
	TypeScreenShare  = "screen_share"
	TypeSignal       = "signal"
)

type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RoomRef struct {
	RoomID string `json:"room_id"`
}

type ChatIn struct {
	RoomID        string  `json:"room_id"`
	Text          string  `json:"text"`
	ReplyTo       *string `json:"reply_to,omitempty"`
	AttachmentRef *string `json:"attachment_ref,omitempty"`
}

type TypingIn struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// The room a read or reaction lands in is resolved server-side from the
// message id; clients do not name it.
type ReadIn struct {
	MsgID string `json:"msg_id"`
}

type ReactionIn struct {
	MsgID  string `json:"msg_id"`
	Emoji  string `json:"emoji"`
	Remove bool   `json:"remove,omitempty"`
}

type CallInitiateIn struct {
	RoomID   string `json:"room_id"`
	CallType string `json:"call_type"` // audio|video
}

type CallRef struct {
	CallID string `json:"call_id"`
}

type CallRejectIn struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type CallEndIn struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type CallMediaIn struct {
	CallID  string `json:"call_id"`
	Kind    string `json:"kind"` // audio|video
	Enabled bool   `json:"enabled"`
}

type ScreenShareIn struct {
	CallID  string `json:"call_id"`
	Sharing bool   `json:"sharing"`
}

type SignalIn struct {
	CallID     string          `json:"call_id"`
	ToUserID   int64           `json:"to_user_id"`
	SignalType string          `json:"signal_type"`
	Data       json.RawMessage `json:"data,omitempty"`
}

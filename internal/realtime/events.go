package realtime

import "encoding/json"

// Event types pushed to clients.
const (
	EventRoomState       = "room_state"        // snapshot for a fresh joiner
	EventPeerJoined      = "peer_joined"       // connection joined a room
	EventPeerLeft        = "peer_left"         // connection left a room
	EventPresence        = "presence"          // user online/offline transition
	EventTyping          = "typing"            // typing indicator
	EventChat            = "chat"              // chat message
	EventChatAck         = "chat_ack"          // delivery ack (sender only, NOT a message)
	EventRead            = "read"              // read receipt
	EventReaction        = "reaction"          // canonical reaction state after a mutation
	EventCallIncoming    = "call_incoming"     // you are being called
	EventCallToken       = "call_token"        // media token for the joiner
	EventCallPeerJoined  = "call_peer_joined"  // participant joined the call
	EventCallPeerLeft    = "call_peer_left"    // participant left the call
	EventCallMedia       = "call_media"        // participant toggled audio/video
	EventCallScreenShare = "call_screen_share" // participant started/stopped sharing
	EventCallEnded       = "call_ended"
	EventCallRejected    = "call_rejected"
	EventSignal          = "signal" // opaque media-negotiation relay
	EventError           = "error"
)

type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type RoomStatePayload struct {
	RoomID      string  `json:"room_id"`
	OnlineUsers []int64 `json:"online_users"`
	Typing      []int64 `json:"typing,omitempty"`
}

type PeerEventPayload struct {
	RoomID string `json:"room_id"`
	UserID int64  `json:"user_id"`
	ConnID string `json:"conn_id"`
}

type PresencePayload struct {
	UserID       int64 `json:"user_id"`
	Online       bool  `json:"online"`
	LastSeenUnix int64 `json:"last_seen_unix,omitempty"`
}

type TypingPayload struct {
	RoomID   string `json:"room_id"`
	UserID   int64  `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type ChatPayload struct {
	RoomID        string  `json:"room_id"`
	UserID        int64   `json:"user_id"`
	MsgID         string  `json:"msg_id"`
	Text          string  `json:"text"`
	ReplyTo       *string `json:"reply_to,omitempty"`
	AttachmentRef *string `json:"attachment_ref,omitempty"`
	TSUnix        int64   `json:"ts_unix"`
}

// ChatAckPayload lets the sender clear its pending state and dedupe.
type ChatAckPayload struct {
	MsgID  string `json:"msg_id"`
	TSUnix int64  `json:"ts_unix"`
}

type ReadPayload struct {
	RoomID string `json:"room_id"`
	MsgID  string `json:"msg_id"`
	UserID int64  `json:"user_id"`
}

type ReactionItem struct {
	UserID int64  `json:"user_id"`
	Emoji  string `json:"emoji"`
}

type ReactionPayload struct {
	RoomID    string         `json:"room_id"`
	MsgID     string         `json:"msg_id"`
	UserID    int64          `json:"user_id"`
	Emoji     string         `json:"emoji"`
	Removed   bool           `json:"removed,omitempty"`
	Reactions []ReactionItem `json:"reactions"`
}

type CallIncomingPayload struct {
	CallID      string `json:"call_id"`
	RoomID      string `json:"room_id"`
	CallType    string `json:"call_type"`
	InitiatorID int64  `json:"initiator_id"`
}

type CallPeerPayload struct {
	CallID string `json:"call_id"`
	UserID int64  `json:"user_id"`
}

type CallMediaPayload struct {
	CallID  string `json:"call_id"`
	UserID  int64  `json:"user_id"`
	Kind    string `json:"kind"` // audio|video
	Enabled bool   `json:"enabled"`
}

type ScreenSharePayload struct {
	CallID  string `json:"call_id"`
	UserID  int64  `json:"user_id"`
	Sharing bool   `json:"sharing"`
}

type CallEndedPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type CallRejectedPayload struct {
	CallID string `json:"call_id"`
	UserID int64  `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type SignalPayload struct {
	CallID     string          `json:"call_id"`
	FromUserID int64           `json:"from_user_id"`
	SignalType string          `json:"signal_type"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

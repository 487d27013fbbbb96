package http

import "time"

type ErrorResponse struct {
	Error string `json:"error"`
}

type OnlineUsersResponse struct {
	RoomID string  `json:"room_id"`
	Users  []int64 `json:"users"`
}

type TypingResponse struct {
	RoomID string  `json:"room_id"`
	Users  []int64 `json:"users"`
}

type ChatMessageItem struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"room_id"`
	UserID        int64     `json:"user_id"`
	Text          string    `json:"text"`
	ReplyTo       *string   `json:"reply_to,omitempty"`
	AttachmentRef *string   `json:"attachment_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ChatHistoryResponse struct {
	Items      []ChatMessageItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type CallParticipantItem struct {
	UserID          int64      `json:"user_id"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	VideoEnabled    bool       `json:"video_enabled"`
	AudioEnabled    bool       `json:"audio_enabled"`
	IsScreenSharing bool       `json:"is_screen_sharing"`
}

type CallResponse struct {
	ID           string                `json:"id"`
	RoomID       string                `json:"room_id"`
	Type         string                `json:"type"`
	Status       string                `json:"status"`
	InitiatorID  int64                 `json:"initiator_id"`
	StartedAt    time.Time             `json:"started_at"`
	EndedAt      *time.Time            `json:"ended_at,omitempty"`
	Participants []CallParticipantItem `json:"participants"`
}

package domain

import "errors"

var (
	ErrAccessDenied    = errors.New("you don't have access to this room")
	ErrRoomNotFound    = errors.New("room not found")
	ErrCallNotFound    = errors.New("call not found")
	ErrCallNotActive   = errors.New("call is not active")
	ErrNotParticipant  = errors.New("user is not a call participant")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyMessage    = errors.New("empty message")
	ErrMessageTooLong  = errors.New("message too long")
)

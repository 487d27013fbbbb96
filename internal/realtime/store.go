package realtime

import (
	"context"
	"time"

	"github.com/curaline/realtime-service/internal/domain"
)

// Store is the durable-store collaborator. Access checks gate mutations
// (validate-then-mutate); persistence of receipts and call events is
// fire-and-forget (mutate-then-persist-async). Implementations must return
// domain.ErrAccessDenied for denials so transports can map it.
type Store interface {
	ValidateRoomAccess(ctx context.Context, roomID string, userID int64) error
	RoomsForUser(ctx context.Context, userID int64) ([]string, error)
	RoomMemberIDs(ctx context.Context, roomID string) ([]int64, error)

	// SaveMessage returns the canonical record (id, created_at assigned by
	// the store), so the coordinator never introspects an opaque result.
	SaveMessage(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error)

	// MessageRoom resolves the room a message belongs to. Read receipts and
	// reactions are gated on this canonical room id; a caller-supplied room
	// id is never trusted.
	MessageRoom(ctx context.Context, msgID string) (string, error)

	// Reaction mutations return the message's full canonical reaction set.
	AddReaction(ctx context.Context, msgID string, userID int64, emoji string) ([]domain.Reaction, error)
	RemoveReaction(ctx context.Context, msgID string, userID int64, emoji string) ([]domain.Reaction, error)
	ListReactions(ctx context.Context, msgID string) ([]domain.Reaction, error)

	SaveReadReceipt(ctx context.Context, msgID string, userID int64, readAt time.Time) error
	SaveCallEvent(ctx context.Context, ev domain.CallEvent) error
}

// OfflineNotifier hands an event to the push/email pipeline when the target
// has no live connection. Fire-and-forget.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, userID int64, ev Event) error
}

// MediaGateway is the third-party video backend, keyed by call id.
// Payloads are opaque to this core.
type MediaGateway interface {
	CreateMediaSession(ctx context.Context, callID string, kind domain.CallType) error
	GenerateMediaToken(ctx context.Context, callID string, userID int64) (string, error)
	StartRecording(ctx context.Context, callID string) error
	StopRecording(ctx context.Context, callID string) error
}

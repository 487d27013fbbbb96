package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/curaline/realtime-service/internal/domain"
)

const maxMessageLen = 4000

// Delivery coordinates outbound fan-out for chat traffic: room broadcast,
// per-user multi-device push, read receipts and reactions. Persistence goes
// through the store collaborator; broadcasts happen only after the store has
// produced the canonical record.
type Delivery struct {
	registry *Registry
	rooms    *RoomTable
	store    Store

	receiptMu  sync.Mutex
	receipts   map[string]*domain.ReadReceipt // messageID -> receipt
	receiptTTL time.Duration
	receiptCap int
}

func NewDelivery(registry *Registry, rooms *RoomTable, store Store) *Delivery {
	return &Delivery{
		registry:   registry,
		rooms:      rooms,
		store:      store,
		receipts:   make(map[string]*domain.ReadReceipt),
		receiptTTL: time.Hour,
		receiptCap: 4096,
	}
}

// SendToRoom pushes an event to every live member connection, minus the
// optionally excluded one. Per-recipient failures are logged, not returned.
func (d *Delivery) SendToRoom(roomID string, ev Event, excludeConnID string) {
	d.rooms.Broadcast(roomID, ev, excludeConnID)
}

// SendToUser pushes to every live connection of the user (multi-device).
// Returns false when the user has no connections; the caller decides whether
// to fall back to the offline notification dispatcher.
func (d *Delivery) SendToUser(userID int64, ev Event) bool {
	conns := d.registry.ConnectionsFor(userID)
	if len(conns) == 0 {
		slog.Debug("send to user skipped: no live connections", "user", userID, "event", ev.Type)
		return false
	}
	deliver(conns, ev)
	return true
}

// SendMessage persists the message through the store and, on success,
// broadcasts it to the whole room and acks the sending connection. The
// sender must be a live member of the room.
func (d *Delivery) SendMessage(ctx context.Context, roomID string, sender Conn, text string, replyTo, attachmentRef *string) (*domain.ChatMessage, error) {
	if !d.rooms.IsMember(roomID, sender.ID()) {
		return nil, domain.ErrAccessDenied
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyMessage
	}
	if len(text) > maxMessageLen {
		return nil, domain.ErrMessageTooLong
	}

	msg, err := d.store.SaveMessage(ctx, &domain.ChatMessage{
		RoomID:        roomID,
		UserID:        sender.UserID(),
		Text:          text,
		ReplyTo:       replyTo,
		AttachmentRef: attachmentRef,
	})
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	// One broadcast to everyone, sender included; the sender additionally
	// gets a lightweight ack to clear its pending state.
	d.rooms.Broadcast(roomID, Event{
		Type: EventChat,
		Payload: ChatPayload{
			RoomID:        msg.RoomID,
			UserID:        msg.UserID,
			MsgID:         msg.ID,
			Text:          msg.Text,
			ReplyTo:       msg.ReplyTo,
			AttachmentRef: msg.AttachmentRef,
			TSUnix:        msg.CreatedAt.Unix(),
		},
	}, "")
	if err := sender.Send(Event{
		Type:    EventChatAck,
		Payload: ChatAckPayload{MsgID: msg.ID, TSUnix: msg.CreatedAt.Unix()},
	}); err != nil {
		slog.Debug("chat ack failed", "conn", sender.ID(), "err", err)
	}
	return msg, nil
}

// AcknowledgeRead resolves the message's room from the store, checks the
// reader's access to it, records the reader in the in-memory receipt,
// broadcasts the read event to the room, and persists asynchronously. A
// store failure during persistence is logged only; the in-memory state is
// not rolled back.
func (d *Delivery) AcknowledgeRead(ctx context.Context, msgID string, userID int64) error {
	roomID, err := d.roomOfMessage(ctx, msgID, userID)
	if err != nil {
		return err
	}
	now := time.Now()

	d.receiptMu.Lock()
	rc, ok := d.receipts[msgID]
	if !ok {
		rc = &domain.ReadReceipt{MessageID: msgID, RoomID: roomID, Readers: make(map[int64]time.Time)}
		d.receipts[msgID] = rc
	}
	rc.Readers[userID] = now
	rc.UpdatedAt = now
	if len(d.receipts) > d.receiptCap {
		d.evictStaleReceipts(now)
	}
	d.receiptMu.Unlock()

	d.rooms.Broadcast(roomID, Event{
		Type:    EventRead,
		Payload: ReadPayload{RoomID: roomID, MsgID: msgID, UserID: userID},
	}, "")

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.store.SaveReadReceipt(ctx, msgID, userID, now); err != nil {
			slog.Warn("persist read receipt failed", "msg", msgID, "user", userID, "err", err)
		}
	}()
	return nil
}

// roomOfMessage maps a message to its canonical room and checks the user's
// access to that room. The room id never comes from the client.
func (d *Delivery) roomOfMessage(ctx context.Context, msgID string, userID int64) (string, error) {
	roomID, err := d.store.MessageRoom(ctx, msgID)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return "", err
		}
		return "", fmt.Errorf("resolve message room: %w", err)
	}
	if err := d.store.ValidateRoomAccess(ctx, roomID, userID); err != nil {
		if errors.Is(err, domain.ErrAccessDenied) || errors.Is(err, domain.ErrRoomNotFound) {
			return "", err
		}
		return "", fmt.Errorf("validate room access: %w", err)
	}
	return roomID, nil
}

// evictStaleReceipts drops receipts idle past the TTL. Caller holds
// receiptMu. The durable store keeps the authoritative reads.
func (d *Delivery) evictStaleReceipts(now time.Time) {
	for id, rc := range d.receipts {
		if now.Sub(rc.UpdatedAt) > d.receiptTTL {
			delete(d.receipts, id)
		}
	}
}

// Readers returns who has acknowledged the message so far.
func (d *Delivery) Readers(msgID string) []int64 {
	d.receiptMu.Lock()
	defer d.receiptMu.Unlock()

	rc, ok := d.receipts[msgID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(rc.Readers))
	for userID := range rc.Readers {
		out = append(out, userID)
	}
	return out
}

// AddReaction resolves the message's room, checks the reactor's access,
// mutates through the store (it returns the canonical reaction state or an
// error) and broadcasts only on success.
func (d *Delivery) AddReaction(ctx context.Context, msgID string, userID int64, emoji string) error {
	roomID, err := d.roomOfMessage(ctx, msgID, userID)
	if err != nil {
		return err
	}
	reactions, err := d.store.AddReaction(ctx, msgID, userID, emoji)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return err
		}
		return fmt.Errorf("add reaction: %w", err)
	}
	d.broadcastReaction(roomID, msgID, userID, emoji, false, reactions)
	return nil
}

func (d *Delivery) RemoveReaction(ctx context.Context, msgID string, userID int64, emoji string) error {
	roomID, err := d.roomOfMessage(ctx, msgID, userID)
	if err != nil {
		return err
	}
	reactions, err := d.store.RemoveReaction(ctx, msgID, userID, emoji)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return err
		}
		return fmt.Errorf("remove reaction: %w", err)
	}
	d.broadcastReaction(roomID, msgID, userID, emoji, true, reactions)
	return nil
}

func (d *Delivery) Reactions(ctx context.Context, msgID string) ([]domain.Reaction, error) {
	return d.store.ListReactions(ctx, msgID)
}

func (d *Delivery) broadcastReaction(roomID, msgID string, userID int64, emoji string, removed bool, reactions []domain.Reaction) {
	items := make([]ReactionItem, 0, len(reactions))
	for _, r := range reactions {
		items = append(items, ReactionItem{UserID: r.UserID, Emoji: r.Emoji})
	}
	d.rooms.Broadcast(roomID, Event{
		Type: EventReaction,
		Payload: ReactionPayload{
			RoomID:    roomID,
			MsgID:     msgID,
			UserID:    userID,
			Emoji:     emoji,
			Removed:   removed,
			Reactions: items,
		},
	}, "")
}

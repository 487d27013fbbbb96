package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/curaline/realtime-service/internal/domain"
)

// Store is the pgx-backed durable store behind the realtime core: access
// checks against persisted room membership, message/reaction/receipt
// persistence, and the call event log.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ValidateRoomAccess(ctx context.Context, roomID string, userID int64) error {
	var roomExists, isMember bool
	err := s.db.QueryRow(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM rooms WHERE id=$1),
			EXISTS(SELECT 1 FROM room_participants WHERE room_id=$1 AND user_id=$2)
	`, roomID, userID).Scan(&roomExists, &isMember)
	if err != nil {
		return fmt.Errorf("validate access: %w", err)
	}
	if !roomExists {
		return domain.ErrRoomNotFound
	}
	if !isMember {
		return domain.ErrAccessDenied
	}
	return nil
}

func (s *Store) RoomsForUser(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT room_id FROM room_participants WHERE user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}

func (s *Store) RoomMemberIDs(ctx context.Context, roomID string) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id FROM room_participants WHERE room_id=$1 ORDER BY joined_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

func (s *Store) SaveMessage(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO room_messages (room_id, user_id, text, reply_to, attachment_ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, room_id, user_id, text, reply_to, attachment_ref, created_at
	`, msg.RoomID, msg.UserID, msg.Text, msg.ReplyTo, msg.AttachmentRef)

	var out domain.ChatMessage
	if err := row.Scan(&out.ID, &out.RoomID, &out.UserID, &out.Text, &out.ReplyTo, &out.AttachmentRef, &out.CreatedAt); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns room messages with keyset pagination (created_at,id DESC).
func (s *Store) History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	cur, err := DecodeCursor(after)
	if err != nil {
		return nil, "", err
	}

	const q = `
		SELECT id, room_id, user_id, text, reply_to, attachment_ref, created_at
		FROM room_messages
		WHERE room_id = $1
		  AND (
		    $2::timestamptz IS NULL
		    OR created_at < $2
		    OR (created_at = $2 AND id < $3)
		  )
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`
	var (
		curTS *time.Time
		curID string
	)
	if cur != nil {
		curTS = &cur.CreatedAt
		curID = cur.ID
	}
	rows, err := s.db.Query(ctx, q, roomID, curTS, curID, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var items []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Text, &m.ReplyTo, &m.AttachmentRef, &m.CreatedAt); err != nil {
			return nil, "", err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next, err = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return nil, "", err
		}
	}
	return items, next, nil
}

func (s *Store) MessageRoom(ctx context.Context, msgID string) (string, error) {
	var roomID string
	err := s.db.QueryRow(ctx,
		`SELECT room_id FROM room_messages WHERE id=$1`, msgID).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrMessageNotFound
	}
	if err != nil {
		return "", err
	}
	return roomID, nil
}

func (s *Store) AddReaction(ctx context.Context, msgID string, userID int64, emoji string) ([]domain.Reaction, error) {
	if err := s.requireMessage(ctx, msgID); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, msgID, userID, emoji); err != nil {
		return nil, err
	}
	return s.ListReactions(ctx, msgID)
}

func (s *Store) RemoveReaction(ctx context.Context, msgID string, userID int64, emoji string) ([]domain.Reaction, error) {
	if err := s.requireMessage(ctx, msgID); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3`,
		msgID, userID, emoji); err != nil {
		return nil, err
	}
	return s.ListReactions(ctx, msgID)
}

func (s *Store) ListReactions(ctx context.Context, msgID string) ([]domain.Reaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id=$1
		ORDER BY created_at ASC
	`, msgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reaction
	for rows.Next() {
		var r domain.Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveReadReceipt(ctx context.Context, msgID string, userID int64, readAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = EXCLUDED.read_at
	`, msgID, userID, readAt)
	return err
}

func (s *Store) SaveCallEvent(ctx context.Context, ev domain.CallEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_events (call_id, room_id, user_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.CallID, ev.RoomID, ev.UserID, ev.Kind, ev.Detail, ev.CreatedAt)
	return err
}

func (s *Store) requireMessage(ctx context.Context, msgID string) error {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_messages WHERE id=$1)`, msgID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrMessageNotFound
	}
	return nil
}

package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/curaline/realtime-service/internal/domain"
)

// fakeConn records every event pushed to it.
type fakeConn struct {
	id     string
	userID int64

	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func newFakeConn(id string, userID int64) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) UserID() int64 { return c.userID }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection gone")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) recorded() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) countOf(eventType string) int {
	n := 0
	for _, ev := range c.recorded() {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (c *fakeConn) lastOf(eventType string) (Event, bool) {
	evs := c.recorded()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == eventType {
			return evs[i], true
		}
	}
	return Event{}, false
}

// fakeStore is an in-memory durable store.
type fakeStore struct {
	mu sync.Mutex

	// roomID -> member user ids; absent room means ErrRoomNotFound
	access map[string][]int64

	messages    map[string]domain.ChatMessage
	reactions   map[string][]domain.Reaction
	reads       map[string]map[int64]time.Time
	callEvents  []domain.CallEvent
	saveMsgErr  error
	reactionErr error
	accessErr   error
	nextMsgID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		access:    make(map[string][]int64),
		messages:  make(map[string]domain.ChatMessage),
		reactions: make(map[string][]domain.Reaction),
		reads:     make(map[string]map[int64]time.Time),
	}
}

func (s *fakeStore) grant(roomID string, userIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[roomID] = append(s.access[roomID], userIDs...)
}

func (s *fakeStore) addMessage(msgID, roomID string, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msgID] = domain.ChatMessage{ID: msgID, RoomID: roomID, UserID: userID}
}

func (s *fakeStore) ValidateRoomAccess(_ context.Context, roomID string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessErr != nil {
		return s.accessErr
	}
	members, ok := s.access[roomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	for _, id := range members {
		if id == userID {
			return nil
		}
	}
	return domain.ErrAccessDenied
}

func (s *fakeStore) RoomsForUser(_ context.Context, userID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for roomID, members := range s.access {
		for _, id := range members {
			if id == userID {
				out = append(out, roomID)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) RoomMemberIDs(_ context.Context, roomID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.access[roomID]...), nil
}

func (s *fakeStore) SaveMessage(_ context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveMsgErr != nil {
		return nil, s.saveMsgErr
	}
	s.nextMsgID++
	out := *msg
	out.ID = fmt.Sprintf("msg-%d", s.nextMsgID)
	out.CreatedAt = time.Now()
	s.messages[out.ID] = out
	return &out, nil
}

func (s *fakeStore) MessageRoom(_ context.Context, msgID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgID]
	if !ok {
		return "", domain.ErrMessageNotFound
	}
	return m.RoomID, nil
}

func (s *fakeStore) AddReaction(_ context.Context, msgID string, userID int64, emoji string) ([]domain.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactionErr != nil {
		return nil, s.reactionErr
	}
	if _, ok := s.messages[msgID]; !ok {
		return nil, domain.ErrMessageNotFound
	}
	for _, r := range s.reactions[msgID] {
		if r.UserID == userID && r.Emoji == emoji {
			return append([]domain.Reaction(nil), s.reactions[msgID]...), nil
		}
	}
	s.reactions[msgID] = append(s.reactions[msgID], domain.Reaction{
		MessageID: msgID, UserID: userID, Emoji: emoji, CreatedAt: time.Now(),
	})
	return append([]domain.Reaction(nil), s.reactions[msgID]...), nil
}

func (s *fakeStore) RemoveReaction(_ context.Context, msgID string, userID int64, emoji string) ([]domain.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactionErr != nil {
		return nil, s.reactionErr
	}
	if _, ok := s.messages[msgID]; !ok {
		return nil, domain.ErrMessageNotFound
	}
	kept := s.reactions[msgID][:0]
	for _, r := range s.reactions[msgID] {
		if !(r.UserID == userID && r.Emoji == emoji) {
			kept = append(kept, r)
		}
	}
	s.reactions[msgID] = kept
	return append([]domain.Reaction(nil), kept...), nil
}

func (s *fakeStore) ListReactions(_ context.Context, msgID string) ([]domain.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Reaction(nil), s.reactions[msgID]...), nil
}

func (s *fakeStore) SaveReadReceipt(_ context.Context, msgID string, userID int64, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reads[msgID] == nil {
		s.reads[msgID] = make(map[int64]time.Time)
	}
	s.reads[msgID][userID] = readAt
	return nil
}

func (s *fakeStore) SaveCallEvent(_ context.Context, ev domain.CallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callEvents = append(s.callEvents, ev)
	return nil
}

// waitCallEvent polls for an async call event of the given kind.
func (s *fakeStore) waitCallEvent(kind string, timeout time.Duration) (domain.CallEvent, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ev := range s.callEvents {
			if ev.Kind == kind {
				s.mu.Unlock()
				return ev, true
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return domain.CallEvent{}, false
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []int64
}

func (n *fakeNotifier) NotifyOffline(_ context.Context, userID int64, _ Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, userID)
	return nil
}

func (n *fakeNotifier) waitNotified(userID int64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		for _, id := range n.notified {
			if id == userID {
				n.mu.Unlock()
				return true
			}
		}
		n.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

type fakeMedia struct {
	mu         sync.Mutex
	sessions   []string
	tokens     []string
	recordings map[string]bool
	createErr  error
	tokenErr   error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{recordings: make(map[string]bool)}
}

func (m *fakeMedia) CreateMediaSession(_ context.Context, callID string, _ domain.CallType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.sessions = append(m.sessions, callID)
	return nil
}

func (m *fakeMedia) GenerateMediaToken(_ context.Context, callID string, userID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokenErr != nil {
		return "", m.tokenErr
	}
	tok := fmt.Sprintf("token-%s-%d", callID, userID)
	m.tokens = append(m.tokens, tok)
	return tok, nil
}

func (m *fakeMedia) StartRecording(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordings[callID] = true
	return nil
}

func (m *fakeMedia) StopRecording(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordings[callID] = false
	return nil
}

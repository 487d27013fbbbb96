package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curaline/realtime-service/internal/domain"
)

// CallManager owns the call lifecycle state machine:
//
//	Initiated -> Ringing -> Active -> Ended
//	             Ringing -> Rejected
//
// Ended and Rejected are terminal; any late operation fails with
// domain.ErrCallNotActive. Each call owns a dedicated fan-out room
// ("call:<id>") in the shared RoomTable, so delivery and presence reuse the
// same membership machinery as chat rooms.
type CallManager struct {
	registry *Registry
	rooms    *RoomTable
	store    Store
	notifier OfflineNotifier
	media    MediaGateway

	ringTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*callSession
}

type callSession struct {
	mu           sync.Mutex
	call         domain.CallSession
	participants map[int64]*domain.CallParticipant
	ringTimer    *time.Timer
}

func NewCallManager(registry *Registry, rooms *RoomTable, store Store, notifier OfflineNotifier, media MediaGateway, ringTimeout time.Duration) *CallManager {
	if ringTimeout <= 0 {
		ringTimeout = 45 * time.Second
	}
	return &CallManager{
		registry:    registry,
		rooms:       rooms,
		store:       store,
		notifier:    notifier,
		media:       media,
		ringTimeout: ringTimeout,
		sessions:    make(map[string]*callSession),
	}
}

// CallRoomID is the fan-out room backing a call session.
func CallRoomID(callID string) string {
	return "call:" + callID
}

// Initiate starts a call from a chat room: access check, media session
// creation, then ring every other room participant. Invitees without a live
// connection are handed to the offline notifier.
func (m *CallManager) Initiate(ctx context.Context, roomID string, initiator Conn, kind domain.CallType) (*domain.CallSession, error) {
	if err := m.store.ValidateRoomAccess(ctx, roomID, initiator.UserID()); err != nil {
		if errors.Is(err, domain.ErrAccessDenied) || errors.Is(err, domain.ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("validate room access: %w", err)
	}
	if kind != domain.CallAudio {
		kind = domain.CallVideo
	}

	callID := uuid.New().String()
	if err := m.media.CreateMediaSession(ctx, callID, kind); err != nil {
		return nil, fmt.Errorf("create media session: %w", err)
	}

	s := &callSession{
		call: domain.CallSession{
			ID:          callID,
			RoomID:      roomID,
			Type:        kind,
			Status:      domain.CallInitiated,
			InitiatorID: initiator.UserID(),
			StartedAt:   time.Now(),
		},
		participants: make(map[int64]*domain.CallParticipant),
	}

	m.mu.Lock()
	m.sessions[callID] = s
	m.mu.Unlock()

	invite := Event{Type: EventCallIncoming, Payload: CallIncomingPayload{
		CallID:      callID,
		RoomID:      roomID,
		CallType:    string(kind),
		InitiatorID: initiator.UserID(),
	}}
	memberIDs, err := m.store.RoomMemberIDs(ctx, roomID)
	if err != nil {
		slog.Warn("call invite: member lookup failed", "call", callID, "room", roomID, "err", err)
	}
	for _, userID := range memberIDs {
		if userID == initiator.UserID() {
			continue
		}
		conns := m.registry.ConnectionsFor(userID)
		if len(conns) == 0 {
			m.notifyOffline(ctx, userID, invite)
			continue
		}
		deliver(conns, invite)
	}

	s.mu.Lock()
	s.call.Status = domain.CallRinging
	s.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.expireRinging(callID) })
	s.mu.Unlock()

	m.logEvent(ctx, callID, roomID, initiator.UserID(), "initiated", string(kind))
	return m.snapshot(s), nil
}

// Join adds the user to the call. The first successful join answers the
// call (Ringing -> Active). Returns the media token for the joiner.
func (m *CallManager) Join(ctx context.Context, callID string, c Conn) (token string, _ error) {
	s, err := m.session(callID)
	if err != nil {
		return "", err
	}
	if err := m.store.ValidateRoomAccess(ctx, m.chatRoomOf(s), c.UserID()); err != nil {
		if errors.Is(err, domain.ErrAccessDenied) || errors.Is(err, domain.ErrRoomNotFound) {
			return "", err
		}
		return "", fmt.Errorf("validate room access: %w", err)
	}
	token, err = m.media.GenerateMediaToken(ctx, callID, c.UserID())
	if err != nil {
		return "", fmt.Errorf("generate media token: %w", err)
	}

	s.mu.Lock()
	if s.call.Status.Terminal() {
		s.mu.Unlock()
		return "", domain.ErrCallNotActive
	}
	if s.call.Status != domain.CallActive {
		s.call.Status = domain.CallActive
		if s.ringTimer != nil {
			s.ringTimer.Stop()
			s.ringTimer = nil
		}
	}
	if p, rejoining := s.participants[c.UserID()]; rejoining {
		p.LeftAt = nil
	} else {
		s.participants[c.UserID()] = &domain.CallParticipant{
			CallID:       callID,
			UserID:       c.UserID(),
			JoinedAt:     time.Now(),
			VideoEnabled: s.call.Type == domain.CallVideo,
			AudioEnabled: true,
		}
	}
	s.mu.Unlock()

	callRoom := CallRoomID(callID)
	m.rooms.Enter(callRoom, c)
	m.rooms.BroadcastExceptUser(callRoom, Event{
		Type:    EventCallPeerJoined,
		Payload: CallPeerPayload{CallID: callID, UserID: c.UserID()},
	}, c.UserID())

	m.logEvent(ctx, callID, m.chatRoomOf(s), c.UserID(), "joined", "")
	return token, nil
}

// Leave removes the participant; when the last one leaves the call
// auto-transitions to Ended.
func (m *CallManager) Leave(ctx context.Context, callID string, userID int64) error {
	return m.leave(ctx, callID, userID, "left")
}

func (m *CallManager) leave(ctx context.Context, callID string, userID int64, how string) error {
	s, err := m.session(callID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.call.Status.Terminal() {
		s.mu.Unlock()
		return domain.ErrCallNotActive
	}
	p, ok := s.participants[userID]
	if !ok || p.LeftAt != nil {
		s.mu.Unlock()
		return domain.ErrNotParticipant
	}
	now := time.Now()
	p.LeftAt = &now
	remaining := activeCount(s.participants)
	s.mu.Unlock()

	callRoom := CallRoomID(callID)
	m.rooms.RemoveUserFromRoom(callRoom, userID)
	m.rooms.Broadcast(callRoom, Event{
		Type:    EventCallPeerLeft,
		Payload: CallPeerPayload{CallID: callID, UserID: userID},
	}, "")
	m.logEvent(ctx, callID, m.chatRoomOf(s), userID, how, "")

	if remaining == 0 {
		m.finish(ctx, s, userID, "all participants left")
	}
	return nil
}

// End terminates the call explicitly.
func (m *CallManager) End(ctx context.Context, callID string, userID int64, reason string) error {
	s, err := m.session(callID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	terminal := s.call.Status.Terminal()
	s.mu.Unlock()
	if terminal {
		return domain.ErrCallNotActive
	}
	if reason == "" {
		reason = "ended by participant"
	}
	m.finish(ctx, s, userID, reason)
	return nil
}

// Reject declines a ringing call; terminal.
func (m *CallManager) Reject(ctx context.Context, callID string, userID int64, reason string) error {
	s, err := m.session(callID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.call.Status != domain.CallInitiated && s.call.Status != domain.CallRinging {
		s.mu.Unlock()
		return domain.ErrCallNotActive
	}
	s.call.Status = domain.CallRejected
	now := time.Now()
	s.call.EndedAt = &now
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	initiator := s.call.InitiatorID
	s.mu.Unlock()

	ev := Event{Type: EventCallRejected, Payload: CallRejectedPayload{CallID: callID, UserID: userID, Reason: reason}}
	if conns := m.registry.ConnectionsFor(initiator); len(conns) > 0 {
		deliver(conns, ev)
	}
	m.rooms.Broadcast(CallRoomID(callID), ev, "")
	m.logEvent(ctx, callID, m.chatRoomOf(s), userID, "rejected", reason)
	return nil
}

// SetVideo toggles the participant's camera flag and tells the others.
func (m *CallManager) SetVideo(ctx context.Context, callID string, userID int64, enabled bool) error {
	return m.setMedia(ctx, callID, userID, "video", enabled)
}

// SetAudio toggles the participant's microphone flag and tells the others.
func (m *CallManager) SetAudio(ctx context.Context, callID string, userID int64, enabled bool) error {
	return m.setMedia(ctx, callID, userID, "audio", enabled)
}

func (m *CallManager) setMedia(ctx context.Context, callID string, userID int64, kind string, enabled bool) error {
	s, err := m.session(callID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.call.Status.Terminal() {
		s.mu.Unlock()
		return domain.ErrCallNotActive
	}
	p, ok := s.participants[userID]
	if !ok || p.LeftAt != nil {
		s.mu.Unlock()
		// Silent for the room; the caller just gets nothing to render.
		slog.Debug("media toggle from non-participant", "call", callID, "user", userID, "kind", kind)
		return nil
	}
	if kind == "video" {
		p.VideoEnabled = enabled
	} else {
		p.AudioEnabled = enabled
	}
	s.mu.Unlock()

	m.rooms.BroadcastExceptUser(CallRoomID(callID), Event{
		Type:    EventCallMedia,
		Payload: CallMediaPayload{CallID: callID, UserID: userID, Kind: kind, Enabled: enabled},
	}, userID)
	m.logEvent(ctx, callID, m.chatRoomOf(s), userID, "media", fmt.Sprintf("%s=%t", kind, enabled))
	return nil
}

// SetScreenShare flips the participant's sharing flag and tells the others.
func (m *CallManager) SetScreenShare(ctx context.Context, callID string, userID int64, sharing bool) error {
	s, err := m.session(callID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.call.Status.Terminal() {
		s.mu.Unlock()
		return domain.ErrCallNotActive
	}
	p, ok := s.participants[userID]
	if !ok || p.LeftAt != nil {
		s.mu.Unlock()
		slog.Debug("screen share from non-participant", "call", callID, "user", userID)
		return nil
	}
	p.IsScreenSharing = sharing
	s.mu.Unlock()

	m.rooms.BroadcastExceptUser(CallRoomID(callID), Event{
		Type:    EventCallScreenShare,
		Payload: ScreenSharePayload{CallID: callID, UserID: userID, Sharing: sharing},
	}, userID)
	m.logEvent(ctx, callID, m.chatRoomOf(s), userID, "screen_share", fmt.Sprintf("sharing=%t", sharing))
	return nil
}

// Signal relays an opaque media-negotiation payload to the target user's
// live connections. The payload is never inspected. An offline target is a
// silent success; the sender is not informed.
func (m *CallManager) Signal(callID string, fromUserID, toUserID int64, signalType string, data json.RawMessage) error {
	s, err := m.session(callID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	terminal := s.call.Status.Terminal()
	s.mu.Unlock()
	if terminal {
		return domain.ErrCallNotActive
	}

	conns := m.registry.ConnectionsFor(toUserID)
	if len(conns) == 0 {
		return nil
	}
	deliver(conns, Event{Type: EventSignal, Payload: SignalPayload{
		CallID:     callID,
		FromUserID: fromUserID,
		SignalType: signalType,
		Data:       data,
	}})
	return nil
}

// StartRecording is an opaque pass-through to the media gateway. Only an
// active participant may toggle recording.
func (m *CallManager) StartRecording(ctx context.Context, callID string, userID int64) error {
	return m.recording(ctx, callID, userID, true)
}

func (m *CallManager) StopRecording(ctx context.Context, callID string, userID int64) error {
	return m.recording(ctx, callID, userID, false)
}

func (m *CallManager) recording(ctx context.Context, callID string, userID int64, start bool) error {
	s, err := m.session(callID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.call.Status.Terminal() {
		s.mu.Unlock()
		return domain.ErrCallNotActive
	}
	p, ok := s.participants[userID]
	if !ok || p.LeftAt != nil {
		s.mu.Unlock()
		return domain.ErrNotParticipant
	}
	s.mu.Unlock()

	if start {
		err = m.media.StartRecording(ctx, callID)
	} else {
		err = m.media.StopRecording(ctx, callID)
	}
	if err != nil {
		return fmt.Errorf("recording: %w", err)
	}
	m.logEvent(ctx, callID, m.chatRoomOf(s), userID, "recording", fmt.Sprintf("start=%t", start))
	return nil
}

// DropConnection runs disconnect cleanup for call sessions: once the
// membership purge has happened, any call where the user no longer holds a
// live connection loses that participant. Safe to race with a concurrent
// join or a second disconnect.
func (m *CallManager) DropConnection(ctx context.Context, userID int64) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, callID := range ids {
		s, err := m.session(callID)
		if err != nil {
			continue
		}
		s.mu.Lock()
		p, active := s.participants[userID]
		involved := active && p.LeftAt == nil && !s.call.Status.Terminal()
		s.mu.Unlock()
		if !involved {
			continue
		}
		if m.rooms.UserInRoom(CallRoomID(callID), userID) {
			continue // another device is still on the call
		}
		if err := m.leave(ctx, callID, userID, "disconnected"); err != nil &&
			!errors.Is(err, domain.ErrNotParticipant) && !errors.Is(err, domain.ErrCallNotActive) {
			slog.Warn("call cleanup on disconnect failed", "call", callID, "user", userID, "err", err)
		}
	}
}

// Session returns a snapshot of the call and its participants.
func (m *CallManager) Session(callID string) (*domain.CallSession, []domain.CallParticipant, error) {
	s, err := m.session(callID)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.call
	parts := make([]domain.CallParticipant, 0, len(s.participants))
	for _, p := range s.participants {
		parts = append(parts, *p)
	}
	return &call, parts, nil
}

// --- internals ---

func (m *CallManager) session(callID string) (*callSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return s, nil
}

func (m *CallManager) snapshot(s *callSession) *domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.call
	return &call
}

func (m *CallManager) chatRoomOf(s *callSession) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call.RoomID
}

// finish moves the call to Ended and tears the fan-out room down.
func (m *CallManager) finish(ctx context.Context, s *callSession, actorID int64, reason string) {
	s.mu.Lock()
	if s.call.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.call.Status = domain.CallEnded
	now := time.Now()
	s.call.EndedAt = &now
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	callID := s.call.ID
	roomID := s.call.RoomID
	s.mu.Unlock()

	callRoom := CallRoomID(callID)
	ended := Event{Type: EventCallEnded, Payload: CallEndedPayload{CallID: callID, Reason: reason}}
	m.rooms.Broadcast(callRoom, ended, "")
	for _, c := range m.rooms.MembersOf(callRoom) {
		m.rooms.Leave(callRoom, c.ID())
	}
	m.logEvent(ctx, callID, roomID, actorID, "ended", reason)
}

// expireRinging ends a call nobody answered.
func (m *CallManager) expireRinging(callID string) {
	s, err := m.session(callID)
	if err != nil {
		return
	}
	s.mu.Lock()
	ringing := s.call.Status == domain.CallRinging || s.call.Status == domain.CallInitiated
	initiator := s.call.InitiatorID
	s.mu.Unlock()
	if !ringing {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.finish(ctx, s, initiator, "missed")

	ev := Event{Type: EventCallEnded, Payload: CallEndedPayload{CallID: callID, Reason: "missed"}}
	if conns := m.registry.ConnectionsFor(initiator); len(conns) > 0 {
		deliver(conns, ev)
	}
}

func (m *CallManager) notifyOffline(ctx context.Context, userID int64, ev Event) {
	if m.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.notifier.NotifyOffline(ctx, userID, ev); err != nil {
			slog.Debug("offline notify failed", "user", userID, "event", ev.Type, "err", err)
		}
	}()
}

// logEvent records a diagnostic call event through the store. Fire-and-
// forget: a failure never rolls back the state transition.
func (m *CallManager) logEvent(ctx context.Context, callID, roomID string, userID int64, kind, detail string) {
	ev := domain.CallEvent{
		CallID:    callID,
		RoomID:    roomID,
		UserID:    userID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.store.SaveCallEvent(ctx, ev); err != nil {
			slog.Warn("persist call event failed", "call", callID, "kind", kind, "err", err)
		}
	}()
}

func activeCount(parts map[int64]*domain.CallParticipant) int {
	n := 0
	for _, p := range parts {
		if p.LeftAt == nil {
			n++
		}
	}
	return n
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/curaline/realtime-service/internal/domain"
)

type callFixture struct {
	calls    *CallManager
	rooms    *RoomTable
	registry *Registry
	store    *fakeStore
	notifier *fakeNotifier
	media    *fakeMedia
}

func newCallFixture(t *testing.T, ringTimeout time.Duration) *callFixture {
	t.Helper()
	store := newFakeStore()
	reg := NewRegistry()
	rooms := NewRoomTable(store)
	notifier := &fakeNotifier{}
	media := newFakeMedia()
	return &callFixture{
		calls:    NewCallManager(reg, rooms, store, notifier, media, ringTimeout),
		rooms:    rooms,
		registry: reg,
		store:    store,
		notifier: notifier,
		media:    media,
	}
}

func TestInitiateRingsMembersAndNotifiesOffline(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2, 3)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	online := newFakeConn("online", 2)
	f.registry.Register(caller)
	f.registry.Register(online) // user 3 has no connection

	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if call.Status != domain.CallRinging {
		t.Fatalf("status = %s, want ringing", call.Status)
	}

	ev, ok := online.lastOf(EventCallIncoming)
	if !ok {
		t.Fatal("online member was not rung")
	}
	inc := ev.Payload.(CallIncomingPayload)
	if inc.CallID != call.ID || inc.InitiatorID != 1 || inc.CallType != "video" {
		t.Fatalf("invite payload = %+v", inc)
	}
	if n := caller.countOf(EventCallIncoming); n != 0 {
		t.Fatal("initiator must not be invited to its own call")
	}
	if !f.notifier.waitNotified(3, time.Second) {
		t.Fatal("offline member was not handed to the notifier")
	}
	if len(f.media.sessions) != 1 || f.media.sessions[0] != call.ID {
		t.Fatalf("media sessions = %v", f.media.sessions)
	}
	if ev, ok := f.store.waitCallEvent("initiated", time.Second); !ok || ev.UserID != 1 {
		t.Fatalf("initiated event = %+v, ok=%v; want acting user 1", ev, ok)
	}
}

func TestInitiateRequiresRoomAccess(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1)
	ctx := context.Background()

	outsider := newFakeConn("o", 9)
	if _, err := f.calls.Initiate(ctx, "r1", outsider, domain.CallVideo); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
	if len(f.media.sessions) != 0 {
		t.Fatal("denied initiate must not create a media session")
	}
}

func TestJoinAnswersCall(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	callee := newFakeConn("callee", 2)
	f.registry.Register(caller)
	f.registry.Register(callee)

	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.calls.Join(ctx, call.ID, caller); err != nil {
		t.Fatalf("initiator join: %v", err)
	}
	token, err := f.calls.Join(ctx, call.ID, callee)
	if err != nil {
		t.Fatalf("callee join: %v", err)
	}
	if token == "" {
		t.Fatal("join should return a media token")
	}

	snap, parts, err := f.calls.Session(call.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != domain.CallActive {
		t.Fatalf("status = %s, want active", snap.Status)
	}
	if len(parts) != 2 {
		t.Fatalf("participants = %d, want 2", len(parts))
	}
	for _, p := range parts {
		if !p.VideoEnabled || !p.AudioEnabled {
			t.Fatalf("video call participant defaults = %+v", p)
		}
	}

	// Caller was already in the call room, so it hears the callee arrive.
	ev, ok := caller.lastOf(EventCallPeerJoined)
	if !ok {
		t.Fatal("caller did not hear call_peer_joined")
	}
	if ev.Payload.(CallPeerPayload).UserID != 2 {
		t.Fatalf("call_peer_joined payload = %+v", ev.Payload)
	}
	if n := callee.countOf(EventCallPeerJoined); n != 0 {
		t.Fatal("joiner must not hear its own arrival")
	}
}

func TestJoinAudioCallDefaults(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallAudio)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.calls.Join(ctx, call.ID, caller); err != nil {
		t.Fatal(err)
	}
	_, parts, _ := f.calls.Session(call.ID)
	if len(parts) != 1 || parts[0].VideoEnabled || !parts[0].AudioEnabled {
		t.Fatalf("audio call participant defaults = %+v", parts)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	callee := newFakeConn("callee", 2)
	f.registry.Register(caller)
	f.registry.Register(callee)

	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.calls.Reject(ctx, call.ID, 2, "busy"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	ev, ok := caller.lastOf(EventCallRejected)
	if !ok {
		t.Fatal("initiator was not told about the rejection")
	}
	rj := ev.Payload.(CallRejectedPayload)
	if rj.UserID != 2 || rj.Reason != "busy" {
		t.Fatalf("rejected payload = %+v", rj)
	}

	if _, err := f.calls.Join(ctx, call.ID, callee); !errors.Is(err, domain.ErrCallNotActive) {
		t.Fatalf("join after reject: got %v, want ErrCallNotActive", err)
	}
	if err := f.calls.Reject(ctx, call.ID, 2, "again"); !errors.Is(err, domain.ErrCallNotActive) {
		t.Fatalf("double reject: got %v, want ErrCallNotActive", err)
	}
	if ev, ok := f.store.waitCallEvent("rejected", time.Second); !ok || ev.UserID != 2 {
		t.Fatalf("rejected event = %+v, ok=%v; want acting user 2", ev, ok)
	}
}

func TestCallAutoEndsWhenEmpty(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	callee := newFakeConn("callee", 2)
	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	f.calls.Join(ctx, call.ID, caller)
	f.calls.Join(ctx, call.ID, callee)

	if err := f.calls.Leave(ctx, call.ID, 1); err != nil {
		t.Fatal(err)
	}
	snap, _, _ := f.calls.Session(call.ID)
	if snap.Status != domain.CallActive {
		t.Fatalf("one participant remains, status = %s, want active", snap.Status)
	}

	if err := f.calls.Leave(ctx, call.ID, 2); err != nil {
		t.Fatal(err)
	}
	snap, _, _ = f.calls.Session(call.ID)
	if snap.Status != domain.CallEnded {
		t.Fatalf("last leave: status = %s, want ended", snap.Status)
	}
	if snap.EndedAt == nil {
		t.Fatal("ended call should carry EndedAt")
	}
	if got := f.rooms.MembersOf(CallRoomID(call.ID)); len(got) != 0 {
		t.Fatalf("call room not drained: %d members", len(got))
	}
}

func TestOperationsAfterTerminalFail(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	f.calls.Join(ctx, call.ID, caller)
	if err := f.calls.End(ctx, call.ID, 1, "done"); err != nil {
		t.Fatal(err)
	}

	checks := []error{
		f.calls.Leave(ctx, call.ID, 1),
		f.calls.End(ctx, call.ID, 1, ""),
		f.calls.SetVideo(ctx, call.ID, 1, false),
		f.calls.SetAudio(ctx, call.ID, 1, false),
		f.calls.SetScreenShare(ctx, call.ID, 1, true),
		f.calls.Signal(call.ID, 1, 2, "offer", nil),
		f.calls.StartRecording(ctx, call.ID, 1),
	}
	for i, err := range checks {
		if !errors.Is(err, domain.ErrCallNotActive) {
			t.Fatalf("op %d after end: got %v, want ErrCallNotActive", i, err)
		}
	}
}

func TestUnknownCall(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	ctx := context.Background()

	if _, err := f.calls.Join(ctx, "ghost", newFakeConn("c", 1)); !errors.Is(err, domain.ErrCallNotFound) {
		t.Fatalf("got %v, want ErrCallNotFound", err)
	}
	if err := f.calls.Leave(ctx, "ghost", 1); !errors.Is(err, domain.ErrCallNotFound) {
		t.Fatalf("got %v, want ErrCallNotFound", err)
	}
}

func TestLeaveWithoutJoining(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	f.calls.Join(ctx, call.ID, caller)

	if err := f.calls.Leave(ctx, call.ID, 2); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("got %v, want ErrNotParticipant", err)
	}
}

func TestMediaToggleBroadcastsToOthersOnly(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	callee := newFakeConn("callee", 2)
	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	f.calls.Join(ctx, call.ID, caller)
	f.calls.Join(ctx, call.ID, callee)

	if err := f.calls.SetVideo(ctx, call.ID, 1, false); err != nil {
		t.Fatal(err)
	}
	ev, ok := callee.lastOf(EventCallMedia)
	if !ok {
		t.Fatal("peer did not hear the media toggle")
	}
	mp := ev.Payload.(CallMediaPayload)
	if mp.Kind != "video" || mp.Enabled || mp.UserID != 1 {
		t.Fatalf("media payload = %+v", mp)
	}
	if n := caller.countOf(EventCallMedia); n != 0 {
		t.Fatal("actor must not hear its own toggle")
	}

	_, parts, _ := f.calls.Session(call.ID)
	for _, p := range parts {
		if p.UserID == 1 && p.VideoEnabled {
			t.Fatal("toggle was not recorded on the participant")
		}
	}

	// A non-participant toggle is silently ignored.
	if err := f.calls.SetAudio(ctx, call.ID, 99, false); err != nil {
		t.Fatalf("non-participant toggle: %v, want nil", err)
	}
	if n := callee.countOf(EventCallMedia); n != 1 {
		t.Fatal("non-participant toggle must not broadcast")
	}
}

func TestScreenShareBroadcast(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	callee := newFakeConn("callee", 2)
	call, _ := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	f.calls.Join(ctx, call.ID, caller)
	f.calls.Join(ctx, call.ID, callee)

	if err := f.calls.SetScreenShare(ctx, call.ID, 2, true); err != nil {
		t.Fatal(err)
	}
	ev, ok := caller.lastOf(EventCallScreenShare)
	if !ok {
		t.Fatal("peer did not hear screen share start")
	}
	sp := ev.Payload.(ScreenSharePayload)
	if sp.UserID != 2 || !sp.Sharing {
		t.Fatalf("screen share payload = %+v", sp)
	}
}

func TestSignalRelay(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	phone := newFakeConn("phone", 2)
	laptop := newFakeConn("laptop", 2)
	f.registry.Register(phone)
	f.registry.Register(laptop)

	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	if err != nil {
		t.Fatal(err)
	}

	data := json.RawMessage(`{"sdp":"v=0"}`)
	if err := f.calls.Signal(call.ID, 1, 2, "offer", data); err != nil {
		t.Fatalf("signal: %v", err)
	}
	for _, c := range []*fakeConn{phone, laptop} {
		ev, ok := c.lastOf(EventSignal)
		if !ok {
			t.Fatalf("%s did not receive the signal", c.ID())
		}
		sp := ev.Payload.(SignalPayload)
		if sp.FromUserID != 1 || sp.SignalType != "offer" || string(sp.Data) != string(data) {
			t.Fatalf("signal payload = %+v", sp)
		}
	}

	// An offline target is a silent success.
	if err := f.calls.Signal(call.ID, 1, 77, "offer", data); err != nil {
		t.Fatalf("signal to offline target: %v, want nil", err)
	}
}

func TestRingTimeoutEndsMissedCall(t *testing.T) {
	f := newCallFixture(t, 30*time.Millisecond)
	f.store.grant("r1", 1, 2)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	f.registry.Register(caller)

	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap, _, _ := f.calls.Session(call.ID)
		if snap.Status == domain.CallEnded {
			ev, ok := caller.lastOf(EventCallEnded)
			if !ok {
				t.Fatal("initiator was not told the call was missed")
			}
			if ev.Payload.(CallEndedPayload).Reason != "missed" {
				t.Fatalf("reason = %q, want missed", ev.Payload.(CallEndedPayload).Reason)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ringing call never expired")
}

func TestAnsweredCallDoesNotExpire(t *testing.T) {
	f := newCallFixture(t, 30*time.Millisecond)
	f.store.grant("r1", 1)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	call, err := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.calls.Join(ctx, call.ID, caller); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)
	snap, _, _ := f.calls.Session(call.ID)
	if snap.Status != domain.CallActive {
		t.Fatalf("answered call expired: status = %s", snap.Status)
	}
}

func TestDropConnectionLeavesCalls(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	callee := newFakeConn("callee", 2)
	f.registry.Register(caller)
	f.registry.Register(callee)

	call, _ := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	f.calls.Join(ctx, call.ID, caller)
	f.calls.Join(ctx, call.ID, callee)

	// Simulate the callee's disconnect: membership purge first, then call cleanup.
	f.rooms.RemoveConnectionFromAllRooms("callee")
	f.registry.Unregister("callee")
	f.calls.DropConnection(ctx, 2)

	_, parts, _ := f.calls.Session(call.ID)
	for _, p := range parts {
		if p.UserID == 2 && p.LeftAt == nil {
			t.Fatal("dropped participant still active in the call")
		}
	}
	ev, ok := caller.lastOf(EventCallPeerLeft)
	if !ok || ev.Payload.(CallPeerPayload).UserID != 2 {
		t.Fatal("remaining participant was not told about the departure")
	}

	// A second disconnect pass is harmless.
	f.calls.DropConnection(ctx, 2)
}

func TestDropConnectionSparesMultiDevice(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1)
	ctx := context.Background()

	phone := newFakeConn("phone", 1)
	laptop := newFakeConn("laptop", 1)
	f.registry.Register(phone)
	f.registry.Register(laptop)

	call, _ := f.calls.Initiate(ctx, "r1", phone, domain.CallVideo)
	f.calls.Join(ctx, call.ID, phone)
	f.calls.Join(ctx, call.ID, laptop)

	// Phone drops, laptop stays on the call room.
	f.rooms.RemoveConnectionFromAllRooms("phone")
	f.registry.Unregister("phone")
	f.calls.DropConnection(ctx, 1)

	_, parts, _ := f.calls.Session(call.ID)
	if len(parts) != 1 || parts[0].LeftAt != nil {
		t.Fatalf("participant dropped despite a second live device: %+v", parts)
	}
	snap, _, _ := f.calls.Session(call.ID)
	if snap.Status != domain.CallActive {
		t.Fatalf("status = %s, want active", snap.Status)
	}
}

func TestRecordingPassThrough(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	call, _ := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)
	f.calls.Join(ctx, call.ID, caller)

	if err := f.calls.StartRecording(ctx, call.ID, 1); err != nil {
		t.Fatal(err)
	}
	f.media.mu.Lock()
	recording := f.media.recordings[call.ID]
	f.media.mu.Unlock()
	if !recording {
		t.Fatal("gateway never saw the recording start")
	}

	if err := f.calls.StopRecording(ctx, call.ID, 1); err != nil {
		t.Fatal(err)
	}
	f.media.mu.Lock()
	recording = f.media.recordings[call.ID]
	f.media.mu.Unlock()
	if recording {
		t.Fatal("gateway never saw the recording stop")
	}
}

func TestRecordingRequiresParticipant(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2)
	ctx := context.Background()

	caller := newFakeConn("caller", 1)
	call, _ := f.calls.Initiate(ctx, "r1", caller, domain.CallVideo)

	// User 99 never joined (nor did anyone); the gateway must stay idle.
	if err := f.calls.StartRecording(ctx, call.ID, 99); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("outsider start: got %v, want ErrNotParticipant", err)
	}
	f.media.mu.Lock()
	recording := f.media.recordings[call.ID]
	f.media.mu.Unlock()
	if recording {
		t.Fatal("gateway recorded a call on an outsider's request")
	}

	// A participant who already left is no longer allowed either.
	f.calls.Join(ctx, call.ID, caller)
	second := newFakeConn("second", 2)
	f.calls.Join(ctx, call.ID, second)
	if err := f.calls.Leave(ctx, call.ID, 2); err != nil {
		t.Fatal(err)
	}
	if err := f.calls.StartRecording(ctx, call.ID, 2); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("departed participant: got %v, want ErrNotParticipant", err)
	}
	if err := f.calls.StartRecording(ctx, call.ID, 1); err != nil {
		t.Fatalf("active participant should be allowed: %v", err)
	}
}

func TestInitiateDeniedWithWrappedSentinel(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1)
	f.store.accessErr = fmt.Errorf("membership cache: %w", domain.ErrAccessDenied)
	ctx := context.Background()

	if _, err := f.calls.Initiate(ctx, "r1", newFakeConn("c", 1), domain.CallVideo); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
	if len(f.media.sessions) != 0 {
		t.Fatal("denied initiate must not create a media session")
	}
}

func TestMediaSessionFailureAbortsInitiate(t *testing.T) {
	f := newCallFixture(t, time.Minute)
	f.store.grant("r1", 1, 2)
	f.media.createErr = errors.New("gateway down")
	ctx := context.Background()

	callee := newFakeConn("callee", 2)
	f.registry.Register(callee)

	if _, err := f.calls.Initiate(ctx, "r1", newFakeConn("caller", 1), domain.CallVideo); err == nil {
		t.Fatal("initiate should fail when the media session cannot be created")
	}
	if n := callee.countOf(EventCallIncoming); n != 0 {
		t.Fatal("nobody should be rung when the media session failed")
	}
}

package live

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []Message
}

func (f *fakeSender) Send(m Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return true
}

func (f *fakeSender) typed(t MessageType) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newSession(t *testing.T, r *Registry) (uuid.UUID, *fakeSender) {
	t.Helper()
	b := &fakeSender{}
	id, err := r.CreateSession(b, "bcast", uuid.New(), SessionMetadata{CourseID: uuid.New(), Title: "lecture"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return id, b
}

func TestJoinAndLeave(t *testing.T) {
	r := NewRegistry(nil)
	sid, b := newSession(t, r)

	v1, v2 := &fakeSender{}, &fakeSender{}
	count, err := r.Join(sid, "v1", uuid.New(), ViewerInfo{Name: "Ada"}, v1)
	if err != nil || count != 1 {
		t.Fatalf("first join: count=%d err=%v", count, err)
	}
	count, err = r.Join(sid, "v2", uuid.New(), ViewerInfo{}, v2)
	if err != nil || count != 2 {
		t.Fatalf("second join: count=%d err=%v", count, err)
	}

	if got := len(b.typed(TypeViewerJoined)); got != 2 {
		t.Errorf("broadcaster saw %d viewer-joined, want 2", got)
	}
	// Viewer one was in the room for the second join's count broadcast.
	if got := len(v1.typed(TypeViewerCount)); got < 2 {
		t.Errorf("viewer one saw %d count updates, want >= 2", got)
	}

	r.Leave(sid, "v1")
	if n := r.ViewerCount(sid); n != 1 {
		t.Errorf("count after leave = %d, want 1", n)
	}
	// A repeat leave must change nothing.
	r.Leave(sid, "v1")
	if n := r.ViewerCount(sid); n != 1 {
		t.Errorf("count after duplicate leave = %d, want 1", n)
	}
	if got := len(b.typed(TypeViewerLeft)); got != 1 {
		t.Errorf("broadcaster saw %d viewer-left, want 1", got)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Join(uuid.New(), "v1", uuid.New(), ViewerInfo{}, &fakeSender{})
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestDuplicateJoinReplacesEntry(t *testing.T) {
	r := NewRegistry(nil)
	sid, _ := newSession(t, r)

	old, fresh := &fakeSender{}, &fakeSender{}
	if _, err := r.Join(sid, "v1", uuid.New(), ViewerInfo{}, old); err != nil {
		t.Fatal(err)
	}
	count, err := r.Join(sid, "v1", uuid.New(), ViewerInfo{}, fresh)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("rejoin count = %d, want 1", count)
	}

	// Messages for the identity now land on the fresh sender.
	before := len(old.typed(TypeViewerCount))
	if _, err := r.Join(sid, "v2", uuid.New(), ViewerInfo{}, &fakeSender{}); err != nil {
		t.Fatal(err)
	}
	if got := len(old.typed(TypeViewerCount)); got != before {
		t.Errorf("stale sender still receiving count updates")
	}
	if got := len(fresh.typed(TypeViewerCount)); got == 0 {
		t.Errorf("fresh sender received no count updates")
	}
}

func TestRelayRouting(t *testing.T) {
	r := NewRegistry(nil)
	sid, b := newSession(t, r)
	v := &fakeSender{}
	if _, err := r.Join(sid, "v1", uuid.New(), ViewerInfo{}, v); err != nil {
		t.Fatal(err)
	}

	body := json.RawMessage(`{"sdp":"v=0"}`)

	// Viewer to broadcaster.
	p := RelayPayload{SessionID: sid, From: "v1", To: "bcast", Body: body}
	if err := r.Relay(sid, "v1", New(TypeAnswer, p), p); err != nil {
		t.Fatalf("relay to broadcaster: %v", err)
	}
	got := b.typed(TypeAnswer)
	if len(got) != 1 {
		t.Fatalf("broadcaster received %d answers, want 1", len(got))
	}
	var fwd RelayPayload
	if err := json.Unmarshal(got[0].Data, &fwd); err != nil {
		t.Fatal(err)
	}
	if string(fwd.Body) != string(body) {
		t.Errorf("relay body altered: %s", fwd.Body)
	}

	// Broadcaster to viewer.
	p = RelayPayload{SessionID: sid, From: "bcast", To: "v1", Body: body}
	if err := r.Relay(sid, "bcast", New(TypeOffer, p), p); err != nil {
		t.Fatalf("relay to viewer: %v", err)
	}
	if len(v.typed(TypeOffer)) != 1 {
		t.Errorf("viewer did not receive the offer")
	}

	// Unknown target is dropped, not fatal.
	p = RelayPayload{SessionID: sid, From: "bcast", To: "ghost", Body: body}
	if err := r.Relay(sid, "bcast", New(TypeOffer, p), p); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestMicAdmissionWorkflow(t *testing.T) {
	r := NewRegistry(nil)
	sid, b := newSession(t, r)
	v := &fakeSender{}
	if _, err := r.Join(sid, "v1", uuid.New(), ViewerInfo{}, v); err != nil {
		t.Fatal(err)
	}

	if err := r.RequestMic(sid, "v1"); err != nil {
		t.Fatalf("request mic: %v", err)
	}
	if st := r.MicStateOf(sid, "v1"); st != MicRequested {
		t.Fatalf("state = %s, want requested", st)
	}
	// Repeats while outstanding are no-ops.
	if err := r.RequestMic(sid, "v1"); err != nil {
		t.Fatal(err)
	}
	if got := len(b.typed(TypeMicRequest)); got != 1 {
		t.Errorf("broadcaster saw %d mic requests, want 1", got)
	}

	r.ApproveMic(sid, "v1")
	if st := r.MicStateOf(sid, "v1"); st != MicApproved {
		t.Fatalf("state = %s, want approved", st)
	}
	if len(v.typed(TypeMicApproved)) != 1 {
		t.Errorf("viewer not told about approval")
	}

	r.MicActivated(sid, "v1")
	if st := r.MicStateOf(sid, "v1"); st != MicActive {
		t.Fatalf("state = %s, want active", st)
	}

	r.RevokeMic(sid, "v1")
	if st := r.MicStateOf(sid, "v1"); st != MicRevoked {
		t.Fatalf("state = %s, want revoked", st)
	}
	if len(v.typed(TypeMicRevoked)) != 1 {
		t.Errorf("viewer not told about revocation")
	}
}

func TestMicRejectAndOutOfOrder(t *testing.T) {
	r := NewRegistry(nil)
	sid, _ := newSession(t, r)
	v := &fakeSender{}
	if _, err := r.Join(sid, "v1", uuid.New(), ViewerInfo{}, v); err != nil {
		t.Fatal(err)
	}

	// Approving without a request is a no-op.
	r.ApproveMic(sid, "v1")
	if st := r.MicStateOf(sid, "v1"); st != MicNone {
		t.Fatalf("state = %s, want none", st)
	}

	if err := r.RequestMic(sid, "v1"); err != nil {
		t.Fatal(err)
	}
	r.RejectMic(sid, "v1")
	if st := r.MicStateOf(sid, "v1"); st != MicNone {
		t.Fatalf("state after reject = %s, want none", st)
	}
	if len(v.typed(TypeMicRejected)) != 1 {
		t.Errorf("viewer not told about rejection")
	}

	// A rejected viewer may request again.
	if err := r.RequestMic(sid, "v1"); err != nil {
		t.Fatal(err)
	}
	if st := r.MicStateOf(sid, "v1"); st != MicRequested {
		t.Fatalf("state = %s, want requested", st)
	}
}

func TestLeaveDropsMicGrant(t *testing.T) {
	r := NewRegistry(nil)
	sid, b := newSession(t, r)
	if _, err := r.Join(sid, "v1", uuid.New(), ViewerInfo{}, &fakeSender{}); err != nil {
		t.Fatal(err)
	}
	if err := r.RequestMic(sid, "v1"); err != nil {
		t.Fatal(err)
	}
	r.ApproveMic(sid, "v1")

	r.Leave(sid, "v1")
	if got := len(b.typed(TypeMicRevoked)); got != 1 {
		t.Errorf("broadcaster saw %d mic-revoked on leave, want 1", got)
	}
}

func TestEndSession(t *testing.T) {
	r := NewRegistry(nil)
	sid, _ := newSession(t, r)
	v1, v2 := &fakeSender{}, &fakeSender{}
	if _, err := r.Join(sid, "v1", uuid.New(), ViewerInfo{}, v1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join(sid, "v2", uuid.New(), ViewerInfo{}, v2); err != nil {
		t.Fatal(err)
	}

	r.EndSession(sid)
	for i, v := range []*fakeSender{v1, v2} {
		if len(v.typed(TypeSessionEnded)) != 1 {
			t.Errorf("viewer %d not told session ended", i+1)
		}
	}
	if n := r.ViewerCount(sid); n != 0 {
		t.Errorf("count after end = %d, want 0", n)
	}
	if _, err := r.Join(sid, "v3", uuid.New(), ViewerInfo{}, &fakeSender{}); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("join after end should fail with ErrRoomNotFound, got %v", err)
	}

	// Idempotent.
	r.EndSession(sid)
}

func TestCreateSessionReplacesExisting(t *testing.T) {
	r := NewRegistry(nil)
	b := &fakeSender{}
	first, err := r.CreateSession(b, "bcast", uuid.New(), SessionMetadata{CourseID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}
	v := &fakeSender{}
	if _, err := r.Join(first, "v1", uuid.New(), ViewerInfo{}, v); err != nil {
		t.Fatal(err)
	}

	second, err := r.CreateSession(b, "bcast", uuid.New(), SessionMetadata{CourseID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("expected a new session id")
	}
	if len(v.typed(TypeSessionEnded)) != 1 {
		t.Errorf("old session's viewer not told it ended")
	}
	if !r.IsBroadcaster(second, "bcast") {
		t.Errorf("broadcaster not bound to the new session")
	}
}

func TestDropChannel(t *testing.T) {
	r := NewRegistry(nil)
	sid, _ := newSession(t, r)
	v := &fakeSender{}
	if _, err := r.Join(sid, "v1", uuid.New(), ViewerInfo{}, v); err != nil {
		t.Fatal(err)
	}

	// A viewer's channel close leaves its sessions.
	r.DropChannel("v1")
	if n := r.ViewerCount(sid); n != 0 {
		t.Errorf("count after viewer drop = %d, want 0", n)
	}

	// The broadcaster's channel close ends the session.
	r.DropChannel("bcast")
	if _, ok := r.Metadata(sid); ok {
		t.Errorf("session survived broadcaster drop")
	}
}

func TestPruneStale(t *testing.T) {
	r := NewRegistry(nil)
	sid, _ := newSession(t, r)
	if _, err := r.Join(sid, "v1", uuid.New(), ViewerInfo{}, &fakeSender{}); err != nil {
		t.Fatal(err)
	}

	if n := r.PruneStale(time.Hour); n != 0 {
		t.Errorf("pruned %d fresh viewers, want 0", n)
	}
	time.Sleep(5 * time.Millisecond)
	if n := r.PruneStale(time.Millisecond); n != 1 {
		t.Errorf("pruned %d stale viewers, want 1", n)
	}
	if n := r.ViewerCount(sid); n != 0 {
		t.Errorf("count after prune = %d, want 0", n)
	}
}

// Full session walk-through: two viewers, one mic grant and revoke, the
// other untouched throughout.
func TestTwoViewerMicSession(t *testing.T) {
	r := NewRegistry(nil)
	sid, _ := newSession(t, r)

	a, bv := &fakeSender{}, &fakeSender{}
	if _, err := r.Join(sid, "a", uuid.New(), ViewerInfo{Name: "A"}, a); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join(sid, "b", uuid.New(), ViewerInfo{Name: "B"}, bv); err != nil {
		t.Fatal(err)
	}
	for name, s := range map[string]*fakeSender{"a": a, "b": bv} {
		msgs := s.typed(TypeViewerCount)
		if len(msgs) == 0 {
			t.Fatalf("viewer %s saw no count updates", name)
		}
		var p ViewerCountPayload
		if err := json.Unmarshal(msgs[len(msgs)-1].Data, &p); err != nil {
			t.Fatal(err)
		}
		if p.Count != 2 {
			t.Errorf("viewer %s last count = %d, want 2", name, p.Count)
		}
	}

	if err := r.RequestMic(sid, "a"); err != nil {
		t.Fatal(err)
	}
	r.ApproveMic(sid, "a")
	r.MicActivated(sid, "a")
	if st := r.MicStateOf(sid, "a"); st != MicActive {
		t.Fatalf("a mic state = %s, want active", st)
	}
	if st := r.MicStateOf(sid, "b"); st != MicNone {
		t.Fatalf("b mic state = %s, want none", st)
	}

	r.RevokeMic(sid, "a")
	if st := r.MicStateOf(sid, "a"); st == MicActive || st == MicApproved {
		t.Errorf("a mic state after revoke = %s", st)
	}
	if len(a.typed(TypeMicRevoked)) != 1 {
		t.Errorf("a not told about the revoke")
	}
	// A keeps watching; B was never involved.
	if n := r.ViewerCount(sid); n != 2 {
		t.Errorf("count after revoke = %d, want 2", n)
	}
	for _, typ := range []MessageType{TypeMicApproved, TypeMicRevoked, TypeMicRejected} {
		if len(bv.typed(typ)) != 0 {
			t.Errorf("b received %s", typ)
		}
	}
}

func TestHooks(t *testing.T) {
	r := NewRegistry(nil)

	var counts []int
	r.SetCountHook(func(_ uuid.UUID, count int) { counts = append(counts, count) })
	var events []SessionEvent
	r.SetEventHook(func(ev SessionEvent) { events = append(events, ev) })

	broadcasterUser, viewerUser := uuid.New(), uuid.New()
	b := &fakeSender{}
	courseID := uuid.New()
	sid, err := r.CreateSession(b, "bcast", broadcasterUser, SessionMetadata{CourseID: courseID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join(sid, "v1", viewerUser, ViewerInfo{}, &fakeSender{}); err != nil {
		t.Fatal(err)
	}
	if err := r.RequestMic(sid, "v1"); err != nil {
		t.Fatal(err)
	}
	r.ApproveMic(sid, "v1")
	r.MicActivated(sid, "v1")
	r.RevokeMic(sid, "v1")
	r.Leave(sid, "v1")
	r.EndSession(sid)

	wantCounts := []int{1, 0, 0}
	if len(counts) != len(wantCounts) {
		t.Fatalf("count hook fired %d times, want %d", len(counts), len(wantCounts))
	}
	for i, want := range wantCounts {
		if counts[i] != want {
			t.Errorf("count[%d] = %d, want %d", i, counts[i], want)
		}
	}

	wantTypes := []string{
		EventSessionStarted, EventViewerJoined,
		EventMicRequested, EventMicApproved, EventMicActive, EventMicRevoked,
		EventViewerLeft, EventSessionEnded,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("event hook fired %d times, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, events[i].Type, want)
		}
		if events[i].SessionID != sid || events[i].CourseID != courseID {
			t.Errorf("event[%d] carries wrong session or course", i)
		}
	}
	if events[0].UserID != broadcasterUser {
		t.Errorf("session_started user = %s, want broadcaster", events[0].UserID)
	}
	if events[1].UserID != viewerUser || events[2].UserID != viewerUser {
		t.Errorf("viewer events do not carry the viewer's user id")
	}
}

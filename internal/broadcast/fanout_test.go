package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"

	"github.com/lumenclass/backend/internal/live"
)

type fakeSignal struct {
	mu   sync.Mutex
	msgs []live.Message
}

func (f *fakeSignal) Send(m live.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeSignal) typed(t live.MessageType) []live.RelayPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []live.RelayPayload
	for _, m := range f.msgs {
		if m.Type != t {
			continue
		}
		var p live.RelayPayload
		if err := json.Unmarshal(m.Data, &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func testTracks(t *testing.T) (audio, video webrtc.TrackLocal) {
	t.Helper()
	a, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		t.Fatal(err)
	}
	v, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	if err != nil {
		t.Fatal(err)
	}
	return a, v
}

func testManager(t *testing.T, sig Signaler, timeout time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(Config{NegotiationTimeout: timeout}, uuid.New(), sig, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.SetTracks(testTracks(t))
	return m
}

func TestAddViewerRequiresTracks(t *testing.T) {
	m, err := NewManager(Config{}, uuid.New(), &fakeSignal{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AddViewer("v1"); !errors.Is(err, ErrNoTracks) {
		t.Fatalf("expected ErrNoTracks, got %v", err)
	}
}

func TestAddViewerSendsOffer(t *testing.T) {
	sig := &fakeSignal{}
	m := testManager(t, sig, time.Minute)
	defer m.CloseAll()

	if err := m.AddViewer("v1"); err != nil {
		t.Fatalf("add viewer: %v", err)
	}

	offers := sig.typed(live.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}
	if offers[0].To != "v1" || offers[0].Purpose != live.PurposeBroadcast {
		t.Errorf("offer routing wrong: to=%s purpose=%s", offers[0].To, offers[0].Purpose)
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(offers[0].Body, &sdp); err != nil {
		t.Fatalf("offer body is not a session description: %v", err)
	}
	if sdp.Type != webrtc.SDPTypeOffer || sdp.SDP == "" {
		t.Errorf("unexpected offer body: type=%s", sdp.Type)
	}

	if state, ok := m.StateOf("v1"); !ok || state != ConnOffering {
		t.Errorf("state = %s, want offering", state)
	}
	if ids := m.ViewerIDs(); len(ids) != 1 || ids[0] != "v1" {
		t.Errorf("viewer ids = %v", ids)
	}
}

func TestAnswerCompletesNegotiation(t *testing.T) {
	sig := &fakeSignal{}
	m := testManager(t, sig, time.Minute)
	defer m.CloseAll()

	if err := m.AddViewer("v1"); err != nil {
		t.Fatal(err)
	}
	offers := sig.typed(live.TypeOffer)
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offers[0].Body, &offer); err != nil {
		t.Fatal(err)
	}

	// Stand in for the viewer's receive connection.
	peer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	if err := peer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("peer rejects offer: %v", err)
	}
	answer, err := peer.CreateAnswer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := peer.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(answer)
	if err := m.HandleAnswer("v1", body); err != nil {
		t.Fatalf("handle answer: %v", err)
	}
	if state, _ := m.StateOf("v1"); state != ConnAnswered {
		t.Errorf("state = %s, want answered", state)
	}

	// A second answer for the same negotiation is out of order.
	if err := m.HandleAnswer("v1", body); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("duplicate answer: %v, want ErrOutOfOrder", err)
	}
}

func TestAnswerForUnknownViewer(t *testing.T) {
	m := testManager(t, &fakeSignal{}, time.Minute)
	defer m.CloseAll()

	if err := m.HandleAnswer("ghost", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownViewer) {
		t.Errorf("expected ErrUnknownViewer, got %v", err)
	}
	if err := m.HandleRemoteCandidate("ghost", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownViewer) {
		t.Errorf("expected ErrUnknownViewer, got %v", err)
	}
}

func TestCandidateBufferedUntilAnswer(t *testing.T) {
	sig := &fakeSignal{}
	m := testManager(t, sig, time.Minute)
	defer m.CloseAll()

	if err := m.AddViewer("v1"); err != nil {
		t.Fatal(err)
	}
	cand, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"})
	if err := m.HandleRemoteCandidate("v1", cand); err != nil {
		t.Fatalf("candidate before answer: %v", err)
	}

	vc := m.conn("v1")
	vc.mu.Lock()
	buffered := len(vc.pendingICE)
	vc.mu.Unlock()
	if buffered != 1 {
		t.Errorf("buffered %d candidates, want 1", buffered)
	}
}

func TestRemoveViewerIdempotent(t *testing.T) {
	sig := &fakeSignal{}
	m := testManager(t, sig, time.Minute)

	if err := m.AddViewer("v1"); err != nil {
		t.Fatal(err)
	}
	m.RemoveViewer("v1")
	m.RemoveViewer("v1")
	if _, ok := m.StateOf("v1"); ok {
		t.Error("connection record survived removal")
	}
}

func TestNegotiationTimeout(t *testing.T) {
	sig := &fakeSignal{}
	m := testManager(t, sig, 20*time.Millisecond)
	defer m.CloseAll()

	timedOut := make(chan string, 1)
	m.OnNegotiationTimeout(func(viewerID string) { timedOut <- viewerID })

	if err := m.AddViewer("v1"); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-timedOut:
		if id != "v1" {
			t.Errorf("timed out viewer = %s, want v1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}
	if state, _ := m.StateOf("v1"); state != ConnFailed {
		t.Errorf("state after timeout = %s, want failed", state)
	}
}

func TestReplaceTrackForFutureViewers(t *testing.T) {
	sig := &fakeSignal{}
	m := testManager(t, sig, time.Minute)
	defer m.CloseAll()

	screen, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "screen")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ReplaceTrack(webrtc.RTPCodecTypeVideo, screen); err != nil {
		t.Fatalf("replace with no viewers: %v", err)
	}
	if err := m.AddViewer("v1"); err != nil {
		t.Fatalf("add viewer after replace: %v", err)
	}
}

func TestReplaceTrackPreservesConnections(t *testing.T) {
	sig := &fakeSignal{}
	m := testManager(t, sig, time.Minute)
	defer m.CloseAll()

	if err := m.AddViewer("v1"); err != nil {
		t.Fatal(err)
	}
	vc := m.conn("v1")
	vc.mu.Lock()
	pc := vc.pc
	audioBefore := vc.audioSender.Track()
	videoBefore := vc.videoSender.Track()
	vc.mu.Unlock()

	screen, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "screen")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ReplaceTrack(webrtc.RTPCodecTypeVideo, screen); err != nil {
		t.Fatalf("replace with live viewer: %v", err)
	}

	after := m.conn("v1")
	if after != vc {
		t.Fatal("replace rebuilt the viewer's connection record")
	}
	after.mu.Lock()
	defer after.mu.Unlock()
	if after.pc != pc {
		t.Error("replace rebuilt the peer connection")
	}
	if after.audioSender.Track() != audioBefore {
		t.Error("audio track changed on a video replace")
	}
	if after.videoSender.Track() == videoBefore {
		t.Error("video track not swapped on the existing sender")
	}
	if after.videoSender.Track() != screen {
		t.Error("video sender does not carry the new track")
	}
}

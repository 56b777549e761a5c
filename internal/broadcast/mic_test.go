package broadcast

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"

	"github.com/lumenclass/backend/internal/live"
)

// micTyped extracts mic control payloads; relay payloads go through typed.
func (f *fakeSignal) micTyped(t live.MessageType) []live.MicPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []live.MicPayload
	for _, m := range f.msgs {
		if m.Type != t {
			continue
		}
		var p live.MicPayload
		if err := json.Unmarshal(m.Data, &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// micOffer builds a viewer-side audio offer the controller can answer.
func micOffer(t *testing.T) (*webrtc.PeerConnection, json.RawMessage) {
	t.Helper()
	peer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := peer.AddTrack(track); err != nil {
		t.Fatal(err)
	}
	offer, err := peer.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(offer)
	return peer, body
}

func TestMicOfferAnswered(t *testing.T) {
	sig := &fakeSignal{}
	mc, err := NewMicController(Config{}, uuid.New(), sig, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer mc.Close()

	peer, body := micOffer(t)
	defer peer.Close()
	if err := mc.HandleOffer("v1", body); err != nil {
		t.Fatalf("handle offer: %v", err)
	}

	answers := sig.typed(live.TypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(answers))
	}
	if answers[0].To != "v1" || answers[0].Purpose != live.PurposeMic {
		t.Errorf("answer routing wrong: to=%s purpose=%s", answers[0].To, answers[0].Purpose)
	}
}

func TestMicConnectionLossRevokes(t *testing.T) {
	sig := &fakeSignal{}
	mc, err := NewMicController(Config{}, uuid.New(), sig, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer mc.Close()

	peer, body := micOffer(t)
	defer peer.Close()
	if err := mc.HandleOffer("v1", body); err != nil {
		t.Fatal(err)
	}
	mc.mu.Lock()
	conn := mc.conns["v1"]
	mc.mu.Unlock()
	if conn == nil {
		t.Fatal("no connection registered after offer")
	}

	// Neither a healthy transition nor our own teardown revokes the grant.
	mc.connStateChanged("v1", conn, webrtc.PeerConnectionStateConnected)
	mc.connStateChanged("v1", conn, webrtc.PeerConnectionStateClosed)
	if got := sig.micTyped(live.TypeMicRevoked); len(got) != 0 {
		t.Fatalf("revoked on non-terminal state: %+v", got)
	}

	mc.connStateChanged("v1", conn, webrtc.PeerConnectionStateDisconnected)
	revoked := sig.micTyped(live.TypeMicRevoked)
	if len(revoked) != 1 {
		t.Fatalf("sent %d revokes, want 1", len(revoked))
	}
	if revoked[0].ViewerID != "v1" {
		t.Errorf("revoked viewer = %s, want v1", revoked[0].ViewerID)
	}
	mc.mu.Lock()
	_, still := mc.conns["v1"]
	mc.mu.Unlock()
	if still {
		t.Error("connection still registered after transport loss")
	}

	// A stale callback from the dead connection is a no-op.
	mc.connStateChanged("v1", conn, webrtc.PeerConnectionStateFailed)
	if got := sig.micTyped(live.TypeMicRevoked); len(got) != 1 {
		t.Errorf("stale callback sent another revoke, total %d", len(got))
	}
}

func TestMicConnectionLossIgnoresReplaced(t *testing.T) {
	sig := &fakeSignal{}
	mc, err := NewMicController(Config{}, uuid.New(), sig, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer mc.Close()

	peer1, body1 := micOffer(t)
	defer peer1.Close()
	if err := mc.HandleOffer("v1", body1); err != nil {
		t.Fatal(err)
	}
	mc.mu.Lock()
	first := mc.conns["v1"]
	mc.mu.Unlock()

	// A fresh offer replaces the old connection; the old one's death must
	// not tear down the replacement.
	peer2, body2 := micOffer(t)
	defer peer2.Close()
	if err := mc.HandleOffer("v1", body2); err != nil {
		t.Fatal(err)
	}
	mc.connStateChanged("v1", first, webrtc.PeerConnectionStateFailed)

	if got := sig.micTyped(live.TypeMicRevoked); len(got) != 0 {
		t.Errorf("replaced connection's death revoked the grant: %+v", got)
	}
	mc.mu.Lock()
	_, alive := mc.conns["v1"]
	mc.mu.Unlock()
	if !alive {
		t.Error("replacement connection was dropped")
	}
}

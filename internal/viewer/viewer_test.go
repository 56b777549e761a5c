package viewer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/lumenclass/backend/internal/live"
	"github.com/lumenclass/backend/internal/signal"
)

func recvTyped(t *testing.T, conn signal.Conn, want live.MessageType) live.Message {
	t.Helper()
	got := make(chan live.Message, 1)
	go func() {
		msg, err := conn.Receive()
		if err != nil {
			return
		}
		got <- msg
	}()
	select {
	case msg := <-got:
		if msg.Type != want {
			t.Fatalf("received %s, want %s", msg.Type, want)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
		return live.Message{}
	}
}

func TestViewerJoinAndCount(t *testing.T) {
	agentConn, serverConn := signal.Pipe()
	defer agentConn.Close()

	a, err := New(agentConn, Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	counts := make(chan int, 8)
	a.OnViewerCount(func(n int) { counts <- n })
	ended := make(chan struct{}, 1)
	a.OnSessionEnded(func() { ended <- struct{}{} })

	runDone := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { runDone <- a.Run(ctx) }()

	sid := uuid.New()
	if err := a.Join(sid, "Ada"); err != nil {
		t.Fatal(err)
	}
	msg := recvTyped(t, serverConn, live.TypeJoinSession)
	var join live.JoinPayload
	if err := json.Unmarshal(msg.Data, &join); err != nil {
		t.Fatal(err)
	}
	if join.SessionID != sid || join.Viewer.Name != "Ada" {
		t.Fatalf("unexpected join payload: %+v", join)
	}

	if err := serverConn.Send(live.New(live.TypeJoinAccepted, live.JoinAcceptedPayload{
		SessionID: sid, SelfID: "v1", Count: 3,
	})); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return a.ViewerCount() == 3 })

	if err := serverConn.Send(live.New(live.TypeViewerCount, live.ViewerCountPayload{
		SessionID: sid, Count: 4,
	})); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-counts:
		if n != 4 {
			t.Fatalf("count callback got %d, want 4", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("count callback never fired")
	}

	if err := serverConn.Send(live.New(live.TypeSessionEnded, live.SessionEndedPayload{SessionID: sid})); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run returned %v on clean session end", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after session ended")
	}
	select {
	case <-ended:
	default:
		t.Error("session-ended callback never fired")
	}
}

func TestViewerMicStates(t *testing.T) {
	agentConn, serverConn := signal.Pipe()
	defer agentConn.Close()

	a, err := New(agentConn, Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	micStates := make(chan MicState, 8)
	a.OnMicChange(func(s MicState) { micStates <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	sid := uuid.New()

	// Requesting before join is rejected locally.
	if err := a.RequestMic(); err != ErrNotJoined {
		t.Fatalf("request before join: %v, want ErrNotJoined", err)
	}

	if err := a.Join(sid, ""); err != nil {
		t.Fatal(err)
	}
	recvTyped(t, serverConn, live.TypeJoinSession)
	if err := serverConn.Send(live.New(live.TypeJoinAccepted, live.JoinAcceptedPayload{
		SessionID: sid, SelfID: "v1", Count: 1,
	})); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return a.ViewerCount() == 1 })

	if err := a.RequestMic(); err != nil {
		t.Fatal(err)
	}
	msg := recvTyped(t, serverConn, live.TypeMicRequest)
	var mic live.MicPayload
	if err := json.Unmarshal(msg.Data, &mic); err != nil {
		t.Fatal(err)
	}
	if mic.SessionID != sid || mic.ViewerID != "v1" {
		t.Fatalf("unexpected mic payload: %+v", mic)
	}
	if got := <-micStates; got != MicRequested {
		t.Fatalf("state = %s, want requested", got)
	}

	if err := serverConn.Send(live.New(live.TypeMicRejected, live.MicPayload{
		SessionID: sid, ViewerID: "v1",
	})); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-micStates:
		if got != MicRejected {
			t.Fatalf("state = %s, want rejected", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mic callback never fired")
	}
	if a.MicState() != MicRejected {
		t.Errorf("agent state = %s, want rejected", a.MicState())
	}
}

func TestViewerMicConnectionLoss(t *testing.T) {
	agentConn, _ := signal.Pipe()
	defer agentConn.Close()

	a, err := New(agentConn, Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	micStates := make(chan MicState, 4)
	a.OnMicChange(func(s MicState) { micStates <- s })

	pc, err := a.api.NewPeerConnection(a.rtc)
	if err != nil {
		t.Fatal(err)
	}
	a.mu.Lock()
	a.micPC = pc
	a.micState = MicApproved
	a.mu.Unlock()

	// Closed comes from our own teardown, not a transport loss.
	a.micConnStateChanged(pc, webrtc.PeerConnectionStateClosed)
	if a.MicState() != MicApproved {
		t.Fatalf("state after closed = %s, want approved", a.MicState())
	}

	a.micConnStateChanged(pc, webrtc.PeerConnectionStateDisconnected)
	if a.MicState() != MicNone {
		t.Fatalf("state after transport loss = %s, want none", a.MicState())
	}
	select {
	case got := <-micStates:
		if got != MicNone {
			t.Fatalf("callback state = %s, want none", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mic callback never fired")
	}
	a.mu.Lock()
	cleared := a.micPC == nil
	a.mu.Unlock()
	if !cleared {
		t.Error("mic connection still registered after loss")
	}

	// A stale callback from the dead connection changes nothing.
	a.micConnStateChanged(pc, webrtc.PeerConnectionStateFailed)
	select {
	case s := <-micStates:
		t.Fatalf("stale callback changed state to %s", s)
	default:
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

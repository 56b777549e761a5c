package signal

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/lumenclass/backend/internal/live"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	sid := uuid.New()
	if err := a.Send(live.New(live.TypeJoinSession, live.JoinPayload{SessionID: sid})); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := b.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Type != live.TypeJoinSession {
		t.Fatalf("type = %s, want join-session", msg.Type)
	}

	if err := b.Send(live.New(live.TypeSessionEnded, live.SessionEndedPayload{SessionID: sid})); err != nil {
		t.Fatalf("send back: %v", err)
	}
	if msg, err = a.Receive(); err != nil || msg.Type != live.TypeSessionEnded {
		t.Fatalf("receive back: type=%s err=%v", msg.Type, err)
	}
}

func TestPipeCloseUnblocksBothEnds(t *testing.T) {
	a, b := Pipe()

	recvErr := make(chan error, 1)
	go func() {
		_, err := b.Receive()
		recvErr <- err
	}()

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-recvErr; !errors.Is(err, ErrPipeClosed) {
		t.Fatalf("receive after close: %v, want ErrPipeClosed", err)
	}
	if err := a.Send(live.Message{Type: live.TypeLeaveSession}); !errors.Is(err, ErrPipeClosed) {
		t.Fatalf("send after close: %v, want ErrPipeClosed", err)
	}
	// Closing the other end too is harmless.
	if err := b.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
}

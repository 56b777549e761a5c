package live

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode(Message{Type: "definitely-not-a-type"})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeCreateSession(t *testing.T) {
	courseID := uuid.New()
	msg := New(TypeCreateSession, CreateSessionPayload{
		Metadata: SessionMetadata{CourseID: courseID, Title: "Algebra I"},
	})
	payload, err := Decode(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, ok := payload.(CreateSessionPayload)
	if !ok {
		t.Fatalf("expected CreateSessionPayload, got %T", payload)
	}
	if p.Metadata.CourseID != courseID || p.Metadata.Title != "Algebra I" {
		t.Errorf("metadata mismatch: %+v", p.Metadata)
	}

	_, err = Decode(New(TypeCreateSession, CreateSessionPayload{}))
	if !errors.Is(err, ErrBadPayload) {
		t.Errorf("create-session without course_id should be rejected, got %v", err)
	}
}

func TestDecodeJoinRequiresSessionID(t *testing.T) {
	_, err := Decode(New(TypeJoinSession, JoinPayload{}))
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
}

func TestDecodeRelay(t *testing.T) {
	body := json.RawMessage(`{"sdp":"v=0"}`)
	valid := RelayPayload{SessionID: uuid.New(), To: "peer-1", Body: body}

	for _, typ := range []MessageType{TypeOffer, TypeAnswer, TypeICECandidate} {
		payload, err := Decode(New(typ, valid))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		p := payload.(RelayPayload)
		if string(p.Body) != string(body) {
			t.Errorf("%s: body not preserved verbatim: %s", typ, p.Body)
		}
	}

	cases := []struct {
		name string
		p    RelayPayload
	}{
		{"missing to", RelayPayload{SessionID: uuid.New(), Body: body}},
		{"missing session", RelayPayload{To: "peer-1", Body: body}},
		{"missing body", RelayPayload{SessionID: uuid.New(), To: "peer-1"}},
	}
	for _, tc := range cases {
		if _, err := Decode(New(TypeOffer, tc.p)); !errors.Is(err, ErrBadPayload) {
			t.Errorf("%s: expected ErrBadPayload, got %v", tc.name, err)
		}
	}
}

func TestDecodeMicRequiresSessionID(t *testing.T) {
	if _, err := Decode(New(TypeMicRequest, MicPayload{ViewerID: "v1"})); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
	if _, err := Decode(New(TypeMicApproved, MicPayload{SessionID: uuid.New(), ViewerID: "v1"})); err != nil {
		t.Fatalf("valid mic message rejected: %v", err)
	}
}

func TestDecodeMalformedData(t *testing.T) {
	_, err := Decode(Message{Type: TypeJoinSession, Data: json.RawMessage(`{"session_id":42}`)})
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
}

func TestNewErrorCarriesCode(t *testing.T) {
	payload, err := Decode(NewError(CodeRoomNotFound, "no active stream"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := payload.(ErrorPayload)
	if p.Code != CodeRoomNotFound || p.Message != "no active stream" {
		t.Errorf("unexpected error payload: %+v", p)
	}
}

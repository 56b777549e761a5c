// Package live implements the broadcast coordination core: the session
// registry, the signaling relay, and the websocket channel each participant
// keeps open for the duration of a broadcast.
package live

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MessageType tags one variant of the signaling protocol. The set is closed:
// decoding rejects anything outside it.
type MessageType string

const (
	TypeCreateSession  MessageType = "create-session"
	TypeSessionCreated MessageType = "session-created"
	TypeJoinSession    MessageType = "join-session"
	TypeJoinAccepted   MessageType = "join-accepted"
	TypeLeaveSession   MessageType = "leave-session"

	// Relayed verbatim between two named parties; the server never reads the SDP.
	TypeOffer        MessageType = "negotiation-offer"
	TypeAnswer       MessageType = "negotiation-answer"
	TypeICECandidate MessageType = "ice-candidate"

	TypeMicRequest  MessageType = "mic-request"
	TypeMicApproved MessageType = "mic-approved"
	TypeMicRejected MessageType = "mic-rejected"
	TypeMicRevoked  MessageType = "mic-revoked"
	TypeMicActive   MessageType = "mic-active"

	TypeViewerJoined MessageType = "viewer-joined"
	TypeViewerLeft   MessageType = "viewer-left"
	TypeViewerCount  MessageType = "viewer-count-update"
	TypeSessionEnded MessageType = "session-ended"
	TypeError        MessageType = "error"
)

// Error codes carried by TypeError messages.
const (
	CodeRoomNotFound       = "room_not_found"
	CodeNegotiationTimeout = "negotiation_timeout"
	CodeInvalidMessage     = "invalid_message"
	CodeNotAllowed         = "not_allowed"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrBadPayload  = errors.New("malformed message payload")
)

// Message is the wire envelope for every signaling exchange.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SessionMetadata is opaque descriptive data attached to a session.
type SessionMetadata struct {
	CourseID    uuid.UUID `json:"course_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
}

// ViewerInfo is best-effort display data supplied by a joining viewer.
type ViewerInfo struct {
	Name string `json:"name,omitempty"`
}

// CreateSessionPayload starts a broadcast. Broadcaster identity comes from
// the channel, never from the payload.
type CreateSessionPayload struct {
	Metadata SessionMetadata `json:"metadata"`
}

// SessionCreatedPayload acknowledges create-session and tells the
// broadcaster its channel identity.
type SessionCreatedPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	SelfID    string    `json:"self_id"`
}

// JoinPayload asks to join a running session.
type JoinPayload struct {
	SessionID uuid.UUID  `json:"session_id"`
	Viewer    ViewerInfo `json:"viewer"`
}

// JoinAcceptedPayload acknowledges join-session and tells the viewer its
// channel identity and the current viewer count.
type JoinAcceptedPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	SelfID    string    `json:"self_id"`
	Count     int       `json:"count"`
}

// LeavePayload leaves a session. Idempotent on the server.
type LeavePayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// RelayPayload is the routing header shared by offer, answer and ICE
// messages. Body is kept raw and forwarded untouched; Purpose distinguishes
// the viewer's receive connection from its mic connection so the endpoints
// can route the negotiation to the right peer connection.
type RelayPayload struct {
	SessionID uuid.UUID       `json:"session_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Purpose   string          `json:"purpose,omitempty"` // "broadcast" (default) or "mic"
	Body      json.RawMessage `json:"body"`
}

// Connection purposes used in RelayPayload.
const (
	PurposeBroadcast = "broadcast"
	PurposeMic       = "mic"
)

// MicPayload drives the mic admission workflow for one viewer.
type MicPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	ViewerID  string    `json:"viewer_id"`
}

// ViewerEventPayload notifies the broadcaster that a viewer joined or left,
// so the fan-out side can create or discard the matching peer connection.
type ViewerEventPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	ViewerID  string    `json:"viewer_id"`
	Name      string    `json:"name,omitempty"`
}

// ViewerCountPayload is the fire-and-forget count broadcast.
type ViewerCountPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	Count     int       `json:"count"`
}

// SessionEndedPayload tells participants the broadcast is over.
type SessionEndedPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// ErrorPayload reports a protocol-level failure to one participant.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// New builds a Message of the given type with a marshalled payload.
func New(t MessageType, payload interface{}) Message {
	data, _ := json.Marshal(payload)
	return Message{Type: t, Data: data}
}

// NewError builds a TypeError message.
func NewError(code, msg string) Message {
	return New(TypeError, ErrorPayload{Code: code, Message: msg})
}

// Decode validates a message and returns its typed payload. Unknown types
// and malformed payloads are rejected outright, never partially interpreted.
func Decode(m Message) (interface{}, error) {
	switch m.Type {
	case TypeCreateSession:
		var p CreateSessionPayload
		if err := unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		if p.Metadata.CourseID == uuid.Nil {
			return nil, fmt.Errorf("%w: create-session requires course_id", ErrBadPayload)
		}
		return p, nil
	case TypeSessionCreated:
		var p SessionCreatedPayload
		return p, unmarshal(m.Data, &p)
	case TypeJoinSession:
		var p JoinPayload
		if err := unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		if p.SessionID == uuid.Nil {
			return nil, fmt.Errorf("%w: join-session requires session_id", ErrBadPayload)
		}
		return p, nil
	case TypeJoinAccepted:
		var p JoinAcceptedPayload
		return p, unmarshal(m.Data, &p)
	case TypeLeaveSession:
		var p LeavePayload
		return p, unmarshal(m.Data, &p)
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var p RelayPayload
		if err := unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		if p.SessionID == uuid.Nil || p.To == "" {
			return nil, fmt.Errorf("%w: relay requires session_id and to", ErrBadPayload)
		}
		if len(p.Body) == 0 {
			return nil, fmt.Errorf("%w: relay requires a body", ErrBadPayload)
		}
		return p, nil
	case TypeMicRequest, TypeMicApproved, TypeMicRejected, TypeMicRevoked, TypeMicActive:
		var p MicPayload
		if err := unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		if p.SessionID == uuid.Nil {
			return nil, fmt.Errorf("%w: mic message requires session_id", ErrBadPayload)
		}
		return p, nil
	case TypeViewerJoined, TypeViewerLeft:
		var p ViewerEventPayload
		return p, unmarshal(m.Data, &p)
	case TypeViewerCount:
		var p ViewerCountPayload
		return p, unmarshal(m.Data, &p)
	case TypeSessionEnded:
		var p SessionEndedPayload
		return p, unmarshal(m.Data, &p)
	case TypeError:
		var p ErrorPayload
		return p, unmarshal(m.Data, &p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrBadPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

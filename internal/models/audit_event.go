package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEventType classifies a compliance audit event.
type AuditEventType string

const (
	AuditSessionStarted AuditEventType = "session_started"
	AuditSessionEnded   AuditEventType = "session_ended"
	AuditViewerJoined   AuditEventType = "viewer_joined"
	AuditViewerLeft     AuditEventType = "viewer_left"
	AuditMicRequested   AuditEventType = "mic_requested"
	AuditMicApproved    AuditEventType = "mic_approved"
	AuditMicRejected    AuditEventType = "mic_rejected"
	AuditMicRevoked     AuditEventType = "mic_revoked"
	AuditMicActive      AuditEventType = "mic_active"
	AuditUserRegistered AuditEventType = "user_registered"
	AuditUserErased     AuditEventType = "user_erased"
	AuditLectureCreated AuditEventType = "lecture_created"
)

// AuditEvent is one immutable compliance log entry (GDPR / audit trail).
type AuditEvent struct {
	ID        uuid.UUID       `json:"id"`
	Type      AuditEventType  `json:"type"`
	SessionID *uuid.UUID      `json:"session_id,omitempty"`
	CourseID  *uuid.UUID      `json:"course_id,omitempty"`
	ActorID   *uuid.UUID      `json:"actor_id,omitempty"`
	SubjectID string          `json:"subject_id,omitempty"` // channel identity when no platform user is known
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnrollmentStatus is the lifecycle status of a course enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// Enrollment links a student to a course, with their enrollment form responses.
type Enrollment struct {
	ID            uuid.UUID        `json:"id"`
	CourseID      uuid.UUID        `json:"course_id"`
	UserID        uuid.UUID        `json:"user_id"`
	Status        EnrollmentStatus `json:"status"`
	FormResponses json.RawMessage  `json:"form_responses,omitempty"`
	AttendedLive  bool             `json:"attended_live"`
	EnrolledAt    time.Time        `json:"enrolled_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

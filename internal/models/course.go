package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FormFieldConfig is one field in the student enrollment form (admin-defined).
type FormFieldConfig struct {
	ID       string `json:"id"`       // key for storing response, e.g. "institution"
	Label    string `json:"label"`    // display label, e.g. "Institution name"
	Type     string `json:"type"`     // "text", "email", "number", "textarea"
	Required bool   `json:"required"`
}

// Course represents a course on the platform.
type Course struct {
	ID                 uuid.UUID       `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Category           string          `json:"category"`
	Published          bool            `json:"published"`
	CreatedBy          uuid.UUID       `json:"created_by"`
	EnrollmentFormConfig json.RawMessage `json:"enrollment_form_config,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// CourseInstructor links a user as instructor to a course.
type CourseInstructor struct {
	CourseID uuid.UUID `json:"course_id"`
	UserID   uuid.UUID `json:"user_id"`
	AddedAt  time.Time `json:"added_at"`
}

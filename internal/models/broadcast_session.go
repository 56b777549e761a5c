package models

import (
	"time"

	"github.com/google/uuid"
)

// BroadcastSession tracks one live broadcast for a course (history + peak viewers).
type BroadcastSession struct {
	ID            uuid.UUID  `json:"id"`
	CourseID      uuid.UUID  `json:"course_id"`
	BroadcasterID uuid.UUID  `json:"broadcaster_id"`
	Title         string     `json:"title"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	PeakViewers   int        `json:"peak_viewers"`
	TotalViewers  int        `json:"total_viewers"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

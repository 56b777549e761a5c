package models

import (
	"time"

	"github.com/google/uuid"
)

// LectureStatus is the processing status of an uploaded lecture file.
type LectureStatus string

const (
	LectureUploading  LectureStatus = "uploading"
	LectureProcessing LectureStatus = "processing"
	LectureReady      LectureStatus = "ready"
	LectureFailed     LectureStatus = "failed"
)

// LectureSource says where the media came from.
type LectureSource string

const (
	SourceUpload        LectureSource = "upload"
	SourceLiveRecording LectureSource = "live_recording"
)

// Lecture is a recorded lecture video attached to a course.
type Lecture struct {
	ID          uuid.UUID     `json:"id"`
	CourseID    uuid.UUID     `json:"course_id"`
	Title       string        `json:"title"`
	S3Key       string        `json:"s3_key,omitempty"`
	S3URL       string        `json:"s3_url,omitempty"`
	ContentType string        `json:"content_type"`
	Duration    int64         `json:"duration"` // seconds
	FileSize    int64         `json:"file_size"`
	Source      LectureSource `json:"source"`
	Status      LectureStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

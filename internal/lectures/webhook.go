package lectures

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenclass/backend/internal/models"
	"github.com/lumenclass/backend/pkg/queue"
	"github.com/lumenclass/backend/pkg/response"
)

// UploadCompletePayload is the body for POST /webhooks/lecture-uploaded,
// sent by the client after the presigned PUT succeeds.
type UploadCompletePayload struct {
	LectureID string `json:"lecture_id" binding:"required,uuid"`
	S3Key     string `json:"s3_key" binding:"required"`
	FileSize  int64  `json:"file_size"`
}

// WebhookHandler receives upload-complete notifications and hands the
// verification work to the ingest worker.
type WebhookHandler struct {
	repo   *Repository
	queue  *queue.Queue
	logger *zap.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(repo *Repository, q *queue.Queue, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{repo: repo, queue: q, logger: logger}
}

// RecordingReadyPayload is the body for POST /webhooks/recording-ready,
// sent by the studio after it uploads a finished session recording.
type RecordingReadyPayload struct {
	CourseID  string `json:"course_id" binding:"required,uuid"`
	SessionID string `json:"session_id" binding:"required,uuid"`
	Title     string `json:"title"`
	S3Key     string `json:"s3_key" binding:"required"`
	S3URL     string `json:"s3_url"`
	FileSize  int64  `json:"file_size"`
	Duration  int64  `json:"duration"`
}

// UploadComplete handles POST /webhooks/lecture-uploaded. Moves the lecture
// to processing and enqueues the ingest job; the worker verifies the object
// in S3 and marks the lecture ready.
func (h *WebhookHandler) UploadComplete(c *gin.Context) {
	var body UploadCompletePayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	lectureID, err := uuid.Parse(body.LectureID)
	if err != nil {
		response.BadRequest(c, "invalid lecture_id")
		return
	}

	l, err := h.repo.GetByID(c.Request.Context(), lectureID)
	if err != nil {
		response.NotFound(c, "lecture not found")
		return
	}
	if l.Status == models.LectureReady {
		c.JSON(http.StatusOK, gin.H{"success": true, "lecture_id": l.ID, "status": l.Status})
		return
	}

	if err := h.repo.UpdateStatus(c.Request.Context(), l.ID, models.LectureProcessing); err != nil {
		h.logger.Error("update lecture status failed", zap.Error(err), zap.String("lecture_id", l.ID.String()))
		response.Internal(c, "failed to update lecture")
		return
	}

	if err := h.queue.EnqueueLectureIngest(c.Request.Context(), queue.LectureIngestPayload{
		LectureID: l.ID,
		CourseID:  l.CourseID,
		S3Key:     body.S3Key,
	}); err != nil {
		h.logger.Error("enqueue lecture ingest failed", zap.Error(err), zap.String("lecture_id", l.ID.String()))
		response.Internal(c, "failed to enqueue ingest")
		return
	}

	h.logger.Info("lecture upload webhook processed",
		zap.String("lecture_id", l.ID.String()), zap.String("s3_key", body.S3Key))
	c.JSON(http.StatusOK, gin.H{"success": true, "lecture_id": l.ID, "status": models.LectureProcessing})
}

// RecordingReady handles POST /webhooks/recording-ready. Registers a live
// session recording as a ready lecture on the course.
func (h *WebhookHandler) RecordingReady(c *gin.Context) {
	var body RecordingReadyPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	courseID, err := uuid.Parse(body.CourseID)
	if err != nil {
		response.BadRequest(c, "invalid course_id")
		return
	}

	title := body.Title
	if title == "" {
		title = "Live session recording"
	}
	l := &models.Lecture{
		CourseID:    courseID,
		Title:       title,
		S3Key:       body.S3Key,
		S3URL:       body.S3URL,
		ContentType: "video/webm",
		Duration:    body.Duration,
		FileSize:    body.FileSize,
		Source:      models.SourceLiveRecording,
		Status:      models.LectureReady,
	}
	if err := h.repo.Create(c.Request.Context(), l); err != nil {
		h.logger.Error("create recording lecture failed", zap.Error(err),
			zap.String("course_id", courseID.String()), zap.String("session_id", body.SessionID))
		response.Internal(c, "failed to register recording")
		return
	}

	h.logger.Info("recording registered as lecture",
		zap.String("lecture_id", l.ID.String()),
		zap.String("session_id", body.SessionID),
		zap.String("s3_key", body.S3Key))
	c.JSON(http.StatusOK, gin.H{"success": true, "lecture_id": l.ID, "status": l.Status})
}

package lectures

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenclass/backend/internal/courses"
	"github.com/lumenclass/backend/internal/middleware"
	"github.com/lumenclass/backend/internal/models"
	"github.com/lumenclass/backend/pkg/response"
	"github.com/lumenclass/backend/pkg/storage"
)

// CreateUploadRequest is the body for POST /courses/:id/lectures.
type CreateUploadRequest struct {
	Title       string `json:"title" binding:"required"`
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
}

// Handler handles lecture HTTP endpoints.
type Handler struct {
	repo       *Repository
	courseRepo *courses.Repository
	s3         *storage.S3
	logger     *zap.Logger
}

// NewHandler creates a lectures handler.
func NewHandler(repo *Repository, courseRepo *courses.Repository, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, courseRepo: courseRepo, s3: s3, logger: logger}
}

func (h *Handler) canManage(c *gin.Context, courseID uuid.UUID) bool {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role := c.MustGet(middleware.ContextUserRole).(string)
	if role == string(models.RoleAdmin) {
		return true
	}
	ok, err := h.courseRepo.IsOwnerOrInstructor(c.Request.Context(), courseID, userID)
	return err == nil && ok
}

// CreateUpload handles POST /courses/:id/lectures. Creates the lecture row
// and returns a presigned S3 upload URL; the client PUTs the file directly.
func (h *Handler) CreateUpload(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	if !h.canManage(c, courseID) {
		response.Forbidden(c, "not authorized to add lectures")
		return
	}

	var req CreateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeForFilename(req.Filename)
	}
	if !storage.ValidateLectureFileType(contentType, req.Filename) {
		response.BadRequest(c, "unsupported lecture file type")
		return
	}

	if h.s3 == nil {
		response.ServiceUnavailable(c, "storage not configured")
		return
	}

	l := &models.Lecture{
		CourseID:    courseID,
		Title:       req.Title,
		ContentType: contentType,
		Source:      models.SourceUpload,
		Status:      models.LectureUploading,
	}
	if err := h.repo.Create(c.Request.Context(), l); err != nil {
		h.logger.Error("create lecture failed", zap.Error(err), zap.String("course_id", courseID.String()))
		response.Internal(c, "failed to create lecture")
		return
	}

	key := storage.LectureKey(courseID.String(), l.ID.String(), req.Filename)
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedUploadURL(c.Request.Context(), h.s3.LecturesBucket(), key, contentType, expire)
	if err != nil {
		h.logger.Error("presign lecture upload failed", zap.Error(err), zap.String("lecture_id", l.ID.String()))
		response.Internal(c, "failed to generate upload URL")
		return
	}

	response.Created(c, gin.H{
		"lecture":    l,
		"upload_url": url,
		"s3_key":     key,
		"expires_in": int(expire.Seconds()),
	})
}

// ListByCourse handles GET /courses/:id/lectures.
func (h *Handler) ListByCourse(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	list, err := h.repo.ListByCourse(c.Request.Context(), courseID)
	if err != nil {
		h.logger.Error("list lectures failed", zap.Error(err), zap.String("course_id", courseID.String()))
		response.Internal(c, "failed to list lectures")
		return
	}
	response.OK(c, list)
}

// GenerateDownloadURL handles GET /lectures/:id/download-url.
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	lectureID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	l, err := h.repo.GetByID(c.Request.Context(), lectureID)
	if err != nil {
		response.NotFound(c, "lecture not found")
		return
	}
	if l.Status != models.LectureReady || l.S3Key == "" {
		response.BadRequest(c, "lecture not ready for download")
		return
	}
	if h.s3 == nil {
		response.ServiceUnavailable(c, "storage not configured")
		return
	}

	bucket := h.s3.LecturesBucket()
	if l.Source == models.SourceLiveRecording {
		bucket = h.s3.RecordingsBucket()
	}
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), bucket, l.S3Key, expire)
	if err != nil {
		h.logger.Error("presign lecture download failed", zap.Error(err), zap.String("lecture_id", lectureID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}

// Delete handles DELETE /lectures/:id (owner or instructor of the course).
func (h *Handler) Delete(c *gin.Context) {
	lectureID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	l, err := h.repo.GetByID(c.Request.Context(), lectureID)
	if err != nil {
		response.NotFound(c, "lecture not found")
		return
	}
	if !h.canManage(c, l.CourseID) {
		response.Forbidden(c, "not authorized to delete lectures")
		return
	}
	if l.S3Key != "" && h.s3 != nil {
		if err := h.s3.DeleteObject(c.Request.Context(), h.s3.LecturesBucket(), l.S3Key); err != nil {
			h.logger.Warn("delete lecture object failed", zap.Error(err), zap.String("s3_key", l.S3Key))
		}
	}
	if err := h.repo.Delete(c.Request.Context(), lectureID); err != nil {
		response.Internal(c, "failed to delete lecture")
		return
	}
	response.NoContent(c)
}

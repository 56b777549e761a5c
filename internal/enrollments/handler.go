package enrollments

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenclass/backend/internal/courses"
	"github.com/lumenclass/backend/internal/middleware"
	"github.com/lumenclass/backend/internal/models"
	"github.com/lumenclass/backend/pkg/response"
)

// EnrollRequest is the body for POST /courses/:id/enroll.
type EnrollRequest struct {
	FormResponses map[string]string `json:"form_responses,omitempty"` // dynamic fields from enrollment_form_config
}

// Handler handles enrollment HTTP endpoints.
type Handler struct {
	repo       *Repository
	courseRepo *courses.Repository
	logger     *zap.Logger
}

// NewHandler creates an enrollments handler.
func NewHandler(repo *Repository, courseRepo *courses.Repository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, courseRepo: courseRepo, logger: logger}
}

// Enroll handles POST /courses/:id/enroll. Validates required form fields
// against the course's enrollment form config.
func (h *Handler) Enroll(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	course, err := h.courseRepo.GetByID(c.Request.Context(), courseID)
	if err != nil {
		response.NotFound(c, "course not found")
		return
	}
	if !course.Published {
		response.Forbidden(c, "course is not open for enrollment")
		return
	}

	var req EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	if missing := missingRequiredFields(course.EnrollmentFormConfig, req.FormResponses); missing != "" {
		response.BadRequest(c, "missing required field: "+missing)
		return
	}

	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var formResponses json.RawMessage
	if len(req.FormResponses) > 0 {
		formResponses, _ = json.Marshal(req.FormResponses)
	}
	e := &models.Enrollment{
		CourseID:      courseID,
		UserID:        userID,
		FormResponses: formResponses,
	}
	if err := h.repo.Create(c.Request.Context(), e); err != nil {
		h.logger.Error("enroll failed", zap.Error(err), zap.String("course_id", courseID.String()))
		response.Internal(c, "failed to enroll")
		return
	}
	response.Created(c, e)
}

// ListByCourse handles GET /courses/:id/enrollments (owner or instructor).
func (h *Handler) ListByCourse(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role := c.MustGet(middleware.ContextUserRole).(string)
	if role != string(models.RoleAdmin) {
		ok, err := h.courseRepo.IsOwnerOrInstructor(c.Request.Context(), courseID, userID)
		if err != nil || !ok {
			response.Forbidden(c, "only the owner or an instructor can list enrollments")
			return
		}
	}
	list, err := h.repo.ListByCourse(c.Request.Context(), courseID)
	if err != nil {
		response.Internal(c, "failed to list enrollments")
		return
	}
	response.OK(c, list)
}

// Mine handles GET /enrollments. Returns the current user's enrollments.
func (h *Handler) Mine(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.repo.ListByUser(c.Request.Context(), userID)
	if err != nil {
		response.Internal(c, "failed to list enrollments")
		return
	}
	response.OK(c, list)
}

// Cancel handles DELETE /enrollments/:id (the enrolled student only).
func (h *Handler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid enrollment id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	e, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "enrollment not found")
		return
	}
	if e.UserID != userID {
		response.Forbidden(c, "not your enrollment")
		return
	}
	if err := h.repo.SetStatus(c.Request.Context(), id, models.EnrollmentCancelled); err != nil {
		response.Internal(c, "failed to cancel enrollment")
		return
	}
	response.NoContent(c)
}

// Stats handles GET /courses/:id/enrollments/stats.
func (h *Handler) Stats(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	total, attended, err := h.repo.CountByCourse(c.Request.Context(), courseID)
	if err != nil {
		response.Internal(c, "failed to count enrollments")
		return
	}
	response.OK(c, gin.H{"course_id": courseID, "total": total, "attended_live": attended})
}

func missingRequiredFields(config json.RawMessage, responses map[string]string) string {
	if len(config) == 0 || string(config) == "null" {
		return ""
	}
	var fields []models.FormFieldConfig
	if err := json.Unmarshal(config, &fields); err != nil {
		return ""
	}
	for _, f := range fields {
		if f.Required && responses[f.ID] == "" {
			return f.ID
		}
	}
	return ""
}

package courses

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lumenclass/backend/internal/live"
	"github.com/lumenclass/backend/internal/middleware"
	"github.com/lumenclass/backend/internal/models"
	"github.com/lumenclass/backend/pkg/response"
)

// CreateRequest is the body for POST /courses.
type CreateRequest struct {
	Title         string                   `json:"title" binding:"required"`
	Description   string                   `json:"description"`
	Category      string                   `json:"category"`
	Published     bool                     `json:"published"`
	FormFields    []models.FormFieldConfig `json:"enrollment_form_config"`
	InstructorIDs []string                 `json:"instructor_ids"` // optional platform user IDs
}

// AddInstructorRequest is the body for POST /courses/:id/instructors.
type AddInstructorRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
}

// Handler handles course HTTP endpoints.
type Handler struct {
	repo     *Repository
	presence *live.Presence
}

// NewHandler creates a course handler.
func NewHandler(repo *Repository, presence *live.Presence) *Handler {
	return &Handler{repo: repo, presence: presence}
}

func validFormFields(fields []models.FormFieldConfig) bool {
	for _, f := range fields {
		if f.ID == "" || f.Label == "" {
			return false
		}
		switch f.Type {
		case "text", "email", "number", "textarea":
		default:
			return false
		}
	}
	return true
}

// Create handles POST /courses (admin or instructor).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !validFormFields(req.FormFields) {
		response.BadRequest(c, "invalid enrollment form config")
		return
	}

	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var formConfig json.RawMessage
	if len(req.FormFields) > 0 {
		formConfig, _ = json.Marshal(req.FormFields)
	}
	course := &models.Course{
		Title:                req.Title,
		Description:          req.Description,
		Category:             req.Category,
		Published:            req.Published,
		CreatedBy:            userID,
		EnrollmentFormConfig: formConfig,
	}
	if err := h.repo.Create(c.Request.Context(), course); err != nil {
		response.Internal(c, "failed to create course")
		return
	}
	for _, idStr := range req.InstructorIDs {
		instructorID, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		_ = h.repo.AddInstructor(c.Request.Context(), course.ID, instructorID)
	}
	response.Created(c, course)
}

// GetByID handles GET /courses/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	course, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "course not found")
		return
	}
	response.OK(c, course)
}

// List handles GET /courses. Query ?mine=1 returns only courses created by
// the current user; students see published courses only.
func (h *Handler) List(c *gin.Context) {
	var createdBy *uuid.UUID
	if c.Query("mine") == "1" {
		uid := c.MustGet(middleware.ContextUserID).(uuid.UUID)
		createdBy = &uid
	}
	role := c.MustGet(middleware.ContextUserRole).(string)
	publishedOnly := role == string(models.RoleStudent)

	list, err := h.repo.List(c.Request.Context(), createdBy, publishedOnly)
	if err != nil {
		response.Internal(c, "failed to list courses")
		return
	}
	response.OK(c, list)
}

// Update handles PATCH /courses/:id (owner or instructor).
func (h *Handler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	course, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "course not found")
		return
	}
	ok, err := h.repo.IsOwnerOrInstructor(c.Request.Context(), id, userID)
	if err != nil || !ok {
		response.Forbidden(c, "only the owner or an instructor can update this course")
		return
	}

	var req struct {
		Title       *string                  `json:"title"`
		Description *string                  `json:"description"`
		Category    *string                  `json:"category"`
		Published   *bool                    `json:"published"`
		FormFields  []models.FormFieldConfig `json:"enrollment_form_config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request")
		return
	}
	if !validFormFields(req.FormFields) {
		response.BadRequest(c, "invalid enrollment form config")
		return
	}

	title, desc, category := course.Title, course.Description, course.Category
	if req.Title != nil {
		title = *req.Title
	}
	if req.Description != nil {
		desc = *req.Description
	}
	if req.Category != nil {
		category = *req.Category
	}
	var formConfig json.RawMessage
	if len(req.FormFields) > 0 {
		formConfig, _ = json.Marshal(req.FormFields)
	}
	if err := h.repo.Update(c.Request.Context(), id, title, desc, category, req.Published, formConfig); err != nil {
		response.Internal(c, "failed to update course")
		return
	}
	updated, _ := h.repo.GetByID(c.Request.Context(), id)
	response.OK(c, updated)
}

// Delete handles DELETE /courses/:id (owner only).
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	course, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "course not found")
		return
	}
	if course.CreatedBy != userID {
		response.Forbidden(c, "only the owner can delete this course")
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		response.Internal(c, "failed to delete course")
		return
	}
	response.NoContent(c)
}

// LiveStatus handles GET /courses/:id/live. Reads the presence cache, not
// the registry, so it works from any server process.
func (h *Handler) LiveStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	status, err := h.presence.StatusOf(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to read live status")
		return
	}
	response.OK(c, gin.H{"course_id": id, "live": status.Live, "session_id": status.SessionID, "viewers": status.Viewers})
}

package audit

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenclass/backend/internal/auth"
	"github.com/lumenclass/backend/internal/middleware"
	"github.com/lumenclass/backend/internal/models"
	"github.com/lumenclass/backend/pkg/response"
)

// Handler handles audit and data-privacy HTTP endpoints.
type Handler struct {
	repo     *Repository
	userRepo *auth.Repository
	sink     *Sink
	logger   *zap.Logger
}

// NewHandler creates an audit handler.
func NewHandler(repo *Repository, userRepo *auth.Repository, sink *Sink, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, userRepo: userRepo, sink: sink, logger: logger}
}

// ListBySession handles GET /sessions/:id/audit (admin only).
func (h *Handler) ListBySession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	list, err := h.repo.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to list audit events")
		return
	}
	response.OK(c, gin.H{"session_id": sessionID, "events": list})
}

// MyData handles GET /me/data. Returns everything the platform holds about
// the requesting user's activity.
func (h *Handler) MyData(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.repo.ListByActor(c.Request.Context(), userID)
	if err != nil {
		response.Internal(c, "failed to collect user data")
		return
	}
	response.OK(c, gin.H{"user_id": userID, "events": list})
}

// EraseUser handles DELETE /users/:id/data (admin only). Anonymizes the
// account and detaches the user from the audit trail, then records the
// erasure itself.
func (h *Handler) EraseUser(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	if _, err := h.userRepo.GetByID(c.Request.Context(), userID); err != nil {
		response.NotFound(c, "user not found")
		return
	}

	erased, err := h.repo.EraseActor(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("erase audit trail failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to erase user data")
		return
	}
	if err := h.userRepo.Erase(c.Request.Context(), userID); err != nil {
		h.logger.Error("erase user failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to erase user")
		return
	}

	adminID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	h.sink.Record(models.AuditEvent{
		Type:    models.AuditUserErased,
		ActorID: &adminID,
	})

	h.logger.Info("user data erased",
		zap.String("user_id", userID.String()), zap.Int64("events_detached", erased))
	response.OK(c, gin.H{"user_id": userID, "events_detached": erased})
}

package live

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix = "live:course:"
	presenceTTL       = 90 * time.Second
	presenceOpTimeout = 2 * time.Second
)

// Presence mirrors live-session status into Redis so the CRUD side can
// render "live now" badges and viewer counts without reaching into the
// registry process. Entries expire on their own if the server dies without
// cleaning up.
type Presence struct {
	client *redis.Client
	logger *zap.Logger
}

// Status is what the presence cache knows about one course.
type Status struct {
	Live      bool      `json:"live"`
	SessionID uuid.UUID `json:"session_id,omitempty"`
	Viewers   int       `json:"viewers"`
}

// NewPresence creates a Redis-backed presence cache.
func NewPresence(client *redis.Client, logger *zap.Logger) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{client: client, logger: logger}
}

func presenceKey(courseID uuid.UUID) string {
	return presenceKeyPrefix + courseID.String()
}

// SetLive marks a course as live with the given session and count.
func (p *Presence) SetLive(courseID, sessionID uuid.UUID, viewers int) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	defer cancel()
	err := p.client.HSet(ctx, presenceKey(courseID),
		"session_id", sessionID.String(),
		"viewers", viewers,
	).Err()
	if err == nil {
		err = p.client.Expire(ctx, presenceKey(courseID), presenceTTL).Err()
	}
	if err != nil {
		p.logger.Warn("presence set failed", zap.String("course_id", courseID.String()), zap.Error(err))
	}
}

// UpdateViewers refreshes the viewer count and the TTL.
func (p *Presence) UpdateViewers(courseID uuid.UUID, viewers int) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	defer cancel()
	pipe := p.client.Pipeline()
	pipe.HSet(ctx, presenceKey(courseID), "viewers", viewers)
	pipe.Expire(ctx, presenceKey(courseID), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("presence update failed", zap.String("course_id", courseID.String()), zap.Error(err))
	}
}

// ClearLive removes the live marker for a course.
func (p *Presence) ClearLive(courseID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	defer cancel()
	if err := p.client.Del(ctx, presenceKey(courseID)).Err(); err != nil {
		p.logger.Warn("presence clear failed", zap.String("course_id", courseID.String()), zap.Error(err))
	}
}

// StatusOf returns the cached live status for a course.
func (p *Presence) StatusOf(ctx context.Context, courseID uuid.UUID) (Status, error) {
	vals, err := p.client.HGetAll(ctx, presenceKey(courseID)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("presence get: %w", err)
	}
	if len(vals) == 0 {
		return Status{}, nil
	}
	st := Status{Live: true}
	if sid, err := uuid.Parse(vals["session_id"]); err == nil {
		st.SessionID = sid
	}
	if n, err := strconv.Atoi(vals["viewers"]); err == nil {
		st.Viewers = n
	}
	return st, nil
}

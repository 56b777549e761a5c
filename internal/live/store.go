package live

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenclass/backend/internal/models"
)

// Store persists broadcast session history (started/ended, peak viewers).
// History is reporting data; the in-memory registry stays the authority on
// what is live right now.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a broadcast session history store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Start records the beginning of a broadcast session.
func (s *Store) Start(ctx context.Context, sessionID, courseID, broadcasterID uuid.UUID, title string) error {
	const q = `INSERT INTO broadcast_sessions (id, course_id, broadcaster_id, title, started_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, sessionID, courseID, broadcasterID, title)
	return err
}

// End stamps the session's end time.
func (s *Store) End(ctx context.Context, sessionID uuid.UUID) error {
	const q = `UPDATE broadcast_sessions SET ended_at = NOW(), updated_at = NOW() WHERE id = $1 AND ended_at IS NULL`
	_, err := s.pool.Exec(ctx, q, sessionID)
	return err
}

// RecordPeak raises the stored peak viewer count when exceeded.
func (s *Store) RecordPeak(ctx context.Context, sessionID uuid.UUID, count int) error {
	const q = `UPDATE broadcast_sessions
		SET peak_viewers = GREATEST(peak_viewers, $2), updated_at = NOW()
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, sessionID, count)
	return err
}

// IncrementTotal counts one more join over the session's lifetime.
func (s *Store) IncrementTotal(ctx context.Context, sessionID uuid.UUID) error {
	const q = `UPDATE broadcast_sessions SET total_viewers = total_viewers + 1, updated_at = NOW() WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, sessionID)
	return err
}

// GetByID returns one session history row.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*models.BroadcastSession, error) {
	const q = `SELECT id, course_id, broadcaster_id, title, started_at, ended_at, peak_viewers, total_viewers, created_at, updated_at
		FROM broadcast_sessions WHERE id = $1`
	var bs models.BroadcastSession
	err := s.pool.QueryRow(ctx, q, id).Scan(&bs.ID, &bs.CourseID, &bs.BroadcasterID, &bs.Title,
		&bs.StartedAt, &bs.EndedAt, &bs.PeakViewers, &bs.TotalViewers, &bs.CreatedAt, &bs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &bs, nil
}

// ListByCourse returns session history for a course, newest first.
func (s *Store) ListByCourse(ctx context.Context, courseID uuid.UUID) ([]models.BroadcastSession, error) {
	const q = `SELECT id, course_id, broadcaster_id, title, started_at, ended_at, peak_viewers, total_viewers, created_at, updated_at
		FROM broadcast_sessions WHERE course_id = $1 ORDER BY started_at DESC`
	rows, err := s.pool.Query(ctx, q, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.BroadcastSession
	for rows.Next() {
		var bs models.BroadcastSession
		if err := rows.Scan(&bs.ID, &bs.CourseID, &bs.BroadcasterID, &bs.Title,
			&bs.StartedAt, &bs.EndedAt, &bs.PeakViewers, &bs.TotalViewers, &bs.CreatedAt, &bs.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, bs)
	}
	return list, rows.Err()
}

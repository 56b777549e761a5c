package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenclass/backend/internal/models"
)

// Repository handles audit event persistence. Events are append-only.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an audit repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends one event.
func (r *Repository) Insert(ctx context.Context, e *models.AuditEvent) error {
	const q = `INSERT INTO audit_events (id, type, session_id, course_id, actor_id, subject_id, detail)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, NULLIF($5,''), $6)
		RETURNING id, created_at`
	var detail interface{}
	if len(e.Detail) > 0 {
		detail = e.Detail
	}
	return r.pool.QueryRow(ctx, q, string(e.Type), e.SessionID, e.CourseID, e.ActorID, e.SubjectID, detail).
		Scan(&e.ID, &e.CreatedAt)
}

// ListBySession returns events for one broadcast session, oldest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.AuditEvent, error) {
	const q = `SELECT id, type, session_id, course_id, actor_id, COALESCE(subject_id,''),
		COALESCE(detail, 'null'::jsonb), created_at
		FROM audit_events WHERE session_id = $1 ORDER BY created_at`
	return r.list(ctx, q, sessionID)
}

// ListByActor returns events where the user acted or was the subject,
// newest first. This backs data-access requests.
func (r *Repository) ListByActor(ctx context.Context, userID uuid.UUID) ([]models.AuditEvent, error) {
	const q = `SELECT id, type, session_id, course_id, actor_id, COALESCE(subject_id,''),
		COALESCE(detail, 'null'::jsonb), created_at
		FROM audit_events WHERE actor_id = $1 OR subject_id = $1::text ORDER BY created_at DESC`
	return r.list(ctx, q, userID)
}

// EraseActor detaches a user from their audit trail: the events stay for
// compliance but no longer name the person.
func (r *Repository) EraseActor(ctx context.Context, userID uuid.UUID) (int64, error) {
	const q = `UPDATE audit_events SET actor_id = NULL, subject_id = NULL, detail = NULL
		WHERE actor_id = $1 OR subject_id = $1::text`
	tag, err := r.pool.Exec(ctx, q, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) list(ctx context.Context, q string, arg interface{}) ([]models.AuditEvent, error) {
	rows, err := r.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.ID, &e.Type, &e.SessionID, &e.CourseID, &e.ActorID,
			&e.SubjectID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

package enrollments

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenclass/backend/internal/models"
)

// Repository handles enrollment persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an enrollments repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts an enrollment (unique per course+user). Re-enrolling
// revives a cancelled enrollment with fresh form responses.
func (r *Repository) Create(ctx context.Context, e *models.Enrollment) error {
	const q = `INSERT INTO enrollments (id, course_id, user_id, status, form_responses)
		VALUES (gen_random_uuid(), $1, $2, 'active', $3)
		ON CONFLICT (course_id, user_id) DO UPDATE SET
			status = 'active',
			form_responses = COALESCE(EXCLUDED.form_responses, enrollments.form_responses),
			updated_at = NOW()
		RETURNING id, status, attended_live, enrolled_at, updated_at`
	var raw interface{}
	if len(e.FormResponses) > 0 {
		raw = e.FormResponses
	}
	return r.pool.QueryRow(ctx, q, e.CourseID, e.UserID, raw).
		Scan(&e.ID, &e.Status, &e.AttendedLive, &e.EnrolledAt, &e.UpdatedAt)
}

// GetByID returns an enrollment by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Enrollment, error) {
	const q = `SELECT id, course_id, user_id, status, COALESCE(form_responses, 'null'::jsonb),
		attended_live, enrolled_at, updated_at FROM enrollments WHERE id = $1`
	var e models.Enrollment
	err := r.pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.CourseID, &e.UserID, &e.Status,
		&e.FormResponses, &e.AttendedLive, &e.EnrolledAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetByCourseAndUser returns the enrollment for course+user.
func (r *Repository) GetByCourseAndUser(ctx context.Context, courseID, userID uuid.UUID) (*models.Enrollment, error) {
	const q = `SELECT id, course_id, user_id, status, COALESCE(form_responses, 'null'::jsonb),
		attended_live, enrolled_at, updated_at FROM enrollments WHERE course_id = $1 AND user_id = $2`
	var e models.Enrollment
	err := r.pool.QueryRow(ctx, q, courseID, userID).Scan(&e.ID, &e.CourseID, &e.UserID, &e.Status,
		&e.FormResponses, &e.AttendedLive, &e.EnrolledAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListByCourse returns all enrollments for a course.
func (r *Repository) ListByCourse(ctx context.Context, courseID uuid.UUID) ([]models.Enrollment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, course_id, user_id, status,
		COALESCE(form_responses, 'null'::jsonb), attended_live, enrolled_at, updated_at
		FROM enrollments WHERE course_id = $1 ORDER BY enrolled_at DESC`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Enrollment
	for rows.Next() {
		var e models.Enrollment
		if err := rows.Scan(&e.ID, &e.CourseID, &e.UserID, &e.Status, &e.FormResponses,
			&e.AttendedLive, &e.EnrolledAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// ListByUser returns all enrollments for a user.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Enrollment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, course_id, user_id, status,
		COALESCE(form_responses, 'null'::jsonb), attended_live, enrolled_at, updated_at
		FROM enrollments WHERE user_id = $1 ORDER BY enrolled_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Enrollment
	for rows.Next() {
		var e models.Enrollment
		if err := rows.Scan(&e.ID, &e.CourseID, &e.UserID, &e.Status, &e.FormResponses,
			&e.AttendedLive, &e.EnrolledAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// CountByCourse returns total enrollments and live attendance for a course.
func (r *Repository) CountByCourse(ctx context.Context, courseID uuid.UUID) (total, attended int, err error) {
	const q = `SELECT COUNT(*), COUNT(*) FILTER (WHERE attended_live) FROM enrollments WHERE course_id = $1`
	err = r.pool.QueryRow(ctx, q, courseID).Scan(&total, &attended)
	return total, attended, err
}

// SetStatus moves an enrollment between active, completed and cancelled.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status models.EnrollmentStatus) error {
	const q = `UPDATE enrollments SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, string(status), id)
	return err
}

// MarkAttendedLive flags that the student was present during a broadcast.
func (r *Repository) MarkAttendedLive(ctx context.Context, courseID, userID uuid.UUID) error {
	const q = `UPDATE enrollments SET attended_live = TRUE, updated_at = NOW()
		WHERE course_id = $1 AND user_id = $2 AND NOT attended_live`
	_, err := r.pool.Exec(ctx, q, courseID, userID)
	return err
}

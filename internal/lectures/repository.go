package lectures

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenclass/backend/internal/models"
)

// Repository handles lecture persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a lectures repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new lecture row.
func (r *Repository) Create(ctx context.Context, l *models.Lecture) error {
	const q = `INSERT INTO lectures (id, course_id, title, s3_key, s3_url, content_type, duration, file_size, source, status)
		VALUES (gen_random_uuid(), $1, $2, NULLIF($3,''), NULLIF($4,''), $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, l.CourseID, l.Title, l.S3Key, l.S3URL, l.ContentType,
		l.Duration, l.FileSize, string(l.Source), string(l.Status)).
		Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
}

// GetByID returns a lecture by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Lecture, error) {
	const q = `SELECT id, course_id, title, COALESCE(s3_key,''), COALESCE(s3_url,''), content_type,
		duration, file_size, source, status, created_at, updated_at FROM lectures WHERE id = $1`
	var l models.Lecture
	err := r.pool.QueryRow(ctx, q, id).Scan(&l.ID, &l.CourseID, &l.Title, &l.S3Key, &l.S3URL,
		&l.ContentType, &l.Duration, &l.FileSize, &l.Source, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListByCourse returns all lectures for a course.
func (r *Repository) ListByCourse(ctx context.Context, courseID uuid.UUID) ([]models.Lecture, error) {
	const q = `SELECT id, course_id, title, COALESCE(s3_key,''), COALESCE(s3_url,''), content_type,
		duration, file_size, source, status, created_at, updated_at
		FROM lectures WHERE course_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Lecture
	for rows.Next() {
		var l models.Lecture
		if err := rows.Scan(&l.ID, &l.CourseID, &l.Title, &l.S3Key, &l.S3URL, &l.ContentType,
			&l.Duration, &l.FileSize, &l.Source, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}

// FindByCourseStatus returns the newest lecture for a course with the given
// status, or nil when none exists.
func (r *Repository) FindByCourseStatus(ctx context.Context, courseID uuid.UUID, status models.LectureStatus) (*models.Lecture, error) {
	const q = `SELECT id, course_id, title, COALESCE(s3_key,''), COALESCE(s3_url,''), content_type,
		duration, file_size, source, status, created_at, updated_at
		FROM lectures WHERE course_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`
	var l models.Lecture
	err := r.pool.QueryRow(ctx, q, courseID, string(status)).Scan(&l.ID, &l.CourseID, &l.Title,
		&l.S3Key, &l.S3URL, &l.ContentType, &l.Duration, &l.FileSize, &l.Source, &l.Status,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

// UpdateStatus sets lecture status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.LectureStatus) error {
	const q = `UPDATE lectures SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, string(status), id)
	return err
}

// UpdateS3Result records the stored object and marks the lecture ready.
func (r *Repository) UpdateS3Result(ctx context.Context, id uuid.UUID, s3URL, s3Key string, fileSize, duration int64) error {
	const q = `UPDATE lectures SET s3_url = $1, s3_key = $2, file_size = $3, duration = $4,
		status = $5, updated_at = NOW() WHERE id = $6`
	_, err := r.pool.Exec(ctx, q, s3URL, s3Key, fileSize, duration, string(models.LectureReady), id)
	return err
}

// Delete removes a lecture by ID.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM lectures WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

package courses

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenclass/backend/internal/models"
)

// Repository handles course persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a course repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new course.
func (r *Repository) Create(ctx context.Context, course *models.Course) error {
	const q = `INSERT INTO courses (id, title, description, category, published, created_by, enrollment_form_config)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, course.Title, course.Description, course.Category,
		course.Published, course.CreatedBy, nullableJSON(course.EnrollmentFormConfig)).
		Scan(&course.ID, &course.CreatedAt, &course.UpdatedAt)
}

// GetByID returns a course by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	const q = `SELECT id, title, description, category, published, created_by,
		COALESCE(enrollment_form_config, 'null'::jsonb), created_at, updated_at
		FROM courses WHERE id = $1`
	var course models.Course
	err := r.pool.QueryRow(ctx, q, id).Scan(&course.ID, &course.Title, &course.Description,
		&course.Category, &course.Published, &course.CreatedBy, &course.EnrollmentFormConfig,
		&course.CreatedAt, &course.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// List returns courses, optionally filtered by creator or published flag.
func (r *Repository) List(ctx context.Context, createdBy *uuid.UUID, publishedOnly bool) ([]models.Course, error) {
	base := `SELECT id, title, description, category, published, created_by,
		COALESCE(enrollment_form_config, 'null'::jsonb), created_at, updated_at FROM courses`
	var args []interface{}
	var cond string
	if createdBy != nil {
		cond = " WHERE created_by = $1"
		args = append(args, *createdBy)
	}
	if publishedOnly {
		if cond == "" {
			cond = " WHERE published"
		} else {
			cond += " AND published"
		}
	}
	rows, err := r.pool.Query(ctx, base+cond+" ORDER BY created_at DESC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Course
	for rows.Next() {
		var course models.Course
		if err := rows.Scan(&course.ID, &course.Title, &course.Description, &course.Category,
			&course.Published, &course.CreatedBy, &course.EnrollmentFormConfig,
			&course.CreatedAt, &course.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, course)
	}
	return list, rows.Err()
}

// Update updates mutable course fields.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, title, description, category string, published *bool, formConfig json.RawMessage) error {
	const q = `UPDATE courses SET title = $1, description = $2, category = $3,
		published = COALESCE($4, published),
		enrollment_form_config = COALESCE($5, enrollment_form_config),
		updated_at = NOW() WHERE id = $6`
	_, err := r.pool.Exec(ctx, q, title, description, category, published, nullableJSON(formConfig), id)
	return err
}

// Delete removes a course by ID.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM courses WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// AddInstructor links a user as instructor on a course.
func (r *Repository) AddInstructor(ctx context.Context, courseID, userID uuid.UUID) error {
	const q = `INSERT INTO course_instructors (course_id, user_id) VALUES ($1, $2)
		ON CONFLICT (course_id, user_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, courseID, userID)
	return err
}

// IsOwnerOrInstructor returns true if the user created the course or is an
// assigned instructor.
func (r *Repository) IsOwnerOrInstructor(ctx context.Context, courseID, userID uuid.UUID) (bool, error) {
	course, err := r.GetByID(ctx, courseID)
	if err != nil {
		return false, err
	}
	if course.CreatedBy == userID {
		return true, nil
	}
	const q = `SELECT 1 FROM course_instructors WHERE course_id = $1 AND user_id = $2`
	var exists int
	err = r.pool.QueryRow(ctx, q, courseID, userID).Scan(&exists)
	return err == nil, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

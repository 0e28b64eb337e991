package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresRepository stores the catalog in PostgreSQL.
type PostgresRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresRepository(db *sql.DB, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger.Named("catalog.postgres")}
}

// CreateTables creates the catalog tables
func (r *PostgresRepository) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS courses (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			instructor TEXT NOT NULL,
			topics TEXT[] NOT NULL DEFAULT '{}',
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			thumbnail_image TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS modules (
			id BIGSERIAL PRIMARY KEY,
			course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			"order" INTEGER NOT NULL,
			pdf_content TEXT,
			video_content TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(course_id, "order")
		)`,
	}

	for _, query := range queries {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

const courseColumns = `c.id, c.title, c.description, c.instructor, c.topics, c.price, c.thumbnail_image,
	(SELECT COUNT(*) FROM modules m WHERE m.course_id = c.id), c.created_at, c.updated_at`

const courseFilter = `($1 = '' OR c.title ILIKE '%' || $1 || '%' ESCAPE '\' OR c.instructor ILIKE '%' || $1 || '%' ESCAPE '\' OR $2 = ANY(c.topics))`

const moduleColumns = `id, course_id, title, description, "order", pdf_content, video_content, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCourse(row rowScanner) (*Course, error) {
	var c Course
	var topics pq.StringArray
	if err := row.Scan(&c.ID, &c.Title, &c.Description, &c.Instructor, &topics, &c.Price,
		&c.ThumbnailImage, &c.TotalModules, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Topics = []string(topics)
	if c.Topics == nil {
		c.Topics = []string{}
	}
	return &c, nil
}

func scanModule(row rowScanner) (*Module, error) {
	var m Module
	if err := row.Scan(&m.ID, &m.CourseID, &m.Title, &m.Description, &m.Order,
		&m.PDFContent, &m.VideoContent, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresRepository) ListCourses(ctx context.Context, q string, offset, limit int) ([]Course, int, error) {
	pattern := escapeLike(q)
	topic := strings.ToLower(q)

	var total int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM courses c WHERE `+courseFilter, pattern, topic).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+courseColumns+` FROM courses c WHERE `+courseFilter+` ORDER BY c.id LIMIT $3 OFFSET $4`,
		pattern, topic, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query courses: %w", err)
	}
	defer rows.Close()

	courses := make([]Course, 0, limit)
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan course: %w", err)
		}
		courses = append(courses, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate courses: %w", err)
	}
	return courses, total, nil
}

func (r *PostgresRepository) GetCourse(ctx context.Context, id int64) (*Course, error) {
	c, err := scanCourse(r.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses c WHERE c.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrNotFound, "Course not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query course: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) CreateCourse(ctx context.Context, in CourseInput) (*Course, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO courses (title, description, instructor, topics, price, thumbnail_image)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		in.Title, in.Description, in.Instructor, pq.Array(in.Topics), in.Price, nullString(in.ThumbnailImage),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert course: %w", err)
	}
	return r.GetCourse(ctx, id)
}

func (r *PostgresRepository) UpdateCourse(ctx context.Context, id int64, p CoursePatch) (*Course, error) {
	var topics interface{}
	if p.Topics != nil {
		topics = pq.Array(p.Topics)
	}
	var price interface{}
	if p.Price != nil {
		price = *p.Price
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE courses SET
			title = COALESCE($2, title),
			description = COALESCE($3, description),
			instructor = COALESCE($4, instructor),
			topics = COALESCE($5, topics),
			price = COALESCE($6, price),
			thumbnail_image = COALESCE($7, thumbnail_image),
			updated_at = NOW()
		 WHERE id = $1`,
		id, nullString(p.Title), nullString(p.Description), nullString(p.Instructor),
		topics, price, nullString(p.ThumbnailImage))
	if err != nil {
		return nil, fmt.Errorf("update course: %w", err)
	}
	if err := requireRow(res, "Course not found"); err != nil {
		return nil, err
	}
	return r.GetCourse(ctx, id)
}

func (r *PostgresRepository) DeleteCourse(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM courses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete course: %w", err)
	}
	return requireRow(res, "Course not found")
}

func (r *PostgresRepository) ListModules(ctx context.Context, courseID int64, offset, limit int) ([]Module, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM modules WHERE course_id = $1`, courseID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count modules: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+moduleColumns+` FROM modules WHERE course_id = $1 ORDER BY "order" LIMIT $2 OFFSET $3`,
		courseID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	modules := make([]Module, 0, limit)
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan module: %w", err)
		}
		modules = append(modules, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate modules: %w", err)
	}
	return modules, total, nil
}

func (r *PostgresRepository) GetModule(ctx context.Context, id int64) (*Module, error) {
	m, err := scanModule(r.db.QueryRowContext(ctx, `SELECT `+moduleColumns+` FROM modules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrNotFound, "Module not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query module: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) NextModuleOrder(ctx context.Context, courseID int64) (int, error) {
	var next int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX("order"), 0) + 1 FROM modules WHERE course_id = $1`, courseID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next module order: %w", err)
	}
	return next, nil
}

func (r *PostgresRepository) CreateModule(ctx context.Context, courseID int64, in ModuleInput, order int) (*Module, error) {
	m, err := scanModule(r.db.QueryRowContext(ctx,
		`INSERT INTO modules (course_id, title, description, "order", pdf_content, video_content)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+moduleColumns,
		courseID, in.Title, in.Description, order, nullString(in.PDFContent), nullString(in.VideoContent)))
	if err != nil {
		return nil, translate(err, "insert module")
	}
	return m, nil
}

func (r *PostgresRepository) UpdateModule(ctx context.Context, id int64, p ModulePatch) (*Module, error) {
	var order interface{}
	if p.Order != nil {
		order = *p.Order
	}

	m, err := scanModule(r.db.QueryRowContext(ctx,
		`UPDATE modules SET
			title = COALESCE($2, title),
			description = COALESCE($3, description),
			"order" = COALESCE($4, "order"),
			pdf_content = COALESCE($5, pdf_content),
			video_content = COALESCE($6, video_content),
			updated_at = NOW()
		 WHERE id = $1 RETURNING `+moduleColumns,
		id, nullString(p.Title), nullString(p.Description), order,
		nullString(p.PDFContent), nullString(p.VideoContent)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrNotFound, "Module not found")
	}
	if err != nil {
		return nil, translate(err, "update module")
	}
	return m, nil
}

func (r *PostgresRepository) DeleteModule(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM modules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete module: %w", err)
	}
	return requireRow(res, "Module not found")
}

func (r *PostgresRepository) ModuleIDs(ctx context.Context, courseID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM modules WHERE course_id = $1 ORDER BY "order"`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query module ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan module id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ApplyModuleOrder runs in one transaction. Orders are first negated, which
// moves every module out of the valid range, and then assigned; setting the
// final orders directly could collide on UNIQUE(course_id, "order").
func (r *PostgresRepository) ApplyModuleOrder(ctx context.Context, courseID int64, pairs []OrderPair) ([]OrderPair, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reorder: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE modules SET "order" = -"order" WHERE course_id = $1`, courseID); err != nil {
		return nil, fmt.Errorf("shift module orders: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE modules SET "order" = $1, updated_at = NOW() WHERE id = $2 AND course_id = $3`)
	if err != nil {
		return nil, fmt.Errorf("prepare reorder: %w", err)
	}
	defer stmt.Close()

	for _, p := range pairs {
		res, err := stmt.ExecContext(ctx, p.Order, p.ID, courseID)
		if err != nil {
			return nil, translate(err, "assign module order")
		}
		if err := requireRow(res, "Module not found"); err != nil {
			return nil, err
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, "order" FROM modules WHERE course_id = $1 ORDER BY "order"`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query module orders: %w", err)
	}
	out := make([]OrderPair, 0, len(pairs))
	for rows.Next() {
		var p OrderPair
		if err := rows.Scan(&p.ID, &p.Order); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan module order: %w", err)
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate module orders: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reorder: %w", err)
	}
	return out, nil
}

func requireRow(res sql.Result, notFound string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return newError(ErrNotFound, notFound)
	}
	return nil
}

// translate maps constraint violations to catalog errors.
func translate(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return newError(ErrConflict, "module order is already taken")
		case "23503":
			return newError(ErrNotFound, "Course not found")
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

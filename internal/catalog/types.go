// Package catalog serves courses and their modules. Reads go through the
// versioned cache; every committed write bumps the versions it affects so
// cached reads and long-polling clients observe the change.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds, matched with errors.Is.
var (
	ErrNotFound  = errors.New("not found")
	ErrInvalid   = errors.New("invalid input")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")
)

// Error carries a client-facing message and one of the error kinds above.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Pagination defaults.
const (
	DefaultLimit = 15
	MaxLimit     = 50
)

// Course is the public view of a course.
type Course struct {
	ID             int64     `json:"id,string"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Instructor     string    `json:"instructor"`
	Topics         []string  `json:"topics"`
	Price          float64   `json:"price"`
	ThumbnailImage *string   `json:"thumbnail_image"`
	TotalModules   int       `json:"total_modules"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Module is the public view of a course module.
type Module struct {
	ID           int64     `json:"id,string"`
	CourseID     int64     `json:"course_id,string"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Order        int       `json:"order"`
	PDFContent   *string   `json:"pdf_content"`
	VideoContent *string   `json:"video_content"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Pagination struct {
	CurrentPage int `json:"current_page"`
	TotalPages  int `json:"total_pages"`
	TotalItems  int `json:"total_items"`
}

type CoursePage struct {
	Items      []Course   `json:"items"`
	Pagination Pagination `json:"pagination"`
}

type ModulePage struct {
	Items      []Module   `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// OrderPair assigns a position to one module in a reorder request.
type OrderPair struct {
	ID    int64 `json:"id"`
	Order int   `json:"order"`
}

// CourseInput holds the fields of a new course.
type CourseInput struct {
	Title          string
	Description    string
	Instructor     string
	Topics         []string
	Price          float64
	ThumbnailImage *string
}

// Validate normalizes topics in place and checks field constraints.
func (in *CourseInput) Validate() error {
	in.Topics = NormalizeTopics(in.Topics)
	if err := minLength("title", in.Title, 3); err != nil {
		return err
	}
	if err := minLength("description", in.Description, 10); err != nil {
		return err
	}
	if err := minLength("instructor", in.Instructor, 3); err != nil {
		return err
	}
	if in.Price < 0 {
		return newError(ErrInvalid, "price must not be less than 0")
	}
	return nil
}

// CoursePatch holds a partial course update. Nil fields are left unchanged.
type CoursePatch struct {
	Title          *string
	Description    *string
	Instructor     *string
	Topics         []string
	Price          *float64
	ThumbnailImage *string
}

func (p *CoursePatch) Validate() error {
	if p.Topics != nil {
		p.Topics = NormalizeTopics(p.Topics)
	}
	if p.Title != nil {
		if err := minLength("title", *p.Title, 3); err != nil {
			return err
		}
	}
	if p.Description != nil {
		if err := minLength("description", *p.Description, 10); err != nil {
			return err
		}
	}
	if p.Instructor != nil {
		if err := minLength("instructor", *p.Instructor, 3); err != nil {
			return err
		}
	}
	if p.Price != nil && *p.Price < 0 {
		return newError(ErrInvalid, "price must not be less than 0")
	}
	return nil
}

// ModuleInput holds the fields of a new module. A nil Order appends the
// module after the last one.
type ModuleInput struct {
	Title        string
	Description  string
	Order        *int
	PDFContent   *string
	VideoContent *string
}

func (in *ModuleInput) Validate() error {
	if err := minLength("title", in.Title, 3); err != nil {
		return err
	}
	if err := minLength("description", in.Description, 5); err != nil {
		return err
	}
	if in.Order != nil && *in.Order < 1 {
		return newError(ErrInvalid, "order must not be less than 1")
	}
	return nil
}

// ModulePatch holds a partial module update.
type ModulePatch struct {
	Title        *string
	Description  *string
	Order        *int
	PDFContent   *string
	VideoContent *string
}

func (p *ModulePatch) Validate() error {
	if p.Title != nil {
		if err := minLength("title", *p.Title, 3); err != nil {
			return err
		}
	}
	if p.Description != nil {
		if err := minLength("description", *p.Description, 5); err != nil {
			return err
		}
	}
	if p.Order != nil && *p.Order < 1 {
		return newError(ErrInvalid, "order must not be less than 1")
	}
	return nil
}

// NormalizeTopics splits comma-separated entries, trims and lower-cases
// them, and drops empties. The result is never nil.
func NormalizeTopics(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if t := strings.ToLower(strings.TrimSpace(part)); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

// NormalizePage applies the pagination defaults: page is at least 1, a zero
// limit means DefaultLimit, and limit is clamped to [1, MaxLimit].
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

func newPagination(page, limit, total int) Pagination {
	pages := (total + limit - 1) / limit
	if pages < 1 {
		pages = 1
	}
	return Pagination{CurrentPage: page, TotalPages: pages, TotalItems: total}
}

func minLength(field, value string, n int) error {
	if len([]rune(value)) < n {
		return newError(ErrInvalid, "%s must be longer than or equal to %d characters", field, n)
	}
	return nil
}

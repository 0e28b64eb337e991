package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Repository persists courses and modules. Implementations return errors
// wrapping ErrNotFound for missing rows and ErrConflict for a module order
// already taken within its course.
type Repository interface {
	ListCourses(ctx context.Context, q string, offset, limit int) ([]Course, int, error)
	GetCourse(ctx context.Context, id int64) (*Course, error)
	CreateCourse(ctx context.Context, in CourseInput) (*Course, error)
	UpdateCourse(ctx context.Context, id int64, p CoursePatch) (*Course, error)
	DeleteCourse(ctx context.Context, id int64) error

	ListModules(ctx context.Context, courseID int64, offset, limit int) ([]Module, int, error)
	GetModule(ctx context.Context, id int64) (*Module, error)
	NextModuleOrder(ctx context.Context, courseID int64) (int, error)
	CreateModule(ctx context.Context, courseID int64, in ModuleInput, order int) (*Module, error)
	UpdateModule(ctx context.Context, id int64, p ModulePatch) (*Module, error)
	DeleteModule(ctx context.Context, id int64) error
	ModuleIDs(ctx context.Context, courseID int64) ([]int64, error)

	// ApplyModuleOrder sets every listed module's order atomically and
	// returns the course's modules sorted by their new order.
	ApplyModuleOrder(ctx context.Context, courseID int64, pairs []OrderPair) ([]OrderPair, error)
}

// MemoryRepository is an in-process Repository for tests and development.
type MemoryRepository struct {
	mu         sync.RWMutex
	courses    map[int64]*Course
	modules    map[int64]*Module
	nextCourse int64
	nextModule int64
	now        func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		courses: make(map[int64]*Course),
		modules: make(map[int64]*Module),
		now:     time.Now,
	}
}

func (r *MemoryRepository) ListCourses(ctx context.Context, q string, offset, limit int) ([]Course, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q = strings.ToLower(q)
	matched := make([]Course, 0)
	for _, c := range r.courses {
		if q == "" || courseMatches(c, q) {
			matched = append(matched, r.courseView(c))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return paginate(matched, offset, limit), len(matched), nil
}

func courseMatches(c *Course, q string) bool {
	if strings.Contains(strings.ToLower(c.Title), q) || strings.Contains(strings.ToLower(c.Instructor), q) {
		return true
	}
	for _, t := range c.Topics {
		if t == q {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) GetCourse(ctx context.Context, id int64) (*Course, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.courses[id]
	if !ok {
		return nil, newError(ErrNotFound, "Course not found")
	}
	view := r.courseView(c)
	return &view, nil
}

func (r *MemoryRepository) CreateCourse(ctx context.Context, in CourseInput) (*Course, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextCourse++
	now := r.now()
	c := &Course{
		ID:             r.nextCourse,
		Title:          in.Title,
		Description:    in.Description,
		Instructor:     in.Instructor,
		Topics:         append([]string{}, in.Topics...),
		Price:          in.Price,
		ThumbnailImage: in.ThumbnailImage,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.courses[c.ID] = c
	view := r.courseView(c)
	return &view, nil
}

func (r *MemoryRepository) UpdateCourse(ctx context.Context, id int64, p CoursePatch) (*Course, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.courses[id]
	if !ok {
		return nil, newError(ErrNotFound, "Course not found")
	}
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Instructor != nil {
		c.Instructor = *p.Instructor
	}
	if p.Topics != nil {
		c.Topics = append([]string{}, p.Topics...)
	}
	if p.Price != nil {
		c.Price = *p.Price
	}
	if p.ThumbnailImage != nil {
		c.ThumbnailImage = p.ThumbnailImage
	}
	c.UpdatedAt = r.now()
	view := r.courseView(c)
	return &view, nil
}

func (r *MemoryRepository) DeleteCourse(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.courses[id]; !ok {
		return newError(ErrNotFound, "Course not found")
	}
	delete(r.courses, id)
	for mid, m := range r.modules {
		if m.CourseID == id {
			delete(r.modules, mid)
		}
	}
	return nil
}

func (r *MemoryRepository) ListModules(ctx context.Context, courseID int64, offset, limit int) ([]Module, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mods := r.courseModules(courseID)
	return paginate(mods, offset, limit), len(mods), nil
}

func (r *MemoryRepository) GetModule(ctx context.Context, id int64) (*Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[id]
	if !ok {
		return nil, newError(ErrNotFound, "Module not found")
	}
	view := *m
	return &view, nil
}

func (r *MemoryRepository) NextModuleOrder(ctx context.Context, courseID int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	max := 0
	for _, m := range r.modules {
		if m.CourseID == courseID && m.Order > max {
			max = m.Order
		}
	}
	return max + 1, nil
}

func (r *MemoryRepository) CreateModule(ctx context.Context, courseID int64, in ModuleInput, order int) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.courses[courseID]; !ok {
		return nil, newError(ErrNotFound, "Course not found")
	}
	if r.orderTaken(courseID, order, 0) {
		return nil, newError(ErrConflict, "order %d is already taken", order)
	}

	r.nextModule++
	now := r.now()
	m := &Module{
		ID:           r.nextModule,
		CourseID:     courseID,
		Title:        in.Title,
		Description:  in.Description,
		Order:        order,
		PDFContent:   in.PDFContent,
		VideoContent: in.VideoContent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.modules[m.ID] = m
	view := *m
	return &view, nil
}

func (r *MemoryRepository) UpdateModule(ctx context.Context, id int64, p ModulePatch) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[id]
	if !ok {
		return nil, newError(ErrNotFound, "Module not found")
	}
	if p.Order != nil && r.orderTaken(m.CourseID, *p.Order, m.ID) {
		return nil, newError(ErrConflict, "order %d is already taken", *p.Order)
	}
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.Description != nil {
		m.Description = *p.Description
	}
	if p.Order != nil {
		m.Order = *p.Order
	}
	if p.PDFContent != nil {
		m.PDFContent = p.PDFContent
	}
	if p.VideoContent != nil {
		m.VideoContent = p.VideoContent
	}
	m.UpdatedAt = r.now()
	view := *m
	return &view, nil
}

func (r *MemoryRepository) DeleteModule(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[id]; !ok {
		return newError(ErrNotFound, "Module not found")
	}
	delete(r.modules, id)
	return nil
}

func (r *MemoryRepository) ModuleIDs(ctx context.Context, courseID int64) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mods := r.courseModules(courseID)
	ids := make([]int64, len(mods))
	for i, m := range mods {
		ids[i] = m.ID
	}
	return ids, nil
}

func (r *MemoryRepository) ApplyModuleOrder(ctx context.Context, courseID int64, pairs []OrderPair) ([]OrderPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range pairs {
		if m, ok := r.modules[p.ID]; !ok || m.CourseID != courseID {
			return nil, newError(ErrNotFound, "Module not found")
		}
	}
	now := r.now()
	for _, p := range pairs {
		m := r.modules[p.ID]
		m.Order = p.Order
		m.UpdatedAt = now
	}

	mods := r.courseModules(courseID)
	out := make([]OrderPair, len(mods))
	for i, m := range mods {
		out[i] = OrderPair{ID: m.ID, Order: m.Order}
	}
	return out, nil
}

// courseModules returns copies of a course's modules by ascending order.
// Callers hold r.mu.
func (r *MemoryRepository) courseModules(courseID int64) []Module {
	mods := make([]Module, 0)
	for _, m := range r.modules {
		if m.CourseID == courseID {
			mods = append(mods, *m)
		}
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Order < mods[j].Order })
	return mods
}

func (r *MemoryRepository) orderTaken(courseID int64, order int, except int64) bool {
	for _, m := range r.modules {
		if m.CourseID == courseID && m.Order == order && m.ID != except {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) courseView(c *Course) Course {
	view := *c
	view.Topics = append([]string{}, c.Topics...)
	for _, m := range r.modules {
		if m.CourseID == c.ID {
			view.TotalModules++
		}
	}
	return view
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

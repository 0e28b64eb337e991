package catalog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/FairForge/learnhub/internal/vcache"
	"github.com/FairForge/learnhub/internal/version"
	"go.uber.org/zap"
)

// DefaultCacheTTL bounds how long an orphaned entry outlives its version.
const DefaultCacheTTL = 60 * time.Second

// Cache prefixes.
const (
	PrefixCourseList   = "courses:list"
	PrefixCourseDetail = "course:detail"
	PrefixModuleList   = "modules:list"
)

// Service implements the catalog operations on top of a Repository.
type Service struct {
	repo     Repository
	registry *version.Registry
	cache    *vcache.Cache
	logger   *zap.Logger
	ttl      time.Duration
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithCacheTTL sets the lifetime of cached reads.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewService(repo Repository, registry *version.Registry, cache *vcache.Cache, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		registry: registry,
		cache:    cache,
		logger:   logger.Named("catalog"),
		ttl:      DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListCourses returns one page of courses matching q. An empty q matches
// everything.
func (s *Service) ListCourses(ctx context.Context, q string, page, limit int) (CoursePage, error) {
	page, limit = NormalizePage(page, limit)
	q = strings.TrimSpace(q)
	suffix := fmt.Sprintf("q=%s&page=%d&limit=%d", strings.ToLower(q), page, limit)

	return vcache.Wrap(ctx, s.cache, PrefixCourseList, version.Courses, suffix, s.ttl,
		func(ctx context.Context) (CoursePage, error) {
			items, total, err := s.repo.ListCourses(ctx, q, (page-1)*limit, limit)
			if err != nil {
				return CoursePage{}, err
			}
			return CoursePage{Items: items, Pagination: newPagination(page, limit, total)}, nil
		})
}

func (s *Service) GetCourse(ctx context.Context, id int64) (Course, error) {
	return vcache.Wrap(ctx, s.cache, PrefixCourseDetail, version.CourseName(id), "id="+strconv.FormatInt(id, 10), s.ttl,
		func(ctx context.Context) (Course, error) {
			c, err := s.repo.GetCourse(ctx, id)
			if err != nil {
				return Course{}, err
			}
			return *c, nil
		})
}

func (s *Service) CreateCourse(ctx context.Context, in CourseInput) (*Course, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	c, err := s.repo.CreateCourse(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.invalidate(ctx, version.Courses, version.CourseName(c.ID)); err != nil {
		return nil, err
	}
	s.logger.Info("course created", zap.Int64("course_id", c.ID))
	return c, nil
}

func (s *Service) UpdateCourse(ctx context.Context, id int64, p CoursePatch) (*Course, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c, err := s.repo.UpdateCourse(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if err := s.invalidate(ctx, version.Courses, version.CourseName(id)); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteCourse removes a course with its modules.
func (s *Service) DeleteCourse(ctx context.Context, id int64) error {
	if err := s.repo.DeleteCourse(ctx, id); err != nil {
		return err
	}
	if err := s.invalidate(ctx, version.Courses, version.CourseName(id), version.ModulesName(id)); err != nil {
		return err
	}
	s.logger.Info("course deleted", zap.Int64("course_id", id))
	return nil
}

func (s *Service) ListModules(ctx context.Context, courseID int64, page, limit int) (ModulePage, error) {
	page, limit = NormalizePage(page, limit)
	suffix := fmt.Sprintf("course=%d&page=%d&limit=%d", courseID, page, limit)

	return vcache.Wrap(ctx, s.cache, PrefixModuleList, version.ModulesName(courseID), suffix, s.ttl,
		func(ctx context.Context) (ModulePage, error) {
			items, total, err := s.repo.ListModules(ctx, courseID, (page-1)*limit, limit)
			if err != nil {
				return ModulePage{}, err
			}
			return ModulePage{Items: items, Pagination: newPagination(page, limit, total)}, nil
		})
}

func (s *Service) GetModule(ctx context.Context, id int64) (*Module, error) {
	return s.repo.GetModule(ctx, id)
}

// CreateModule adds a module to a course. Without an explicit order the
// module goes after the current last one.
func (s *Service) CreateModule(ctx context.Context, courseID int64, in ModuleInput) (*Module, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}

	var order int
	if in.Order != nil {
		order = *in.Order
	} else {
		next, err := s.repo.NextModuleOrder(ctx, courseID)
		if err != nil {
			return nil, err
		}
		order = next
	}

	m, err := s.repo.CreateModule(ctx, courseID, in, order)
	if err != nil {
		return nil, err
	}
	if err := s.invalidateModules(ctx, courseID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) UpdateModule(ctx context.Context, id int64, p ModulePatch) (*Module, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	m, err := s.repo.UpdateModule(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if err := s.invalidateModules(ctx, m.CourseID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) DeleteModule(ctx context.Context, id int64) error {
	m, err := s.repo.GetModule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteModule(ctx, id); err != nil {
		return err
	}
	return s.invalidateModules(ctx, m.CourseID)
}

// ReorderModules assigns new positions to a course's modules. pairs must
// name every module of the course exactly once and the orders must be a
// permutation of 1..N.
func (s *Service) ReorderModules(ctx context.Context, courseID int64, pairs []OrderPair) ([]OrderPair, error) {
	ids, err := s.repo.ModuleIDs(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, newError(ErrNotFound, "No modules found for this course")
	}

	provided := make(map[int64]struct{}, len(pairs))
	for _, p := range pairs {
		provided[p.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := provided[id]; !ok {
			return nil, newError(ErrForbidden, "Request must include all modules of the course")
		}
	}
	if len(pairs) != len(ids) {
		return nil, newError(ErrForbidden, "Request includes invalid or duplicate module IDs")
	}

	orders := make([]int, len(pairs))
	for i, p := range pairs {
		orders[i] = p.Order
	}
	sort.Ints(orders)
	for i, o := range orders {
		if o != i+1 {
			return nil, newError(ErrForbidden, "Orders must form a sequence 1..%d", len(ids))
		}
	}

	sorted, err := s.repo.ApplyModuleOrder(ctx, courseID, pairs)
	if err != nil {
		return nil, err
	}
	if err := s.invalidate(ctx, version.ModulesName(courseID)); err != nil {
		return nil, err
	}
	return sorted, nil
}

// invalidateModules bumps everything a module mutation affects: the module
// list, the course list and the course detail (both carry total_modules).
func (s *Service) invalidateModules(ctx context.Context, courseID int64) error {
	return s.invalidate(ctx, version.ModulesName(courseID), version.Courses, version.CourseName(courseID))
}

func (s *Service) invalidate(ctx context.Context, names ...string) error {
	if err := s.registry.BumpAll(ctx, names...); err != nil {
		s.logger.Error("version bump failed after commit", zap.Strings("names", names), zap.Error(err))
		return fmt.Errorf("catalog: invalidate: %w", err)
	}
	return nil
}

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/FairForge/learnhub/internal/catalog"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// CatalogHandler serves the course and module endpoints.
type CatalogHandler struct {
	service *catalog.Service
	logger  *zap.Logger
}

func NewCatalogHandler(service *catalog.Service, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers all catalog routes
func (h *CatalogHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/courses", func(r chi.Router) {
		r.Get("/", h.ListCourses)
		r.Post("/", h.CreateCourse)
		r.Get("/{id}", h.GetCourse)
		r.Put("/{id}", h.UpdateCourse)
		r.Delete("/{id}", h.DeleteCourse)

		r.Get("/{id}/modules", h.ListModules)
		r.Post("/{id}/modules", h.CreateModule)
		r.Patch("/{id}/modules/reorder", h.ReorderModules)
	})

	r.Route("/api/modules", func(r chi.Router) {
		r.Get("/{id}", h.GetModule)
		r.Put("/{id}", h.UpdateModule)
		r.Delete("/{id}", h.DeleteModule)
	})
}

type courseRequest struct {
	Title          *string   `json:"title"`
	Description    *string   `json:"description"`
	Instructor     *string   `json:"instructor"`
	Topics         topicList `json:"topics"`
	Price          *float64  `json:"price"`
	ThumbnailImage *string   `json:"thumbnail_image"`
}

type moduleRequest struct {
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	Order        *int    `json:"order"`
	PDFContent   *string `json:"pdf_content"`
	VideoContent *string `json:"video_content"`
}

type reorderRequest struct {
	ModuleOrder []catalog.OrderPair `json:"module_order"`
}

// ListCourses returns one page of courses, optionally filtered by q
func (h *CatalogHandler) ListCourses(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	limit, _ := strconv.Atoi(query.Get("limit"))

	result, err := h.service.ListCourses(r.Context(), query.Get("q"), page, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondPage(h.logger, w, result.Items, result.Pagination)
}

func (h *CatalogHandler) CreateCourse(w http.ResponseWriter, r *http.Request) {
	var req courseRequest
	if err := decodeBody(r, createCourseSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	course, err := h.service.CreateCourse(r.Context(), catalog.CourseInput{
		Title:          deref(req.Title),
		Description:    deref(req.Description),
		Instructor:     deref(req.Instructor),
		Topics:         req.Topics,
		Price:          derefFloat(req.Price),
		ThumbnailImage: req.ThumbnailImage,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusCreated, "created", course)
}

func (h *CatalogHandler) GetCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	course, err := h.service.GetCourse(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, "", course)
}

func (h *CatalogHandler) UpdateCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req courseRequest
	if err := decodeBody(r, updateCourseSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	course, err := h.service.UpdateCourse(r.Context(), id, catalog.CoursePatch{
		Title:          req.Title,
		Description:    req.Description,
		Instructor:     req.Instructor,
		Topics:         req.Topics,
		Price:          req.Price,
		ThumbnailImage: req.ThumbnailImage,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, "updated", course)
}

func (h *CatalogHandler) DeleteCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteCourse(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CatalogHandler) ListModules(w http.ResponseWriter, r *http.Request) {
	courseID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	limit, _ := strconv.Atoi(query.Get("limit"))

	result, err := h.service.ListModules(r.Context(), courseID, page, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondPage(h.logger, w, result.Items, result.Pagination)
}

func (h *CatalogHandler) CreateModule(w http.ResponseWriter, r *http.Request) {
	courseID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req moduleRequest
	if err := decodeBody(r, createModuleSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	module, err := h.service.CreateModule(r.Context(), courseID, catalog.ModuleInput{
		Title:        deref(req.Title),
		Description:  deref(req.Description),
		Order:        req.Order,
		PDFContent:   req.PDFContent,
		VideoContent: req.VideoContent,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusCreated, "created", module)
}

func (h *CatalogHandler) ReorderModules(w http.ResponseWriter, r *http.Request) {
	courseID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reorderRequest
	if err := decodeBody(r, reorderSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	sorted, err := h.service.ReorderModules(r.Context(), courseID, req.ModuleOrder)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]map[string]interface{}, len(sorted))
	for i, p := range sorted {
		out[i] = map[string]interface{}{"id": strconv.FormatInt(p.ID, 10), "order": p.Order}
	}
	respondJSON(h.logger, w, http.StatusOK, "reordered", map[string]interface{}{"module_order": out})
}

func (h *CatalogHandler) GetModule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	module, err := h.service.GetModule(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, "", module)
}

func (h *CatalogHandler) UpdateModule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req moduleRequest
	if err := decodeBody(r, updateModuleSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	module, err := h.service.UpdateModule(r.Context(), id, catalog.ModulePatch{
		Title:        req.Title,
		Description:  req.Description,
		Order:        req.Order,
		PDFContent:   req.PDFContent,
		VideoContent: req.VideoContent,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, "updated", module)
}

func (h *CatalogHandler) DeleteModule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteModule(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Helper methods

func (h *CatalogHandler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		respondError(h.logger, w, r, http.StatusBadRequest, "Validation failed (numeric string is expected)")
		return 0, false
	}
	return id, true
}

func (h *CatalogHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBadRequest) {
		respondError(h.logger, w, r, http.StatusBadRequest, err.Error())
		return
	}
	respondErr(h.logger, w, r, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

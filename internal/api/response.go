package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/FairForge/learnhub/internal/catalog"
	"go.uber.org/zap"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// envelope is the body of every JSON response.
type envelope struct {
	Status     string              `json:"status"`
	Message    string              `json:"message"`
	Data       interface{}         `json:"data"`
	Pagination *catalog.Pagination `json:"pagination,omitempty"`
	Path       string              `json:"path,omitempty"`
	Timestamp  string              `json:"timestamp,omitempty"`
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func respondJSON(logger *zap.Logger, w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(logger, w, status, envelope{Status: statusSuccess, Message: message, Data: data})
}

func respondPage(logger *zap.Logger, w http.ResponseWriter, data interface{}, p catalog.Pagination) {
	writeJSON(logger, w, http.StatusOK, envelope{Status: statusSuccess, Data: data, Pagination: &p})
}

func respondError(logger *zap.Logger, w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(logger, w, status, envelope{
		Status:    statusError,
		Message:   message,
		Path:      r.URL.RequestURI(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// respondErr maps err to a status code. Catalog errors carry their own
// message; anything else means a backend is unavailable.
func respondErr(logger *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	var ce *catalog.Error
	if errors.As(err, &ce) {
		respondError(logger, w, r, statusFor(ce.Kind), ce.Message)
		return
	}

	logger.Error("API error", zap.Error(err), zap.String("path", r.URL.Path))
	respondError(logger, w, r, http.StatusServiceUnavailable, "Service temporarily unavailable")
}

func statusFor(kind error) int {
	switch {
	case errors.Is(kind, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(kind, catalog.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(kind, catalog.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(kind, catalog.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

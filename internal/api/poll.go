package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/FairForge/learnhub/internal/logging"
	"github.com/FairForge/learnhub/internal/version"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// resourcePattern lists the version names clients may read or wait on.
// Anything else would let a client create counters at will.
var resourcePattern = regexp.MustCompile(`^(courses|course:(\d{1,18})|modules:(\d{1,18}))$`)

// canonicalResource validates raw and strips leading zeros from ids, so
// "course:007" and "course:7" share one counter.
func canonicalResource(raw string) (string, bool) {
	m := resourcePattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	switch {
	case m[2] != "":
		id, _ := strconv.ParseInt(m[2], 10, 64)
		return version.CourseName(id), true
	case m[3] != "":
		id, _ := strconv.ParseInt(m[3], 10, 64)
		return version.ModulesName(id), true
	default:
		return version.Courses, true
	}
}

// parseSince reads the since query parameter. Missing, malformed and
// negative values are all 0.
func parseSince(raw string) int64 {
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0
	}
	return since
}

type versionResponse struct {
	Version int64 `json:"version"`
}

type pollResponse struct {
	Version int64 `json:"version"`
	Changed bool  `json:"changed"`
}

// resourceFromRequest resolves the version name a poll route addresses.
func (s *Server) resourceFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	vars := mux.Vars(r)
	if id, ok := vars["courseID"]; ok {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			respondError(s.logger, w, r, http.StatusBadRequest, "Validation failed (numeric string is expected)")
			return "", false
		}
		return version.ModulesName(n), true
	}
	if raw, ok := vars["resource"]; ok {
		name, valid := canonicalResource(raw)
		if !valid {
			respondError(s.logger, w, r, http.StatusNotFound, "Unknown resource")
			return "", false
		}
		return name, true
	}
	return version.Courses, true
}

// handlePeekVersion returns the current version without waiting.
func (s *Server) handlePeekVersion(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resourceFromRequest(w, r)
	if !ok {
		return
	}

	v, err := s.registry.Get(r.Context(), name)
	if err != nil {
		respondErr(s.logger, w, r, err)
		return
	}
	respondJSON(s.logger, w, http.StatusOK, "", versionResponse{Version: v})
}

// handleWaitVersion long-polls until the version passes since or the poll
// timeout elapses.
func (s *Server) handleWaitVersion(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resourceFromRequest(w, r)
	if !ok {
		return
	}
	since := parseSince(r.URL.Query().Get("since"))

	v, err := s.waiter.WaitSince(r.Context(), name, since, s.config.Poll.Timeout)
	if err != nil {
		if r.Context().Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			if s.baseCtx.Err() != nil {
				// Shutting down; the client re-polls as after a timeout.
				respondJSON(s.logger, w, http.StatusOK, "", pollResponse{Version: v, Changed: v > since})
				return
			}
			logging.WithContext(r.Context(), s.logger).Debug("poll client went away", zap.String("resource", name))
			return
		}
		respondErr(s.logger, w, r, err)
		return
	}
	respondJSON(s.logger, w, http.StatusOK, "", pollResponse{Version: v, Changed: v > since})
}

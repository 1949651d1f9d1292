package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/p-n-ai/pathway/internal/platform/cache"
	"github.com/p-n-ai/pathway/internal/platform/database"
	"github.com/p-n-ai/pathway/internal/progression"
)

// server holds the HTTP handlers' dependencies. db and cache are nil in
// dev mode; readyz reports ready without them.
type server struct {
	service *progression.Service
	db      *database.DB
	cache   *cache.Cache
}

// newMux creates the HTTP router.
func newMux(s *server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	mux.HandleFunc("GET /v1/users/{user}/modules/{module}/access", s.handleModuleAccess)
	mux.HandleFunc("GET /v1/users/{user}/submodules/{submodule}/access", s.handleSubmoduleAccess)
	mux.HandleFunc("POST /v1/users/{user}/{kind}/{id}/start", s.handleStart)
	mux.HandleFunc("POST /v1/users/{user}/{kind}/{id}/save", s.handleSave)
	mux.HandleFunc("POST /v1/users/{user}/{kind}/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /v1/users/{user}/modules/{module}/unlocks", s.handleUnlocks)
	return mux
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
			return
		}
	}
	if s.cache != nil {
		if err := s.cache.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "cache": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *server) handleModuleAccess(w http.ResponseWriter, r *http.Request) {
	s.checkAccess(w, r, progression.KindModule, r.PathValue("module"))
}

func (s *server) handleSubmoduleAccess(w http.ResponseWriter, r *http.Request) {
	s.checkAccess(w, r, progression.KindSubmodule, r.PathValue("submodule"))
}

func (s *server) checkAccess(w http.ResponseWriter, r *http.Request, kind progression.Kind, rawID string) {
	id, err := parseID(rawID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	decision, err := s.service.CheckAccess(r.Context(), r.PathValue("user"), progression.ActivityRef{Kind: kind, ID: id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	ref, err := parseRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.service.Start(r.Context(), r.PathValue("user"), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleSave(w http.ResponseWriter, r *http.Request) {
	ref, err := parseRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.service.Save(r.Context(), r.PathValue("user"), ref, body.ResponseData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ref, err := parseRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.service.Complete(r.Context(), r.PathValue("user"), ref, body.ResponseData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleUnlocks(w http.ResponseWriter, r *http.Request) {
	moduleID, err := parseID(r.PathValue("module"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := s.service.EvaluateUnlocks(r.Context(), r.PathValue("user"), moduleID, body.SubmoduleID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// requestBody is the optional JSON body of the mutation endpoints.
type requestBody struct {
	ResponseData map[string]any `json:"response_data"`
	// SubmoduleID scopes an unlocks evaluation to rules sourced from one
	// submodule; absent selects module-level rules.
	SubmoduleID *int64 `json:"submodule_id"`
}

func decodeBody(r *http.Request) (requestBody, error) {
	var body requestBody
	if r.Body == nil {
		return body, nil
	}
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil && err != io.EOF {
		return body, &badRequestError{fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return body, nil
}

func parseRef(r *http.Request) (progression.ActivityRef, error) {
	var kind progression.Kind
	switch r.PathValue("kind") {
	case "modules":
		kind = progression.KindModule
	case "submodules":
		kind = progression.KindSubmodule
	default:
		return progression.ActivityRef{}, &badRequestError{fmt.Sprintf("unknown activity kind %q", r.PathValue("kind"))}
	}
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		return progression.ActivityRef{}, err
	}
	return progression.ActivityRef{Kind: kind, ID: id}, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &badRequestError{fmt.Sprintf("invalid activity id %q", raw)}
	}
	return id, nil
}

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

// writeError maps engine errors onto HTTP statuses: unknown activity 404,
// gate denial 403, state conflicts 409, incomplete prerequisites 422.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var badReq *badRequestError
	var denied *progression.AccessDeniedError
	switch {
	case errors.As(err, &badReq):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": badReq.msg})
	case errors.As(err, &denied):
		payload := map[string]any{
			"error":  "access denied",
			"reason": denied.Reason,
		}
		if denied.NextAccessibleID != 0 {
			payload["next_accessible_id"] = denied.NextAccessibleID
		}
		writeJSON(w, http.StatusForbidden, payload)
	case errors.Is(err, progression.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "activity not found"})
	case errors.Is(err, progression.ErrAlreadyCompleted), errors.Is(err, progression.ErrNotStarted):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, progression.ErrIncompletePrerequisites):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

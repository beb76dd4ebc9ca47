package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/geobc/provisioner/lib/provision"
	"github.com/geobc/provisioner/lib/spec"
)

// createBuildRequest is the POST /builds body. ContextRoot is a path on the
// provisioner host holding the payload, license and manifest.
type createBuildRequest struct {
	Spec        *spec.Spec `json:"spec"`
	ContextRoot string     `json:"context_root"`
}

// CreateBuild accepts a spec and starts a build.
func (s *ApiService) CreateBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if req.Spec == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", errors.New("spec is required"))
		return
	}
	if req.ContextRoot == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_body", errors.New("context_root is required"))
		return
	}
	req.Spec.ApplyDefaults()

	b, err := s.BuildManager.CreateBuild(r.Context(), req.Spec, req.ContextRoot)
	if err != nil {
		if errors.Is(err, provision.ErrSpecInvalid) {
			writeError(w, r, http.StatusBadRequest, "spec_invalid", err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "error", err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ListBuilds lists all builds.
func (s *ApiService) ListBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := s.BuildManager.ListBuilds(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

// GetBuild returns one build.
func (s *ApiService) GetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.BuildManager.GetBuild(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, provision.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CancelBuild cancels a build; with ?purge=true it removes a finished
// build's on-disk state instead.
func (s *ApiService) CancelBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if r.URL.Query().Get("purge") == "true" {
		if err := s.BuildManager.DeleteBuild(r.Context(), id); err != nil {
			if errors.Is(err, provision.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, "not_found", err)
				return
			}
			writeError(w, r, http.StatusConflict, "conflict", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.BuildManager.CancelBuild(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, provision.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "not_found", err)
		case errors.Is(err, provision.ErrAlreadyCompleted):
			writeError(w, r, http.StatusConflict, "already_completed", err)
		default:
			writeError(w, r, http.StatusInternalServerError, "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBuildLogs returns the builder output as plain text.
func (s *ApiService) GetBuildLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.BuildManager.GetBuildLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, provision.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "error", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s", logs)
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/geobc/provisioner/cmd/api/config"
	"github.com/geobc/provisioner/lib/logger"
	"github.com/geobc/provisioner/lib/provision"
)

// ApiService exposes the build manager over HTTP.
type ApiService struct {
	Config       *config.Config
	BuildManager provision.Manager
}

// New creates a new ApiService
func New(config *config.Config, buildManager provision.Manager) *ApiService {
	return &ApiService{
		Config:       config,
		BuildManager: buildManager,
	}
}

// Routes registers the service's HTTP routes on a chi router.
func (s *ApiService) Routes(r chi.Router) {
	r.Post("/builds", s.CreateBuild)
	r.Get("/builds", s.ListBuilds)
	r.Get("/builds/{id}", s.GetBuild)
	r.Delete("/builds/{id}", s.CancelBuild)
	r.Get("/builds/{id}/logs", s.GetBuildLogs)
	r.Post("/specs/validate", s.ValidateSpec)
}

// apiError is the JSON error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	if status >= 500 {
		logger.FromContext(r.Context()).ErrorContext(r.Context(), "request failed", "error", err)
	}
	writeJSON(w, status, apiError{Code: code, Message: err.Error()})
}

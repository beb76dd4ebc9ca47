package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/geobc/provisioner/lib/descriptor"
	"github.com/geobc/provisioner/lib/manifest"
	"github.com/geobc/provisioner/lib/spec"
)

type validateSpecRequest struct {
	Spec        *spec.Spec `json:"spec"`
	ContextRoot string     `json:"context_root"`
}

type validateSpecResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	// Descriptor is the rendered output, present when the spec is valid.
	// The base image is rendered as given; digest pinning happens at
	// build time.
	Descriptor string `json:"descriptor,omitempty"`
}

// ValidateSpec dry-runs spec validation and returns the rendered
// descriptor without starting a build.
func (s *ApiService) ValidateSpec(w http.ResponseWriter, r *http.Request) {
	var req validateSpecRequest
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

	if err := req.Spec.Validate(req.ContextRoot); err != nil {
		writeJSON(w, http.StatusOK, validateSpecResponse{Valid: false, Error: err.Error()})
		return
	}

	m, err := manifest.ParseFile(filepath.Join(req.ContextRoot, req.Spec.ManifestFile))
	if err != nil {
		writeJSON(w, http.StatusOK, validateSpecResponse{Valid: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, validateSpecResponse{
		Valid:      true,
		Descriptor: descriptor.Render(req.Spec, req.Spec.BaseImage, m),
	})
}

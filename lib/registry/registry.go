// Package registry embeds an OCI Distribution Spec registry so provisioned
// images can be pushed and verified without external registry infrastructure.
package registry

import (
	"log/slog"
	"net/http"
	"os"
	"regexp"

	"github.com/google/go-containerregistry/pkg/registry"

	"github.com/geobc/provisioner/lib/paths"
)

// Registry serves the /v2/ distribution API. Blobs persist on disk under the
// data directory; manifests are held by the underlying handler.
type Registry struct {
	logger  *slog.Logger
	handler http.Handler
}

// manifestPutPattern matches PUT requests to /v2/{name}/manifests/{reference}
var manifestPutPattern = regexp.MustCompile(`^/v2/(.+)/manifests/(.+)$`)

// New creates a Registry storing blobs under the data directory.
func New(p *paths.Paths, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(p.RegistryBlobsDir(), 0755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	handler := registry.New(
		registry.WithBlobHandler(registry.NewDiskBlobHandler(p.RegistryBlobsDir())),
	)

	return &Registry{
		logger:  logger,
		handler: handler,
	}, nil
}

// Handler returns the http.Handler for the registry endpoints. Manifest PUTs
// are observed so pushes show up in the service logs.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPut {
			if matches := manifestPutPattern.FindStringSubmatch(req.URL.Path); matches != nil {
				wrapper := &responseWrapper{ResponseWriter: w}
				r.handler.ServeHTTP(wrapper, req)
				if wrapper.statusCode == http.StatusCreated {
					r.logger.Info("image pushed", "repository", matches[1], "reference", matches[2])
				}
				return
			}
		}
		r.handler.ServeHTTP(w, req)
	})
}

// responseWrapper captures the status code from the response
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

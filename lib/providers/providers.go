// Package providers holds the wire provider functions shared by the
// service's injector.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/geobc/provisioner/cmd/api/config"
	"github.com/geobc/provisioner/lib/logger"
	"github.com/geobc/provisioner/lib/oci"
	"github.com/geobc/provisioner/lib/otel"
	"github.com/geobc/provisioner/lib/paths"
	"github.com/geobc/provisioner/lib/provision"
	"github.com/geobc/provisioner/lib/registry"
	"github.com/geobc/provisioner/lib/verify"
)

// ProvideContext provides a base context
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideConfig provides the application configuration
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvideLogger provides a structured logger
func ProvideLogger(cfg *config.Config) *slog.Logger {
	return logger.New(cfg.LogLevel)
}

// ProvidePaths provides the data directory layout
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir)
}

// ProvideMeter provides the OTel meter and its shutdown cleanup
func ProvideMeter(ctx context.Context) (metric.Meter, func(), error) {
	meter, shutdown, err := otel.Setup(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}
	return meter, cleanup, nil
}

// ProvideOCIClient provides the OCI client backed by the shared cache
func ProvideOCIClient(p *paths.Paths) (*oci.Client, error) {
	return oci.NewClient(p.OCICacheDir())
}

// ProvideBuilder selects the builder implementation from configuration.
func ProvideBuilder(cfg *config.Config, client *oci.Client) (provision.Builder, error) {
	switch cfg.Builder {
	case "docker", "":
		return provision.NewDockerBuilder(cfg.DockerBin, client), nil
	case "layered":
		return provision.NewLayeredBuilder(true), nil
	default:
		return nil, fmt.Errorf("unknown builder: %s", cfg.Builder)
	}
}

// ProvideVerifier provides the image verifier
func ProvideVerifier(client *oci.Client) provision.Verifier {
	return verify.New(client)
}

// ProvideBuildManager provides the build manager
func ProvideBuildManager(
	cfg *config.Config,
	p *paths.Paths,
	client *oci.Client,
	builder provision.Builder,
	verifier provision.Verifier,
	log *slog.Logger,
	meter metric.Meter,
) (provision.Manager, error) {
	return provision.NewManager(p, provision.Config{
		MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
		RegistryURL:         cfg.RegistryURL,
		BuildTimeout:        provision.DefaultConfig().BuildTimeout,
	}, client, builder, verifier, log, meter)
}

// ProvideRegistry provides the embedded image registry
func ProvideRegistry(p *paths.Paths, log *slog.Logger) (*registry.Registry, error) {
	return registry.New(p, log)
}

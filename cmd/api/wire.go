//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"go.opentelemetry.io/otel/metric"

	"github.com/geobc/provisioner/cmd/api/api"
	"github.com/geobc/provisioner/cmd/api/config"
	"github.com/geobc/provisioner/lib/providers"
	"github.com/geobc/provisioner/lib/provision"
	"github.com/geobc/provisioner/lib/registry"
)

// application struct to hold initialized components
type application struct {
	Ctx          context.Context
	Logger       *slog.Logger
	Config       *config.Config
	Meter        metric.Meter
	BuildManager provision.Manager
	Registry     *registry.Registry
	ApiService   *api.ApiService
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideContext,
		providers.ProvideConfig,
		providers.ProvideLogger,
		providers.ProvidePaths,
		providers.ProvideMeter,
		providers.ProvideOCIClient,
		providers.ProvideBuilder,
		providers.ProvideVerifier,
		providers.ProvideBuildManager,
		providers.ProvideRegistry,
		api.New,
		wire.Struct(new(application), "*"),
	))
}

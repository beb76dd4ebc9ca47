package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/geobc/provisioner/lib/middleware"
)

func main() {
	app, cleanup, err := initializeApp()
	if err != nil {
		os.Stderr.WriteString("failed to initialize: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer cleanup()

	log := app.Logger

	// Fail builds left non-terminal by a previous run before accepting
	// new ones.
	app.BuildManager.RecoverInterruptedBuilds()

	httpMetrics, err := middleware.NewHTTPMetrics(app.Meter)
	if err != nil {
		log.Error("failed to create HTTP metrics", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(otelchi.Middleware("provisioner", otelchi.WithChiRoutes(r)))
	r.Use(middleware.InjectLogger(log))
	r.Use(middleware.AccessLogger(log))
	r.Use(httpMetrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// The distribution API is unauthenticated; builders push and
	// verification pulls through it.
	r.Mount("/v2", app.Registry.Handler())

	r.Group(func(r chi.Router) {
		if app.Config.JwtSecret != "" {
			r.Use(middleware.VerifyJWT(app.Config.JwtSecret))
		} else {
			log.Warn("JWT_SECRET not set, API is unauthenticated")
		}
		app.ApiService.Routes(r)
	})

	srv := &http.Server{
		Addr:    ":" + app.Config.Port,
		Handler: r,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "port", app.Config.Port, "data_dir", app.Config.DataDir, "builder", app.Config.Builder)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(app.Ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}

// Command provision runs one build end to end: load a spec, validate it
// against the build context, render the descriptor, build, push, verify.
// With -render-only it stops after rendering.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/geobc/provisioner/cmd/api/config"
	"github.com/geobc/provisioner/lib/descriptor"
	"github.com/geobc/provisioner/lib/logger"
	"github.com/geobc/provisioner/lib/manifest"
	"github.com/geobc/provisioner/lib/oci"
	"github.com/geobc/provisioner/lib/paths"
	"github.com/geobc/provisioner/lib/provision"
	"github.com/geobc/provisioner/lib/spec"
	"github.com/geobc/provisioner/lib/verify"
)

func main() {
	specPath := flag.String("spec", "provision.yaml", "path to the provisioning spec")
	contextRoot := flag.String("context", ".", "build context root")
	output := flag.String("o", "", "write the rendered descriptor to this file instead of the build directory")
	renderOnly := flag.Bool("render-only", false, "render the descriptor and exit without building")
	flag.Parse()

	if err := run(*specPath, *contextRoot, *output, *renderOnly); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(specPath, contextRoot, output string, renderOnly bool) error {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	sp, err := spec.Load(specPath)
	if err != nil {
		return err
	}

	contextRoot, err = filepath.Abs(contextRoot)
	if err != nil {
		return fmt.Errorf("resolve context root: %w", err)
	}
	if err := sp.Validate(contextRoot); err != nil {
		return err
	}

	if renderOnly {
		m, err := manifest.ParseFile(filepath.Join(contextRoot, sp.ManifestFile))
		if err != nil {
			return err
		}
		rendered := descriptor.Render(sp, sp.BaseImage, m)
		if output != "" {
			return os.WriteFile(output, []byte(rendered), 0644)
		}
		fmt.Print(rendered)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := paths.New(cfg.DataDir)
	client, err := oci.NewClient(p.OCICacheDir())
	if err != nil {
		return err
	}

	var builder provision.Builder
	switch cfg.Builder {
	case "docker", "":
		builder = provision.NewDockerBuilder(cfg.DockerBin, client)
	case "layered":
		builder = provision.NewLayeredBuilder(true)
	default:
		return fmt.Errorf("unknown builder: %s", cfg.Builder)
	}

	mgr, err := provision.NewManager(p, provision.Config{
		MaxConcurrentBuilds: 1,
		RegistryURL:         cfg.RegistryURL,
		BuildTimeout:        provision.DefaultConfig().BuildTimeout,
	}, client, builder, verify.New(client), log, nil)
	if err != nil {
		return err
	}

	b, err := mgr.CreateBuild(ctx, sp, contextRoot)
	if err != nil {
		return err
	}
	log.Info("build started", "id", b.ID)

	b, err = waitForBuild(ctx, mgr, b.ID)
	if err != nil {
		return err
	}

	if output != "" {
		data, err := os.ReadFile(p.BuildDescriptor(b.ID))
		if err != nil {
			return fmt.Errorf("read rendered descriptor: %w", err)
		}
		if err := os.WriteFile(output, data, 0644); err != nil {
			return fmt.Errorf("write descriptor: %w", err)
		}
	}

	switch b.Status {
	case provision.StatusReady:
		log.Info("build ready", "id", b.ID, "image", b.Result.ImageRef, "digest", b.Result.Digest)
		return nil
	default:
		logs, _ := mgr.GetBuildLogs(ctx, b.ID)
		if len(logs) > 0 {
			os.Stderr.Write(logs)
		}
		if b.Error != nil {
			return fmt.Errorf("build %s: %s", b.Status, *b.Error)
		}
		return fmt.Errorf("build %s", b.Status)
	}
}

// waitForBuild polls until the build reaches a terminal state. On ctx
// cancellation the build is cancelled before returning.
func waitForBuild(ctx context.Context, mgr provision.Manager, id string) (*provision.Build, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		b, err := mgr.GetBuild(ctx, id)
		if err != nil {
			return nil, err
		}
		switch b.Status {
		case provision.StatusReady, provision.StatusFailed, provision.StatusCancelled:
			return b, nil
		}

		select {
		case <-ctx.Done():
			_ = mgr.CancelBuild(context.Background(), id)
			return mgr.GetBuild(context.Background(), id)
		case <-ticker.C:
		}
	}
}

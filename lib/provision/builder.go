package provision

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/geobc/provisioner/lib/manifest"
	"github.com/geobc/provisioner/lib/oci"
	"github.com/geobc/provisioner/lib/spec"
)

// BuildInput is everything a Builder needs for one build.
type BuildInput struct {
	ID             string
	Spec           *spec.Spec
	Manifest       *manifest.Manifest
	ContextDir     string
	DescriptorPath string
	// ImageRef is the destination reference the built image is pushed to.
	ImageRef string
	// BaseRef is the digest-pinned canonical base reference.
	BaseRef string
}

// Builder executes a rendered descriptor and pushes the resulting image.
// It returns the manifest digest of the pushed image.
type Builder interface {
	Name() string
	Build(ctx context.Context, in BuildInput, logs io.Writer) (string, error)
}

// DockerBuilder delegates descriptor execution to BuildKit via the docker
// CLI. RUN steps (package index refresh, system packages, pip) execute
// inside the builder; any step failure aborts the build with the builder's
// output in the logs.
type DockerBuilder struct {
	bin       string
	inspector oci.ManifestInspector
}

// NewDockerBuilder creates a DockerBuilder using the given docker binary.
func NewDockerBuilder(bin string, inspector oci.ManifestInspector) *DockerBuilder {
	if bin == "" {
		bin = "docker"
	}
	return &DockerBuilder{bin: bin, inspector: inspector}
}

func (b *DockerBuilder) Name() string { return "docker" }

func (b *DockerBuilder) Build(ctx context.Context, in BuildInput, logs io.Writer) (string, error) {
	cmd := exec.CommandContext(ctx, b.bin,
		"buildx", "build",
		"--file", in.DescriptorPath,
		"--tag", in.ImageRef,
		"--push",
		in.ContextDir,
	)
	cmd.Stdout = logs
	cmd.Stderr = logs

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("execute descriptor: %w", err)
	}

	digest, err := b.inspector.InspectManifest(ctx, in.ImageRef)
	if err != nil {
		return "", fmt.Errorf("inspect built image: %w", err)
	}
	return digest, nil
}

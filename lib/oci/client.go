// Package oci pulls, inspects, and unpacks OCI images without a Docker
// daemon. Pulled images share a single OCI layout so layers are cached
// across builds.
package oci

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/containers/image/v5/copy"
	"github.com/containers/image/v5/docker"
	"github.com/containers/image/v5/manifest"
	"github.com/containers/image/v5/oci/layout"
	"github.com/containers/image/v5/signature"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/umoci/oci/cas/dir"
	"github.com/opencontainers/umoci/oci/casext"
	"github.com/opencontainers/umoci/oci/layer"
)

// ImageConfig is the subset of the image config verification cares about.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        map[string]string
	WorkingDir string
}

// Client handles OCI image operations against a shared layout cache.
type Client struct {
	cacheDir string
}

// NewClient creates a client backed by the given cache directory.
func NewClient(cacheDir string) (*Client, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Client{cacheDir: cacheDir}, nil
}

// digestToLayoutTag converts a digest to a valid OCI layout tag.
// Example: "sha256:abc123..." -> "abc123..."
func digestToLayoutTag(digest string) string {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return digest
}

// InspectManifest inspects a remote image and returns its manifest digest
// without pulling. For multi-arch images this is the manifest list digest.
func (c *Client) InspectManifest(ctx context.Context, imageRef string) (string, error) {
	srcRef, err := docker.ParseReference("//" + imageRef)
	if err != nil {
		return "", fmt.Errorf("parse image reference: %w", err)
	}

	src, err := srcRef.NewImageSource(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("create image source: %w", err)
	}
	defer src.Close()

	manifestBytes, _, err := src.GetManifest(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("get manifest: %w", err)
	}

	manifestDigest, err := manifest.Digest(manifestBytes)
	if err != nil {
		return "", fmt.Errorf("compute manifest digest: %w", err)
	}

	return manifestDigest.String(), nil
}

// Pull fetches imageRef into the shared layout under its digest tag.
// Already-cached digests are skipped.
func (c *Client) Pull(ctx context.Context, imageRef, digest string) error {
	layoutTag := digestToLayoutTag(digest)
	if c.existsInLayout(layoutTag) {
		return nil
	}

	srcRef, err := docker.ParseReference("//" + imageRef)
	if err != nil {
		return fmt.Errorf("parse image reference: %w", err)
	}

	destRef, err := layout.ParseReference(c.cacheDir + ":" + layoutTag)
	if err != nil {
		return fmt.Errorf("parse oci layout reference: %w", err)
	}

	policyContext, err := signature.NewPolicyContext(&signature.Policy{
		Default: []signature.PolicyRequirement{signature.NewPRInsecureAcceptAnything()},
	})
	if err != nil {
		return fmt.Errorf("create policy context: %w", err)
	}
	defer policyContext.Destroy()

	if _, err := copy.Image(ctx, policyContext, destRef, srcRef, &copy.Options{}); err != nil {
		return fmt.Errorf("copy image: %w", err)
	}

	return nil
}

// existsInLayout checks if a digest already exists in the layout cache.
func (c *Client) existsInLayout(layoutTag string) bool {
	casEngine, err := dir.Open(c.cacheDir)
	if err != nil {
		return false
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)
	descriptorPaths, err := engine.ResolveReference(context.Background(), layoutTag)
	if err != nil {
		return false
	}

	return len(descriptorPaths) > 0
}

// ImageConfig reads the image config for a pulled digest.
func (c *Client) ImageConfig(ctx context.Context, digest string) (*ImageConfig, error) {
	casEngine, err := dir.Open(c.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("open oci layout: %w", err)
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)

	mft, err := c.resolveManifest(ctx, engine, digestToLayoutTag(digest))
	if err != nil {
		return nil, err
	}

	configBlob, err := engine.FromDescriptor(ctx, mft.Config)
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}

	config, ok := configBlob.Data.(v1.Image)
	if !ok {
		return nil, fmt.Errorf("config data is not v1.Image (got %T)", configBlob.Data)
	}

	cfg := &ImageConfig{
		Entrypoint: config.Config.Entrypoint,
		Cmd:        config.Config.Cmd,
		Env:        make(map[string]string),
		WorkingDir: config.Config.WorkingDir,
	}
	for _, env := range config.Config.Env {
		if key, val, ok := strings.Cut(env, "="); ok {
			cfg.Env[key] = val
		}
	}

	return cfg, nil
}

// UnpackRootfs unpacks all layers of a pulled digest into targetDir using
// umoci in rootless mode (container root maps to the current user).
func (c *Client) UnpackRootfs(ctx context.Context, digest, targetDir string) error {
	casEngine, err := dir.Open(c.cacheDir)
	if err != nil {
		return fmt.Errorf("open oci layout: %w", err)
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)

	mft, err := c.resolveManifest(ctx, engine, digestToLayoutTag(digest))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())

	unpackOpts := &layer.UnpackOptions{
		OnDiskFormat: layer.DirRootfs{
			MapOptions: layer.MapOptions{
				Rootless: true, // don't fail on chown errors
				UIDMappings: []rspec.LinuxIDMapping{
					{HostID: uid, ContainerID: 0, Size: 1},
				},
				GIDMappings: []rspec.LinuxIDMapping{
					{HostID: gid, ContainerID: 0, Size: 1},
				},
			},
		},
	}

	if err := layer.UnpackRootfs(ctx, casEngine, targetDir, mft, unpackOpts); err != nil {
		return fmt.Errorf("unpack rootfs: %w", err)
	}

	return nil
}

// resolveManifest resolves a layout tag to its parsed v1.Manifest.
func (c *Client) resolveManifest(ctx context.Context, engine casext.Engine, layoutTag string) (v1.Manifest, error) {
	var empty v1.Manifest

	descriptorPaths, err := engine.ResolveReference(ctx, layoutTag)
	if err != nil {
		return empty, fmt.Errorf("resolve reference: %w", err)
	}
	if len(descriptorPaths) == 0 {
		return empty, fmt.Errorf("no image found in oci layout")
	}

	manifestBlob, err := engine.FromDescriptor(ctx, descriptorPaths[0].Descriptor())
	if err != nil {
		return empty, fmt.Errorf("get manifest: %w", err)
	}

	mft, ok := manifestBlob.Data.(v1.Manifest)
	if !ok {
		return empty, fmt.Errorf("manifest data is not v1.Manifest (got %T)", manifestBlob.Data)
	}

	return mft, nil
}

package provision

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/geobc/provisioner/lib/payload"
)

// LayeredBuilder assembles the image daemonlessly: base layers plus one
// deterministic payload layer, with env and working directory set in the
// image config. It executes no RUN steps, so it only yields a verifiable
// image when the base already satisfies the dependency manifest (e.g. a
// respin against a previously provisioned image); otherwise verification
// fails the build.
type LayeredBuilder struct {
	insecure bool
}

// NewLayeredBuilder creates a LayeredBuilder. insecure allows plain-HTTP
// registries (the embedded one).
func NewLayeredBuilder(insecure bool) *LayeredBuilder {
	return &LayeredBuilder{insecure: insecure}
}

func (b *LayeredBuilder) Name() string { return "layered" }

func (b *LayeredBuilder) Build(ctx context.Context, in BuildInput, logs io.Writer) (string, error) {
	baseRef, err := b.parseRef(in.BaseRef)
	if err != nil {
		return "", fmt.Errorf("parse base reference: %w", err)
	}

	fmt.Fprintf(logs, "pulling base %s\n", in.BaseRef)
	base, err := remote.Image(baseRef, remote.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("pull base image: %w", err)
	}

	layerPath, err := b.writeLayer(in)
	if err != nil {
		return "", err
	}
	defer os.Remove(layerPath)

	layer, err := tarball.LayerFromFile(layerPath)
	if err != nil {
		return "", fmt.Errorf("create payload layer: %w", err)
	}

	img, err := mutate.AppendLayers(base, layer)
	if err != nil {
		return "", fmt.Errorf("append payload layer: %w", err)
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return "", fmt.Errorf("read base config: %w", err)
	}
	cfg := cf.Config
	cfg.Env = mergeEnv(cfg.Env, in.Spec.Env)
	cfg.WorkingDir = in.Spec.AppRoot

	img, err = mutate.Config(img, cfg)
	if err != nil {
		return "", fmt.Errorf("set image config: %w", err)
	}

	destRef, err := b.parseRef(in.ImageRef)
	if err != nil {
		return "", fmt.Errorf("parse destination reference: %w", err)
	}

	fmt.Fprintf(logs, "pushing %s\n", in.ImageRef)
	if err := remote.Write(destRef, img, remote.WithContext(ctx)); err != nil {
		return "", fmt.Errorf("push image: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("compute image digest: %w", err)
	}
	fmt.Fprintf(logs, "pushed %s@%s\n", in.ImageRef, digest.String())

	return digest.String(), nil
}

func (b *LayeredBuilder) parseRef(s string) (name.Reference, error) {
	if b.insecure {
		return name.ParseReference(s, name.Insecure)
	}
	return name.ParseReference(s)
}

// writeLayer writes the deterministic payload layer tar to a temp file.
func (b *LayeredBuilder) writeLayer(in BuildInput) (string, error) {
	f, err := os.CreateTemp("", "payload-layer-*.tar")
	if err != nil {
		return "", fmt.Errorf("create layer temp file: %w", err)
	}
	if err := payload.WriteLayerTar(in.Spec, in.ContextDir, f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write payload layer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close layer temp file: %w", err)
	}
	return f.Name(), nil
}

// mergeEnv overlays spec env onto the base image env. Output is sorted so
// the image config is deterministic.
func mergeEnv(base []string, overlay map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// Package descriptor renders the build descriptor (a Dockerfile) for a
// provisioning spec. Rendering is a pure function: identical inputs
// produce byte-identical output.
package descriptor

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/geobc/provisioner/lib/manifest"
	"github.com/geobc/provisioner/lib/payload"
	"github.com/geobc/provisioner/lib/spec"
)

// Render produces the descriptor text for sp against the digest-pinned
// base reference. The steps are strictly ordered and non-branching; the
// gui variant only inserts one additional install step.
func Render(sp *spec.Spec, base string, m *manifest.Manifest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s\n\n", base)

	// Payload destination and working directory are one value; a build
	// where they differ cannot be expressed.
	appRoot := strings.TrimSuffix(sp.AppRoot, "/")
	fmt.Fprintf(&b, "COPY %s/ %s/\n", payload.ContextPayloadDir, appRoot)
	fmt.Fprintf(&b, "COPY %s %s %s/\n\n",
		filepath.Base(sp.LicenseFile), filepath.Base(sp.ManifestFile), appRoot)

	fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y %s\n",
		strings.Join(sp.SystemPackages, " "))

	if sp.GUI {
		fmt.Fprintf(&b, "RUN DEBIAN_FRONTEND=noninteractive apt-get install -y %s\n", spec.GUIPackage)
	}
	b.WriteString("\n")

	// Dependency resolution runs from the payload root so relative paths
	// in the manifest resolve.
	fmt.Fprintf(&b, "WORKDIR %s\n", appRoot)
	fmt.Fprintf(&b, "RUN %s\n\n", installCommand(sp, m))

	for _, kv := range sortedEnv(sp.Env) {
		fmt.Fprintf(&b, "ENV %s\n", kv)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "WORKDIR %s\n", appRoot)

	return b.String()
}

// installCommand picks the pip invocation: strict mode when every
// requirement carries hash pins.
func installCommand(sp *spec.Spec, m *manifest.Manifest) string {
	name := filepath.Base(sp.ManifestFile)
	if m != nil && m.HasHashes {
		return fmt.Sprintf("pip3 install --require-hashes --only-binary :all: -r %s", name)
	}
	return fmt.Sprintf("pip3 install --no-cache-dir -r %s", name)
}

// sortedEnv renders env pairs in key order for deterministic output.
func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v := env[k]
		if strings.ContainsAny(v, " \t") {
			v = fmt.Sprintf("%q", v)
		}
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}

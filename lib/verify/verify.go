// Package verify checks a provisioned image against its spec: path
// consistency, environment, dependency completeness, and variant packages.
// The build silently succeeding with a wrong default directory is exactly
// the defect class these checks exist to surface.
package verify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/geobc/provisioner/lib/manifest"
	"github.com/geobc/provisioner/lib/oci"
	"github.com/geobc/provisioner/lib/spec"
	"github.com/samber/lo"
)

// ErrVerificationFailed is returned when any check fails.
var ErrVerificationFailed = errors.New("image verification failed")

// Check is the outcome of one verification property.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report collects all check outcomes for one image.
type Report struct {
	Checks []Check `json:"checks"`
}

// Failed returns the failed checks.
func (r *Report) Failed() []Check {
	return lo.Filter(r.Checks, func(c Check, _ int) bool { return !c.OK })
}

// Err returns ErrVerificationFailed describing the failed checks, or nil.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	names := lo.Map(failed, func(c Check, _ int) string { return c.Name + " (" + c.Detail + ")" })
	return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(names, "; "))
}

// Inspector provides image config access and rootfs unpacking.
type Inspector interface {
	Pull(ctx context.Context, imageRef, digest string) error
	ImageConfig(ctx context.Context, digest string) (*oci.ImageConfig, error)
	UnpackRootfs(ctx context.Context, digest, targetDir string) error
}

// Verifier verifies built images through an Inspector.
type Verifier struct {
	inspector Inspector
}

// New creates a Verifier.
func New(inspector Inspector) *Verifier {
	return &Verifier{inspector: inspector}
}

// Verify pulls the image, unpacks its rootfs into scratchDir, and runs all
// checks for sp and its dependency manifest.
func (v *Verifier) Verify(ctx context.Context, sp *spec.Spec, m *manifest.Manifest, imageRef, digest, scratchDir string) (*Report, error) {
	if err := v.inspector.Pull(ctx, imageRef, digest); err != nil {
		return nil, fmt.Errorf("pull image: %w", err)
	}

	cfg, err := v.inspector.ImageConfig(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("read image config: %w", err)
	}

	rootfs := filepath.Join(scratchDir, "rootfs")
	if err := v.inspector.UnpackRootfs(ctx, digest, rootfs); err != nil {
		return nil, fmt.Errorf("unpack rootfs: %w", err)
	}
	defer os.RemoveAll(rootfs)

	return verifyImage(sp, m, cfg, rootfs), nil
}

// verifyImage runs all checks against an unpacked rootfs and image config.
func verifyImage(sp *spec.Spec, m *manifest.Manifest, cfg *oci.ImageConfig, rootfs string) *Report {
	r := &Report{}
	r.add(checkWorkingDir(sp, cfg, rootfs))
	r.add(checkEnv(sp, cfg, rootfs))
	r.add(checkDependencies(m, rootfs))
	r.add(checkGUIVariant(sp, rootfs))
	return r
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
}

// checkWorkingDir asserts the image's default directory is the app root and
// contains the application entry file.
func checkWorkingDir(sp *spec.Spec, cfg *oci.ImageConfig, rootfs string) Check {
	c := Check{Name: "working-directory"}
	if cfg.WorkingDir != sp.AppRoot {
		c.Detail = fmt.Sprintf("working dir %q, want %q", cfg.WorkingDir, sp.AppRoot)
		return c
	}
	entry := filepath.Join(rootfs, sp.AppRoot, sp.EntryFile)
	if _, err := os.Stat(entry); err != nil {
		c.Detail = fmt.Sprintf("entry file %s missing under %s", sp.EntryFile, sp.AppRoot)
		return c
	}
	c.OK = true
	return c
}

// checkEnv asserts every spec environment variable is baked into the image
// config, and that the projection data path points at a non-empty directory.
func checkEnv(sp *spec.Spec, cfg *oci.ImageConfig, rootfs string) Check {
	c := Check{Name: "environment"}
	for k, want := range sp.Env {
		got, ok := cfg.Env[k]
		if !ok || got != want {
			c.Detail = fmt.Sprintf("%s=%q, want %q", k, got, want)
			return c
		}
	}

	projDir := filepath.Join(rootfs, sp.Env[spec.ProjDataVar])
	entries, err := os.ReadDir(projDir)
	if err != nil || len(entries) == 0 {
		c.Detail = fmt.Sprintf("%s points at missing or empty directory %s", spec.ProjDataVar, sp.Env[spec.ProjDataVar])
		return c
	}
	c.OK = true
	return c
}

// checkDependencies asserts every manifest package is installed in the
// image's Python environment (by dist-info presence).
func checkDependencies(m *manifest.Manifest, rootfs string) Check {
	c := Check{Name: "dependencies"}
	installed := installedDistributions(rootfs)

	missing := lo.Filter(m.Names(), func(name string, _ int) bool {
		return !installed[name]
	})
	if len(missing) > 0 {
		c.Detail = "not installed: " + strings.Join(missing, ", ")
		return c
	}
	c.OK = true
	return c
}

// checkGUIVariant asserts the GUI toolkit package is present exactly when
// the spec requests the variant, so the two variants stay distinguishable.
func checkGUIVariant(sp *spec.Spec, rootfs string) Check {
	c := Check{Name: "gui-variant"}
	installed := dpkgInstalled(rootfs, spec.GUIPackage)
	switch {
	case sp.GUI && !installed:
		c.Detail = spec.GUIPackage + " not installed"
	case !sp.GUI && installed:
		c.Detail = spec.GUIPackage + " installed in minimal variant"
	default:
		c.OK = true
	}
	return c
}

// installedDistributions scans the usual Python package roots for
// dist-info/egg-info directories and returns canonical names.
func installedDistributions(rootfs string) map[string]bool {
	roots := []string{
		filepath.Join(rootfs, "usr/lib/python3/dist-packages"),
		filepath.Join(rootfs, "usr/local/lib"),
		filepath.Join(rootfs, "usr/lib"),
	}

	installed := map[string]bool{}
	for _, root := range roots {
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || !info.IsDir() {
				return nil
			}
			name := info.Name()
			if strings.HasSuffix(name, ".dist-info") || strings.HasSuffix(name, ".egg-info") {
				base := strings.TrimSuffix(strings.TrimSuffix(name, ".dist-info"), ".egg-info")
				// "<name>-<version>.dist-info"
				if i := strings.Index(base, "-"); i > 0 {
					base = base[:i]
				}
				installed[manifest.CanonicalName(base)] = true
				return filepath.SkipDir
			}
			return nil
		})
	}
	return installed
}

// dpkgInstalled reports whether pkg is recorded as installed in the image's
// dpkg status database.
func dpkgInstalled(rootfs, pkg string) bool {
	f, err := os.Open(filepath.Join(rootfs, "var/lib/dpkg/status"))
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	inPackage := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Package: ") {
			inPackage = strings.TrimPrefix(line, "Package: ") == pkg
			continue
		}
		if inPackage && strings.HasPrefix(line, "Status: ") {
			return strings.Contains(line, "installed") && !strings.Contains(line, "not-installed")
		}
	}
	return false
}

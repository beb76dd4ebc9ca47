// Package spec defines the provisioning spec: the immutable record of
// everything a build needs. The payload destination and the image working
// directory are deliberately a single field (AppRoot) so they cannot
// disagree.
package spec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
	"github.com/geobc/provisioner/lib/manifest"
	"github.com/geobc/provisioner/lib/oci"
)

// ProjDataVar is the environment variable projection libraries read their
// resource data path from.
const ProjDataVar = "PROJ_LIB"

// DefaultProjDataPath is where the GDAL base images ship projection data.
const DefaultProjDataPath = "/usr/share/proj"

var (
	ErrUnpinnedBase   = errors.New("base image is not pinned to an immutable version")
	ErrMissingInput   = errors.New("required build input missing")
	ErrInvalidAppRoot = errors.New("app root must be an absolute path")
)

// DefaultSystemPackages are installed before dependency resolution: the
// package manager front-end and the Python package installer.
var DefaultSystemPackages = []string{"apt-utils", "python3-pip"}

// GUIPackage is the windowing toolkit binding the gui variant installs.
const GUIPackage = "python3-pyqt5"

// Spec describes one provisioning run.
type Spec struct {
	// Name is the image repository name for the build output.
	Name string `json:"name"`

	// BaseImage is the pinned GDAL base image reference. Floating tags
	// ("latest" or no tag) fail validation.
	BaseImage string `json:"base_image"`

	// AppRoot is the absolute path the payload is copied to inside the
	// image AND the default working directory. One value by design.
	AppRoot string `json:"app_root"`

	// PayloadDir is the application source tree, relative to the context root.
	PayloadDir string `json:"payload_dir,omitempty"`

	// LicenseFile is the license text file, relative to the context root.
	LicenseFile string `json:"license_file,omitempty"`

	// ManifestFile is the Python dependency manifest, relative to the
	// context root.
	ManifestFile string `json:"manifest_file,omitempty"`

	// EntryFile is the application entry point expected under AppRoot.
	EntryFile string `json:"entry_file,omitempty"`

	// Env is baked into the image config. ProjDataVar is always present
	// after ApplyDefaults.
	Env map[string]string `json:"env,omitempty"`

	// SystemPackages are apt packages installed before the manifest step.
	SystemPackages []string `json:"system_packages,omitempty"`

	// GUI enables the windowing-toolkit variant.
	GUI bool `json:"gui,omitempty"`
}

// Load reads and defaults a spec from a YAML file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	return Parse(data)
}

// Parse parses and defaults a spec from YAML bytes.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse spec: %w", err)
	}
	s.ApplyDefaults()
	return &s, nil
}

// ApplyDefaults fills in the conventional input layout and environment.
func (s *Spec) ApplyDefaults() {
	if s.PayloadDir == "" {
		s.PayloadDir = "changedetection"
	}
	if s.LicenseFile == "" {
		s.LicenseFile = "LICENSE"
	}
	if s.ManifestFile == "" {
		s.ManifestFile = "requirements.txt"
	}
	if s.EntryFile == "" {
		s.EntryFile = "main.py"
	}
	if s.Env == nil {
		s.Env = make(map[string]string)
	}
	if _, ok := s.Env[ProjDataVar]; !ok {
		s.Env[ProjDataVar] = DefaultProjDataPath
	}
	if len(s.SystemPackages) == 0 {
		s.SystemPackages = append([]string(nil), DefaultSystemPackages...)
	}
}

// BaseRef parses the base image reference.
func (s *Spec) BaseRef() (*oci.NormalizedRef, error) {
	return oci.ParseNormalizedRef(s.BaseImage)
}

// Validate checks the spec and its inputs under contextRoot. It is the
// single gate before any provisioning step runs: an invalid spec never
// reaches the builder.
func (s *Spec) Validate(contextRoot string) error {
	if s.Name == "" {
		return fmt.Errorf("%w: name", ErrMissingInput)
	}

	ref, err := s.BaseRef()
	if err != nil {
		return fmt.Errorf("base image: %w", err)
	}
	if !ref.Pinned() {
		return fmt.Errorf("%w: %s", ErrUnpinnedBase, ref.String())
	}

	// The filesystem root is absolute but unusable as an app root: the
	// rendered descriptor would copy into and set WORKDIR to "/".
	if !filepath.IsAbs(s.AppRoot) || filepath.Clean(s.AppRoot) == "/" {
		return fmt.Errorf("%w: %q", ErrInvalidAppRoot, s.AppRoot)
	}

	payload := filepath.Join(contextRoot, s.PayloadDir)
	if fi, err := os.Stat(payload); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: payload directory %s", ErrMissingInput, s.PayloadDir)
	}
	if _, err := os.Stat(filepath.Join(payload, s.EntryFile)); err != nil {
		return fmt.Errorf("%w: entry file %s in payload", ErrMissingInput, s.EntryFile)
	}
	if _, err := os.Stat(filepath.Join(contextRoot, s.LicenseFile)); err != nil {
		return fmt.Errorf("%w: license file %s", ErrMissingInput, s.LicenseFile)
	}

	manifestPath := filepath.Join(contextRoot, s.ManifestFile)
	if _, err := os.Stat(manifestPath); err != nil {
		return fmt.Errorf("%w: dependency manifest %s", ErrMissingInput, s.ManifestFile)
	}
	m, err := manifest.ParseFile(manifestPath)
	if err != nil {
		return fmt.Errorf("dependency manifest: %w", err)
	}
	if len(m.Requirements) == 0 {
		return fmt.Errorf("%w: dependency manifest lists no packages", ErrMissingInput)
	}

	if v, ok := s.Env[ProjDataVar]; !ok || v == "" {
		return fmt.Errorf("%w: %s environment variable", ErrMissingInput, ProjDataVar)
	}

	return nil
}

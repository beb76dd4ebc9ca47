// Package paths centralizes the on-disk layout under the data directory.
package paths

import "path/filepath"

// Paths resolves locations inside the provisioner data directory.
type Paths struct {
	DataDir string
}

// New creates a Paths rooted at dataDir.
func New(dataDir string) *Paths {
	return &Paths{DataDir: dataDir}
}

// BuildsDir returns the directory holding all build state.
func (p *Paths) BuildsDir() string {
	return filepath.Join(p.DataDir, "builds")
}

// BuildDir returns the directory for a single build.
func (p *Paths) BuildDir(buildID string) string {
	return filepath.Join(p.BuildsDir(), buildID)
}

// BuildMetadata returns the metadata file for a build.
func (p *Paths) BuildMetadata(buildID string) string {
	return filepath.Join(p.BuildDir(buildID), "metadata.json")
}

// BuildContextDir returns the materialized build context for a build.
func (p *Paths) BuildContextDir(buildID string) string {
	return filepath.Join(p.BuildDir(buildID), "context")
}

// BuildDescriptor returns the rendered Dockerfile for a build.
func (p *Paths) BuildDescriptor(buildID string) string {
	return filepath.Join(p.BuildDir(buildID), "Dockerfile")
}

// BuildLog returns the build log file for a build.
func (p *Paths) BuildLog(buildID string) string {
	return filepath.Join(p.BuildDir(buildID), "build.log")
}

// OCICacheDir returns the shared OCI layout used for pulls and verification.
func (p *Paths) OCICacheDir() string {
	return filepath.Join(p.DataDir, "oci-cache")
}

// RegistryBlobsDir returns the blob storage for the embedded registry.
func (p *Paths) RegistryBlobsDir() string {
	return filepath.Join(p.DataDir, "registry")
}

// VerifyDir returns the scratch directory verification unpacks rootfs into.
func (p *Paths) VerifyDir(buildID string) string {
	return filepath.Join(p.BuildDir(buildID), "verify")
}

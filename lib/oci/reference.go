package oci

import (
	"context"
	"strings"

	"github.com/distribution/reference"
)

// NormalizedRef is a validated and normalized OCI image reference.
// It is either a tagged reference (e.g., "ghcr.io/osgeo/gdal:ubuntu-small-3.8.4")
// or a digest reference (e.g., "ghcr.io/osgeo/gdal@sha256:abc123...").
type NormalizedRef struct {
	raw        string
	repository string
	tag        string // empty if digest ref
	digest     string // empty if tag ref
	isDigest   bool
}

// ParseNormalizedRef validates and normalizes a user-provided image reference.
// Examples:
//   - "alpine" -> "docker.io/library/alpine:latest"
//   - "osgeo/gdal:ubuntu-small-3.8.4" -> "docker.io/osgeo/gdal:ubuntu-small-3.8.4"
//   - "alpine@sha256:abc..." -> "docker.io/library/alpine@sha256:abc..."
func ParseNormalizedRef(s string) (*NormalizedRef, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return nil, err
	}

	ref := &NormalizedRef{}
	ref.repository = reference.Domain(named) + "/" + reference.Path(named)

	if canonical, ok := named.(reference.Canonical); ok {
		ref.isDigest = true
		ref.digest = canonical.Digest().String()
		ref.raw = canonical.String()
		return ref, nil
	}

	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		ref.tag = t.Tag()
	}
	ref.raw = tagged.String()

	return ref, nil
}

// String returns the full normalized reference.
func (r *NormalizedRef) String() string {
	return r.raw
}

// IsDigest returns true if this reference contains a digest (@sha256:...).
func (r *NormalizedRef) IsDigest() bool {
	return r.isDigest
}

// Digest returns the digest if present (e.g., "sha256:abc123...").
// Returns empty string if this is a tagged reference.
func (r *NormalizedRef) Digest() string {
	return r.digest
}

// Repository returns the repository path without tag or digest.
// Example: "docker.io/osgeo/gdal"
func (r *NormalizedRef) Repository() string {
	return r.repository
}

// Tag returns the tag if this is a tagged reference.
// Returns empty string if this is a digest reference.
func (r *NormalizedRef) Tag() string {
	return r.tag
}

// Pinned reports whether the reference is version-addressed: either a
// digest reference or a tag other than the floating "latest". A base image
// that fails this check cannot produce reproducible builds.
func (r *NormalizedRef) Pinned() bool {
	if r.isDigest {
		return true
	}
	return r.tag != "" && r.tag != "latest"
}

// ManifestInspector resolves a reference to its manifest digest without
// pulling the image.
type ManifestInspector interface {
	InspectManifest(ctx context.Context, imageRef string) (string, error)
}

// ResolvedRef is a NormalizedRef resolved to its authoritative manifest
// digest from the registry. The digest is always present.
type ResolvedRef struct {
	normalized *NormalizedRef
	digest     string
}

// Resolve inspects the registry manifest and returns a digest-addressed ref.
// Digest references resolve without network I/O.
func (r *NormalizedRef) Resolve(ctx context.Context, inspector ManifestInspector) (*ResolvedRef, error) {
	if r.isDigest {
		return &ResolvedRef{normalized: r, digest: r.digest}, nil
	}
	digest, err := inspector.InspectManifest(ctx, r.String())
	if err != nil {
		return nil, err
	}
	return &ResolvedRef{normalized: r, digest: digest}, nil
}

// String returns the original normalized reference.
func (r *ResolvedRef) String() string {
	return r.normalized.String()
}

// Repository returns the repository path without tag or digest.
func (r *ResolvedRef) Repository() string {
	return r.normalized.Repository()
}

// Digest returns the resolved manifest digest (always populated).
func (r *ResolvedRef) Digest() string {
	return r.digest
}

// DigestHex returns the hex portion of the digest without the "sha256:" prefix.
func (r *ResolvedRef) DigestHex() string {
	parts := strings.SplitN(r.digest, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// Canonical returns the digest-addressed reference string
// (e.g., "docker.io/osgeo/gdal@sha256:abc...").
func (r *ResolvedRef) Canonical() string {
	return r.normalized.Repository() + "@" + r.digest
}

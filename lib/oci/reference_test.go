package oci

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNormalizedRef(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		// Full references
		{"ghcr.io/osgeo/gdal:ubuntu-small-3.8.4", "ghcr.io/osgeo/gdal:ubuntu-small-3.8.4", false},
		{"docker.io/osgeo/gdal:alpine-normal-3.6.2", "docker.io/osgeo/gdal:alpine-normal-3.6.2", false},

		// Shorthand (gets expanded)
		{"alpine", "docker.io/library/alpine:latest", false},
		{"alpine:3.18", "docker.io/library/alpine:3.18", false},
		{"osgeo/gdal", "docker.io/osgeo/gdal:latest", false},

		// Digest references
		{"osgeo/gdal@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", "docker.io/osgeo/gdal@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", false},

		// Invalid
		{"", "", true},
		{"invalid::", "", true},
		{"has spaces", "", true},
		{"UPPERCASE", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseNormalizedRef(tt.input)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.expected, result.String())
			}
		})
	}
}

func TestPinned(t *testing.T) {
	tests := []struct {
		input  string
		pinned bool
	}{
		{"osgeo/gdal:ubuntu-small-3.8.4", true},
		{"osgeo/gdal@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", true},
		{"osgeo/gdal:latest", false},
		{"osgeo/gdal", false}, // normalizes to :latest
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			ref, err := ParseNormalizedRef(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.pinned, ref.Pinned())
		})
	}
}

type staticInspector struct {
	digest string
}

func (s staticInspector) InspectManifest(ctx context.Context, imageRef string) (string, error) {
	return s.digest, nil
}

func TestResolve(t *testing.T) {
	const digest = "sha256:fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"

	t.Run("TaggedReference", func(t *testing.T) {
		ref, err := ParseNormalizedRef("osgeo/gdal:ubuntu-small-3.8.4")
		require.NoError(t, err)

		resolved, err := ref.Resolve(context.Background(), staticInspector{digest: digest})
		require.NoError(t, err)
		require.Equal(t, digest, resolved.Digest())
		require.Equal(t, "docker.io/osgeo/gdal@"+digest, resolved.Canonical())
		require.Equal(t, "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210", resolved.DigestHex())
	})

	t.Run("DigestReferenceSkipsInspection", func(t *testing.T) {
		ref, err := ParseNormalizedRef("osgeo/gdal@" + digest)
		require.NoError(t, err)

		// Inspector returns a different digest; it must not be consulted.
		resolved, err := ref.Resolve(context.Background(), staticInspector{digest: "sha256:wrong"})
		require.NoError(t, err)
		require.Equal(t, digest, resolved.Digest())
	})
}

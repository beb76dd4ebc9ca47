package registry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/require"

	"github.com/geobc/provisioner/lib/paths"
)

func TestPushAndPullRoundTrip(t *testing.T) {
	p := paths.New(t.TempDir())
	reg, err := New(p, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	img, err := random.Image(1024, 2)
	require.NoError(t, err)

	ref, err := name.ParseReference(host+"/changedetection:test", name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img))

	pulled, err := remote.Image(ref)
	require.NoError(t, err)

	wantDigest, err := img.Digest()
	require.NoError(t, err)
	gotDigest, err := pulled.Digest()
	require.NoError(t, err)
	require.Equal(t, wantDigest, gotDigest)

	// Blobs landed on disk, not in memory.
	require.DirExists(t, p.RegistryBlobsDir())
}

func TestAPIVersionCheck(t *testing.T) {
	p := paths.New(t.TempDir())
	reg, err := New(p, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/v2/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

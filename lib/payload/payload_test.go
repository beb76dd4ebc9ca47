package payload

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/geobc/provisioner/lib/spec"
	"github.com/stretchr/testify/require"
)

func testSpec() *spec.Spec {
	s := &spec.Spec{
		Name:      "changedetection",
		BaseImage: "ghcr.io/osgeo/gdal:ubuntu-small-3.8.4",
		AppRoot:   "/changedetection/changedetection",
	}
	s.ApplyDefaults()
	return s
}

func writeInputs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "changedetection", "core"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "changedetection", "main.py"), []byte("print('cd')\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "changedetection", "core", "utils.py"), []byte("pass\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "LICENSE"), []byte("Apache-2.0\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("requests==2.28.1\n"), 0644))
	return root
}

func TestMaterialize(t *testing.T) {
	root := writeInputs(t)
	dest := filepath.Join(t.TempDir(), "context")

	require.NoError(t, Materialize(testSpec(), root, dest))

	for _, f := range []string{
		"payload/main.py",
		"payload/core/utils.py",
		"LICENSE",
		"requirements.txt",
	} {
		_, err := os.Stat(filepath.Join(dest, f))
		require.NoError(t, err, f)
	}

	// No staging residue.
	_, err := os.Stat(dest + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestMaterializeRefusesExistingDest(t *testing.T) {
	root := writeInputs(t)
	dest := t.TempDir()
	require.Error(t, Materialize(testSpec(), root, dest))
}

func TestWriteLayerTarDeterministic(t *testing.T) {
	root := writeInputs(t)
	dest := filepath.Join(t.TempDir(), "context")
	sp := testSpec()
	require.NoError(t, Materialize(sp, root, dest))

	var a, b bytes.Buffer
	require.NoError(t, WriteLayerTar(sp, dest, &a))
	require.NoError(t, WriteLayerTar(sp, dest, &b))
	require.NotZero(t, a.Len())
	require.Equal(t, a.Bytes(), b.Bytes())
}

func TestWriteLayerTarRootsEntriesAtAppRoot(t *testing.T) {
	root := writeInputs(t)
	dest := filepath.Join(t.TempDir(), "context")
	sp := testSpec()
	require.NoError(t, Materialize(sp, root, dest))

	var buf bytes.Buffer
	require.NoError(t, WriteLayerTar(sp, dest, &buf))

	names := tarNames(t, buf.Bytes())
	require.Contains(t, names, "changedetection/changedetection/main.py")
	require.Contains(t, names, "changedetection/changedetection/core/utils.py")
	require.Contains(t, names, "changedetection/changedetection/LICENSE")
	require.Contains(t, names, "changedetection/changedetection/requirements.txt")
}

func tarNames(t *testing.T, data []byte) []string {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(data))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func TestWriteLayerTarRefusesSymlinks(t *testing.T) {
	root := writeInputs(t)
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(root, "changedetection", "link")))

	dest := filepath.Join(t.TempDir(), "context")
	sp := testSpec()
	require.ErrorIs(t, Materialize(sp, root, dest), ErrInvalidPath)
}

package verify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/geobc/provisioner/lib/manifest"
	"github.com/geobc/provisioner/lib/oci"
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

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse(strings.NewReader("requests==2.28.1\npsycopg2-binary>=2.9\n"))
	require.NoError(t, err)
	return m
}

// writeRootfs builds a synthetic rootfs satisfying every check for sp.
func writeRootfs(t *testing.T, sp *spec.Spec) string {
	t.Helper()
	rootfs := t.TempDir()

	appRoot := filepath.Join(rootfs, sp.AppRoot)
	require.NoError(t, os.MkdirAll(appRoot, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(appRoot, sp.EntryFile), []byte("print('cd')\n"), 0644))

	projDir := filepath.Join(rootfs, sp.Env[spec.ProjDataVar])
	require.NoError(t, os.MkdirAll(projDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projDir, "proj.db"), []byte("db"), 0644))

	for _, distInfo := range []string{
		"usr/local/lib/python3.10/dist-packages/requests-2.28.1.dist-info",
		"usr/local/lib/python3.10/dist-packages/psycopg2_binary-2.9.5.dist-info",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(rootfs, distInfo), 0755))
	}

	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "var/lib/dpkg"), 0755))
	writeDpkgStatus(t, rootfs, "Package: python3-pip\nStatus: install ok installed\n\n")

	return rootfs
}

func writeDpkgStatus(t *testing.T, rootfs, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "var/lib/dpkg/status"), []byte(content), 0644))
}

func configFor(sp *spec.Spec) *oci.ImageConfig {
	env := map[string]string{}
	for k, v := range sp.Env {
		env[k] = v
	}
	return &oci.ImageConfig{
		Env:        env,
		WorkingDir: sp.AppRoot,
	}
}

func TestVerifyImageAllChecksPass(t *testing.T) {
	sp := testSpec()
	rootfs := writeRootfs(t, sp)

	report := verifyImage(sp, testManifest(t), configFor(sp), rootfs)
	require.Empty(t, report.Failed())
	require.NoError(t, report.Err())
}

func TestVerifyImageWorkingDirMismatch(t *testing.T) {
	sp := testSpec()
	rootfs := writeRootfs(t, sp)

	cfg := configFor(sp)
	cfg.WorkingDir = "/changedetection/changedetecion" // the historical misspelling
	report := verifyImage(sp, testManifest(t), cfg, rootfs)

	require.ErrorIs(t, report.Err(), ErrVerificationFailed)
	require.Equal(t, "working-directory", report.Failed()[0].Name)
}

func TestVerifyImageMissingEntryFile(t *testing.T) {
	sp := testSpec()
	rootfs := writeRootfs(t, sp)
	require.NoError(t, os.Remove(filepath.Join(rootfs, sp.AppRoot, sp.EntryFile)))

	report := verifyImage(sp, testManifest(t), configFor(sp), rootfs)
	require.Equal(t, "working-directory", report.Failed()[0].Name)
}

func TestVerifyImageEnvMissing(t *testing.T) {
	sp := testSpec()
	rootfs := writeRootfs(t, sp)

	cfg := configFor(sp)
	delete(cfg.Env, spec.ProjDataVar)
	report := verifyImage(sp, testManifest(t), cfg, rootfs)
	require.Equal(t, "environment", report.Failed()[0].Name)
}

func TestVerifyImageEmptyProjData(t *testing.T) {
	sp := testSpec()
	rootfs := writeRootfs(t, sp)
	require.NoError(t, os.Remove(filepath.Join(rootfs, sp.Env[spec.ProjDataVar], "proj.db")))

	report := verifyImage(sp, testManifest(t), configFor(sp), rootfs)
	require.Equal(t, "environment", report.Failed()[0].Name)
}

func TestVerifyImageMissingDependency(t *testing.T) {
	sp := testSpec()
	rootfs := writeRootfs(t, sp)

	m, err := manifest.Parse(strings.NewReader("requests==2.28.1\ngeopandas\n"))
	require.NoError(t, err)

	report := verifyImage(sp, m, configFor(sp), rootfs)
	failed := report.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, "dependencies", failed[0].Name)
	require.Contains(t, failed[0].Detail, "geopandas")
}

func TestVerifyImageGUIVariant(t *testing.T) {
	t.Run("MinimalWithGUIPackage", func(t *testing.T) {
		sp := testSpec()
		rootfs := writeRootfs(t, sp)
		writeDpkgStatus(t, rootfs, "Package: python3-pyqt5\nStatus: install ok installed\n\n")

		report := verifyImage(sp, testManifest(t), configFor(sp), rootfs)
		require.Equal(t, "gui-variant", report.Failed()[0].Name)
	})

	t.Run("GUIWithoutPackage", func(t *testing.T) {
		sp := testSpec()
		sp.GUI = true
		rootfs := writeRootfs(t, sp)

		report := verifyImage(sp, testManifest(t), configFor(sp), rootfs)
		require.Equal(t, "gui-variant", report.Failed()[0].Name)
	})

	t.Run("GUIWithPackage", func(t *testing.T) {
		sp := testSpec()
		sp.GUI = true
		rootfs := writeRootfs(t, sp)
		writeDpkgStatus(t, rootfs, "Package: python3-pyqt5\nStatus: install ok installed\n\n")

		report := verifyImage(sp, testManifest(t), configFor(sp), rootfs)
		require.Empty(t, report.Failed())
	})
}

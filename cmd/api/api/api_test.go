package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/geobc/provisioner/cmd/api/config"
	"github.com/geobc/provisioner/lib/provision"
	"github.com/geobc/provisioner/lib/spec"
)

// fakeManager is an in-memory provision.Manager for handler tests.
type fakeManager struct {
	builds    map[string]*provision.Build
	logs      map[string][]byte
	createErr error
	cancelErr error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		builds: map[string]*provision.Build{},
		logs:   map[string][]byte{},
	}
}

func (f *fakeManager) CreateBuild(ctx context.Context, sp *spec.Spec, contextRoot string) (*provision.Build, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	b := &provision.Build{ID: "bld1", Status: provision.StatusPending, Spec: sp}
	f.builds[b.ID] = b
	return b, nil
}

func (f *fakeManager) GetBuild(ctx context.Context, id string) (*provision.Build, error) {
	b, ok := f.builds[id]
	if !ok {
		return nil, provision.ErrNotFound
	}
	return b, nil
}

func (f *fakeManager) ListBuilds(ctx context.Context) ([]*provision.Build, error) {
	out := make([]*provision.Build, 0, len(f.builds))
	for _, b := range f.builds {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeManager) CancelBuild(ctx context.Context, id string) error {
	if _, ok := f.builds[id]; !ok {
		return provision.ErrNotFound
	}
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.builds[id].Status = provision.StatusCancelled
	return nil
}

func (f *fakeManager) DeleteBuild(ctx context.Context, id string) error {
	if _, ok := f.builds[id]; !ok {
		return provision.ErrNotFound
	}
	delete(f.builds, id)
	return nil
}

func (f *fakeManager) GetBuildLogs(ctx context.Context, id string) ([]byte, error) {
	if _, ok := f.builds[id]; !ok {
		return nil, provision.ErrNotFound
	}
	return f.logs[id], nil
}

func (f *fakeManager) RecoverInterruptedBuilds() {}

func newTestServer(t *testing.T, mgr provision.Manager) *httptest.Server {
	t.Helper()
	svc := New(&config.Config{DataDir: t.TempDir()}, mgr)
	r := chi.NewRouter()
	svc.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func writeContext(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "changedetection"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "changedetection", "main.py"), []byte("print('cd')\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "LICENSE"), []byte("Apache-2.0\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("requests==2.28.1\n"), 0644))
	return root
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestCreateBuild(t *testing.T) {
	mgr := newFakeManager()
	srv := newTestServer(t, mgr)

	resp := postJSON(t, srv, "/builds", map[string]any{
		"spec": map[string]any{
			"name":       "changedetection",
			"base_image": "ghcr.io/osgeo/gdal:ubuntu-small-3.8.4",
			"app_root":   "/changedetection/changedetection",
		},
		"context_root": "/data/context",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var b provision.Build
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	require.Equal(t, "bld1", b.ID)
	require.Equal(t, provision.StatusPending, b.Status)
}

func TestCreateBuildMissingFields(t *testing.T) {
	srv := newTestServer(t, newFakeManager())

	for _, body := range []map[string]any{
		{},
		{"spec": map[string]any{"name": "x"}},
		{"context_root": "/data/context"},
	} {
		resp := postJSON(t, srv, "/builds", body)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestCreateBuildInvalidSpec(t *testing.T) {
	mgr := newFakeManager()
	mgr.createErr = provision.ErrSpecInvalid
	srv := newTestServer(t, mgr)

	resp := postJSON(t, srv, "/builds", map[string]any{
		"spec":         map[string]any{"name": "changedetection"},
		"context_root": "/data/context",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	require.Equal(t, "spec_invalid", e.Code)
}

func TestGetBuild(t *testing.T) {
	mgr := newFakeManager()
	mgr.builds["bld1"] = &provision.Build{ID: "bld1", Status: provision.StatusReady}
	srv := newTestServer(t, mgr)

	resp, err := srv.Client().Get(srv.URL + "/builds/bld1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var b provision.Build
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	require.Equal(t, provision.StatusReady, b.Status)
}

func TestGetBuildNotFound(t *testing.T) {
	srv := newTestServer(t, newFakeManager())

	resp, err := srv.Client().Get(srv.URL + "/builds/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelBuild(t *testing.T) {
	mgr := newFakeManager()
	mgr.builds["bld1"] = &provision.Build{ID: "bld1", Status: provision.StatusBuilding}
	srv := newTestServer(t, mgr)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/builds/bld1", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, provision.StatusCancelled, mgr.builds["bld1"].Status)
}

func TestCancelCompletedBuildConflicts(t *testing.T) {
	mgr := newFakeManager()
	mgr.builds["bld1"] = &provision.Build{ID: "bld1", Status: provision.StatusReady}
	mgr.cancelErr = provision.ErrAlreadyCompleted
	srv := newTestServer(t, mgr)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/builds/bld1", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPurgeBuild(t *testing.T) {
	mgr := newFakeManager()
	mgr.builds["bld1"] = &provision.Build{ID: "bld1", Status: provision.StatusFailed}
	srv := newTestServer(t, mgr)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/builds/bld1?purge=true", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NotContains(t, mgr.builds, "bld1")
}

func TestGetBuildLogs(t *testing.T) {
	mgr := newFakeManager()
	mgr.builds["bld1"] = &provision.Build{ID: "bld1", Status: provision.StatusReady}
	mgr.logs["bld1"] = []byte("step 1 done\n")
	srv := newTestServer(t, mgr)

	resp, err := srv.Client().Get(srv.URL + "/builds/bld1/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "step 1 done\n", buf.String())
}

func TestValidateSpec(t *testing.T) {
	srv := newTestServer(t, newFakeManager())
	root := writeContext(t)

	resp := postJSON(t, srv, "/specs/validate", map[string]any{
		"spec": map[string]any{
			"name":       "changedetection",
			"base_image": "ghcr.io/osgeo/gdal:ubuntu-small-3.8.4",
			"app_root":   "/changedetection/changedetection",
		},
		"context_root": root,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out validateSpecResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Valid)
	require.Contains(t, out.Descriptor, "FROM ghcr.io/osgeo/gdal:ubuntu-small-3.8.4")
	require.Contains(t, out.Descriptor, "WORKDIR /changedetection/changedetection")
}

func TestValidateSpecRejectsFloatingBase(t *testing.T) {
	srv := newTestServer(t, newFakeManager())
	root := writeContext(t)

	resp := postJSON(t, srv, "/specs/validate", map[string]any{
		"spec": map[string]any{
			"name":       "changedetection",
			"base_image": "osgeo/gdal:latest",
			"app_root":   "/changedetection/changedetection",
		},
		"context_root": root,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out validateSpecResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.False(t, out.Valid)
	require.NotEmpty(t, out.Error)
	require.Empty(t, out.Descriptor)
}

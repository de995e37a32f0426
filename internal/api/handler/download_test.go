package handler

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trananhduc/cadforge/internal/config"
	"github.com/trananhduc/cadforge/shared/logger"
)

func newDownloadRouter(t *testing.T) (*gin.Engine, *config.StorageConfig) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storageCfg := &config.StorageConfig{
		Root:      t.TempDir(),
		PublicDir: t.TempDir(),
	}

	h := NewCadHandler(&Dependencies{
		Logger:     logger.NewDefault().Logger,
		StorageCfg: storageCfg,
	})

	r := gin.New()
	r.GET("/api/v1/cad/download/:user_id/:filename", h.DownloadFile)
	return r, storageCfg
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDownloadFile_ServesOwnedFile(t *testing.T) {
	r, storageCfg := newDownloadRouter(t)
	writeFile(t, filepath.Join(storageCfg.PublicDir, "box_u1.step"), "solid box")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cad/download/u1/box_u1.step", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "solid box", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "box_u1.step")
}

func TestDownloadFile_FallsBackToStorageRoot(t *testing.T) {
	r, storageCfg := newDownloadRouter(t)
	writeFile(t, filepath.Join(storageCfg.Root, "box_u1.obj"), "obj data")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cad/download/u1/box_u1.obj", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "obj data", w.Body.String())
}

func TestDownloadFile_FindsNestedPublicFile(t *testing.T) {
	r, storageCfg := newDownloadRouter(t)
	writeFile(t, filepath.Join(storageCfg.PublicDir, "batch", "box_u1.step"), "nested")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cad/download/u1/box_u1.step", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nested", w.Body.String())
}

func TestDownloadFile_MissingFileIs404(t *testing.T) {
	r, _ := newDownloadRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cad/download/u1/missing_u1.step", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadFile_ForeignFileIs403(t *testing.T) {
	r, storageCfg := newDownloadRouter(t)
	writeFile(t, filepath.Join(storageCfg.PublicDir, "box_u2.step"), "not yours")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cad/download/u1/box_u2.step", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

// Missing files must 404 even when the ownership check would also fail,
// so callers cannot enumerate other users' files by name.
func TestDownloadFile_MissingForeignFileIs404(t *testing.T) {
	r, _ := newDownloadRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cad/download/u1/box_u2.step", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTruthy(t *testing.T) {
	for _, raw := range []string{"1", "true", "True", "TRUE", "yes", "on"} {
		assert.True(t, truthy(raw), raw)
	}
	for _, raw := range []string{"", "0", "false", "no", "off", "maybe"} {
		assert.False(t, truthy(raw), raw)
	}
}

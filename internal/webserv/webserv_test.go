package webserv

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>hi</html>"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "data.json"), []byte(`{"ok":true}`), 0o644))
	return New(dir, "aicorrd", zap.NewNop()), dir
}

func TestServeStaticFileReturns200WithContentType(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	require.Equal(t, "<html>hi</html>", rec.Body.String())
}

func TestServeMissingFileReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nope.html", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeDirectoryReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/sub", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeUnsupportedMethodReturns405(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/index.html", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeUnreadableFileReturns403(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores file permission bits")
	}
	s, dir := newTestServer(t)
	path := filepath.Join(dir, "secret.html")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o000))

	req := httptest.NewRequest(http.MethodGet, "/secret.html", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestResolveClampsTraversalToRoot(t *testing.T) {
	s, dir := newTestServer(t)

	full, err := s.resolve("/../../etc/passwd")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "etc", "passwd"), full)
}

func TestServeTraversalEscapeAttemptReturns404NotEscapedFile(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/%2e%2e/%2e%2e/etc/passwd", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContentTypeByExtension(t *testing.T) {
	require.Equal(t, "application/json", contentType("/x/data.json"))
	require.Equal(t, "image/png", contentType("/x/pic.PNG"))
	require.Equal(t, "text/plain", contentType("/x/script.cgi"))
	require.Equal(t, "text/plain", contentType("/x/unknown.xyz"))
}

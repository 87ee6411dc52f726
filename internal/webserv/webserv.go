// Package webserv implements the read-only HTTP surface (spec.md §5/§6):
// static files from a configured document root, with files marked
// executable served as CGI. Routing goes through gorilla/mux, the
// ecosystem router SPEC_FULL.md names for this component since none of the
// pack's examples implement one; CGI execution uses the standard library's
// net/http/cgi, the literal protocol implementation with no third-party
// equivalent in the pack or the wider ecosystem (DESIGN.md).
package webserv

import (
	"context"
	"errors"
	"net/http"
	"net/http/cgi"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".ppm":  "image/x-portable-pixmap",
}

// Server is the read-only static+CGI HTTP surface.
type Server struct {
	root   string
	banner string
	log    *zap.Logger
}

// New returns a Server rooted at root; banner is sent as a response header
// on every request, matching `webserv_banner` (spec.md §6).
func New(root, banner string, log *zap.Logger) *Server {
	return &Server{root: filepath.Clean(root), banner: banner, log: log}
}

// Handler returns the mux.Router wired to every request path.
func (s *Server) Handler() http.Handler {
	// SkipClean leaves `../` handling to resolve instead of mux's 301
	// redirect to the cleaned path.
	r := mux.NewRouter().SkipClean(true)
	r.PathPrefix("/").HandlerFunc(s.serve)
	return r
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", s.banner)

	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodHead:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fullPath, err := s.resolve(r.URL.Path)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	info, err := os.Stat(fullPath)
	if os.IsNotExist(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if info.IsDir() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if info.Mode()&0o111 != 0 {
		s.serveCGI(w, r, fullPath)
		return
	}

	f, err := os.Open(fullPath)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType(fullPath))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		if _, err := f.WriteTo(w); err != nil && s.log != nil {
			s.log.Warn("error streaming response body", zap.Error(err))
		}
	}
}

func (s *Server) serveCGI(w http.ResponseWriter, r *http.Request, fullPath string) {
	handler := &cgi.Handler{
		Path: fullPath,
		Root: s.root,
		Dir:  filepath.Dir(fullPath),
	}
	handler.ServeHTTP(w, r)
}

// resolve neutralizes `../` after URL-decoding (the request path arrives
// already decoded via net/http) and rejects anything that would escape
// root, per invariant 9.
func (s *Server) resolve(urlPath string) (string, error) {
	cleaned := path.Clean("/" + urlPath)
	full := filepath.Join(s.root, filepath.FromSlash(cleaned))

	if full != s.root && !strings.HasPrefix(full, s.root+string(os.PathSeparator)) {
		return "", errors.New("path escapes document root")
	}
	return full, nil
}

func contentType(fullPath string) string {
	ext := strings.ToLower(filepath.Ext(fullPath))
	if ext == ".cgi" {
		return "text/plain"
	}
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "text/plain"
}

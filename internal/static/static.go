// Package static serves the relay's companion files from a directory on the
// same listener as the websocket relay.
package static

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/lukasbonthy/EaglerLink/internal/obs"
)

// Handler serves files below Root. Paths that do not name a regular file
// inside Root are answered with DefaultDocument. A GET on HealthPath answers
// "OK" without touching the filesystem.
type Handler struct {
	Root            string
	DefaultDocument string
	HealthPath      string
}

var _ http.Handler = Handler{}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if h.HealthPath != "" && r.URL.Path == h.HealthPath {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, "OK")
		}
		return
	}

	name, ok := h.resolve(r.URL.Path)
	if !ok {
		name, ok = h.resolve("/" + h.DefaultDocument)
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.serveFile(w, r, name)
}

// resolve maps a request path to a regular file inside Root.
func (h Handler) resolve(urlPath string) (string, bool) {
	clean := path.Clean("/" + urlPath)
	if strings.Contains(clean, "\x00") {
		return "", false
	}
	root, err := filepath.Abs(h.Root)
	if err != nil {
		return "", false
	}
	name := filepath.Join(root, filepath.FromSlash(clean))
	if name != root && !strings.HasPrefix(name, root+string(filepath.Separator)) {
		return "", false
	}
	fi, err := os.Stat(name)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return name, true
}

func (h Handler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	f, err := os.Open(name)
	if err != nil {
		obs.Error("static.open", obs.Fields{"path": name, "err": err.Error()})
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ContentType(name))
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		obs.Debug("static.copy", obs.Fields{"path": name, "err": err.Error()})
	}
}

// ContentType picks the media type of the file at name from its extension,
// sniffing the content when the extension is unknown.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	m, err := mimetype.DetectFile(name)
	if err != nil {
		return "application/octet-stream"
	}
	return m.String()
}

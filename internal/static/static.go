// Package static serves the chart front-end: the application assets at the
// web root and the vendored JavaScript dependencies under /vendor.
package static

import (
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// VendorPrefix is the URL prefix the vendored dependency tree is mounted at.
const VendorPrefix = "/vendor"

// NewHandler returns a read-only file server for assetsDir at "/" and
// vendorDir at VendorPrefix. The assets tree is consulted first, so a file at
// assetsDir/vendor/x shadows vendorDir/x.
func NewHandler(assetsDir, vendorDir string) http.Handler {
	fsys := layeredFS{
		hiddenFS{http.Dir(assetsDir)},
		prefixFS{prefix: VendorPrefix, fs: hiddenFS{http.Dir(vendorDir)}},
	}

	r := mux.NewRouter()
	r.PathPrefix("/").Methods(http.MethodGet, http.MethodHead).Handler(http.FileServer(fsys))
	r.NotFoundHandler = http.HandlerFunc(http.NotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(http.NotFound)
	return r
}

// WithAccessLog wraps h with an Apache combined-format access log written to w.
func WithAccessLog(w io.Writer, h http.Handler) http.Handler {
	return handlers.CombinedLoggingHandler(w, h)
}

// layeredFS opens name in each file system in turn and returns the first hit.
type layeredFS []http.FileSystem

func (l layeredFS) Open(name string) (http.File, error) {
	for _, fsys := range l {
		f, err := fsys.Open(name)
		if err == nil {
			return f, nil
		}
	}
	return nil, fs.ErrNotExist
}

// prefixFS exposes fs under prefix; names outside prefix do not exist.
type prefixFS struct {
	prefix string
	fs     http.FileSystem
}

func (p prefixFS) Open(name string) (http.File, error) {
	if name == p.prefix {
		return p.fs.Open("/")
	}
	rest, ok := strings.CutPrefix(name, p.prefix+"/")
	if !ok {
		return nil, fs.ErrNotExist
	}
	return p.fs.Open("/" + rest)
}

// hiddenFS hides dotfiles and directories that have no index.html, so nothing
// is ever listed.
type hiddenFS struct {
	fs http.FileSystem
}

func (h hiddenFS) Open(name string) (http.File, error) {
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return nil, fs.ErrNotExist
		}
	}

	f, err := h.fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.IsDir() {
		idx, err := h.fs.Open(path.Join(name, "index.html"))
		if err != nil {
			f.Close()
			return nil, fs.ErrNotExist
		}
		idx.Close()
	}
	return f, nil
}

package static

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	assets := t.TempDir()
	vendor := t.TempDir()

	writeFile(t, assets, "index.html", "<html>chart</html>")
	writeFile(t, assets, "js/app.js", "console.log('app')")
	writeFile(t, assets, ".env.local", "SECRET=1")
	writeFile(t, assets, "empty/readme.txt", "hi")
	writeFile(t, vendor, "lightweight-charts/dist/lib.js", "lib")
	writeFile(t, vendor, "pkg/index.html", "pkg index")

	srv := httptest.NewServer(NewHandler(assets, vendor))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHandler_ServesAssets(t *testing.T) {
	srv := newTestServer(t)

	code, body := get(t, srv.URL+"/js/app.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "console.log('app')", body)

	code, body = get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "<html>chart</html>", body)
}

func TestHandler_ServesVendor(t *testing.T) {
	srv := newTestServer(t)

	code, body := get(t, srv.URL+"/vendor/lightweight-charts/dist/lib.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "lib", body)

	code, body = get(t, srv.URL+"/vendor/pkg/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pkg index", body)
}

func TestHandler_NotFound(t *testing.T) {
	srv := newTestServer(t)

	for _, p := range []string{
		"/missing.js",
		"/vendor/missing.js",
		"/lightweight-charts/dist/lib.js", // vendor files are only under /vendor
		"/.env.local",
		"/empty/", // directory without index.html is not listed
		"/vendor/",
	} {
		code, _ := get(t, srv.URL+p)
		assert.Equal(t, http.StatusNotFound, code, p)
	}
}

func TestHandler_RejectsWrites(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/js/app.js", "text/plain", bytes.NewBufferString("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWithAccessLog(t *testing.T) {
	var buf bytes.Buffer
	h := WithAccessLog(&buf, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, buf.String(), "GET /x")
}

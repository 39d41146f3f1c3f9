package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	relayService "github.com/zhouzirui/z-relay/backend/internal/service/relay"
)

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>relay</html>"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("console.log(1)"), 0o600); err != nil {
		t.Fatal(err)
	}

	hub := relayService.NewHub(relayService.NewStore(), relayService.NewRegistry(nil))
	return NewRouter(hub, Options{StaticDir: dir, AdminPassword: "1234", MaxMessageBytes: 1 << 20})
}

func get(t *testing.T, h http.Handler, target string) (int, string) {
	t.Helper()
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, target, nil))
	body, _ := io.ReadAll(resp.Body)
	return resp.Code, string(body)
}

func TestHealth(t *testing.T) {
	code, body := get(t, setupRouter(t), "/api/health")
	if code != http.StatusOK || !strings.Contains(body, "ok") {
		t.Fatalf("unexpected health response %d %s", code, body)
	}
}

func TestStaticAssetsAndFallback(t *testing.T) {
	r := setupRouter(t)

	if code, body := get(t, r, "/assets/app.js"); code != http.StatusOK || body != "console.log(1)" {
		t.Fatalf("asset not served: %d %q", code, body)
	}
	for _, target := range []string{"/", "/admin", "/assets"} {
		if code, body := get(t, r, target); code != http.StatusOK || !strings.Contains(body, "relay") {
			t.Fatalf("%s did not fall back to index: %d %q", target, code, body)
		}
	}
}

func TestUnknownAPIRouteIsJSON404(t *testing.T) {
	code, body := get(t, setupRouter(t), "/api/nope")
	if code != http.StatusNotFound || !strings.Contains(body, "not found") {
		t.Fatalf("unexpected response %d %s", code, body)
	}
}

func TestAdminRoutesMounted(t *testing.T) {
	code, _ := get(t, setupRouter(t), "/api/admin/messages")
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 from admin gate, got %d", code)
	}
}

package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wtf-ops/backend/internal/config"
	"github.com/wtf-ops/backend/internal/guard"
	"github.com/wtf-ops/backend/internal/http/handlers"
	"github.com/wtf-ops/backend/internal/registry"
)

func testEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	cat := registry.NewCatalog(nil, zerolog.Nop())
	h := &handlers.Handler{
		Catalog:    cat,
		Categories: registry.NewCategoryRegistry(cat),
		Guard:      guard.New(cat, nil, nil, zerolog.Nop()),
		Validator:  registry.Validator(),
		Logger:     zerolog.Nop(),
	}
	return Router(config.Config{AdminKey: "s3cret", CORSAllowed: "*"}, h)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	r := testEngine()
	body := `[{"id":"c1","name":"Billing","priority_weight":2,"is_active":true}]`

	req, _ := http.NewRequest(http.MethodPut, "/api/categories", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}

	req, _ = http.NewRequest(http.MethodPut, "/api/categories", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", "s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequestIDAndMetrics(t *testing.T) {
	r := testEngine()

	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-fixed")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Request-Id"); got != "req-fixed" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "routing_config_version") {
		t.Fatalf("expected metrics exposition, got %d", w.Code)
	}
}

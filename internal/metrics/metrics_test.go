package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{0, "unknown"},
		{999, "unknown"},
	}
	for _, tc := range tests {
		if got := statusClass(tc.code); got != tc.want {
			t.Errorf("statusClass(%d) = %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestScrapeEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())
	r.GET("/orders", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	// Drive one instrumented request so the counter vector has a sample.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("instrumented request returned %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"vidgrow_goroutines",
		"vidgrow_http_requests_in_flight",
		"vidgrow_http_requests_total",
		"vidgrow_http_request_duration_seconds",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape output missing %s", name)
		}
	}

	// The counter is labeled by route pattern, not raw path.
	if !strings.Contains(body, `route="/orders"`) {
		t.Error("scrape output missing route label for /orders")
	}
}

func TestUnmatchedRouteLabel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())

	// 404s have no route pattern and must collapse to one label value.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/no/such/path", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), `route="unmatched"`) {
		t.Error("scrape output missing unmatched route label")
	}
}

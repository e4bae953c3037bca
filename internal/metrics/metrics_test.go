package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bietiekay/overpass-proxy/internal/core/observability"
)

func TestProvider_HandlerExposesBuildInfoAndGoCollector(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "1.2.3"}})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `app_build_info{build_date="",revision="",version="1.2.3"} 1`) {
		t.Fatalf("missing app_build_info sample; got:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("missing go collector metrics; got:\n%s", body)
	}
}

func TestProvider_RegistererAcceptsAdditionalCollectors(t *testing.T) {
	p := Init(Config{})
	observability.Init(p.Registerer(), true)
	observability.ObserveHTTP("GET", "/healthz", 200, 0.001)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Fatalf("expected observability collectors registered on provider")
	}
}

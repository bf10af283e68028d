package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSeriesKey(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   string
	}{
		{"relay_deliveries_total", nil, "relay_deliveries_total"},
		{"relay_deliveries_total", []string{"outcome", "delivered"}, `relay_deliveries_total{outcome="delivered"}`},
		{"x", []string{"a", "1", "b", "2"}, `x{a="1",b="2"}`},
		{"x", []string{"a", "1", "dangling"}, `x{a="1"}`},
		{"x", []string{"a", `q"uote`}, `x{a="q\"uote"}`},
	}
	for _, tt := range tests {
		if got := SeriesKey(tt.name, tt.labels...); got != tt.want {
			t.Errorf("SeriesKey(%q, %v) = %s, want %s", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics("relay")
	m.Inc("relay_deliveries_total", "outcome", "delivered")
	m.Inc("relay_deliveries_total", "outcome", "delivered")
	m.Inc("relay_deliveries_total", "outcome", "offline")

	if got := m.Counter("relay_deliveries_total", "outcome", "delivered"); got != 2 {
		t.Errorf("expected 2 delivered, got %d", got)
	}
	if got := m.Counter("relay_deliveries_total", "outcome", "offline"); got != 1 {
		t.Errorf("expected 1 offline, got %d", got)
	}
	if got := m.Counter("relay_deliveries_total", "outcome", "dropped"); got != 0 {
		t.Errorf("expected 0 for unseen series, got %d", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc("x")
	m.SetGaugeFunc("g", func() int64 { return 1 })
	if m.Counter("x") != 0 || m.Gauge("g") != 0 || m.Exposition() != "" {
		t.Error("nil metrics should record nothing")
	}
}

func TestMetrics_Gauge(t *testing.T) {
	m := NewMetrics("")
	n := int64(3)
	m.SetGaugeFunc("relay_online_users", func() int64 { return n })

	if got := m.Gauge("relay_online_users"); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
	n = 5
	if got := m.Gauge("relay_online_users"); got != 5 {
		t.Errorf("expected gauge to be sampled on read, got %d", got)
	}
	if got := m.Gauge("missing"); got != 0 {
		t.Errorf("expected 0 for unregistered gauge, got %d", got)
	}
}

func TestMetrics_ConcurrentSafe(t *testing.T) {
	m := NewMetrics("test")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc("hits_total", "route", "/ws")
			}
		}()
	}
	wg.Wait()

	if got := m.Counter("hits_total", "route", "/ws"); got != 5000 {
		t.Errorf("expected 5000, got %d", got)
	}
}

func TestMiddleware_CountsStatusClass(t *testing.T) {
	m := NewMetrics("api")
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/denied", func(c echo.Context) error { return echo.NewHTTPError(http.StatusForbidden) })

	for _, path := range []string{"/ok", "/ok", "/denied"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := m.Counter("http_requests_total", "method", "GET", "status", "2xx"); got != 2 {
		t.Errorf("expected 2 2xx, got %d", got)
	}
	if got := m.Counter("http_requests_total", "method", "GET", "status", "4xx"); got != 1 {
		t.Errorf("expected 1 4xx, got %d", got)
	}
}

func TestPrometheusHandler_ValidFormat(t *testing.T) {
	m := NewMetrics("vitacare")
	m.Inc("relay_deliveries_total", "outcome", "delivered")
	m.SetGaugeFunc("relay_connections", func() int64 { return 2 })

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := m.PrometheusHandler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %s", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE relay_deliveries_total counter\n",
		`relay_deliveries_total{outcome="delivered",service="vitacare"} 1`,
		"# TYPE relay_connections gauge\n",
		`relay_connections{service="vitacare"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected exposition to contain %q, got:\n%s", want, body)
		}
	}
}

func TestExposition_TypeLineOncePerName(t *testing.T) {
	m := NewMetrics("")
	m.Inc("a_total", "k", "1")
	m.Inc("a_total", "k", "2")

	if n := strings.Count(m.Exposition(), "# TYPE a_total counter"); n != 1 {
		t.Errorf("expected one TYPE line, got %d", n)
	}
}

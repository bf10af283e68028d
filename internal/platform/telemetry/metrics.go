// Package telemetry records process metrics and exposes them in the
// Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"
)

// Metrics is a registry of labelled counters and callback gauges. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	service string

	mu       sync.RWMutex
	counters map[string]*int64       // series key -> value
	gauges   map[string]func() int64 // metric name -> sampler
}

// NewMetrics creates an empty registry. service is attached to every series
// as the "service" label.
func NewMetrics(service string) *Metrics {
	return &Metrics{
		service:  service,
		counters: make(map[string]*int64),
		gauges:   make(map[string]func() int64),
	}
}

// SeriesKey renders a metric name with label pairs, e.g.
// SeriesKey("x_total", "outcome", "ok") == `x_total{outcome="ok"}`.
// A trailing unpaired label name is ignored.
func SeriesKey(name string, labels ...string) string {
	if len(labels) < 2 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i+1 < len(labels); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", labels[i], strconv.Quote(labels[i+1]))
	}
	b.WriteByte('}')
	return b.String()
}

// Inc adds one to the counter identified by name and label pairs.
func (m *Metrics) Inc(name string, labels ...string) {
	if m == nil {
		return
	}
	key := SeriesKey(name, labels...)

	m.mu.RLock()
	v, ok := m.counters[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if v, ok = m.counters[key]; !ok {
			v = new(int64)
			m.counters[key] = v
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(v, 1)
}

// Counter returns the current value of a counter series.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.counters[SeriesKey(name, labels...)]; ok {
		return atomic.LoadInt64(v)
	}
	return 0
}

// SetGaugeFunc registers fn to be sampled whenever metrics are exported.
func (m *Metrics) SetGaugeFunc(name string, fn func() int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = fn
}

// Gauge samples a registered gauge.
func (m *Metrics) Gauge(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	fn, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return fn()
}

// Middleware counts HTTP requests by method and status class.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.Inc("http_requests_total",
				"method", c.Request().Method,
				"status", strconv.Itoa(status/100)+"xx")
			return err
		}
	}
}

// PrometheusHandler serves all series in the text exposition format.
func (m *Metrics) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(m.Exposition()))
	}
}

// Exposition renders every series, sorted by name.
func (m *Metrics) Exposition() string {
	if m == nil {
		return ""
	}
	m.mu.RLock()
	counterKeys := make([]string, 0, len(m.counters))
	for k := range m.counters {
		counterKeys = append(counterKeys, k)
	}
	gaugeNames := make([]string, 0, len(m.gauges))
	for k := range m.gauges {
		gaugeNames = append(gaugeNames, k)
	}
	m.mu.RUnlock()
	sort.Strings(counterKeys)
	sort.Strings(gaugeNames)

	var b strings.Builder
	typed := make(map[string]bool)
	for _, key := range counterKeys {
		name := key
		if i := strings.IndexByte(key, '{'); i >= 0 {
			name = key[:i]
		}
		if !typed[name] {
			fmt.Fprintf(&b, "# TYPE %s counter\n", name)
			typed[name] = true
		}
		fmt.Fprintf(&b, "%s %d\n", m.withService(key), m.Counter(key))
	}
	for _, name := range gaugeNames {
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&b, "%s %d\n", m.withService(name), m.Gauge(name))
	}
	return b.String()
}

func (m *Metrics) withService(key string) string {
	if m.service == "" {
		return key
	}
	label := "service=" + strconv.Quote(m.service)
	if strings.HasSuffix(key, "}") {
		return key[:len(key)-1] + "," + label + "}"
	}
	return key + "{" + label + "}"
}

package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestProvider(t *testing.T) *TelemetryProvider {
	t.Helper()
	return NewTelemetryProvider(TelemetryConfig{
		Registry:       prometheus.NewRegistry(),
		MetricsEnabled: BoolPtr(true),
	})
}

// ---------------------------------------------------------------------------
// Config defaults
// ---------------------------------------------------------------------------

func TestTelemetryConfig_Defaults(t *testing.T) {
	cfg := TelemetryConfig{}
	cfg.applyDefaults()

	if cfg.Namespace != "intake" {
		t.Errorf("expected namespace intake, got %s", cfg.Namespace)
	}
	if cfg.Environment != "development" {
		t.Errorf("expected environment development, got %s", cfg.Environment)
	}
	if !cfg.metricsOn() {
		t.Error("expected metrics enabled by default")
	}
	if len(cfg.DurationBuckets) == 0 {
		t.Error("expected default duration buckets")
	}
}

// ---------------------------------------------------------------------------
// Pipeline metrics
// ---------------------------------------------------------------------------

func TestPipelineMetrics(t *testing.T) {
	tp := newTestProvider(t)

	tp.RecordOutcome("complete")
	tp.RecordOutcome("complete")
	tp.RecordOutcome("failed")
	tp.DerivedResource("Condition", "created")
	tp.DerivedResource("Observation", "failed")
	tp.ObserveCreate("Patient", 20*time.Millisecond)
	tp.ObserveBatch(5)

	if got := testutil.ToFloat64(tp.records.WithLabelValues("complete")); got != 2 {
		t.Errorf("expected 2 complete records, got %v", got)
	}
	if got := testutil.ToFloat64(tp.records.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed record, got %v", got)
	}
	if got := testutil.ToFloat64(tp.derived.WithLabelValues("Observation", "failed")); got != 1 {
		t.Errorf("expected 1 failed observation, got %v", got)
	}
	if n := testutil.CollectAndCount(tp.createDuration); n != 1 {
		t.Errorf("expected 1 create duration series, got %d", n)
	}
	if n := testutil.CollectAndCount(tp.batchSize); n != 1 {
		t.Errorf("expected batch size histogram, got %d", n)
	}
}

func TestNilProvider_IsNoop(t *testing.T) {
	var tp *TelemetryProvider
	tp.RecordOutcome("complete")
	tp.DerivedResource("Condition", "created")
	tp.ObserveCreate("Patient", time.Second)
	tp.ObserveBatch(3)
}

func TestNoop_WhenDisabled(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{
		Registry:       prometheus.NewRegistry(),
		MetricsEnabled: BoolPtr(false),
	})
	tp.RecordOutcome("complete")

	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	families, err := tp.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 0 {
		t.Errorf("expected no metrics registered when disabled, got %d families", len(families))
	}
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

func TestMetricsMiddleware_Labels(t *testing.T) {
	tp := newTestProvider(t)

	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/api/v1/imports/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/broken", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "nope")
	})
	e.GET("/fails", func(c echo.Context) error {
		return errors.New("boom")
	})

	for _, path := range []string{"/api/v1/imports/abc", "/api/v1/imports/def", "/broken", "/fails"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(tp.httpRequests.WithLabelValues("GET", "/api/v1/imports/:id", "200")); got != 2 {
		t.Errorf("expected 2 requests on route pattern, got %v", got)
	}
	if got := testutil.ToFloat64(tp.httpRequests.WithLabelValues("GET", "/broken", "400")); got != 1 {
		t.Errorf("expected HTTPError code as status label, got %v", got)
	}
	if got := testutil.ToFloat64(tp.httpRequests.WithLabelValues("GET", "/fails", "500")); got != 1 {
		t.Errorf("expected plain error counted as 500, got %v", got)
	}
	if got := testutil.ToFloat64(tp.httpActiveRequests); got != 0 {
		t.Errorf("expected no active requests after completion, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

func TestPrometheusHandler(t *testing.T) {
	tp := newTestProvider(t)
	tp.RecordOutcome("complete")
	tp.ObserveBatch(2)

	e := echo.New()
	e.GET("/metrics", tp.PrometheusHandler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`intake_records_total{env="development",state="complete",version="0.0.0"} 1`,
		"intake_batch_size_bucket",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected exposition to contain %q", want)
		}
	}
}

// Package telemetry exposes Prometheus metrics for the intake server: HTTP
// server metrics from an Echo middleware and the pipeline metrics recorded
// by the intake service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	Namespace      string
	ServiceVersion string
	Environment    string
	MetricsEnabled *bool // nil = use default (true)

	// DurationBuckets overrides the latency histogram buckets, in seconds.
	DurationBuckets []float64
	// Registry defaults to a fresh registry with Go and process collectors.
	Registry *prometheus.Registry
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "intake"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if len(c.DurationBuckets) == 0 {
		c.DurationBuckets = prometheus.DefBuckets
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// batchSizeBuckets covers uploads from a single row to a few thousand.
var batchSizeBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// TelemetryProvider owns the metric registry. A nil *TelemetryProvider, or
// one with metrics disabled, records nothing.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	httpActiveRequests prometheus.Gauge

	records        *prometheus.CounterVec
	derived        *prometheus.CounterVec
	createDuration *prometheus.HistogramVec
	batchSize      prometheus.Histogram
}

// NewTelemetryProvider creates the provider and registers every metric.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	tp := &TelemetryProvider{cfg: cfg, registry: reg}
	if !cfg.metricsOn() {
		return tp
	}

	constLabels := prometheus.Labels{"version": cfg.ServiceVersion, "env": cfg.Environment}
	auto := promauto.With(reg)

	tp.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "http",
		Name:        "requests_total",
		Help:        "HTTP requests by method, route and status code.",
		ConstLabels: constLabels,
	}, []string{"method", "route", "status"})

	tp.httpDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "http",
		Name:        "request_duration_seconds",
		Help:        "HTTP request duration in seconds.",
		ConstLabels: constLabels,
		Buckets:     cfg.DurationBuckets,
	}, []string{"method", "route", "status"})

	tp.httpActiveRequests = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "http",
		Name:        "active_requests",
		Help:        "HTTP requests currently being served.",
		ConstLabels: constLabels,
	})

	tp.records = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Name:        "records_total",
		Help:        "Processed intake records by final state.",
		ConstLabels: constLabels,
	}, []string{"state"})

	tp.derived = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Name:        "derived_resources_total",
		Help:        "Derived Condition/Observation submissions by type and result.",
		ConstLabels: constLabels,
	}, []string{"type", "result"})

	tp.createDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Name:        "fhir_create_duration_seconds",
		Help:        "Latency of create calls against the FHIR server.",
		ConstLabels: constLabels,
		Buckets:     cfg.DurationBuckets,
	}, []string{"resource_type"})

	tp.batchSize = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Name:        "batch_size",
		Help:        "Number of rows per processed upload.",
		ConstLabels: constLabels,
		Buckets:     batchSizeBuckets,
	})

	return tp
}

// Registry returns the underlying registry.
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.registry
}

func (tp *TelemetryProvider) enabled() bool {
	return tp != nil && tp.cfg.metricsOn()
}

// ---------------------------------------------------------------------------
// Pipeline metrics
// ---------------------------------------------------------------------------

// RecordOutcome counts one record that finished in state.
func (tp *TelemetryProvider) RecordOutcome(state string) {
	if !tp.enabled() {
		return
	}
	tp.records.WithLabelValues(state).Inc()
}

// DerivedResource counts one derived resource submission. result is
// "created" or "failed".
func (tp *TelemetryProvider) DerivedResource(resourceType, result string) {
	if !tp.enabled() {
		return
	}
	tp.derived.WithLabelValues(resourceType, result).Inc()
}

// ObserveCreate records the latency of one create call.
func (tp *TelemetryProvider) ObserveCreate(resourceType string, d time.Duration) {
	if !tp.enabled() {
		return
	}
	tp.createDuration.WithLabelValues(resourceType).Observe(d.Seconds())
}

// ObserveBatch records the size of one processed batch.
func (tp *TelemetryProvider) ObserveBatch(size int) {
	if !tp.enabled() {
		return
	}
	tp.batchSize.Observe(float64(size))
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.enabled() {
				return next(c)
			}

			tp.httpActiveRequests.Inc()
			defer tp.httpActiveRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			labels := []string{c.Request().Method, route, strconv.Itoa(status)}
			tp.httpRequests.WithLabelValues(labels...).Inc()
			tp.httpDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves the registry in the Prometheus text exposition
// format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{}))
}

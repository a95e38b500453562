package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
// A zero or nil Telemetry records nothing.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// HTTP
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Downloads
	downloadsTotal    metric.Int64Counter
	downloadsActive   metric.Int64UpDownCounter
	downloadBytes     metric.Int64Counter
	downloadDuration  metric.Float64Histogram
	syncItemsTotal    metric.Int64Counter
	syncConflicts     metric.Int64Counter
	cleanupFreedBytes metric.Int64Counter
	healthScore       metric.Int64Gauge

	// System
	memoryUsage    metric.Int64Gauge
	goroutineCount metric.Int64Gauge
	systemUptime   metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offline-sync"
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil {
		return nil
	}
	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)
	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}
	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordDownload records a finished transfer by final status.
func (t *Telemetry) RecordDownload(status string, duration time.Duration) {
	if t == nil {
		return
	}
	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
	if t.downloadDuration != nil {
		t.downloadDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// IncrementActiveDownloads increments active downloads counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements active downloads counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// AddDownloadBytes counts bytes written to disk.
func (t *Telemetry) AddDownloadBytes(n int64) {
	if t != nil && t.downloadBytes != nil && n > 0 {
		t.downloadBytes.Add(context.Background(), n)
	}
}

// RecordSyncItem records a processed sync item.
func (t *Telemetry) RecordSyncItem(operation, status string) {
	if t != nil && t.syncItemsTotal != nil {
		t.syncItemsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}
}

// RecordConflict records a detected sync conflict.
func (t *Telemetry) RecordConflict(conflictType string) {
	if t != nil && t.syncConflicts != nil {
		t.syncConflicts.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", conflictType)),
		)
	}
}

// RecordCleanup records bytes freed by a cleanup run.
func (t *Telemetry) RecordCleanup(freedBytes int64) {
	if t != nil && t.cleanupFreedBytes != nil && freedBytes > 0 {
		t.cleanupFreedBytes.Add(context.Background(), freedBytes)
	}
}

// SetHealthScore records the latest storage health score.
func (t *Telemetry) SetHealthScore(score int) {
	if t != nil && t.healthScore != nil {
		t.healthScore.Record(context.Background(), int64(score))
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}
	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}
	return nil
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeHTTPMetrics(); err != nil {
		return err
	}
	if err := t.initializeBusinessMetrics(); err != nil {
		return err
	}
	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeHTTPMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.downloadsTotal, err = t.meter.Int64Counter(
		"downloads_total",
		metric.WithDescription("Total number of finished downloads by status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"downloads_active",
		metric.WithDescription("Number of transfers in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_active counter: %w", err)
	}

	t.downloadBytes, err = t.meter.Int64Counter(
		"download_bytes_total",
		metric.WithDescription("Bytes written by transfers"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_bytes_total counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"download_duration_seconds",
		metric.WithDescription("Transfer duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_duration histogram: %w", err)
	}

	t.syncItemsTotal, err = t.meter.Int64Counter(
		"sync_items_total",
		metric.WithDescription("Total number of processed sync items"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync_items_total counter: %w", err)
	}

	t.syncConflicts, err = t.meter.Int64Counter(
		"sync_conflicts_total",
		metric.WithDescription("Total number of detected sync conflicts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync_conflicts_total counter: %w", err)
	}

	t.cleanupFreedBytes, err = t.meter.Int64Counter(
		"cleanup_freed_bytes_total",
		metric.WithDescription("Bytes reclaimed by storage cleanup"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cleanup_freed_bytes_total counter: %w", err)
	}

	t.healthScore, err = t.meter.Int64Gauge(
		"storage_health_score",
		metric.WithDescription("Storage health score (0-100)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create storage_health_score gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.memoryUsage, err = t.meter.Int64Gauge(
		"memory_usage_bytes",
		metric.WithDescription("Memory usage in bytes"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create memory_usage gauge: %w", err)
	}

	t.goroutineCount, err = t.meter.Int64Gauge(
		"goroutine_count",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create goroutine_count gauge: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics collects system-level metrics periodically.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			t.memoryUsage.Record(context.Background(), int64(m.Alloc))
			t.goroutineCount.Record(context.Background(), int64(runtime.NumGoroutine()))
			t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
		}
	}
}

// Package observability wires secmon's logging, tracing and Prometheus metrics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config configures a Telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	LogLevel  string
	LogFormat string // json, console

	// TracingEnabled exports spans over OTLP/gRPC to OTLPEndpoint. When
	// false spans go to the global no-op provider.
	TracingEnabled bool
	OTLPEndpoint   string
	SamplingRate   float64
}

// Telemetry is the per-process observability bundle. Metrics live in a
// private registry so tests can build as many as they like.
type Telemetry struct {
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	registry *prometheus.Registry

	mu      sync.Mutex
	closers []func(context.Context) error
	closed  bool
}

// New builds a Telemetry. A tracing exporter that cannot be created is
// logged and tracing stays disabled.
func New(cfg Config) (*Telemetry, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat, zap.Fields(
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
		zap.String("environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	t := &Telemetry{
		logger:   logger,
		metrics:  NewMetrics(reg),
		registry: reg,
	}

	if cfg.TracingEnabled {
		tp, err := newTracerProvider(context.Background(), cfg)
		if err != nil {
			logger.Warn("Failed to initialize tracer", zap.Error(err))
		} else {
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			t.closers = append(t.closers, tp.Shutdown)
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	return t, nil
}

func newTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if r := cfg.SamplingRate; r > 0 && r < 1 {
		sampler = sdktrace.TraceIDRatioBased(r)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

// Logger returns the process logger.
func (t *Telemetry) Logger() *zap.Logger { return t.logger }

// Tracer returns the service tracer.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Metrics returns the metric set.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// MetricsHandler serves the private registry in the Prometheus text format.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// sampleRuntime records goroutine count and heap allocation.
func (t *Telemetry) sampleRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	t.metrics.MemoryUsage.Set(float64(ms.Alloc))
}

// StartSystemMetricsCollector samples runtime metrics every interval until
// ctx is cancelled.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t.sampleRuntime()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sampleRuntime()
			}
		}
	}()
}

// Shutdown flushes pending spans and syncs the logger. Calls after the
// first are no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for _, fn := range t.closers {
		errs = append(errs, fn(ctx))
	}
	_ = t.logger.Sync()
	return errors.Join(errs...)
}

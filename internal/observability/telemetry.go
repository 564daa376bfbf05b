package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	logger   *slog.Logger
	logLevel *slog.LevelVar = &slog.LevelVar{}
)

// Config holds observability configuration
type Config struct {
	ServiceName  string
	OTelEndpoint string
	Enabled      bool
	LogLevel     string
}

// Metrics holds all the metric instruments
type Metrics struct {
	Tokens             metric.Int64Gauge
	SelectionsTotal    metric.Int64Counter
	OutcomesTotal      metric.Int64Counter
	UpstreamLatency    metric.Float64Histogram
	AdmissionDenied    metric.Int64Counter
	StorageErrorsTotal metric.Int64Counter
}

var (
	globalMetrics *Metrics
	tracer        trace.Tracer
)

// Setup initializes OpenTelemetry with both tracing and metrics
func Setup(ctx context.Context, cfg *Config) (func(), error) {
	// Initialize our long-term logger (since a default may already exist from prior to calling this)
	handlerOpts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: true,
	}

	// TODO: Support a text handler for local development
	SetLogger(slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts)))
	logLevel.Set(ParseLogLevel(cfg.LogLevel))

	if !cfg.Enabled || cfg.OTelEndpoint == "" {
		logger.InfoContext(ctx, "OpenTelemetry disabled or no endpoint configured")
		return func() {}, nil
	}

	logger.InfoContext(ctx, "Initializing OpenTelemetry",
		slog.String("endpoint", cfg.OTelEndpoint),
		slog.String("service", cfg.ServiceName))

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTelEndpoint),
		otlptracegrpc.WithInsecure(), // Use TLS in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(traceProvider)
	tracer = otel.Tracer(cfg.ServiceName)

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTelEndpoint),
		otlpmetricgrpc.WithInsecure(), // Use TLS in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)
	meter := otel.Meter(cfg.ServiceName)

	globalMetrics, err = createMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	logger.InfoContext(ctx, "OpenTelemetry initialized successfully")

	cleanup := func() {
		logger.Info("Shutting down OpenTelemetry")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := traceProvider.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Error shutting down trace provider", slog.Any("error", err))
		}

		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Error shutting down meter provider", slog.Any("error", err))
		}
	}

	return cleanup, nil
}

// createMetrics creates all metric instruments
func createMetrics(meter metric.Meter) (*Metrics, error) {
	tokens, err := meter.Int64Gauge(
		"tokenpool_tokens",
		metric.WithDescription("Number of pooled tokens by health state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens gauge: %w", err)
	}

	selectionsTotal, err := meter.Int64Counter(
		"tokenpool_selections_total",
		metric.WithDescription("Total number of token selection attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create selections_total counter: %w", err)
	}

	outcomesTotal, err := meter.Int64Counter(
		"tokenpool_outcomes_total",
		metric.WithDescription("Total number of reported upstream outcomes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcomes_total counter: %w", err)
	}

	upstreamLatency, err := meter.Float64Histogram(
		"tokenpool_upstream_latency_seconds",
		metric.WithDescription("Latency of upstream calls made with pooled tokens"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream_latency histogram: %w", err)
	}

	admissionDenied, err := meter.Int64Counter(
		"tokenpool_admission_denied_total",
		metric.WithDescription("Total number of requests rejected by the admission limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission_denied_total counter: %w", err)
	}

	storageErrorsTotal, err := meter.Int64Counter(
		"tokenpool_storage_errors_total",
		metric.WithDescription("Total number of persistence errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage_errors_total counter: %w", err)
	}

	return &Metrics{
		Tokens:             tokens,
		SelectionsTotal:    selectionsTotal,
		OutcomesTotal:      outcomesTotal,
		UpstreamLatency:    upstreamLatency,
		AdmissionDenied:    admissionDenied,
		StorageErrorsTotal: storageErrorsTotal,
	}, nil
}

// GetTracer returns a tracer for creating spans
func GetTracer() trace.Tracer {
	if tracer == nil {
		// Return a no-op tracer if telemetry is not initialized
		return otel.Tracer("noop")
	}
	return tracer
}

// RecordTokenCount records the number of tokens in a health state
func RecordTokenCount(ctx context.Context, state string, count int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.Tokens.Record(ctx, count,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordSelection records a selection attempt; result is "selected" or "exhausted"
func RecordSelection(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.SelectionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordOutcome records a classified upstream outcome
func RecordOutcome(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.OutcomesTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordUpstreamLatency records the duration of an upstream call
func RecordUpstreamLatency(ctx context.Context, kind string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.UpstreamLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordAdmissionDenied records a request rejected by the admission limiter
func RecordAdmissionDenied(ctx context.Context, class, scope string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.AdmissionDenied.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("class", class),
			attribute.String("scope", scope),
		),
	)
}

// RecordStorageError records a persistence error
func RecordStorageError(ctx context.Context, backend string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.StorageErrorsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}

// TraceAttrs extracts OpenTelemetry trace context attributes for structured logging
// Returns attributes as []any for use with slog methods
func TraceAttrs(ctx context.Context) []any {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return nil
	}

	return []any{
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	}
}

// SetLogger sets the global logger instance
func SetLogger(l *slog.Logger) {
	logger = l
	slog.SetDefault(l)
}

func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid log level provided. Defaulting to INFO", "level", level)
		return slog.LevelInfo
	}
}

// GetLogger returns the global logger instance
func GetLogger() *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger
}

// LogAttrs prepends the trace context of ctx to attrs
func LogAttrs(ctx context.Context, attrs ...any) []any {
	return append(TraceAttrs(ctx), attrs...)
}

package trace

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

const (
	DefaultBatchTimeout  = 10 * time.Second
	DefaultExportTimeout = 30 * time.Second
	DefaultHTTPPath      = "/v1/traces"
)

// Exporter is an OTLP HTTP collector. Endpoint includes scheme, host and port.
type Exporter struct {
	Endpoint      string
	HTTPPath      string
	Headers       map[string]string
	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

type ProviderConfig struct {
	Logger      *zap.Logger
	ServiceName string
	// SamplingRate is the ratio of root spans that are sampled. Child spans follow their parent.
	SamplingRate float64
	Exporters    []*Exporter
}

func createExporter(log *zap.Logger, exp *Exporter) (sdktrace.SpanExporter, error) {
	u, err := url.Parse(exp.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OpenTelemetry endpoint: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OpenTelemetry endpoint %q: missing host", exp.Endpoint)
	}

	path := exp.HTTPPath
	if path == "" {
		path = DefaultHTTPPath
	}

	opts := []otlptracehttp.Option{
		// Includes host and port
		otlptracehttp.WithEndpoint(u.Host),
		otlptracehttp.WithURLPath(path),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if u.Scheme != "https" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(exp.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(exp.Headers))
	}

	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	log.Info("Tracer enabled", zap.String("endpoint", exp.Endpoint), zap.String("path", path))

	return exporter, nil
}

// NewTracerProvider creates a tracer provider that batches spans to every
// exporter and registers it, with W3C trace context propagation, as the
// global provider. Without exporters spans are recorded but never leave the process.
func NewTracerProvider(ctx context.Context, config *ProviderConfig) (*sdktrace.TracerProvider, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(config.ServiceName)),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	}

	for _, exp := range config.Exporters {
		exporter, err := createExporter(logger, exp)
		if err != nil {
			return nil, err
		}

		batchTimeout := exp.BatchTimeout
		if batchTimeout <= 0 {
			batchTimeout = DefaultBatchTimeout
		}
		exportTimeout := exp.ExportTimeout
		if exportTimeout <= 0 {
			exportTimeout = DefaultExportTimeout
		}

		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(batchTimeout),
			sdktrace.WithExportTimeout(exportTimeout),
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithMaxQueueSize(2048),
		))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

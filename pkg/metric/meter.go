package metric

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

type PrometheusConfig struct {
	ServiceName string
	// TestRegistry replaces the registry of the provider, used in tests
	TestRegistry *prometheus.Registry
	// ExcludeScopeInfo drops the otel_scope_* labels
	ExcludeScopeInfo bool
}

func NewPrometheusMeterProvider(ctx context.Context, c PrometheusConfig) (*sdkmetric.MeterProvider, *prometheus.Registry, error) {
	registry := c.TestRegistry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	otelPromOpts := []otelprom.Option{
		otelprom.WithoutUnits(),
		otelprom.WithRegisterer(registry),
	}
	if c.ExcludeScopeInfo {
		otelPromOpts = append(otelPromOpts, otelprom.WithoutScopeInfo())
	}

	promExporter, err := otelprom.New(otelPromOpts...)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(c.ServiceName)),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	), registry, nil
}

// NewPrometheusHandler serves the metrics of registry in the OpenMetrics format.
func NewPrometheusHandler(logger *zap.Logger, registry *prometheus.Registry) (http.Handler, error) {
	handlerLogger, err := zap.NewStdLogAt(
		logger.With(zap.String("component", "prometheus_handler")),
		zap.ErrorLevel,
	)
	if err != nil {
		return nil, err
	}

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          handlerLogger,
		Registry:          registry,
		Timeout:           60 * time.Second,
	}), nil
}

package metric

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Subgraph dispatch metrics.
const (
	DispatchCounter                    = "router.subgraph.dispatches"                     // Dispatches sent to subgraphs
	DispatchLatencyHistogram           = "router.subgraph.dispatch.duration_milliseconds" // Dispatch duration, milliseconds
	DispatchErrorCounter               = "router.subgraph.dispatches.error"               // Dispatches that failed
	ConnectionAcquireDurationHistogram = "router.http.client.connection.acquire_duration" // Time to get a connection, milliseconds

	cosmoRouterMeterName    = "cosmo.router"
	cosmoRouterMeterVersion = "0.0.1"

	unitMilliseconds = "ms"
)

var (
	DispatchCounterOptions = []otelmetric.Int64CounterOption{
		otelmetric.WithDescription("Total number of subgraph dispatches"),
	}
	DispatchErrorCounterOptions = []otelmetric.Int64CounterOption{
		otelmetric.WithDescription("Total number of failed subgraph dispatches"),
	}
	DispatchLatencyHistogramOptions = []otelmetric.Float64HistogramOption{
		otelmetric.WithUnit(unitMilliseconds),
		otelmetric.WithDescription("Subgraph dispatch latency in milliseconds"),
	}
	ConnectionAcquireDurationHistogramOptions = []otelmetric.Float64HistogramOption{
		otelmetric.WithUnit(unitMilliseconds),
		otelmetric.WithDescription("Time to acquire a connection to a subgraph in milliseconds"),
	}
)

// Store records subgraph dispatch measurements.
type Store interface {
	MeasureDispatch(ctx context.Context, latency time.Duration, attrs ...attribute.KeyValue)
	MeasureDispatchError(ctx context.Context, attrs ...attribute.KeyValue)
	MeasureConnectionAcquireDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue)
}

type dispatchInstruments struct {
	dispatches        otelmetric.Int64Counter
	errors            otelmetric.Int64Counter
	latency           otelmetric.Float64Histogram
	connectionAcquire otelmetric.Float64Histogram
}

// MetricStore is the OpenTelemetry implementation of Store. It works with any
// meter provider, the Prometheus one included.
type MetricStore struct {
	instruments *dispatchInstruments
}

func NewStore(provider otelmetric.MeterProvider) (*MetricStore, error) {
	meter := provider.Meter(cosmoRouterMeterName, otelmetric.WithInstrumentationVersion(cosmoRouterMeterVersion))

	dispatches, err := meter.Int64Counter(DispatchCounter, DispatchCounterOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch counter: %w", err)
	}
	errs, err := meter.Int64Counter(DispatchErrorCounter, DispatchErrorCounterOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch error counter: %w", err)
	}
	latency, err := meter.Float64Histogram(DispatchLatencyHistogram, DispatchLatencyHistogramOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch latency histogram: %w", err)
	}
	connectionAcquire, err := meter.Float64Histogram(ConnectionAcquireDurationHistogram, ConnectionAcquireDurationHistogramOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection acquire histogram: %w", err)
	}

	return &MetricStore{
		instruments: &dispatchInstruments{
			dispatches:        dispatches,
			errors:            errs,
			latency:           latency,
			connectionAcquire: connectionAcquire,
		},
	}, nil
}

func (s *MetricStore) MeasureDispatch(ctx context.Context, latency time.Duration, attrs ...attribute.KeyValue) {
	opt := otelmetric.WithAttributeSet(attribute.NewSet(attrs...))
	s.instruments.dispatches.Add(ctx, 1, opt)
	s.instruments.latency.Record(ctx, float64(latency)/float64(time.Millisecond), opt)
}

func (s *MetricStore) MeasureDispatchError(ctx context.Context, attrs ...attribute.KeyValue) {
	s.instruments.errors.Add(ctx, 1, otelmetric.WithAttributeSet(attribute.NewSet(attrs...)))
}

func (s *MetricStore) MeasureConnectionAcquireDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	s.instruments.connectionAcquire.Record(ctx, float64(duration)/float64(time.Millisecond), otelmetric.WithAttributeSet(attribute.NewSet(attrs...)))
}

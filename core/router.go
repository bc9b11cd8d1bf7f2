package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/wundergraph/cosmo/dispatch/internal/circuit"
	"github.com/wundergraph/cosmo/dispatch/internal/httpclient"
	"github.com/wundergraph/cosmo/dispatch/internal/retrytransport"
	"github.com/wundergraph/cosmo/dispatch/pkg/config"
	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
	"github.com/wundergraph/cosmo/dispatch/pkg/datasource/httpdatasource"
	"github.com/wundergraph/cosmo/dispatch/pkg/health"
	"github.com/wundergraph/cosmo/dispatch/pkg/logging"
	"github.com/wundergraph/cosmo/dispatch/pkg/metric"
	"github.com/wundergraph/cosmo/dispatch/pkg/schemaloader"
	"github.com/wundergraph/cosmo/dispatch/pkg/trace"
)

const SubgraphHealthPath = "/health/subgraphs"

type Option func(r *Router)

// Router owns the dispatcher and everything around it: subgraph transports,
// schema loading, health checks and the management server.
type Router struct {
	cfg    *config.Config
	logger *zap.Logger

	listenAddr         string
	subgraphTransport  http.RoundTripper
	prometheusRegistry *prometheus.Registry

	dispatcher *Dispatcher
	loader     *schemaloader.Loader
	checks     *health.Checks
	checker    *health.SubgraphChecker
	metrics    metric.Store

	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithListenerAddr overrides the listen address of the config.
func WithListenerAddr(addr string) Option {
	return func(r *Router) {
		r.listenAddr = addr
	}
}

// WithSubgraphTransport replaces the transport every subgraph request is finally sent with.
func WithSubgraphTransport(rt http.RoundTripper) Option {
	return func(r *Router) {
		r.subgraphTransport = rt
	}
}

func WithPrometheusRegistry(registry *prometheus.Registry) Option {
	return func(r *Router) {
		r.prometheusRegistry = registry
	}
}

func NewRouter(ctx context.Context, cfg *config.Config, opts ...Option) (*Router, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(cfg.Subgraphs) == 0 {
		return nil, errors.New("at least one subgraph must be configured")
	}

	r := &Router{
		cfg:        cfg,
		listenAddr: cfg.ListenAddr,
		metrics:    metric.NoopStore{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.subgraphTransport == nil {
		r.subgraphTransport = newSubgraphTransport(&cfg.TrafficShaping.All)
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	if cfg.Telemetry.Metrics.Prometheus.Enabled {
		mp, registry, err := metric.NewPrometheusMeterProvider(ctx, metric.PrometheusConfig{
			ServiceName:      cfg.Telemetry.ServiceName,
			TestRegistry:     r.prometheusRegistry,
			ExcludeScopeInfo: cfg.Telemetry.Metrics.Prometheus.ExcludeScopeInfo,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus meter provider: %w", err)
		}
		r.meterProvider = mp

		store, err := metric.NewStore(mp)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric store: %w", err)
		}
		r.metrics = store

		promHandler, err := metric.NewPrometheusHandler(r.logger, registry)
		if err != nil {
			return nil, err
		}
		mux.Handle(cfg.Telemetry.Metrics.Prometheus.Path, promHandler)
	}

	var traceOptions []otelhttp.Option
	if cfg.Telemetry.Tracing.Enabled {
		tp, err := trace.NewTracerProvider(ctx, newTracerProviderConfig(r.logger, cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer provider: %w", err)
		}
		r.tracerProvider = tp
		traceOptions = append(traceOptions,
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
		)
	}

	subgraphNames := make([]string, 0, len(cfg.Subgraphs))
	for _, sg := range cfg.Subgraphs {
		subgraphNames = append(subgraphNames, sg.Name)
	}

	retryManager, err := r.newRetryManager(subgraphNames)
	if err != nil {
		return nil, err
	}
	circuitManager, err := r.newCircuitManager(subgraphNames)
	if err != nil {
		return nil, err
	}

	subgraphTimeouts := make(map[string]time.Duration, len(subgraphNames))
	for _, name := range subgraphNames {
		subgraphTimeouts[name] = cfg.SubgraphRequestTimeout(name)
	}

	subgraphClient := httpclient.NewSubgraphClient(httpclient.SubgraphClientOptions{
		Logger:           r.logger,
		Transport:        r.subgraphTransport,
		RequestTimeout:   cfg.TrafficShaping.All.RequestTimeout,
		SubgraphTimeouts: subgraphTimeouts,
		RetryManager:     retryManager,
		CircuitManager:   circuitManager,
		MetricStore:      r.metrics,
		TracingEnabled:   cfg.Telemetry.Tracing.Enabled,
		TraceOptions:     traceOptions,
	})

	schemaClient := httpclient.NewRetryableHTTPClient(r.logger, httpclient.RetryableClientOptions{
		RetryMax:     cfg.SchemaLoading.RetryMax,
		RetryWaitMax: cfg.SchemaLoading.RetryWaitMax,
		Transport:    r.subgraphTransport,
	})

	dataSources := make(map[string]datasource.DataSource, len(cfg.Subgraphs))
	schemaDataSources := make(map[string]datasource.DataSource, len(cfg.Subgraphs))

	for _, sg := range cfg.Subgraphs {
		logger := r.logger.With(logging.WithSubgraphName(sg.Name))

		ds, err := httpdatasource.New(httpdatasource.Options{
			Name:                 sg.Name,
			URL:                  sg.RoutingURL,
			Client:               subgraphClient,
			Logger:               logger,
			ForwardHeaders:       cfg.TrafficShaping.ForwardHeaders,
			MaxResponseBodyBytes: int64(cfg.TrafficShaping.MaxResponseBodySize.Uint64()),
		})
		if err != nil {
			return nil, err
		}
		dataSources[sg.Name] = ds

		schemaDS, err := httpdatasource.New(httpdatasource.Options{
			Name:                 sg.Name,
			URL:                  sg.RoutingURL,
			Client:               schemaClient,
			Logger:               logger,
			MaxResponseBodyBytes: int64(cfg.TrafficShaping.MaxResponseBodySize.Uint64()),
		})
		if err != nil {
			return nil, err
		}
		schemaDataSources[sg.Name] = schemaDS
	}

	r.dispatcher, err = NewDispatcher(DispatcherOptions{
		Logger:      r.logger,
		DataSources: dataSources,
		KindDataSources: map[datasource.RequestKind]map[string]datasource.DataSource{
			datasource.RequestKindLoadingSchema: schemaDataSources,
		},
		Metrics: r.metrics,
		Middlewares: []datasource.Middleware{
			datasource.WithTimeout(map[datasource.RequestKind]time.Duration{
				datasource.RequestKindLoadingSchema: cfg.SchemaLoading.Timeout,
			}),
		},
	})
	if err != nil {
		return nil, err
	}

	r.loader, err = schemaloader.NewLoader(schemaloader.Options{
		Logger:    r.logger,
		Fetcher:   r.dispatcher,
		Subgraphs: subgraphNames,
		CacheSize: int64(cfg.SchemaLoading.CacheSize.Uint64()),
	})
	if err != nil {
		return nil, err
	}

	r.checks = health.New(&health.Options{Logger: r.logger})

	if cfg.HealthCheck.Enabled {
		r.checker, err = health.NewSubgraphChecker(health.SubgraphCheckerOptions{
			Logger:    r.logger,
			Prober:    r.dispatcher,
			Subgraphs: subgraphNames,
			Interval:  cfg.HealthCheck.Interval,
			Jitter:    cfg.HealthCheck.Jitter,
			Timeout:   cfg.HealthCheck.Timeout,
			Checks:    r.checks,
		})
		if err != nil {
			return nil, err
		}
		mux.Get(SubgraphHealthPath, r.checker.Handler())
	}

	mux.Get(cfg.LivenessPath, r.checks.Liveness())
	mux.Get(cfg.ReadinessPath, r.checks.Readiness())

	r.server = &http.Server{
		Addr:              r.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(r.logger),
	}

	return r, nil
}

func (r *Router) newRetryManager(subgraphs []string) (*retrytransport.Manager, error) {
	manager := retrytransport.NewManager(nil, func(count int, req *http.Request, resp *http.Response, sleep time.Duration, err error) {
		fields := []zap.Field{
			zap.Int("retry", count),
			zap.Duration("sleep", sleep),
			zap.String("url", req.URL.String()),
		}
		if resp != nil {
			fields = append(fields, zap.Int("status_code", resp.StatusCode))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		r.logger.Debug("Retrying subgraph request", fields...)
	})

	overrides := make(map[string]retrytransport.RetryOptions)
	for name, rule := range r.cfg.TrafficShaping.Subgraphs {
		if rule != nil && rule.BackoffJitterRetry != nil {
			overrides[name] = retryOptions(r.cfg.SubgraphRetry(name))
		}
	}

	if err := manager.Initialize(retryOptions(r.cfg.TrafficShaping.All.BackoffJitterRetry), overrides, subgraphs); err != nil {
		return nil, fmt.Errorf("invalid retry configuration: %w", err)
	}
	return manager, nil
}

func (r *Router) newCircuitManager(subgraphs []string) (*circuit.Manager, error) {
	manager := circuit.NewManager(circuitBreakerConfig(r.cfg.TrafficShaping.All.CircuitBreaker))

	overrides := make(map[string]circuit.CircuitBreakerConfig)
	for name, rule := range r.cfg.TrafficShaping.Subgraphs {
		if rule != nil && rule.CircuitBreaker != nil {
			overrides[name] = circuitBreakerConfig(r.cfg.SubgraphCircuitBreaker(name))
		}
	}

	if err := manager.Initialize(overrides, subgraphs); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker configuration: %w", err)
	}
	return manager, nil
}

func retryOptions(c config.BackoffJitterRetry) retrytransport.RetryOptions {
	return retrytransport.RetryOptions{
		Enabled:       c.Enabled,
		Algorithm:     c.Algorithm,
		MaxRetryCount: c.MaxAttempts,
		Interval:      c.Interval,
		MaxDuration:   c.MaxDuration,
	}
}

func circuitBreakerConfig(c config.CircuitBreaker) circuit.CircuitBreakerConfig {
	return circuit.CircuitBreakerConfig{
		Enabled:                    c.Enabled,
		ErrorThresholdPercentage:   c.ErrorThresholdPercentage,
		RequestThreshold:           c.RequestThreshold,
		SleepWindow:                c.SleepWindow,
		HalfOpenAttempts:           c.HalfOpenAttempts,
		RequiredSuccessfulAttempts: c.RequiredSuccessfulAttempts,
		RollingDuration:            c.RollingDuration,
		NumBuckets:                 c.NumBuckets,
	}
}

func newSubgraphTransport(rule *config.GlobalSubgraphRequestRule) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   rule.DialTimeout,
		KeepAlive: 90 * time.Second,
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: rule.TLSHandshakeTimeout,
		MaxIdleConns:        rule.MaxIdleConns,
		MaxIdleConnsPerHost: rule.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
}

func newTracerProviderConfig(logger *zap.Logger, cfg *config.Config) *trace.ProviderConfig {
	tracing := cfg.Telemetry.Tracing
	exporters := make([]*trace.Exporter, 0, len(tracing.Exporters))
	for _, exp := range tracing.Exporters {
		if exp.Disabled {
			continue
		}
		exporters = append(exporters, &trace.Exporter{
			Endpoint:      exp.Endpoint,
			HTTPPath:      exp.HTTPPath,
			Headers:       exp.Headers,
			BatchTimeout:  exp.BatchTimeout,
			ExportTimeout: exp.ExportTimeout,
		})
	}
	return &trace.ProviderConfig{
		Logger:       logger,
		ServiceName:  cfg.Telemetry.ServiceName,
		SamplingRate: tracing.SamplingRate,
		Exporters:    exporters,
	}
}

func (r *Router) Dispatcher() *Dispatcher {
	return r.dispatcher
}

// Schemas returns the loaded schema of every subgraph that answered.
func (r *Router) Schemas() []*schemaloader.Schema {
	schemas := make([]*schemaloader.Schema, 0, len(r.cfg.Subgraphs))
	for _, sg := range r.cfg.Subgraphs {
		if s, ok := r.loader.Schema(sg.Name); ok {
			schemas = append(schemas, s)
		}
	}
	return schemas
}

// Addr returns the address the management server listens on, empty before Start.
func (r *Router) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Start loads the subgraph schemas, starts the health checks and serves the
// management endpoints. It blocks until the server is shut down.
func (r *Router) Start(ctx context.Context) error {
	if r.cfg.SchemaLoading.Enabled {
		schemas, err := r.loader.Load(ctx)
		r.logger.Info("Loaded subgraph schemas",
			zap.Int("loaded", len(schemas)),
			zap.Int("subgraphs", len(r.cfg.Subgraphs)),
		)
		if err != nil {
			// unavailable subgraphs are reported by the health checks
			r.logger.Warn("Could not load all subgraph schemas", zap.Error(err))
		}
	}

	if r.checker != nil {
		go r.checker.Start(ctx)
	} else {
		r.checks.SetReady(true)
	}

	ln, err := net.Listen("tcp", r.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.server.Addr, err)
	}

	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()

	r.logger.Info("Server listening",
		zap.String("listen_addr", ln.Addr().String()),
		zap.Int("subgraphs", len(r.cfg.Subgraphs)),
	)

	if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and flushes telemetry.
func (r *Router) Shutdown(ctx context.Context) error {
	r.checks.SetReady(false)

	var err error
	if shutdownErr := r.server.Shutdown(ctx); shutdownErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to shutdown server: %w", shutdownErr))
	}

	if r.tracerProvider != nil {
		if flushErr := r.tracerProvider.ForceFlush(ctx); flushErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to force flush tracer: %w", flushErr))
		}
		if shutdownErr := r.tracerProvider.Shutdown(ctx); shutdownErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shutdown tracer: %w", shutdownErr))
		}
	}

	if r.meterProvider != nil {
		if shutdownErr := r.meterProvider.Shutdown(ctx); shutdownErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shutdown meter provider: %w", shutdownErr))
		}
	}

	r.loader.Close()

	return err
}

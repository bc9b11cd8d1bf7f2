package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
	"github.com/wundergraph/cosmo/dispatch/pkg/metric"
	rotel "github.com/wundergraph/cosmo/dispatch/pkg/otel"
)

const (
	HealthCheckQuery       = "query __ApolloServiceHealthCheck { __typename }"
	ServiceDefinitionQuery = "query __ApolloGetServiceDefinition__ { _service { sdl } }"
)

var (
	ErrUnknownSubgraph   = errors.New("unknown subgraph")
	ErrSubgraphUnhealthy = errors.New("subgraph is unhealthy")
	ErrSchemaNotFound    = errors.New("subgraph did not return a schema")
)

type DispatcherOptions struct {
	Logger *zap.Logger
	// DataSources maps subgraph names to the data source serving them
	DataSources map[string]datasource.DataSource
	// KindDataSources replaces the data source of a subgraph for one request kind
	KindDataSources map[datasource.RequestKind]map[string]datasource.DataSource
	Metrics         metric.Store
	// Middlewares wrap every data source, the first one is the outermost
	Middlewares []datasource.Middleware
	// MaxConcurrency limits the fetches FanOut runs at once, unlimited if zero
	MaxConcurrency int
}

// Dispatcher is the executor-facing entry point. It builds the envelope for
// every kind of subgraph request and hands it to the data source of the subgraph.
type Dispatcher struct {
	logger         *zap.Logger
	metrics        metric.Store
	maxConcurrency int

	subgraphs       []string
	dataSources     map[string]datasource.DataSource
	kindDataSources map[datasource.RequestKind]map[string]datasource.DataSource
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metric.NoopStore{}
	}

	d := &Dispatcher{
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		maxConcurrency:  opts.MaxConcurrency,
		dataSources:     make(map[string]datasource.DataSource, len(opts.DataSources)),
		kindDataSources: make(map[datasource.RequestKind]map[string]datasource.DataSource, len(opts.KindDataSources)),
	}

	for name, ds := range opts.DataSources {
		if name == "" {
			return nil, errors.New("subgraph name must not be empty")
		}
		if ds == nil {
			return nil, fmt.Errorf("data source of subgraph %q is nil", name)
		}
		d.subgraphs = append(d.subgraphs, name)
		d.dataSources[name] = d.wrap(name, ds, opts.Middlewares)
	}
	sort.Strings(d.subgraphs)

	for kind, overrides := range opts.KindDataSources {
		if !kind.IsValid() {
			return nil, fmt.Errorf("%w: %s", datasource.ErrUnknownRequestKind, kind)
		}
		wrapped := make(map[string]datasource.DataSource, len(overrides))
		for name, ds := range overrides {
			if _, ok := d.dataSources[name]; !ok {
				return nil, fmt.Errorf("%w: %s has a %s data source but no default one", ErrUnknownSubgraph, name, kind)
			}
			if ds == nil {
				return nil, fmt.Errorf("%s data source of subgraph %q is nil", kind, name)
			}
			wrapped[name] = d.wrap(name, ds, opts.Middlewares)
		}
		d.kindDataSources[kind] = wrapped
	}

	return d, nil
}

func (d *Dispatcher) wrap(name string, ds datasource.DataSource, mws []datasource.Middleware) datasource.DataSource {
	chain := make([]datasource.Middleware, 0, len(mws)+2)
	chain = append(chain, datasource.WithLogging(d.logger, name), datasource.WithRecover(name))
	chain = append(chain, mws...)
	return datasource.Chain(ds, chain...)
}

// Subgraphs returns the names of all subgraphs in lexical order.
func (d *Dispatcher) Subgraphs() []string {
	return append([]string(nil), d.subgraphs...)
}

func (d *Dispatcher) dataSource(subgraph string, kind datasource.RequestKind) (datasource.DataSource, error) {
	if ds, ok := d.kindDataSources[kind][subgraph]; ok {
		return ds, nil
	}
	if ds, ok := d.dataSources[subgraph]; ok {
		return ds, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSubgraph, subgraph)
}

// Dispatch sends an already built envelope to subgraph.
func (d *Dispatcher) Dispatch(ctx context.Context, subgraph string, opts datasource.ProcessOptions) (*datasource.Response, error) {
	if err := datasource.Validate(opts); err != nil {
		return nil, err
	}

	ds, err := d.dataSource(subgraph, opts.Kind())
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		rotel.DispatcherAttribute,
		rotel.WgSubgraphName.String(subgraph),
		rotel.WgRequestKind.String(opts.Kind().String()),
	}
	if name := opts.Request().OperationName; name != "" {
		attrs = append(attrs, rotel.WgOperationName.String(name))
	}

	start := time.Now()
	resp, err := ds.Process(ctx, opts)
	latency := time.Since(start)

	if err != nil {
		attrs = append(attrs, rotel.WgRequestError.Bool(true))
		d.metrics.MeasureDispatchError(ctx, attrs...)
	} else if resp != nil && resp.StatusCode != 0 {
		attrs = append(attrs, rotel.WgHttpStatusCode.Int(resp.StatusCode))
	}
	d.metrics.MeasureDispatch(ctx, latency, attrs...)

	return resp, err
}

// FetchOperation dispatches req on behalf of the client operation described by rc.
func (d *Dispatcher) FetchOperation(ctx context.Context, subgraph string, rc *datasource.RequestContext, req *datasource.Request) (*datasource.Response, error) {
	opts, err := datasource.NewIncomingOperation(req, rc)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, subgraph, opts)
}

// CheckHealth probes subgraph. A subgraph answering with GraphQL errors or an
// error status is unhealthy even though the dispatch itself succeeded.
func (d *Dispatcher) CheckHealth(ctx context.Context, subgraph string) error {
	opts, err := datasource.NewHealthCheck(&datasource.Request{Query: HealthCheckQuery})
	if err != nil {
		return err
	}

	resp, err := d.Dispatch(ctx, subgraph, opts)
	if err != nil {
		return err
	}
	if resp.HasErrors() {
		return fmt.Errorf("%w: %s", ErrSubgraphUnhealthy, resp.Errors[0].Message)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrSubgraphUnhealthy, resp.StatusCode)
	}
	return nil
}

// FetchSchema returns the SDL the subgraph reports through its _service field.
func (d *Dispatcher) FetchSchema(ctx context.Context, subgraph string) (string, error) {
	opts, err := datasource.NewLoadingSchema(&datasource.Request{Query: ServiceDefinitionQuery})
	if err != nil {
		return "", err
	}

	resp, err := d.Dispatch(ctx, subgraph, opts)
	if err != nil {
		return "", err
	}

	sdl := gjson.GetBytes(resp.Data, "_service.sdl")
	if sdl.Type != gjson.String {
		if resp.HasErrors() {
			return "", fmt.Errorf("%w: %s", ErrSchemaNotFound, resp.Errors[0].Message)
		}
		return "", ErrSchemaNotFound
	}
	return sdl.String(), nil
}

// Fetch is one subgraph request of a client operation.
type Fetch struct {
	Subgraph       string
	Request        *datasource.Request
	RequestContext *datasource.RequestContext
}

type FetchResult struct {
	Subgraph string
	Response *datasource.Response
	Err      error
}

// FanOut runs fetches concurrently and returns their results in input order.
// A failing fetch does not cancel the others.
func (d *Dispatcher) FanOut(ctx context.Context, fetches []Fetch) []FetchResult {
	results := make([]FetchResult, len(fetches))

	var g errgroup.Group
	if d.maxConcurrency > 0 {
		g.SetLimit(d.maxConcurrency)
	}

	for i, f := range fetches {
		g.Go(func() error {
			resp, err := d.FetchOperation(ctx, f.Subgraph, f.RequestContext, f.Request)
			results[i] = FetchResult{Subgraph: f.Subgraph, Response: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

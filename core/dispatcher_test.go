package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
	"github.com/wundergraph/cosmo/dispatch/pkg/datasource/datasourcetest"
	"github.com/wundergraph/cosmo/dispatch/pkg/datasource/httpdatasource"
	"github.com/wundergraph/cosmo/dispatch/pkg/metric"
)

func newDispatcher(t *testing.T, opts DispatcherOptions) *Dispatcher {
	t.Helper()

	d, err := NewDispatcher(opts)
	require.NoError(t, err)
	return d
}

func newRequestContext() *datasource.RequestContext {
	appCtx := datasource.NewAppContext()
	appCtx.Set("userId", "1")
	return datasource.NewRequestContext(&datasource.Request{Query: "{ employees { id } }"}, appCtx)
}

func TestNewDispatcher(t *testing.T) {
	t.Parallel()

	t.Run("sorted subgraphs", func(t *testing.T) {
		t.Parallel()

		d := newDispatcher(t, DispatcherOptions{DataSources: map[string]datasource.DataSource{
			"products":  &datasourcetest.Recorder{},
			"employees": &datasourcetest.Recorder{},
		}})
		require.Equal(t, []string{"employees", "products"}, d.Subgraphs())
	})

	t.Run("invalid data sources", func(t *testing.T) {
		t.Parallel()

		_, err := NewDispatcher(DispatcherOptions{DataSources: map[string]datasource.DataSource{"": &datasourcetest.Recorder{}}})
		require.Error(t, err)

		_, err = NewDispatcher(DispatcherOptions{DataSources: map[string]datasource.DataSource{"employees": nil}})
		require.Error(t, err)

		_, err = NewDispatcher(DispatcherOptions{
			DataSources: map[string]datasource.DataSource{"employees": &datasourcetest.Recorder{}},
			KindDataSources: map[datasource.RequestKind]map[string]datasource.DataSource{
				datasource.RequestKindLoadingSchema: {"products": &datasourcetest.Recorder{}},
			},
		})
		require.ErrorIs(t, err, ErrUnknownSubgraph)

		_, err = NewDispatcher(DispatcherOptions{
			DataSources: map[string]datasource.DataSource{"employees": &datasourcetest.Recorder{}},
			KindDataSources: map[datasource.RequestKind]map[string]datasource.DataSource{
				datasource.RequestKind(42): {"employees": &datasourcetest.Recorder{}},
			},
		})
		require.ErrorIs(t, err, datasource.ErrUnknownRequestKind)
	})
}

func TestFetchOperation(t *testing.T) {
	t.Parallel()

	t.Run("builds an incoming operation envelope", func(t *testing.T) {
		t.Parallel()

		rc := newRequestContext()
		var seen datasource.ProcessOptions
		recorder := &datasourcetest.Recorder{Respond: func(_ context.Context, opts datasource.ProcessOptions) (*datasource.Response, error) {
			seen = opts
			return &datasource.Response{Data: json.RawMessage(`{"employees":[{"id":1}]}`)}, nil
		}}
		d := newDispatcher(t, DispatcherOptions{DataSources: map[string]datasource.DataSource{"employees": recorder}})

		resp, err := d.FetchOperation(context.Background(), "employees", rc, &datasource.Request{Query: "{ employees { id } }"})
		require.NoError(t, err)
		require.JSONEq(t, `{"employees":[{"id":1}]}`, string(resp.Data))

		require.Equal(t, datasource.RequestKindIncomingOperation, seen.Kind())
		got, err := datasource.IncomingRequestContext(seen)
		require.NoError(t, err)
		require.Same(t, rc, got)
		require.Same(t, rc.Context, seen.Context())

		calls := recorder.CallsOf(datasource.RequestKindIncomingOperation)
		require.Len(t, calls, 1)
		require.Equal(t, rc.ID, calls[0].RequestContextID)
	})

	t.Run("unknown subgraph", func(t *testing.T) {
		t.Parallel()

		d := newDispatcher(t, DispatcherOptions{DataSources: map[string]datasource.DataSource{"employees": &datasourcetest.Recorder{}}})
		_, err := d.FetchOperation(context.Background(), "products", newRequestContext(), &datasource.Request{Query: "{ a }"})
		require.ErrorIs(t, err, ErrUnknownSubgraph)
	})

	t.Run("missing request context", func(t *testing.T) {
		t.Parallel()

		recorder := &datasourcetest.Recorder{}
		d := newDispatcher(t, DispatcherOptions{DataSources: map[string]datasource.DataSource{"employees": recorder}})
		_, err := d.FetchOperation(context.Background(), "employees", nil, &datasource.Request{Query: "{ a }"})
		require.ErrorIs(t, err, datasource.ErrInvalidState)
		require.Empty(t, recorder.Calls())
	})

	t.Run("panicking data source", func(t *testing.T) {
		t.Parallel()

		d := newDispatcher(t, DispatcherOptions{DataSources: map[string]datasource.DataSource{
			"employees": datasource.Func(func(context.Context, datasource.ProcessOptions) (*datasource.Response, error) {
				panic("boom")
			}),
		}})
		_, err := d.FetchOperation(context.Background(), "employees", newRequestContext(), &datasource.Request{Query: "{ a }"})
		require.ErrorIs(t, err, datasource.ErrDataSourcePanic)
		require.True(t, datasource.IsDispatchFailure(err))

		var dispatchErr *datasource.DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		require.Equal(t, "employees", dispatchErr.Subgraph)
		require.Equal(t, datasource.RequestKindIncomingOperation, dispatchErr.Kind)
	})
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "healthy", status: http.StatusOK, body: `{"data":{"__typename":"Query"}}`},
		{name: "graphql errors", status: http.StatusOK, body: `{"errors":[{"message":"not ready"}]}`, wantErr: ErrSubgraphUnhealthy},
		{name: "error status", status: http.StatusServiceUnavailable, body: `{"data":null}`, wantErr: ErrSubgraphUnhealthy},
		{name: "not graphql", status: http.StatusBadGateway, body: `bad gateway`, wantErr: datasource.ErrDispatchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var query atomic.Value
			srv := datasourcetest.NewSubgraphServer(t, func(_ *http.Request, req *datasource.Request) (int, []byte) {
				query.Store(req.Query)
				return tt.status, []byte(tt.body)
			})
			ds, err := httpdatasource.New(httpdatasource.Options{Name: "employees", URL: srv.URL})
			require.NoError(t, err)

			d := newDispatcher(t, DispatcherOptions{DataSources: map[string]datasource.DataSource{"employees": ds}})

			err = d.CheckHealth(context.Background(), "employees")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, HealthCheckQuery, query.Load())
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()

		ds, err := httpdatasource.New(httpdatasource.Options{Name: "employees", URL: datasourcetest.UnreachableURL(t)})
		require.NoError(t, err)
		d := newDispatcher(t, DispatcherOptions{DataSources: map[string]datasource.DataSource{"employees": ds}})

		err = d.CheckHealth(context.Background(), "employees")
		var dispatchErr *datasource.DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		require.Equal(t, datasource.RequestKindHealthCheck, dispatchErr.Kind)
	})
}

func TestFetchSchema(t *testing.T) {
	t.Parallel()

	const sdl = "type Query { employees: [Employee!]! }"

	t.Run("extracts the sdl", func(t *testing.T) {
		t.Parallel()

		recorder := &datasourcetest.Recorder{Respond: func(_ context.Context, opts datasource.ProcessOptions) (*datasource.Response, error) {
			// internal envelopes carry a readable placeholder context
			require.Zero(t, opts.Context().Len())
			_, err := datasource.IncomingRequestContext(opts)
			require.ErrorIs(t, err, datasource.ErrInvalidState)

			data, _ := json.Marshal(map[string]any{"_service": map[string]any{"sdl": sdl}})
			return &datasource.Response{Data: data}, nil
		}}
		d := newDispatcher(t, DispatcherOptions{DataSources: map[string]datasource.DataSource{"employees": recorder}})

		got, err := d.FetchSchema(context.Background(), "employees")
		require.NoError(t, err)
		require.Equal(t, sdl, got)

		calls := recorder.CallsOf(datasource.RequestKindLoadingSchema)
		require.Len(t, calls, 1)
		require.Equal(t, ServiceDefinitionQuery, calls[0].Query)
		require.Empty(t, calls[0].RequestContextID)
	})

	t.Run("missing sdl", func(t *testing.T) {
		t.Parallel()

		recorder := &datasourcetest.Recorder{Respond: func(context.Context, datasource.ProcessOptions) (*datasource.Response, error) {
			return &datasource.Response{
				Data:   json.RawMessage(`null`),
				Errors: []datasource.GraphQLError{{Message: `Cannot query field "_service" on type "Query".`}},
			}, nil
		}}
		d := newDispatcher(t, DispatcherOptions{DataSources: map[string]datasource.DataSource{"employees": recorder}})

		_, err := d.FetchSchema(context.Background(), "employees")
		require.ErrorIs(t, err, ErrSchemaNotFound)
		require.ErrorContains(t, err, "Cannot query field")
	})

	t.Run("kind specific data source", func(t *testing.T) {
		t.Parallel()

		operations := &datasourcetest.Recorder{}
		schemas := &datasourcetest.Recorder{Respond: func(context.Context, datasource.ProcessOptions) (*datasource.Response, error) {
			return &datasource.Response{Data: json.RawMessage(`{"_service":{"sdl":"type Query { a: Int }"}}`)}, nil
		}}
		d := newDispatcher(t, DispatcherOptions{
			DataSources: map[string]datasource.DataSource{"employees": operations},
			KindDataSources: map[datasource.RequestKind]map[string]datasource.DataSource{
				datasource.RequestKindLoadingSchema: {"employees": schemas},
			},
		})

		_, err := d.FetchSchema(context.Background(), "employees")
		require.NoError(t, err)
		_, err = d.FetchOperation(context.Background(), "employees", newRequestContext(), &datasource.Request{Query: "{ a }"})
		require.NoError(t, err)

		require.Len(t, schemas.Calls(), 1)
		require.Len(t, operations.Calls(), 1)
		require.Equal(t, datasource.RequestKindIncomingOperation, operations.Calls()[0].Kind)
	})
}

func TestFanOut(t *testing.T) {
	t.Parallel()

	srv := datasourcetest.NewSubgraphServer(t, func(_ *http.Request, req *datasource.Request) (int, []byte) {
		var vars struct {
			ID int `json:"id"`
		}
		_ = json.Unmarshal(req.Variables, &vars)
		// answer out of order
		time.Sleep(time.Duration(50-vars.ID) * 100 * time.Microsecond)
		return http.StatusOK, []byte(fmt.Sprintf(`{"data":{"employee":{"id":%d}}}`, vars.ID))
	})

	employees, err := httpdatasource.New(httpdatasource.Options{Name: "employees", URL: srv.URL})
	require.NoError(t, err)
	down, err := httpdatasource.New(httpdatasource.Options{Name: "down", URL: datasourcetest.UnreachableURL(t)})
	require.NoError(t, err)

	d := newDispatcher(t, DispatcherOptions{DataSources: map[string]datasource.DataSource{
		"employees": employees,
		"down":      down,
	}})

	const n = 50
	rc := newRequestContext()
	fetches := make([]Fetch, 0, n+1)
	for i := 0; i < n; i++ {
		fetches = append(fetches, Fetch{
			Subgraph:       "employees",
			RequestContext: rc,
			Request: &datasource.Request{
				Query:     "query($id: Int!) { employee(id: $id) { id } }",
				Variables: json.RawMessage(fmt.Sprintf(`{"id":%d}`, i)),
			},
		})
	}
	fetches = append(fetches, Fetch{Subgraph: "down", RequestContext: rc, Request: &datasource.Request{Query: "{ a }"}})

	results := d.FanOut(context.Background(), fetches)
	require.Len(t, results, n+1)

	for i := 0; i < n; i++ {
		require.NoError(t, results[i].Err)
		require.Equal(t, "employees", results[i].Subgraph)
		require.JSONEq(t, fmt.Sprintf(`{"employee":{"id":%d}}`, i), string(results[i].Response.Data))
	}

	// one failure does not cancel the others
	require.True(t, datasource.IsDispatchFailure(results[n].Err))
	require.Nil(t, results[n].Response)
}

func TestFanOutMaxConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	ds := datasource.Func(func(ctx context.Context, opts datasource.ProcessOptions) (*datasource.Response, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return &datasource.Response{Data: json.RawMessage(`{}`)}, nil
	})

	d := newDispatcher(t, DispatcherOptions{
		DataSources:    map[string]datasource.DataSource{"employees": ds},
		MaxConcurrency: 4,
	})

	rc := newRequestContext()
	fetches := make([]Fetch, 20)
	for i := range fetches {
		fetches[i] = Fetch{Subgraph: "employees", RequestContext: rc, Request: &datasource.Request{Query: "{ a }"}}
	}

	for _, r := range d.FanOut(context.Background(), fetches) {
		require.NoError(t, r.Err)
	}
	require.LessOrEqual(t, peak.Load(), int32(4))
}

func TestDispatchMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	store, err := metric.NewStore(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	fail := errors.New("connection refused")
	d := newDispatcher(t, DispatcherOptions{
		Metrics: store,
		DataSources: map[string]datasource.DataSource{
			"employees": &datasourcetest.Recorder{},
			"down": datasource.Func(func(_ context.Context, opts datasource.ProcessOptions) (*datasource.Response, error) {
				return nil, &datasource.DispatchError{Subgraph: "down", Kind: opts.Kind(), Err: fail}
			}),
		},
	})

	require.NoError(t, d.CheckHealth(context.Background(), "employees"))
	require.ErrorIs(t, d.CheckHealth(context.Background(), "down"), fail)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var dispatches, errs int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case metric.DispatchCounter:
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					dispatches += dp.Value
				}
			case metric.DispatchErrorCounter:
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					errs += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(2), dispatches)
	require.Equal(t, int64(1), errs)
}

package core

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wundergraph/cosmo/dispatch/pkg/config"
	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
	"github.com/wundergraph/cosmo/dispatch/pkg/datasource/datasourcetest"
)

const employeesSDL = "type Query { employees: [Employee!]! } type Employee { id: Int! }"

func employeesResolver(_ *http.Request, req *datasource.Request) (int, []byte) {
	switch req.Query {
	case ServiceDefinitionQuery:
		return http.StatusOK, []byte(`{"data":{"_service":{"sdl":"` + employeesSDL + `"}}}`)
	case HealthCheckQuery:
		return http.StatusOK, []byte(`{"data":{"__typename":"Query"}}`)
	default:
		return http.StatusOK, []byte(`{"data":{"employees":[{"id":1}]}}`)
	}
}

func testRouterConfig(routingURL string) *config.Config {
	return &config.Config{
		ListenAddr:    "127.0.0.1:0",
		LivenessPath:  "/health/live",
		ReadinessPath: "/health/ready",
		Subgraphs: []config.Subgraph{
			{Name: "employees", RoutingURL: routingURL},
		},
		TrafficShaping: config.TrafficShapingRules{
			All: config.GlobalSubgraphRequestRule{
				RequestTimeout: 5 * time.Second,
				BackoffJitterRetry: config.BackoffJitterRetry{
					Enabled:     true,
					Algorithm:   "backoff_jitter",
					MaxAttempts: 2,
					Interval:    time.Millisecond,
					MaxDuration: 10 * time.Millisecond,
				},
			},
		},
		HealthCheck: config.HealthCheckConfiguration{
			Enabled:  true,
			Interval: 50 * time.Millisecond,
			Timeout:  time.Second,
		},
		SchemaLoading: config.SchemaLoadingConfiguration{
			Enabled:  true,
			RetryMax: 1,
			Timeout:  5 * time.Second,
		},
		Telemetry: config.Telemetry{
			ServiceName: "cosmo-router",
			Metrics: config.Metrics{Prometheus: config.Prometheus{
				Enabled: true,
				Path:    "/metrics",
			}},
		},
	}
}

func startRouter(t *testing.T, r *Router) {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- r.Start(context.Background())
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, r.Shutdown(ctx))
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		return r.Addr() != ""
	}, 5*time.Second, 10*time.Millisecond)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRouter(t *testing.T) {
	t.Parallel()

	srv := datasourcetest.NewSubgraphServer(t, employeesResolver)

	core, logs := observer.New(zapcore.InfoLevel)
	r, err := NewRouter(context.Background(), testRouterConfig(srv.URL),
		WithLogger(zap.New(core)),
		WithPrometheusRegistry(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	startRouter(t, r)
	base := "http://" + r.Addr()

	t.Run("schemas are loaded before serving", func(t *testing.T) {
		schemas := r.Schemas()
		require.Len(t, schemas, 1)
		require.Equal(t, "employees", schemas[0].Subgraph)
		require.Equal(t, employeesSDL, schemas[0].SDL)
		require.NotNil(t, schemas[0].Document)
		require.Equal(t, 1, logs.FilterMessage("Subgraph schema loaded").Len())
	})

	t.Run("liveness and readiness", func(t *testing.T) {
		status, _ := get(t, base+"/health/live")
		require.Equal(t, http.StatusOK, status)

		require.Eventually(t, func() bool {
			status, _ := get(t, base+"/health/ready")
			return status == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond)

		status, body := get(t, base+SubgraphHealthPath)
		require.Equal(t, http.StatusOK, status)
		require.Contains(t, body, `"name":"employees"`)
		require.Contains(t, body, `"healthy":true`)
	})

	t.Run("operations are dispatched", func(t *testing.T) {
		rc := datasource.NewRequestContext(&datasource.Request{Query: "{ employees { id } }"}, nil)
		resp, err := r.Dispatcher().FetchOperation(context.Background(), "employees", rc, &datasource.Request{Query: "{ employees { id } }"})
		require.NoError(t, err)
		require.JSONEq(t, `{"employees":[{"id":1}]}`, string(resp.Data))
	})

	t.Run("metrics", func(t *testing.T) {
		status, body := get(t, base+"/metrics")
		require.Equal(t, http.StatusOK, status)
		require.Contains(t, body, "router_subgraph_dispatches_total")
		require.Contains(t, body, `wg_request_kind="loading schema"`)
	})
}

func TestRouterWithUnavailableSubgraph(t *testing.T) {
	t.Parallel()

	cfg := testRouterConfig(datasourcetest.UnreachableURL(t))
	cfg.SchemaLoading.RetryMax = 1
	cfg.SchemaLoading.RetryWaitMax = time.Millisecond
	cfg.Telemetry.Metrics.Prometheus.Enabled = false

	core, logs := observer.New(zapcore.WarnLevel)
	r, err := NewRouter(context.Background(), cfg, WithLogger(zap.New(core)))
	require.NoError(t, err)

	startRouter(t, r)
	base := "http://" + r.Addr()

	require.Empty(t, r.Schemas())
	require.Equal(t, 1, logs.FilterMessage("Could not load all subgraph schemas").Len())

	require.Eventually(t, func() bool {
		status, body := get(t, base+SubgraphHealthPath)
		return status == http.StatusServiceUnavailable && len(body) > 0
	}, 5*time.Second, 20*time.Millisecond)

	status, _ := get(t, base+"/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = get(t, base+"/metrics")
	require.Equal(t, http.StatusNotFound, status)
}

func TestRouterExportsTraces(t *testing.T) {
	t.Parallel()

	var exported atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/traces" {
			_, _ = io.Copy(io.Discard, r.Body)
			exported.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(collector.Close)

	srv := datasourcetest.NewSubgraphServer(t, employeesResolver)

	cfg := testRouterConfig(srv.URL)
	cfg.Telemetry.Metrics.Prometheus.Enabled = false
	cfg.Telemetry.Tracing = config.Tracing{
		Enabled:      true,
		SamplingRate: 1,
		Exporters: []config.TracingExporter{
			{Endpoint: collector.URL},
			{Endpoint: "http://localhost:1", Disabled: true},
		},
	}

	r, err := NewRouter(context.Background(), cfg)
	require.NoError(t, err)

	rc := datasource.NewRequestContext(&datasource.Request{Query: "{ employees { id } }"}, nil)
	_, err = r.Dispatcher().FetchOperation(context.Background(), "employees", rc, &datasource.Request{Query: "{ employees { id } }"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	require.GreaterOrEqual(t, exported.Load(), int32(1))
}

func TestNewRouterInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewRouter(context.Background(), nil)
	require.Error(t, err)

	_, err = NewRouter(context.Background(), &config.Config{})
	require.Error(t, err)

	cfg := testRouterConfig("http://localhost:4001/graphql")
	cfg.TrafficShaping.All.BackoffJitterRetry.Algorithm = "exponential"
	_, err = NewRouter(context.Background(), cfg)
	require.ErrorContains(t, err, "invalid retry configuration")

	cfg = testRouterConfig("ftp://localhost:4001/graphql")
	_, err = NewRouter(context.Background(), cfg)
	require.ErrorContains(t, err, "unsupported scheme")
}

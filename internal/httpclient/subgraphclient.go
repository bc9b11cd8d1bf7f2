package httpclient

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wundergraph/cosmo/dispatch/internal/circuit"
	"github.com/wundergraph/cosmo/dispatch/internal/retrytransport"
	"github.com/wundergraph/cosmo/dispatch/internal/timeouttransport"
	"github.com/wundergraph/cosmo/dispatch/pkg/metric"
	"github.com/wundergraph/cosmo/dispatch/pkg/trace"
)

type SubgraphClientOptions struct {
	Logger *zap.Logger
	// Transport is the innermost round tripper, http.DefaultTransport if nil
	Transport http.RoundTripper

	RequestTimeout   time.Duration
	SubgraphTimeouts map[string]time.Duration

	RetryManager   *retrytransport.Manager
	CircuitManager *circuit.Manager
	MetricStore    metric.Store

	TracingEnabled bool
	TraceOptions   []otelhttp.Option
}

// NewSubgraphClient builds the client shared by all subgraph data sources.
// From the outside in a request passes tracing, the circuit breaker, retries,
// the per attempt timeout and the connection metrics before reaching the transport.
func NewSubgraphClient(opts SubgraphClientOptions) *http.Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	requestLogger := func(*http.Request) *zap.Logger { return logger }

	var rt http.RoundTripper = opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	if opts.MetricStore != nil {
		rt = NewTraceInjectingRoundTripper(rt, opts.MetricStore)
	}

	rt = timeouttransport.New(rt, opts.RequestTimeout, opts.SubgraphTimeouts)

	if opts.RetryManager.IsEnabled() {
		rt = retrytransport.NewRetryHTTPTransport(rt, requestLogger, opts.RetryManager)
	}

	if opts.CircuitManager.IsEnabled() {
		rt = circuit.NewCircuitTripper(rt, opts.CircuitManager, requestLogger)
	}

	if opts.TracingEnabled {
		rt = trace.NewSubgraphTransport(rt, opts.TraceOptions...)
	}

	return &http.Client{Transport: rt}
}

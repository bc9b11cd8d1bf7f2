package trace

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	rcontext "github.com/wundergraph/cosmo/dispatch/internal/context"
	rotel "github.com/wundergraph/cosmo/dispatch/pkg/otel"
)

// NewTransport wraps the provided http.RoundTripper. It accepts a handler function that is called before the request is processed.
// Internally it uses otelhttp.NewTransport to instrument the request.
func NewTransport(base http.RoundTripper, handler func(r *http.Request), opts ...otelhttp.Option) http.RoundTripper {
	transport := &transport{
		rt:      base,
		handler: handler,
	}

	opts = append([]otelhttp.Option{otelhttp.WithSpanNameFormatter(SpanNameFormatter)}, opts...)

	return otelhttp.NewTransport(
		transport, opts...,
	)
}

// NewSubgraphTransport instruments base and annotates every span with the
// dispatch attributes found in the request context.
func NewSubgraphTransport(base http.RoundTripper, opts ...otelhttp.Option) http.RoundTripper {
	return NewTransport(base, SetSubgraphAttributes, opts...)
}

type transport struct {
	rt      http.RoundTripper
	handler func(r *http.Request)
}

func (t *transport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.handler != nil {
		t.handler(r)
	}

	// In case of a roundtrip error the span status is set to error by the otelhttp.RoundTrip function.
	// Also, status code >= 500 is considered an error
	return t.rt.RoundTrip(r)
}

func SpanNameFormatter(_ string, r *http.Request) string {
	if subgraph := rcontext.Subgraph(r.Context()); subgraph != "" {
		return "Subgraph - " + subgraph
	}
	return r.Method + " " + r.URL.Path
}

func SetSubgraphAttributes(r *http.Request) {
	span := trace.SpanFromContext(r.Context())
	if !span.IsRecording() {
		return
	}

	ctx := r.Context()
	attrs := make([]attribute.KeyValue, 0, 4)
	attrs = append(attrs, rotel.SubgraphTransportAttribute)
	if subgraph := rcontext.Subgraph(ctx); subgraph != "" {
		attrs = append(attrs, rotel.WgSubgraphName.String(subgraph))
	}
	if kind := rcontext.RequestKind(ctx); kind != "" {
		attrs = append(attrs, rotel.WgRequestKind.String(kind))
	}
	if opType := rcontext.OperationType(ctx); opType != "" {
		attrs = append(attrs, rotel.WgOperationType.String(opType))
	}
	span.SetAttributes(attrs...)
}

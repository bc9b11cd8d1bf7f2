package httpclient

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"time"

	rcontext "github.com/wundergraph/cosmo/dispatch/internal/context"
	"github.com/wundergraph/cosmo/dispatch/pkg/metric"
	rotel "github.com/wundergraph/cosmo/dispatch/pkg/otel"
)

type ClientTraceContextKey struct{}

type GetConnection struct {
	Time     time.Time
	HostPort string
}

type AcquiredConnection struct {
	Time     time.Time
	Reused   bool
	WasIdle  bool
	IdleTime time.Duration
}

// ClientTrace collects the connection events of one round trip.
type ClientTrace struct {
	ConnectionGet      *GetConnection
	ConnectionAcquired *AcquiredConnection
}

// TraceInjectingRoundTripper measures how long subgraph requests wait for a connection.
type TraceInjectingRoundTripper struct {
	base  http.RoundTripper
	store metric.Store
}

func NewTraceInjectingRoundTripper(base http.RoundTripper, store metric.Store) *TraceInjectingRoundTripper {
	return &TraceInjectingRoundTripper{
		base:  base,
		store: store,
	}
}

func GetClientTraceFromContext(ctx context.Context) *ClientTrace {
	// Return an empty trace if the context was never initialized
	if trace, ok := ctx.Value(ClientTraceContextKey{}).(*ClientTrace); ok {
		return trace
	}
	return &ClientTrace{}
}

func InitTraceContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ClientTraceContextKey{}, &ClientTrace{})
}

func (t *TraceInjectingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := InitTraceContext(req.Context())

	req = req.WithContext(httptrace.WithClientTrace(ctx, getClientTrace(ctx)))
	resp, err := t.base.RoundTrip(req)

	CalculateConnectionMetrics(ctx, t.store)

	return resp, err
}

func getClientTrace(ctx context.Context) *httptrace.ClientTrace {
	eC := GetClientTraceFromContext(ctx)

	return &httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			eC.ConnectionGet = &GetConnection{
				Time:     time.Now(),
				HostPort: hostPort,
			}
		},
		GotConn: func(info httptrace.GotConnInfo) {
			eC.ConnectionAcquired = &AcquiredConnection{
				Time:     time.Now(),
				Reused:   info.Reused,
				WasIdle:  info.WasIdle,
				IdleTime: info.IdleTime,
			}
		},
	}
}

func CalculateConnectionMetrics(ctx context.Context, store metric.Store) {
	if store == nil {
		return
	}

	trace := GetClientTraceFromContext(ctx)
	if trace.ConnectionGet == nil || trace.ConnectionAcquired == nil {
		return
	}

	store.MeasureConnectionAcquireDuration(ctx,
		trace.ConnectionAcquired.Time.Sub(trace.ConnectionGet.Time),
		rotel.WgConnReused.Bool(trace.ConnectionAcquired.Reused),
		rotel.WgHost.String(trace.ConnectionGet.HostPort),
		rotel.WgSubgraphName.String(rcontext.Subgraph(ctx)),
	)
}

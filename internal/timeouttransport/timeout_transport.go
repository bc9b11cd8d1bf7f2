// Package timeouttransport bounds the duration of subgraph requests.
package timeouttransport

import (
	"context"
	"io"
	"net/http"
	"time"

	rcontext "github.com/wundergraph/cosmo/dispatch/internal/context"
)

type TimeoutTransport struct {
	roundTripper    http.RoundTripper
	defaultTimeout  time.Duration
	subgraphTimeout map[string]time.Duration
}

// New returns a transport that applies the timeout of the subgraph found in the
// request context, or defaultTimeout. A zero timeout leaves the request unbounded.
func New(roundTripper http.RoundTripper, defaultTimeout time.Duration, subgraphTimeout map[string]time.Duration) *TimeoutTransport {
	return &TimeoutTransport{
		roundTripper:    roundTripper,
		defaultTimeout:  defaultTimeout,
		subgraphTimeout: subgraphTimeout,
	}
}

func (tt *TimeoutTransport) timeout(subgraph string) time.Duration {
	if d, ok := tt.subgraphTimeout[subgraph]; ok {
		return d
	}
	return tt.defaultTimeout
}

func (tt *TimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	timeout := tt.timeout(rcontext.Subgraph(req.Context()))
	if timeout <= 0 {
		return tt.roundTripper.RoundTrip(req)
	}

	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	resp, err := tt.roundTripper.RoundTrip(req.WithContext(ctx))
	if err != nil || resp == nil || resp.Body == nil {
		cancel()
		return resp, err
	}

	// the deadline also covers reading the body
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

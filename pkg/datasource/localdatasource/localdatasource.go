// Package localdatasource dispatches to a subgraph served by an http.Handler
// in the same process, without a network round trip.
package localdatasource

import (
	"net/http"
	"net/http/httptest"

	"go.uber.org/zap"

	"github.com/wundergraph/cosmo/dispatch/pkg/datasource/httpdatasource"
)

// HandlerTransport is an http.RoundTripper that serves requests with an http.Handler.
type HandlerTransport struct {
	Handler http.Handler
}

func (t *HandlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	rec := httptest.NewRecorder()
	t.Handler.ServeHTTP(rec, req)

	// the handler may have observed cancellation and written a partial response
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

type Options struct {
	Name    string
	Handler http.Handler
	Logger  *zap.Logger

	PreHandlers  []httpdatasource.PreHandler
	PostHandlers []httpdatasource.PostHandler
	OnError      []httpdatasource.ErrorHandler
}

// New returns a data source that encodes and classifies exactly like the HTTP
// data source but serves every request with opts.Handler.
func New(opts Options) (*httpdatasource.DataSource, error) {
	return httpdatasource.New(httpdatasource.Options{
		Name:         opts.Name,
		URL:          "http://" + opts.Name + ".local/graphql",
		Client:       &http.Client{Transport: &HandlerTransport{Handler: opts.Handler}},
		Logger:       opts.Logger,
		PreHandlers:  opts.PreHandlers,
		PostHandlers: opts.PostHandlers,
		OnError:      opts.OnError,
	})
}

// Package httpdatasource implements datasource.DataSource for subgraphs served over GraphQL-over-HTTP.
package httpdatasource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	rcontext "github.com/wundergraph/cosmo/dispatch/internal/context"
	rerrors "github.com/wundergraph/cosmo/dispatch/internal/errors"
	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
)

const (
	DefaultMaxResponseBodyBytes = 5 << 20

	acceptHeader = "application/graphql-response+json, application/json"
)

var (
	ErrResponseTooLarge   = errors.New("subgraph response exceeds the maximum body size")
	ErrNonGraphQLResponse = errors.New("subgraph response is not a GraphQL response")
	ErrNilRequest         = errors.New("pre handler returned a nil request")
)

type (
	// PreHandler is called before the request is sent. It may return a
	// modified request. An error aborts the dispatch as a failure.
	PreHandler func(req *http.Request, opts datasource.ProcessOptions) (*http.Request, error)
	// PostHandler is called with every GraphQL response received. An error
	// turns the dispatch into a failure.
	PostHandler func(resp *http.Response, result *datasource.Response, opts datasource.ProcessOptions) error
	// ErrorHandler observes dispatch failures. It cannot change the outcome.
	ErrorHandler func(err error, opts datasource.ProcessOptions)
)

type Options struct {
	// Name is the subgraph name
	Name string
	// URL is the routing URL of the subgraph
	URL string
	// Client sends the request, http.DefaultClient if nil
	Client *http.Client
	Logger *zap.Logger
	// ForwardHeaders are copied from the client request of incoming operations
	ForwardHeaders []string
	// MaxResponseBodyBytes limits the subgraph response body, DefaultMaxResponseBodyBytes if zero
	MaxResponseBodyBytes int64

	PreHandlers  []PreHandler
	PostHandlers []PostHandler
	OnError      []ErrorHandler
}

// DataSource sends GraphQL requests to a single subgraph with HTTP POST.
// It holds no per-call state and is safe for concurrent use.
type DataSource struct {
	name           string
	url            string
	client         *http.Client
	logger         *zap.Logger
	forwardHeaders []string
	maxBodyBytes   int64
	preHandlers    []PreHandler
	postHandlers   []PostHandler
	onError        []ErrorHandler
}

var _ datasource.DataSource = (*DataSource)(nil)

func New(opts Options) (*DataSource, error) {
	if opts.Name == "" {
		return nil, errors.New("subgraph name is required")
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid routing url of subgraph %q: %w", opts.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid routing url of subgraph %q: unsupported scheme %q", opts.Name, u.Scheme)
	}

	ds := &DataSource{
		name:           opts.Name,
		url:            u.String(),
		client:         opts.Client,
		logger:         opts.Logger,
		forwardHeaders: opts.ForwardHeaders,
		maxBodyBytes:   opts.MaxResponseBodyBytes,
		preHandlers:    opts.PreHandlers,
		postHandlers:   opts.PostHandlers,
		onError:        opts.OnError,
	}

	if ds.client == nil {
		ds.client = http.DefaultClient
	}
	if ds.logger == nil {
		ds.logger = zap.NewNop()
	}
	if ds.maxBodyBytes <= 0 {
		ds.maxBodyBytes = DefaultMaxResponseBodyBytes
	}

	return ds, nil
}

func (d *DataSource) Name() string {
	return d.name
}

func (d *DataSource) URL() string {
	return d.url
}

// Process sends the request of opts to the subgraph.
func (d *DataSource) Process(ctx context.Context, opts datasource.ProcessOptions) (*datasource.Response, error) {
	if err := datasource.Validate(opts); err != nil {
		return nil, err
	}

	kind := opts.Kind()
	gqlRequest := opts.Request()

	body, err := json.Marshal(gqlRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", datasource.ErrInvalidRequest, err)
	}

	ctx = rcontext.WithSubgraph(ctx, d.name)
	ctx = rcontext.WithRequestKind(ctx, kind.String())
	ctx = rcontext.WithOperationTypeFunc(ctx, sync.OnceValue(func() string {
		return OperationType(gqlRequest)
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, d.fail(opts, 0, err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", acceptHeader)

	switch o := opts.(type) {
	case *datasource.IncomingOperation:
		d.forwardClientHeaders(req, o.IncomingRequestContext())
	case *datasource.HealthCheck, *datasource.LoadingSchema:
	default:
		panic(fmt.Sprintf("httpdatasource: unexpected process options %T", opts))
	}

	for name, values := range gqlRequest.Header {
		req.Header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}

	for _, preHandler := range d.preHandlers {
		req, err = preHandler(req, opts)
		if err != nil {
			return nil, d.fail(opts, 0, err)
		}
		if req == nil {
			return nil, d.fail(opts, 0, ErrNilRequest)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, d.fail(opts, 0, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBodyBytes+1))
	if err != nil {
		return nil, d.fail(opts, resp.StatusCode, err)
	}
	if int64(len(payload)) > d.maxBodyBytes {
		return nil, d.fail(opts, resp.StatusCode, ErrResponseTooLarge)
	}

	result, err := DecodeResponse(payload)
	if err != nil {
		if !isSuccessStatus(resp.StatusCode) {
			err = fmt.Errorf("unexpected status %s: %w", resp.Status, err)
		}
		return nil, d.fail(opts, resp.StatusCode, err)
	}
	result.StatusCode = resp.StatusCode

	for _, postHandler := range d.postHandlers {
		if err := postHandler(resp, result, opts); err != nil {
			return nil, d.fail(opts, resp.StatusCode, err)
		}
	}

	return result, nil
}

func (d *DataSource) forwardClientHeaders(req *http.Request, rc *datasource.RequestContext) {
	if rc == nil || rc.Request == nil || len(d.forwardHeaders) == 0 {
		return
	}
	for _, name := range d.forwardHeaders {
		if values := rc.Request.Header.Values(name); len(values) > 0 {
			req.Header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
}

func (d *DataSource) fail(opts datasource.ProcessOptions, statusCode int, err error) error {
	dispatchErr := &datasource.DispatchError{
		Subgraph:   d.name,
		Kind:       opts.Kind(),
		StatusCode: statusCode,
		Err:        err,
	}

	reason := "error"
	switch {
	case errors.Is(err, context.Canceled):
		reason = "canceled"
	case rerrors.IsTimeout(err):
		reason = "timeout"
	case rerrors.IsBrokenPipe(err):
		reason = "connection closed"
	case rerrors.IsConnectionError(err):
		reason = "connection"
	}

	// failures are reported to the caller, this is transport detail only
	d.logger.Debug("Subgraph request failed",
		zap.String("subgraph_name", d.name),
		zap.Stringer("request_kind", opts.Kind()),
		zap.String("reason", reason),
		zap.Int("status_code", statusCode),
		zap.Error(err),
	)

	for _, onError := range d.onError {
		onError(dispatchErr, opts)
	}

	return dispatchErr
}

func isSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}

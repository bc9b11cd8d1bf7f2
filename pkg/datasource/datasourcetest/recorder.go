// Package datasourcetest provides test doubles for code that dispatches to subgraphs.
package datasourcetest

import (
	"context"
	"sync"

	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
)

// Call is what a Recorder remembers of a dispatch. Envelopes themselves are
// not retained past the call.
type Call struct {
	Kind          datasource.RequestKind
	Query         string
	OperationName string
	Variables     string
	// RequestContextID is set for incoming operations
	RequestContextID string
}

// Recorder is an in-memory DataSource that records every dispatch and
// answers through Respond. It is safe for concurrent use.
type Recorder struct {
	// Respond produces the answer, an empty response with null data if nil
	Respond func(ctx context.Context, opts datasource.ProcessOptions) (*datasource.Response, error)

	mu    sync.Mutex
	calls []Call
}

var _ datasource.DataSource = (*Recorder)(nil)

func (r *Recorder) Process(ctx context.Context, opts datasource.ProcessOptions) (*datasource.Response, error) {
	if err := datasource.Validate(opts); err != nil {
		return nil, err
	}

	call := Call{
		Kind:          opts.Kind(),
		Query:         opts.Request().Query,
		OperationName: opts.Request().OperationName,
		Variables:     string(opts.Request().Variables),
	}
	if op, ok := opts.(*datasource.IncomingOperation); ok {
		call.RequestContextID = op.IncomingRequestContext().ID
	}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &datasource.DispatchError{Subgraph: "recorder", Kind: opts.Kind(), Err: err}
	}

	if r.Respond == nil {
		return &datasource.Response{Data: []byte("null")}, nil
	}
	return r.Respond(ctx, opts)
}

// Calls returns a copy of the recorded dispatches in arrival order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsOf returns the recorded dispatches of the given kind.
func (r *Recorder) CallsOf(kind datasource.RequestKind) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

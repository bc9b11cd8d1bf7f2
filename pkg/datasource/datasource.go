package datasource

import (
	"context"
)

// DataSource sends a request to one subgraph and returns its GraphQL response.
//
// Implementations must be safe for concurrent use; a single instance serves
// every dispatch to its subgraph. Process returns a *Response whenever the
// subgraph answered with a GraphQL response, including one that only carries
// errors. It returns an error only if no such response could be obtained
// (see DispatchError) or if the envelope is invalid (see InvalidStateError).
// Cancellation of ctx abandons the call and is reported as a dispatch failure.
type DataSource interface {
	Process(ctx context.Context, opts ProcessOptions) (*Response, error)
}

// Func adapts a function to the DataSource interface.
type Func func(ctx context.Context, opts ProcessOptions) (*Response, error)

func (f Func) Process(ctx context.Context, opts ProcessOptions) (*Response, error) {
	return f(ctx, opts)
}

package datasource

import (
	"fmt"
)

// ProcessOptions is the envelope of a single dispatch. The set of
// implementations is closed: *IncomingOperation, *HealthCheck and
// *LoadingSchema. An envelope is built right before a Process call and must
// not be retained by the DataSource once the call returns.
type ProcessOptions interface {
	// Kind is the provenance of the dispatch.
	Kind() RequestKind
	// Request is the GraphQL request to send to the subgraph.
	Request() *Request
	// Context is the application context of the client operation for
	// *IncomingOperation and an empty placeholder for every other kind.
	//
	// Deprecated: check Kind and read IncomingRequestContext().Context instead.
	Context() *AppContext

	sealed()
}

var (
	_ ProcessOptions = (*IncomingOperation)(nil)
	_ ProcessOptions = (*HealthCheck)(nil)
	_ ProcessOptions = (*LoadingSchema)(nil)
)

// IncomingOperation is dispatched on behalf of a client operation.
type IncomingOperation struct {
	request  *Request
	incoming *RequestContext
}

// NewIncomingOperation creates the envelope for a subgraph fetch of the
// client operation described by rc.
func NewIncomingOperation(req *Request, rc *RequestContext) (*IncomingOperation, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if rc == nil {
		return nil, &InvalidStateError{Kind: RequestKindIncomingOperation, Reason: "incoming request context is missing"}
	}
	if rc.Context == nil {
		return nil, &InvalidStateError{Kind: RequestKindIncomingOperation, Reason: "incoming request context has no application context"}
	}
	if rc.Context.IsPlaceholder() {
		return nil, &InvalidStateError{Kind: RequestKindIncomingOperation, Reason: "incoming request context holds the placeholder of a gateway-internal request"}
	}
	return &IncomingOperation{request: req, incoming: rc}, nil
}

func (o *IncomingOperation) Kind() RequestKind {
	return RequestKindIncomingOperation
}

func (o *IncomingOperation) Request() *Request {
	return o.request
}

// IncomingRequestContext returns the context of the client operation.
func (o *IncomingOperation) IncomingRequestContext() *RequestContext {
	return o.incoming
}

// Context is always read through the incoming request context so both can never disagree.
//
// Deprecated: use IncomingRequestContext().Context.
func (o *IncomingOperation) Context() *AppContext {
	if o.incoming == nil {
		return nil
	}
	return o.incoming.Context
}

func (*IncomingOperation) sealed() {}

// internalRequest is the shared shape of dispatches issued by the gateway itself.
type internalRequest struct {
	request     *Request
	placeholder *AppContext
}

func newInternalRequest(kind RequestKind, req *Request) (internalRequest, error) {
	if err := req.Validate(); err != nil {
		return internalRequest{}, fmt.Errorf("%w: %s: %w", ErrInvalidRequest, kind, err)
	}
	return internalRequest{request: req, placeholder: newPlaceholderContext()}, nil
}

func (r *internalRequest) Request() *Request {
	return r.request
}

// Context returns an empty placeholder kept for older data sources.
// Envelopes not built by a constructor get a fresh placeholder on every call.
//
// Deprecated: gateway-internal dispatches have no application context.
func (r *internalRequest) Context() *AppContext {
	if r.placeholder == nil {
		return newPlaceholderContext()
	}
	return r.placeholder
}

// HealthCheck is dispatched by the gateway to probe a subgraph.
type HealthCheck struct {
	internalRequest
}

func NewHealthCheck(req *Request) (*HealthCheck, error) {
	r, err := newInternalRequest(RequestKindHealthCheck, req)
	if err != nil {
		return nil, err
	}
	return &HealthCheck{internalRequest: r}, nil
}

func (*HealthCheck) Kind() RequestKind {
	return RequestKindHealthCheck
}

func (*HealthCheck) sealed() {}

// LoadingSchema is dispatched by the gateway to fetch a subgraph schema.
type LoadingSchema struct {
	internalRequest
}

func NewLoadingSchema(req *Request) (*LoadingSchema, error) {
	r, err := newInternalRequest(RequestKindLoadingSchema, req)
	if err != nil {
		return nil, err
	}
	return &LoadingSchema{internalRequest: r}, nil
}

func (*LoadingSchema) Kind() RequestKind {
	return RequestKindLoadingSchema
}

func (*LoadingSchema) sealed() {}

// New builds the envelope for kind. rc is required for
// RequestKindIncomingOperation and must be nil for every other kind.
func New(kind RequestKind, req *Request, rc *RequestContext) (ProcessOptions, error) {
	switch kind {
	case RequestKindIncomingOperation:
		return NewIncomingOperation(req, rc)
	case RequestKindHealthCheck, RequestKindLoadingSchema:
		if rc != nil {
			return nil, &InvalidStateError{Kind: kind, Reason: "gateway-internal requests have no incoming request context"}
		}
		if kind == RequestKindHealthCheck {
			return NewHealthCheck(req)
		}
		return NewLoadingSchema(req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequestKind, kind)
	}
}

// IncomingRequestContext returns the client operation context of opts. Any
// kind other than RequestKindIncomingOperation is a programming error and
// yields an *InvalidStateError.
func IncomingRequestContext(opts ProcessOptions) (*RequestContext, error) {
	switch o := opts.(type) {
	case *IncomingOperation:
		if o.incoming == nil {
			return nil, &InvalidStateError{Kind: RequestKindIncomingOperation, Reason: "incoming request context is missing"}
		}
		return o.incoming, nil
	case *HealthCheck, *LoadingSchema:
		return nil, &InvalidStateError{Kind: o.Kind(), Reason: "incoming request context is only available for " + RequestKindIncomingOperation.String()}
	case nil:
		return nil, &InvalidStateError{Reason: "process options are nil"}
	default:
		return nil, &InvalidStateError{Reason: fmt.Sprintf("unsupported process options %T", opts)}
	}
}

// MustIncomingRequestContext is like IncomingRequestContext but panics on misuse.
func MustIncomingRequestContext(opts ProcessOptions) *RequestContext {
	rc, err := IncomingRequestContext(opts)
	if err != nil {
		panic(err)
	}
	return rc
}

// Validate checks a received envelope before it is dispatched. Data sources
// call it first so contract misuse fails before any I/O happens.
func Validate(opts ProcessOptions) error {
	switch o := opts.(type) {
	case *IncomingOperation:
		if o == nil {
			return &InvalidStateError{Kind: RequestKindIncomingOperation, Reason: "process options are nil"}
		}
		if err := o.request.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if o.incoming == nil || o.incoming.Context == nil {
			return &InvalidStateError{Kind: RequestKindIncomingOperation, Reason: "incoming request context is missing"}
		}
		if o.incoming.Context.IsPlaceholder() {
			return &InvalidStateError{Kind: RequestKindIncomingOperation, Reason: "incoming request context holds the placeholder of a gateway-internal request"}
		}
		return nil
	case *HealthCheck:
		if o == nil {
			return &InvalidStateError{Kind: RequestKindHealthCheck, Reason: "process options are nil"}
		}
		return validateInternal(RequestKindHealthCheck, &o.internalRequest)
	case *LoadingSchema:
		if o == nil {
			return &InvalidStateError{Kind: RequestKindLoadingSchema, Reason: "process options are nil"}
		}
		return validateInternal(RequestKindLoadingSchema, &o.internalRequest)
	case nil:
		return &InvalidStateError{Reason: "process options are nil"}
	default:
		return &InvalidStateError{Reason: fmt.Sprintf("unsupported process options %T", opts)}
	}
}

func validateInternal(kind RequestKind, r *internalRequest) error {
	if err := r.request.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRequest, kind, err)
	}
	return nil
}

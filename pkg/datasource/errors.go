package datasource

import (
	"errors"
	"fmt"
)

var (
	ErrNilRequest         = errors.New("request is nil")
	ErrEmptyQuery         = errors.New("request query is empty")
	ErrInvalidVariables   = errors.New("request variables must be a JSON object")
	ErrInvalidExtensions  = errors.New("request extensions must be a JSON object")
	ErrInvalidRequest     = errors.New("invalid subgraph request")
	ErrUnknownRequestKind = errors.New("unknown request kind")
	ErrPlaceholderContext = errors.New("the context of a gateway-internal request is a read-only placeholder")

	// ErrInvalidState matches every *InvalidStateError.
	ErrInvalidState = errors.New("invalid state")
	// ErrDispatchFailed matches every *DispatchError.
	ErrDispatchFailed = errors.New("subgraph dispatch failed")

	ErrDataSourcePanic = errors.New("data source panicked")
)

// InvalidStateError signals contract misuse, e.g. reading the incoming
// request context of a health check. It is a programming error and is never
// retried.
type InvalidStateError struct {
	Kind   RequestKind
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Kind.IsValid() {
		return fmt.Sprintf("invalid state for %s request: %s", e.Kind, e.Reason)
	}
	return "invalid state: " + e.Reason
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// DispatchError is returned when no GraphQL response could be obtained from a
// subgraph: the subgraph was unreachable, timed out, the call was canceled or
// the subgraph answered with something that is not a GraphQL response.
type DispatchError struct {
	Subgraph string
	Kind     RequestKind
	// StatusCode is the transport status if a response was received.
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("%s request to subgraph %q failed", e.Kind, e.Subgraph)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func (e *DispatchError) Is(target error) bool {
	return target == ErrDispatchFailed
}

// IsDispatchFailure reports whether err means the subgraph produced no GraphQL response.
func IsDispatchFailure(err error) bool {
	return errors.Is(err, ErrDispatchFailed)
}

package datasource

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

// Request is the GraphQL request sent to a subgraph.
type Request struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	Extensions    json.RawMessage `json:"extensions,omitempty"`

	// Header holds additional transport headers for this dispatch only.
	Header http.Header `json:"-"`
}

// Validate reports whether the request can be sent to a subgraph.
func (r *Request) Validate() error {
	if r == nil {
		return ErrNilRequest
	}
	if strings.TrimSpace(r.Query) == "" {
		return ErrEmptyQuery
	}
	if !isObjectOrNull(r.Variables) {
		return ErrInvalidVariables
	}
	if !isObjectOrNull(r.Extensions) {
		return ErrInvalidExtensions
	}
	return nil
}

func isObjectOrNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	return trimmed[0] == '{' && json.Valid(trimmed)
}

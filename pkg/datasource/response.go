package datasource

import (
	"encoding/json"
)

// Response is a GraphQL response as returned by a subgraph.
//
// A Response with Errors is still a successful dispatch: the subgraph answered
// and the errors are part of the answer.
type Response struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Errors     []GraphQLError  `json:"errors,omitempty"`
	Extensions json.RawMessage `json:"extensions,omitempty"`

	// StatusCode is the transport status the response arrived with, 0 if the
	// implementation has no such notion.
	StatusCode int `json:"-"`
}

type GraphQLError struct {
	Message    string          `json:"message"`
	Locations  []Location      `json:"locations,omitempty"`
	Path       []any           `json:"path,omitempty"`
	Extensions json.RawMessage `json:"extensions,omitempty"`
}

type Location struct {
	Line   uint32 `json:"line"`
	Column uint32 `json:"column"`
}

func (r *Response) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

package httpdatasource

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
)

// DecodeResponse parses a subgraph payload. The payload is a GraphQL response
// if it is a JSON object with a "data" or an "errors" member; anything else is
// reported as ErrNonGraphQLResponse.
func DecodeResponse(payload []byte) (*datasource.Response, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrNonGraphQLResponse)
	}

	parsed := gjson.ParseBytes(payload)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrNonGraphQLResponse)
	}

	data := parsed.Get("data")
	errs := parsed.Get("errors")
	if !data.Exists() && !errs.Exists() {
		return nil, fmt.Errorf("%w: neither data nor errors present", ErrNonGraphQLResponse)
	}
	if errs.Exists() && !errs.IsArray() && errs.Type != gjson.Null {
		return nil, fmt.Errorf("%w: errors must be a list", ErrNonGraphQLResponse)
	}

	var out datasource.Response
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNonGraphQLResponse, err)
	}
	return &out, nil
}

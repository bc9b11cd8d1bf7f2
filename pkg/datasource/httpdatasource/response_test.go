package httpdatasource

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		payload    string
		wantErr    bool
		wantErrors int
	}{
		{name: "data only", payload: `{"data":{"hello":"world"}}`},
		{name: "null data", payload: `{"data":null}`},
		{name: "errors only", payload: `{"errors":[{"message":"boom"}]}`, wantErrors: 1},
		{name: "data and errors", payload: `{"data":{"a":null},"errors":[{"message":"a","path":["a"]},{"message":"b"}]}`, wantErrors: 2},
		{name: "not json", payload: `Internal Server Error`, wantErr: true},
		{name: "json array", payload: `[{"data":{}}]`, wantErr: true},
		{name: "object without data or errors", payload: `{"message":"hello"}`, wantErr: true},
		{name: "errors is not a list", payload: `{"errors":"boom"}`, wantErr: true},
		{name: "empty body", payload: ``, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, err := DecodeResponse([]byte(tt.payload))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNonGraphQLResponse)
				require.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			require.Len(t, resp.Errors, tt.wantErrors)
		})
	}
}

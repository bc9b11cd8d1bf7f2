package localdatasource

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
	"github.com/wundergraph/cosmo/dispatch/pkg/datasource/datasourcetest"
)

func TestLocalDataSource(t *testing.T) {
	t.Parallel()

	handler := datasourcetest.SubgraphHandler(func(r *http.Request, req *datasource.Request) (int, []byte) {
		switch req.Query {
		case "{ hello }":
			return http.StatusOK, []byte(`{"data":{"hello":"world"}}`)
		case "{ fail }":
			return http.StatusOK, []byte(`{"errors":[{"message":"boom"}]}`)
		default:
			return http.StatusInternalServerError, []byte(`oops`)
		}
	})

	ds, err := New(Options{Name: "local", Handler: handler})
	require.NoError(t, err)

	hc := func(query string) datasource.ProcessOptions {
		opts, err := datasource.NewHealthCheck(&datasource.Request{Query: query})
		require.NoError(t, err)
		return opts
	}

	t.Run("data", func(t *testing.T) {
		t.Parallel()

		resp, err := ds.Process(context.Background(), hc("{ hello }"))
		require.NoError(t, err)
		require.JSONEq(t, `{"hello":"world"}`, string(resp.Data))
	})

	t.Run("in-band errors", func(t *testing.T) {
		t.Parallel()

		resp, err := ds.Process(context.Background(), hc("{ fail }"))
		require.NoError(t, err)
		require.Equal(t, "boom", resp.Errors[0].Message)
	})

	t.Run("non GraphQL answer", func(t *testing.T) {
		t.Parallel()

		_, err := ds.Process(context.Background(), hc("{ other }"))
		require.True(t, datasource.IsDispatchFailure(err))
	})

	t.Run("canceled context", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := ds.Process(ctx, hc("{ hello }"))
		require.ErrorIs(t, err, context.Canceled)
		require.True(t, datasource.IsDispatchFailure(err))
	})
}

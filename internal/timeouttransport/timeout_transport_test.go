package timeouttransport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rcontext "github.com/wundergraph/cosmo/dispatch/internal/context"
)

func newRequest(t *testing.T, url, subgraph string) *http.Request {
	t.Helper()

	req, err := http.NewRequestWithContext(rcontext.WithSubgraph(context.Background(), subgraph), http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestTimeoutTransport(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte("late"))
	}))
	t.Cleanup(slow.Close)

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(fast.Close)

	tt := New(http.DefaultTransport, time.Minute, map[string]time.Duration{
		"slow": 20 * time.Millisecond,
		"none": 0,
	})

	t.Run("subgraph timeout applies", func(t *testing.T) {
		t.Parallel()

		_, err := tt.RoundTrip(newRequest(t, slow.URL, "slow"))
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("body stays readable after the round trip", func(t *testing.T) {
		t.Parallel()

		resp, err := tt.RoundTrip(newRequest(t, fast.URL, "employees"))
		require.NoError(t, err)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, "ok", string(body))
	})

	t.Run("zero timeout disables the bound", func(t *testing.T) {
		t.Parallel()

		resp, err := tt.RoundTrip(newRequest(t, fast.URL, "none"))
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, time.Duration(0), tt.timeout("none"))
		require.Equal(t, time.Minute, tt.timeout("other"))
	})
}

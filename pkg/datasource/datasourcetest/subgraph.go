package datasourcetest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
)

// ResolverFunc answers a decoded subgraph request with a status code and a raw body.
type ResolverFunc func(r *http.Request, req *datasource.Request) (int, []byte)

// SubgraphHandler serves GraphQL-over-HTTP POST requests with resolve.
func SubgraphHandler(resolve ResolverFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req datasource.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":[{"message":"invalid request body"}]}`))
			return
		}

		status, body := resolve(r, &req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	})
}

// NewSubgraphServer starts a subgraph that is closed when the test ends.
func NewSubgraphServer(t testing.TB, resolve ResolverFunc) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(SubgraphHandler(resolve))
	t.Cleanup(srv.Close)
	return srv
}

// StaticResponse answers every request with body and status 200.
func StaticResponse(body string) ResolverFunc {
	return func(*http.Request, *datasource.Request) (int, []byte) {
		return http.StatusOK, []byte(body)
	}
}

// UnreachableURL returns the URL of a port nothing listens on.
func UnreachableURL(t testing.TB) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		t.Fatalf("failed to release port: %v", err)
	}
	return "http://" + addr + "/graphql"
}

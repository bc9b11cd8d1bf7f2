package circuit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cep21/circuit/v4"
	"go.uber.org/zap"

	rcontext "github.com/wundergraph/cosmo/dispatch/internal/context"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// errServerError marks 5xx responses as failures without turning them into transport errors.
var errServerError = errors.New("subgraph responded with a server error")

type Breaker struct {
	roundTripper   http.RoundTripper
	loggerFunc     func(req *http.Request) *zap.Logger
	circuitBreaker *Manager
}

// NewCircuitTripper wraps roundTripper with the circuit of the subgraph stored in the request context.
func NewCircuitTripper(roundTripper http.RoundTripper, breaker *Manager, logger func(req *http.Request) *zap.Logger) *Breaker {
	if logger == nil {
		logger = func(*http.Request) *zap.Logger { return zap.NewNop() }
	}
	return &Breaker{
		circuitBreaker: breaker,
		loggerFunc:     logger,
		roundTripper:   roundTripper,
	}
}

func (rt *Breaker) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	subgraph := rcontext.Subgraph(req.Context())

	cb := rt.circuitBreaker.GetCircuitBreaker(subgraph)
	if cb == nil {
		return rt.roundTripper.RoundTrip(req)
	}

	preRunStatus := cb.IsOpen()

	err = cb.Run(req.Context(), func(_ context.Context) error {
		var rtErr error
		resp, rtErr = rt.roundTripper.RoundTrip(req)
		if rtErr != nil {
			return rtErr
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errServerError
		}
		return nil
	})

	postRunStatus := cb.IsOpen()

	logger := rt.loggerFunc(req)
	if preRunStatus != postRunStatus {
		logger.Debug("Circuit breaker status changed", zap.String("subgraph_name", subgraph), zap.Bool("is_open", postRunStatus))
	}

	if err == nil || errors.Is(err, errServerError) {
		return resp, nil
	}

	var cErr circuit.Error
	if errors.As(err, &cErr) && cErr.CircuitOpen() {
		logger.Debug("Circuit breaker open, request callback did not execute", zap.String("subgraph_name", subgraph))
		return nil, fmt.Errorf("%w for subgraph %q", ErrCircuitOpen, subgraph)
	}

	return resp, err
}

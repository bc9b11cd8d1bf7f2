// Package health serves the liveness and readiness endpoints of the gateway
// and derives readiness from periodic subgraph health checks.
package health

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Checker is the readiness state probed by the orchestrator.
type Checker interface {
	Liveness() http.HandlerFunc
	// Readiness answers 503 with the reason until the gateway can serve operations.
	Readiness() http.HandlerFunc
	SetReady(isReady bool)
}

var _ Checker = (*Checks)(nil)

const notStartedReason = "subgraphs have not been checked yet"

type Options struct {
	Logger *zap.Logger
}

type Checks struct {
	logger *zap.Logger

	mu     sync.RWMutex
	ready  bool
	reason string
}

func New(opts *Options) *Checks {
	logger := zap.NewNop()
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	}
	return &Checks{
		logger: logger,
		reason: notStartedReason,
	}
}

func (c *Checks) Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "OK")
	}
}

func (c *Checks) Readiness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		c.mu.RLock()
		ready, reason := c.ready, c.reason
		c.mu.RUnlock()

		if !ready {
			writeText(w, http.StatusServiceUnavailable, reason)
			return
		}
		writeText(w, http.StatusOK, "OK")
	}
}

// SetReady marks the gateway ready, or not ready without a specific reason.
func (c *Checks) SetReady(isReady bool) {
	if isReady {
		c.update(true, "")
		return
	}
	c.update(false, "not ready")
}

// Update derives readiness from the outcome of a health check round.
func (c *Checks) Update(err error) {
	if err == nil {
		c.update(true, "")
		return
	}
	c.update(false, err.Error())
}

func (c *Checks) update(ready bool, reason string) {
	c.mu.Lock()
	changed := c.ready != ready
	c.ready, c.reason = ready, reason
	c.mu.Unlock()

	if changed {
		c.logger.Info("Readiness changed", zap.Bool("ready", ready), zap.String("reason", reason))
	}
}

func (c *Checks) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

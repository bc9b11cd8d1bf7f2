package retrytransport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	rcontext "github.com/wundergraph/cosmo/dispatch/internal/context"
	rerrors "github.com/wundergraph/cosmo/dispatch/internal/errors"
	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
)

type (
	ShouldRetryFunc     func(err error, req *http.Request, resp *http.Response) bool
	OnRetryFunc         func(count int, req *http.Request, resp *http.Response, sleepDuration time.Duration, err error)
	requestLoggerGetter func(req *http.Request) *zap.Logger
)

const (
	BackoffJitter = "backoff_jitter"
)

var retryableStatusCodes = map[int]struct{}{
	http.StatusTooManyRequests:    {},
	http.StatusBadGateway:         {},
	http.StatusServiceUnavailable: {},
	http.StatusGatewayTimeout:     {},
}

type RetryOptions struct {
	Enabled       bool
	Algorithm     string
	MaxRetryCount int
	Interval      time.Duration
	MaxDuration   time.Duration
}

func (o RetryOptions) validate() error {
	if o.Algorithm != BackoffJitter {
		return fmt.Errorf("unsupported retry algorithm: %s", o.Algorithm)
	}
	if o.MaxRetryCount < 0 {
		return fmt.Errorf("max retry count must not be negative, got %d", o.MaxRetryCount)
	}
	if o.Interval <= 0 || o.MaxDuration < o.Interval {
		return fmt.Errorf("invalid backoff: interval %s, max duration %s", o.Interval, o.MaxDuration)
	}
	return nil
}

// Manager holds the retry options of every subgraph.
type Manager struct {
	retries   map[string]*RetryOptions
	lock      sync.RWMutex
	retryFunc ShouldRetryFunc
	OnRetry   OnRetryFunc
}

// NewManager creates a manager. DefaultShouldRetry is used when retryFunc is nil.
func NewManager(retryFunc ShouldRetryFunc, onRetryFunc OnRetryFunc) *Manager {
	if retryFunc == nil {
		retryFunc = DefaultShouldRetry
	}
	return &Manager{
		retries:   make(map[string]*RetryOptions),
		retryFunc: retryFunc,
		OnRetry:   onRetryFunc,
	}
}

// Initialize assigns baseRetryOptions to every subgraph without an entry in
// subgraphRetryOptions. A subgraph entry with Enabled false disables retries for it.
func (m *Manager) Initialize(
	baseRetryOptions RetryOptions,
	subgraphRetryOptions map[string]RetryOptions,
	subgraphs []string,
) error {
	var joinErr error

	m.lock.Lock()
	defer m.lock.Unlock()

	for _, sgName := range subgraphs {
		entry, ok := subgraphRetryOptions[sgName]
		if !ok {
			if !baseRetryOptions.Enabled {
				continue
			}
			if err := baseRetryOptions.validate(); err != nil {
				joinErr = errors.Join(joinErr, fmt.Errorf("subgraph %s: %w", sgName, err))
				continue
			}
			base := baseRetryOptions
			m.retries[sgName] = &base
			continue
		}

		if !entry.Enabled {
			continue
		}
		if err := entry.validate(); err != nil {
			joinErr = errors.Join(joinErr, fmt.Errorf("subgraph %s: %w", sgName, err))
			continue
		}
		m.retries[sgName] = &entry
	}

	return joinErr
}

func (m *Manager) GetSubgraphOptions(name string) *RetryOptions {
	if m == nil {
		return nil
	}

	m.lock.RLock()
	defer m.lock.RUnlock()

	if opts, ok := m.retries[name]; ok {
		return opts
	}
	return nil
}

func (m *Manager) IsEnabled() bool {
	if m == nil {
		return false
	}

	m.lock.RLock()
	defer m.lock.RUnlock()

	return len(m.retries) > 0
}

func (m *Manager) Retry(err error, req *http.Request, resp *http.Response) bool {
	return m.retryFunc(err, req, resp)
}

// DefaultShouldRetry retries connection failures and overloaded subgraphs,
// but only for incoming operations that are known to be queries.
// Mutations, subscriptions and operations whose type cannot be determined are
// sent once. Health checks and schema loading report the first failure.
func DefaultShouldRetry(err error, req *http.Request, resp *http.Response) bool {
	ctx := req.Context()
	if ctx.Err() != nil {
		return false
	}
	if rcontext.RequestKind(ctx) != datasource.RequestKindIncomingOperation.String() {
		return false
	}
	if !IsRetryableError(err, resp) {
		return false
	}
	// Resolved last, the operation type may require parsing the subgraph request.
	return strings.EqualFold(rcontext.OperationType(ctx), "query")
}

// IsRetryableError reports whether the outcome of a single round trip is worth repeating.
func IsRetryableError(err error, resp *http.Response) bool {
	if err != nil {
		if rerrors.IsConnectionError(err) || rerrors.IsTimeout(err) {
			return true
		}
		return strings.Contains(strings.ToLower(err.Error()), "unexpected eof")
	}
	if resp == nil {
		return false
	}
	_, ok := retryableStatusCodes[resp.StatusCode]
	return ok
}

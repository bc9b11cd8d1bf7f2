package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/wundergraph/cosmo/dispatch/internal/jitterticker"
)

// Prober runs a single health check against a subgraph.
type Prober interface {
	CheckHealth(ctx context.Context, subgraph string) error
}

type SubgraphStatus struct {
	Name      string        `json:"name"`
	Healthy   bool          `json:"healthy"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	CheckedAt time.Time     `json:"checked_at"`
}

type SubgraphCheckerOptions struct {
	Logger    *zap.Logger
	Prober    Prober
	Subgraphs []string
	// Interval between two rounds, Jitter is added randomly to each interval
	Interval time.Duration
	Jitter   time.Duration
	// Timeout bounds a single check
	Timeout time.Duration
	// Checks is set ready after a round in which every subgraph was healthy
	Checks *Checks
}

// SubgraphChecker periodically checks the health of every subgraph.
type SubgraphChecker struct {
	logger    *zap.Logger
	prober    Prober
	subgraphs []string
	interval  time.Duration
	jitter    time.Duration
	timeout   time.Duration
	checks    *Checks

	mu       sync.RWMutex
	statuses map[string]SubgraphStatus
}

func NewSubgraphChecker(opts SubgraphCheckerOptions) (*SubgraphChecker, error) {
	if opts.Prober == nil {
		return nil, errors.New("health prober is required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("health check interval must be positive, got %s", opts.Interval)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	subgraphs := append([]string(nil), opts.Subgraphs...)
	sort.Strings(subgraphs)

	return &SubgraphChecker{
		logger:    opts.Logger,
		prober:    opts.Prober,
		subgraphs: subgraphs,
		interval:  opts.Interval,
		jitter:    opts.Jitter,
		timeout:   opts.Timeout,
		checks:    opts.Checks,
		statuses:  make(map[string]SubgraphStatus, len(subgraphs)),
	}, nil
}

// CheckAll checks all subgraphs concurrently and returns the combined failures.
func (c *SubgraphChecker) CheckAll(ctx context.Context) error {
	var g multierror.Group

	for _, name := range c.subgraphs {
		name := name
		g.Go(func() error {
			return c.check(ctx, name)
		})
	}

	err := g.Wait().ErrorOrNil()

	if c.checks != nil {
		c.checks.Update(err)
	}

	return err
}

func (c *SubgraphChecker) check(ctx context.Context, name string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	err := c.prober.CheckHealth(ctx, name)

	status := SubgraphStatus{
		Name:      name,
		Healthy:   err == nil,
		Latency:   time.Since(start),
		CheckedAt: start,
	}
	if err != nil {
		status.Error = err.Error()
	}

	c.mu.Lock()
	previous, seen := c.statuses[name]
	c.statuses[name] = status
	c.mu.Unlock()

	if !seen || previous.Healthy != status.Healthy {
		if status.Healthy {
			c.logger.Info("Subgraph is healthy", zap.String("subgraph_name", name))
		} else {
			c.logger.Warn("Subgraph is unhealthy", zap.String("subgraph_name", name), zap.Error(err))
		}
	}

	if err != nil {
		return fmt.Errorf("subgraph %s: %w", name, err)
	}
	return nil
}

// Start checks all subgraphs immediately and then on every tick until ctx is done.
func (c *SubgraphChecker) Start(ctx context.Context) {
	_ = c.CheckAll(ctx)

	ticker := jitterticker.NewTicker(c.interval, c.jitter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.CheckAll(ctx)
		}
	}
}

// Statuses returns the latest status of every checked subgraph, ordered by name.
func (c *SubgraphChecker) Statuses() []SubgraphStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statuses := make([]SubgraphStatus, 0, len(c.statuses))
	for _, name := range c.subgraphs {
		if s, ok := c.statuses[name]; ok {
			statuses = append(statuses, s)
		}
	}
	return statuses
}

// Handler serves the latest statuses as JSON. It answers 503 while any subgraph is unhealthy or unchecked.
func (c *SubgraphChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := c.Statuses()

		healthy := len(statuses) == len(c.subgraphs)
		for _, s := range statuses {
			healthy = healthy && s.Healthy
		}

		body, err := json.Marshal(struct {
			Healthy   bool             `json:"healthy"`
			Subgraphs []SubgraphStatus `json:"subgraphs"`
		}{
			Healthy:   healthy,
			Subgraphs: statuses,
		})
		if err != nil {
			c.logger.Error("Failed to encode subgraph health", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	}
}

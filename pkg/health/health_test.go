package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type proberFunc func(ctx context.Context, subgraph string) error

func (f proberFunc) CheckHealth(ctx context.Context, subgraph string) error {
	return f(ctx, subgraph)
}

// toggleProber reports the subgraphs in down as unhealthy.
type toggleProber struct {
	mu    sync.Mutex
	down  map[string]bool
	calls atomic.Int32
}

func (p *toggleProber) CheckHealth(_ context.Context, subgraph string) error {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[subgraph] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *toggleProber) set(subgraph string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[subgraph] = down
}

func TestChecks(t *testing.T) {
	t.Parallel()

	checks := New(nil)

	rec := httptest.NewRecorder()
	checks.Liveness()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
	require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	checks.Readiness()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, notStartedReason, rec.Body.String())

	checks.Update(errors.New("subgraph employees: connection refused"))
	rec = httptest.NewRecorder()
	checks.Readiness()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	checks.SetReady(true)
	require.True(t, checks.IsReady())

	rec = httptest.NewRecorder()
	checks.Readiness()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubgraphCheckerCheckAll(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	prober := &toggleProber{down: map[string]bool{"family": true}}
	checks := New(&Options{Logger: zap.New(core)})

	checker, err := NewSubgraphChecker(SubgraphCheckerOptions{
		Logger:    zap.New(core),
		Prober:    prober,
		Subgraphs: []string{"family", "employees"},
		Interval:  time.Second,
		Checks:    checks,
	})
	require.NoError(t, err)

	err = checker.CheckAll(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "subgraph family: connection refused")

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 1)
	require.False(t, checks.IsReady())

	statuses := checker.Statuses()
	require.Len(t, statuses, 2)
	require.Equal(t, "employees", statuses[0].Name)
	require.True(t, statuses[0].Healthy)
	require.Equal(t, "family", statuses[1].Name)
	require.False(t, statuses[1].Healthy)
	require.Equal(t, "connection refused", statuses[1].Error)

	require.Equal(t, 1, logs.FilterMessage("Subgraph is unhealthy").Len())

	prober.set("family", false)
	require.NoError(t, checker.CheckAll(context.Background()))
	require.True(t, checks.IsReady())
	require.Equal(t, 1, logs.FilterMessage("Subgraph is healthy").FilterField(zap.String("subgraph_name", "family")).Len())
}

func TestSubgraphCheckerTimeout(t *testing.T) {
	t.Parallel()

	checker, err := NewSubgraphChecker(SubgraphCheckerOptions{
		Prober: proberFunc(func(ctx context.Context, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		}),
		Subgraphs: []string{"employees"},
		Interval:  time.Second,
		Timeout:   10 * time.Millisecond,
	})
	require.NoError(t, err)

	err = checker.CheckAll(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubgraphCheckerStart(t *testing.T) {
	t.Parallel()

	prober := &toggleProber{down: map[string]bool{}}
	checker, err := NewSubgraphChecker(SubgraphCheckerOptions{
		Prober:    prober,
		Subgraphs: []string{"employees"},
		Interval:  5 * time.Millisecond,
		Jitter:    time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		checker.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return prober.calls.Load() >= 3
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checker did not stop")
	}
}

func TestSubgraphCheckerHandler(t *testing.T) {
	t.Parallel()

	prober := &toggleProber{down: map[string]bool{"family": true}}
	checker, err := NewSubgraphChecker(SubgraphCheckerOptions{
		Prober:    prober,
		Subgraphs: []string{"employees", "family"},
		Interval:  time.Second,
	})
	require.NoError(t, err)

	type body struct {
		Healthy   bool             `json:"healthy"`
		Subgraphs []SubgraphStatus `json:"subgraphs"`
	}

	serve := func() (int, body) {
		rec := httptest.NewRecorder()
		checker.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health/subgraphs", nil))
		var b body
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
		return rec.Code, b
	}

	// nothing checked yet
	code, b := serve()
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Empty(t, b.Subgraphs)

	_ = checker.CheckAll(context.Background())
	code, b = serve()
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.False(t, b.Healthy)
	require.Len(t, b.Subgraphs, 2)

	prober.set("family", false)
	require.NoError(t, checker.CheckAll(context.Background()))
	code, b = serve()
	require.Equal(t, http.StatusOK, code)
	require.True(t, b.Healthy)
}

func TestNewSubgraphCheckerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSubgraphChecker(SubgraphCheckerOptions{Interval: time.Second})
	require.Error(t, err)

	_, err = NewSubgraphChecker(SubgraphCheckerOptions{Prober: &toggleProber{}})
	require.Error(t, err)
}

package circuit

import (
	"sync"
	"time"

	"github.com/cep21/circuit/v4"
	"github.com/cep21/circuit/v4/closers/hystrix"
)

type CircuitBreakerConfig struct {
	Enabled                    bool
	ErrorThresholdPercentage   int64
	RequestThreshold           int64
	SleepWindow                time.Duration
	HalfOpenAttempts           int64
	RequiredSuccessfulAttempts int64
	RollingDuration            time.Duration
	NumBuckets                 int
}

// Manager keeps one circuit per subgraph.
type Manager struct {
	internalManager     *circuit.Manager
	baseConfig          CircuitBreakerConfig
	isBaseConfigEnabled bool

	mu       sync.RWMutex
	circuits map[string]*circuit.Circuit
}

func NewManager(baseConfig CircuitBreakerConfig) *Manager {
	return &Manager{
		internalManager:     &circuit.Manager{},
		baseConfig:          baseConfig,
		isBaseConfigEnabled: baseConfig.Enabled,
		circuits:            make(map[string]*circuit.Circuit),
	}
}

// Initialize creates the circuits of subgraphs. A subgraph listed in overrides
// uses its own configuration, every other subgraph uses the base configuration
// when that is enabled.
func (m *Manager) Initialize(overrides map[string]CircuitBreakerConfig, subgraphs []string) error {
	for _, name := range subgraphs {
		cfg, ok := overrides[name]
		if !ok {
			if !m.isBaseConfigEnabled {
				continue
			}
			cfg = m.baseConfig
		}
		if !cfg.Enabled {
			continue
		}

		cb, err := m.internalManager.CreateCircuit(name, createConfiguration(name, cfg))
		if err != nil {
			return err
		}
		m.AddCircuitBreaker(name, cb)
	}
	return nil
}

func (m *Manager) AddCircuitBreaker(name string, cb *circuit.Circuit) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.circuits[name] = cb
}

func (m *Manager) GetCircuitBreaker(name string) *circuit.Circuit {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.circuits[name]
}

func (m *Manager) IsEnabled() bool {
	if m == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.circuits) > 0
}

func createConfiguration(name string, opts CircuitBreakerConfig) circuit.Config {
	factory := hystrix.Factory{
		ConfigureOpener: hystrix.ConfigureOpener{
			ErrorThresholdPercentage: opts.ErrorThresholdPercentage,
			RequestVolumeThreshold:   opts.RequestThreshold,
			RollingDuration:          opts.RollingDuration,
			NumBuckets:               opts.NumBuckets,
		},
		ConfigureCloser: hystrix.ConfigureCloser{
			SleepWindow:                  opts.SleepWindow,
			HalfOpenAttempts:             opts.HalfOpenAttempts,
			RequiredConcurrentSuccessful: opts.RequiredSuccessfulAttempts,
		},
	}

	cfg := factory.Configure(name)
	// Timeouts belong to the transport and the request context, and every
	// concurrent fetch of an operation must be admitted.
	cfg.Execution.Timeout = -1
	cfg.Execution.MaxConcurrentRequests = -1
	return cfg
}

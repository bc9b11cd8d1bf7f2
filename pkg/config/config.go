package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const (
	DefaultConfigPath = "config.yaml"
)

type Subgraph struct {
	Name       string `yaml:"name"`
	RoutingURL string `yaml:"routing_url"`
}

type BackoffJitterRetry struct {
	Enabled     bool          `yaml:"enabled" envDefault:"true" env:"RETRY_ENABLED"`
	Algorithm   string        `yaml:"algorithm" envDefault:"backoff_jitter"`
	MaxAttempts int           `yaml:"max_attempts" envDefault:"5"`
	MaxDuration time.Duration `yaml:"max_duration" envDefault:"10s"`
	Interval    time.Duration `yaml:"interval" envDefault:"3s"`
}

type CircuitBreaker struct {
	Enabled                    bool          `yaml:"enabled" envDefault:"false"`
	ErrorThresholdPercentage   int64         `yaml:"error_threshold_percentage" envDefault:"50"`
	RequestThreshold           int64         `yaml:"request_threshold" envDefault:"20"`
	SleepWindow                time.Duration `yaml:"sleep_window" envDefault:"5s"`
	HalfOpenAttempts           int64         `yaml:"half_open_attempts" envDefault:"1"`
	RequiredSuccessfulAttempts int64         `yaml:"required_successful" envDefault:"1"`
	RollingDuration            time.Duration `yaml:"rolling_duration" envDefault:"60s"`
	NumBuckets                 int           `yaml:"num_buckets" envDefault:"10"`
}

type GlobalSubgraphRequestRule struct {
	BackoffJitterRetry BackoffJitterRetry `yaml:"retry"`
	CircuitBreaker     CircuitBreaker     `yaml:"circuit_breaker"`
	// See https://blog.cloudflare.com/the-complete-guide-to-golang-net-http-timeouts/
	RequestTimeout      time.Duration `yaml:"request_timeout,omitempty" envDefault:"60s"`
	DialTimeout         time.Duration `yaml:"dial_timeout,omitempty" envDefault:"30s"`
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout,omitempty" envDefault:"10s"`
	MaxIdleConns        int           `yaml:"max_idle_conns,omitempty" envDefault:"1024"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host,omitempty" envDefault:"20"`
}

// SubgraphTrafficRequestRule overrides the global rule for one subgraph. Unset fields inherit.
type SubgraphTrafficRequestRule struct {
	RequestTimeout     *time.Duration      `yaml:"request_timeout,omitempty"`
	BackoffJitterRetry *BackoffJitterRetry `yaml:"retry,omitempty"`
	CircuitBreaker     *CircuitBreaker     `yaml:"circuit_breaker,omitempty"`
}

type TrafficShapingRules struct {
	// All is a set of rules that apply to all subgraphs
	All GlobalSubgraphRequestRule `yaml:"all"`
	// Subgraphs is a set of rules that apply to specific subgraphs
	Subgraphs map[string]*SubgraphTrafficRequestRule `yaml:"subgraphs,omitempty"`
	// MaxResponseBodySize limits the body read from a subgraph
	MaxResponseBodySize BytesString `yaml:"max_response_body_size" envDefault:"5MB" env:"MAX_SUBGRAPH_RESPONSE_BODY_SIZE"`
	// ForwardHeaders are copied from client requests to subgraph requests of incoming operations
	ForwardHeaders []string `yaml:"forward_headers,omitempty" env:"FORWARD_HEADERS"`
}

type HealthCheckConfiguration struct {
	Enabled  bool          `yaml:"enabled" envDefault:"true" env:"SUBGRAPH_HEALTH_CHECK_ENABLED"`
	Interval time.Duration `yaml:"interval" envDefault:"10s" env:"SUBGRAPH_HEALTH_CHECK_INTERVAL"`
	Jitter   time.Duration `yaml:"jitter" envDefault:"2s"`
	Timeout  time.Duration `yaml:"timeout" envDefault:"5s"`
}

type SchemaLoadingConfiguration struct {
	Enabled      bool          `yaml:"enabled" envDefault:"true" env:"SCHEMA_LOADING_ENABLED"`
	RetryMax     int           `yaml:"retry_max" envDefault:"5"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max" envDefault:"30s"`
	Timeout      time.Duration `yaml:"timeout" envDefault:"30s"`
	CacheSize    BytesString   `yaml:"cache_size" envDefault:"10MB"`
}

type Prometheus struct {
	Enabled          bool   `yaml:"enabled" envDefault:"true" env:"PROMETHEUS_ENABLED"`
	Path             string `yaml:"path" envDefault:"/metrics" env:"PROMETHEUS_HTTP_PATH"`
	ExcludeScopeInfo bool   `yaml:"exclude_scope_info" envDefault:"false" env:"PROMETHEUS_EXCLUDE_SCOPE_INFO"`
}

type Metrics struct {
	Prometheus Prometheus `yaml:"prometheus"`
}

// TracingExporter is an OTLP HTTP collector spans are batched to.
// Zero timeouts fall back to the exporter defaults of the tracer provider.
type TracingExporter struct {
	Disabled      bool              `yaml:"disabled"`
	Endpoint      string            `yaml:"endpoint"`
	HTTPPath      string            `yaml:"path,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	BatchTimeout  time.Duration     `yaml:"batch_timeout,omitempty"`
	ExportTimeout time.Duration     `yaml:"export_timeout,omitempty"`
}

type Tracing struct {
	Enabled      bool              `yaml:"enabled" envDefault:"false" env:"TRACING_ENABLED"`
	SamplingRate float64           `yaml:"sampling_rate" envDefault:"1" env:"TRACING_SAMPLING_RATE"`
	Exporters    []TracingExporter `yaml:"exporters"`
}

type Telemetry struct {
	ServiceName string  `yaml:"service_name" envDefault:"cosmo-router" env:"TELEMETRY_SERVICE_NAME"`
	Metrics     Metrics `yaml:"metrics"`
	Tracing     Tracing `yaml:"tracing"`
}

type Config struct {
	Version string `yaml:"version,omitempty" ignored:"true"`

	LogLevel        string        `yaml:"log_level" envDefault:"info" env:"LOG_LEVEL"`
	JSONLog         bool          `yaml:"json_log" envDefault:"true" env:"JSON_LOG"`
	DevelopmentMode bool          `yaml:"dev_mode" envDefault:"false" env:"DEV_MODE"`
	ListenAddr      string        `yaml:"listen_addr" envDefault:"localhost:3002" env:"LISTEN_ADDR"`
	ShutdownDelay   time.Duration `yaml:"shutdown_delay" envDefault:"60s" env:"SHUTDOWN_DELAY"`
	LivenessPath    string        `yaml:"liveness_check_path" envDefault:"/health/live" env:"LIVENESS_CHECK_PATH"`
	ReadinessPath   string        `yaml:"readiness_check_path" envDefault:"/health/ready" env:"READINESS_CHECK_PATH"`

	Subgraphs      []Subgraph                 `yaml:"subgraphs,omitempty"`
	TrafficShaping TrafficShapingRules        `yaml:"traffic_shaping"`
	HealthCheck    HealthCheckConfiguration   `yaml:"health_check"`
	SchemaLoading  SchemaLoadingConfiguration `yaml:"schema_loading"`
	Telemetry      Telemetry                  `yaml:"telemetry"`
}

// SubgraphRequestTimeout returns the request timeout of subgraph after applying overrides.
func (c *Config) SubgraphRequestTimeout(subgraph string) time.Duration {
	if rule, ok := c.TrafficShaping.Subgraphs[subgraph]; ok && rule != nil && rule.RequestTimeout != nil {
		return *rule.RequestTimeout
	}
	return c.TrafficShaping.All.RequestTimeout
}

// SubgraphRetry returns the retry rule of subgraph. Zero fields of an
// override inherit the global rule, Enabled is always taken from the override.
func (c *Config) SubgraphRetry(subgraph string) BackoffJitterRetry {
	retry := c.TrafficShaping.All.BackoffJitterRetry
	rule, ok := c.TrafficShaping.Subgraphs[subgraph]
	if !ok || rule == nil || rule.BackoffJitterRetry == nil {
		return retry
	}

	o := rule.BackoffJitterRetry
	retry.Enabled = o.Enabled
	if o.Algorithm != "" {
		retry.Algorithm = o.Algorithm
	}
	if o.MaxAttempts > 0 {
		retry.MaxAttempts = o.MaxAttempts
	}
	if o.MaxDuration > 0 {
		retry.MaxDuration = o.MaxDuration
	}
	if o.Interval > 0 {
		retry.Interval = o.Interval
	}
	return retry
}

// SubgraphCircuitBreaker returns the circuit breaker rule of subgraph, merged like SubgraphRetry.
func (c *Config) SubgraphCircuitBreaker(subgraph string) CircuitBreaker {
	cb := c.TrafficShaping.All.CircuitBreaker
	rule, ok := c.TrafficShaping.Subgraphs[subgraph]
	if !ok || rule == nil || rule.CircuitBreaker == nil {
		return cb
	}

	o := rule.CircuitBreaker
	cb.Enabled = o.Enabled
	if o.ErrorThresholdPercentage > 0 {
		cb.ErrorThresholdPercentage = o.ErrorThresholdPercentage
	}
	if o.RequestThreshold > 0 {
		cb.RequestThreshold = o.RequestThreshold
	}
	if o.SleepWindow > 0 {
		cb.SleepWindow = o.SleepWindow
	}
	if o.HalfOpenAttempts > 0 {
		cb.HalfOpenAttempts = o.HalfOpenAttempts
	}
	if o.RequiredSuccessfulAttempts > 0 {
		cb.RequiredSuccessfulAttempts = o.RequiredSuccessfulAttempts
	}
	if o.RollingDuration > 0 {
		cb.RollingDuration = o.RollingDuration
	}
	if o.NumBuckets > 0 {
		cb.NumBuckets = o.NumBuckets
	}
	return cb
}

type LoadResult struct {
	Config Config
	// DefaultLoaded is false if the default config file did not exist
	DefaultLoaded bool
}

func LoadConfig(configFilePath string, envOverride string) (*LoadResult, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	if envOverride != "" {
		_ = godotenv.Overload(envOverride)
	}

	cfg := &LoadResult{
		Config:        Config{},
		DefaultLoaded: true,
	}

	// Try to load the environment variables into the config

	err := env.Parse(&cfg.Config)
	if err != nil {
		return nil, err
	}

	// Read the custom config file

	if configFilePath == "" {
		configFilePath = os.Getenv("CONFIG_PATH")
		if configFilePath == "" {
			configFilePath = DefaultConfigPath
		}
	}

	isDefaultConfigPath := configFilePath == DefaultConfigPath
	configFileBytes, err := os.ReadFile(configFilePath)
	if err != nil {
		if !isDefaultConfigPath {
			return nil, fmt.Errorf("could not read custom config file %s: %w", configFilePath, err)
		}
		cfg.DefaultLoaded = false
	}

	if configFileBytes != nil {
		// Expand environment variables in the config file
		configYamlData := []byte(os.ExpandEnv(string(configFileBytes)))

		if err := ValidateConfig(configYamlData, JSONSchema); err != nil {
			return nil, fmt.Errorf("router config validation error: %w", err)
		}

		if err := yaml.Unmarshal(configYamlData, &cfg.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal router config: %w", err)
		}
	}

	if cfg.Config.DevelopmentMode {
		cfg.Config.JSONLog = false
		cfg.Config.LogLevel = "debug"
	}

	if err := cfg.Config.validateSubgraphs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validateSubgraphs() error {
	seen := make(map[string]struct{}, len(c.Subgraphs))
	for _, sg := range c.Subgraphs {
		if _, ok := seen[sg.Name]; ok {
			return fmt.Errorf("subgraph %q is defined more than once", sg.Name)
		}
		seen[sg.Name] = struct{}{}
	}
	for name := range c.TrafficShaping.Subgraphs {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("traffic shaping rule for unknown subgraph %q", name)
		}
	}
	return nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "TOOLBRIDGE"

const (
	ReadinessProbe = "probe"
	ReadinessDelay = "delay"
	ReadinessNone  = "none"
)

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" yaml:"open_timeout" json:"open_timeout"`
}

type ProcessConfig struct {
	Command        string        `mapstructure:"command" yaml:"command" json:"command"`
	Args           []string      `mapstructure:"args" yaml:"args,omitempty" json:"args,omitempty"`
	Env            []string      `mapstructure:"env" yaml:"env,omitempty" json:"env,omitempty"`
	Dir            string        `mapstructure:"dir" yaml:"dir,omitempty" json:"dir,omitempty"`
	StderrEncoding string        `mapstructure:"stderr_encoding" yaml:"stderr_encoding" json:"stderr_encoding"`
	Readiness      string        `mapstructure:"readiness" yaml:"readiness" json:"readiness"`
	ReadyDelay     time.Duration `mapstructure:"ready_delay" yaml:"ready_delay" json:"ready_delay"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace" json:"shutdown_grace"`
	MaxLineBytes   int           `mapstructure:"max_line_bytes" yaml:"max_line_bytes" json:"max_line_bytes"`
	Breaker        BreakerConfig `mapstructure:"breaker" yaml:"breaker" json:"breaker"`
}

type TimeoutConfig struct {
	Connection  time.Duration `mapstructure:"connection" yaml:"connection" json:"connection"`
	Request     time.Duration `mapstructure:"request" yaml:"request" json:"request"`
	ToolCall    time.Duration `mapstructure:"tool_call" yaml:"tool_call" json:"tool_call"`
	HealthCheck time.Duration `mapstructure:"health_check" yaml:"health_check" json:"health_check"`
	Reconnect   time.Duration `mapstructure:"reconnect" yaml:"reconnect" json:"reconnect"`
}

type RetryConfig struct {
	MaxRetries           int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	RetryDelay           time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	MaxRetryDelay        time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay" json:"max_retry_delay"`
	ConnectionDelay      time.Duration `mapstructure:"connection_delay" yaml:"connection_delay" json:"connection_delay"`
	ConnectionMaxDelay   time.Duration `mapstructure:"connection_max_delay" yaml:"connection_max_delay" json:"connection_max_delay"`
	TimeoutDelay         time.Duration `mapstructure:"timeout_delay" yaml:"timeout_delay" json:"timeout_delay"`
	TimeoutMaxDelay      time.Duration `mapstructure:"timeout_max_delay" yaml:"timeout_max_delay" json:"timeout_max_delay"`
	TimeoutMultiplier    float64       `mapstructure:"timeout_multiplier" yaml:"timeout_multiplier" json:"timeout_multiplier"`
	MaxTimeoutMultiplier float64       `mapstructure:"max_timeout_multiplier" yaml:"max_timeout_multiplier" json:"max_timeout_multiplier"`
	Jitter               float64       `mapstructure:"jitter" yaml:"jitter" json:"jitter"`
}

type MonitoringConfig struct {
	Enabled                  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Interval                 time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	ErrorRateThreshold       float64       `mapstructure:"error_rate_threshold" yaml:"error_rate_threshold" json:"error_rate_threshold"`
	ResponseTimeThreshold    time.Duration `mapstructure:"response_time_threshold" yaml:"response_time_threshold" json:"response_time_threshold"`
	UnstableFailureThreshold int           `mapstructure:"unstable_failure_threshold" yaml:"unstable_failure_threshold" json:"unstable_failure_threshold"`
	ErrorWindow              time.Duration `mapstructure:"error_window" yaml:"error_window" json:"error_window"`
	LatencySamples           int           `mapstructure:"latency_samples" yaml:"latency_samples" json:"latency_samples"`
	RecentProbes             int           `mapstructure:"recent_probes" yaml:"recent_probes" json:"recent_probes"`
}

type DegradationConfig struct {
	Enabled                     bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ErrorRateThreshold          float64       `mapstructure:"error_rate_threshold" yaml:"error_rate_threshold" json:"error_rate_threshold"`
	ResponseTimeThreshold       time.Duration `mapstructure:"response_time_threshold" yaml:"response_time_threshold" json:"response_time_threshold"`
	ConsecutiveFailureThreshold int           `mapstructure:"consecutive_failure_threshold" yaml:"consecutive_failure_threshold" json:"consecutive_failure_threshold"`
	EvaluateEvery               int           `mapstructure:"evaluate_every" yaml:"evaluate_every" json:"evaluate_every"`
	RollingWindow               int           `mapstructure:"rolling_window" yaml:"rolling_window" json:"rolling_window"`
}

type ConcurrencyConfig struct {
	MaxConcurrentCalls   int           `mapstructure:"max_concurrent_calls" yaml:"max_concurrent_calls" json:"max_concurrent_calls"`
	DegradationThreshold float64       `mapstructure:"degradation_threshold" yaml:"degradation_threshold" json:"degradation_threshold"`
	SlowCallThreshold    time.Duration `mapstructure:"slow_call_threshold" yaml:"slow_call_threshold" json:"slow_call_threshold"`
	HistorySize          int           `mapstructure:"history_size" yaml:"history_size" json:"history_size"`
}

type CacheConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Size    int      `mapstructure:"size" yaml:"size" json:"size"`
	Path    string   `mapstructure:"path" yaml:"path,omitempty" json:"path,omitempty"`
	Tools   []string `mapstructure:"tools" yaml:"tools" json:"tools"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

type Config struct {
	Process     ProcessConfig     `mapstructure:"process" yaml:"process" json:"process"`
	Timeouts    TimeoutConfig     `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry" json:"retry"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring" yaml:"monitoring" json:"monitoring"`
	Degradation DegradationConfig `mapstructure:"degradation" yaml:"degradation" json:"degradation"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache" json:"cache"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging" json:"logging"`
}

func Default() Config {
	return Config{
		Process: ProcessConfig{
			StderrEncoding: "utf-8",
			Readiness:      ReadinessProbe,
			ReadyDelay:     1 * time.Second,
			ShutdownGrace:  3 * time.Second,
			MaxLineBytes:   16 * 1024 * 1024,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Timeouts: TimeoutConfig{
			Connection:  10 * time.Second,
			Request:     30 * time.Second,
			ToolCall:    60 * time.Second,
			HealthCheck: 5 * time.Second,
			Reconnect:   5 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:           3,
			RetryDelay:           500 * time.Millisecond,
			MaxRetryDelay:        5 * time.Second,
			ConnectionDelay:      1 * time.Second,
			ConnectionMaxDelay:   10 * time.Second,
			TimeoutDelay:         2 * time.Second,
			TimeoutMaxDelay:      30 * time.Second,
			TimeoutMultiplier:    1.5,
			MaxTimeoutMultiplier: 3.0,
			Jitter:               0.2,
		},
		Monitoring: MonitoringConfig{
			Enabled:                  true,
			Interval:                 30 * time.Second,
			ErrorRateThreshold:       0.3,
			ResponseTimeThreshold:    5 * time.Second,
			UnstableFailureThreshold: 3,
			ErrorWindow:              60 * time.Second,
			LatencySamples:           100,
			RecentProbes:             10,
		},
		Degradation: DegradationConfig{
			Enabled:                     true,
			ErrorRateThreshold:          0.3,
			ResponseTimeThreshold:       5 * time.Second,
			ConsecutiveFailureThreshold: 3,
			EvaluateEvery:               3,
			RollingWindow:               20,
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrentCalls:   10,
			DegradationThreshold: 0.5,
			SlowCallThreshold:    2 * time.Second,
			HistorySize:          1000,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    256,
			Tools:   []string{"**"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Clone returns a copy that shares no slices with c.
func (c Config) Clone() Config {
	out := c
	out.Process.Args = append([]string(nil), c.Process.Args...)
	out.Process.Env = append([]string(nil), c.Process.Env...)
	out.Cache.Tools = append([]string(nil), c.Cache.Tools...)
	return out
}

// Load reads a YAML config file on top of Default(). Environment variables
// prefixed with TOOLBRIDGE_ override file values (process.command becomes
// TOOLBRIDGE_PROCESS_COMMAND). An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	seed, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(seed)); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Merge applies a partial YAML document to base. Keys absent from doc keep
// their base value.
func Merge(base Config, doc []byte) (Config, error) {
	out := base.Clone()
	if len(bytes.TrimSpace(doc)) == 0 {
		return out, nil
	}
	if err := yaml.Unmarshal(doc, &out); err != nil {
		return base, fmt.Errorf("decode partial config: %w", err)
	}
	return out, nil
}

func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, field, msg string) {
		if !ok {
			errs = append(errs, &ConfigError{Field: field, Message: msg})
		}
	}

	switch c.Process.Readiness {
	case ReadinessProbe, ReadinessDelay, ReadinessNone:
	default:
		check(false, "process.readiness", "must be one of probe, delay, none")
	}
	check(c.Process.MaxLineBytes > 0, "process.max_line_bytes", "must be positive")
	check(c.Timeouts.Request > 0, "timeouts.request", "must be positive")
	check(c.Timeouts.ToolCall > 0, "timeouts.tool_call", "must be positive")
	check(c.Timeouts.HealthCheck > 0, "timeouts.health_check", "must be positive")
	check(c.Timeouts.Connection > 0, "timeouts.connection", "must be positive")
	check(c.Retry.MaxRetries >= 1, "retry.max_retries", "must be at least 1")
	check(c.Retry.RetryDelay >= 0, "retry.retry_delay", "must not be negative")
	check(c.Retry.MaxRetryDelay >= c.Retry.RetryDelay, "retry.max_retry_delay", "must be >= retry_delay")
	check(c.Retry.Jitter >= 0 && c.Retry.Jitter < 1, "retry.jitter", "must be in [0,1)")
	check(c.Retry.TimeoutMultiplier >= 1, "retry.timeout_multiplier", "must be >= 1")
	check(c.Retry.MaxTimeoutMultiplier >= 1, "retry.max_timeout_multiplier", "must be >= 1")
	check(!c.Monitoring.Enabled || c.Monitoring.Interval > 0, "monitoring.interval", "must be positive when monitoring is enabled")
	check(inUnitRange(c.Monitoring.ErrorRateThreshold), "monitoring.error_rate_threshold", "must be in [0,1]")
	check(inUnitRange(c.Degradation.ErrorRateThreshold), "degradation.error_rate_threshold", "must be in [0,1]")
	check(c.Degradation.EvaluateEvery >= 1, "degradation.evaluate_every", "must be at least 1")
	check(c.Concurrency.MaxConcurrentCalls >= 1, "concurrency.max_concurrent_calls", "must be at least 1")
	check(inUnitRange(c.Concurrency.DegradationThreshold), "concurrency.degradation_threshold", "must be in [0,1]")
	check(c.Concurrency.HistorySize >= 1, "concurrency.history_size", "must be at least 1")
	check(!c.Cache.Enabled || c.Cache.Size >= 1, "cache.size", "must be at least 1 when the cache is enabled")

	return errors.Join(errs...)
}

func inUnitRange(f float64) bool {
	return f >= 0 && f <= 1
}

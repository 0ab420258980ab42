package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/txtx/txtx/pkg/types"
)

// RuntimeConfig holds process settings read from the environment.
type RuntimeConfig struct {
	StatePath       string        `env:"TXTX_STATE_PATH"        envDefault:".txtx/state.db"`
	NoncePolicy     string        `env:"TXTX_NONCE_POLICY"`
	MetricsAddr     string        `env:"TXTX_METRICS_ADDR"`
	LogLevel        string        `env:"LOG_LEVEL"              envDefault:"info"`
	Unattended      bool          `env:"TXTX_UNATTENDED"        envDefault:"false"`
	TracingExporter string        `env:"TXTX_TRACING_EXPORTER"`
	OTLPEndpoint    string        `env:"TXTX_OTLP_ENDPOINT"     envDefault:"localhost:4317"`
	MaxPolls        int           `env:"TXTX_MAX_POLLS"         envDefault:"30"`
	PollInterval    time.Duration `env:"TXTX_POLL_INTERVAL"     envDefault:"500ms"`
	PollMaxInterval time.Duration `env:"TXTX_POLL_MAX_INTERVAL" envDefault:"10s"`
}

// LoadRuntimeConfig parses the runtime configuration from the environment.
func LoadRuntimeConfig() (RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := env.Parse(&cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

// Validate checks the configuration values.
func (c RuntimeConfig) Validate() error {
	if _, err := types.ParseNoncePolicy(c.NoncePolicy); err != nil {
		return err
	}
	switch c.TracingExporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown tracing exporter %q (expected stdout or otlp)", c.TracingExporter)
	}
	if c.MaxPolls <= 0 {
		return fmt.Errorf("max polls must be positive, got %d", c.MaxPolls)
	}
	if c.PollInterval <= 0 || c.PollMaxInterval < c.PollInterval {
		return fmt.Errorf("invalid poll interval bounds %v..%v", c.PollInterval, c.PollMaxInterval)
	}
	return nil
}

// EffectiveNoncePolicy returns the environment policy if set, else the
// manifest policy, else queue.
func (c RuntimeConfig) EffectiveNoncePolicy(m *Manifest) types.NoncePolicy {
	if c.NoncePolicy != "" {
		p, _ := types.ParseNoncePolicy(c.NoncePolicy)
		return p
	}
	if m != nil && m.NoncePolicy != "" {
		p, _ := types.ParseNoncePolicy(m.NoncePolicy)
		return p
	}
	return types.NonceQueue
}

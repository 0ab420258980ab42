package config

import (
	"testing"
	"time"

	"github.com/txtx/txtx/pkg/types"
)

func TestLoadRuntimeConfig_Defaults(t *testing.T) {
	t.Setenv("TXTX_STATE_PATH", "")
	t.Setenv("TXTX_NONCE_POLICY", "")

	cfg, err := LoadRuntimeConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxPolls != 30 {
		t.Errorf("expected 30 max polls, got %d", cfg.MaxPolls)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("expected 500ms poll interval, got %v", cfg.PollInterval)
	}
	if cfg.EffectiveNoncePolicy(nil) != types.NonceQueue {
		t.Errorf("expected queue policy, got %s", cfg.EffectiveNoncePolicy(nil))
	}
}

func TestLoadRuntimeConfig_FromEnv(t *testing.T) {
	t.Setenv("TXTX_STATE_PATH", "/tmp/state.db")
	t.Setenv("TXTX_NONCE_POLICY", "warn")
	t.Setenv("TXTX_UNATTENDED", "true")
	t.Setenv("TXTX_MAX_POLLS", "3")

	cfg, err := LoadRuntimeConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StatePath != "/tmp/state.db" {
		t.Errorf("expected state path from env, got %s", cfg.StatePath)
	}
	if !cfg.Unattended {
		t.Error("expected unattended")
	}
	if cfg.MaxPolls != 3 {
		t.Errorf("expected 3 max polls, got %d", cfg.MaxPolls)
	}
	manifest := &Manifest{NoncePolicy: "reject"}
	if cfg.EffectiveNoncePolicy(manifest) != types.NonceWarn {
		t.Errorf("expected env policy to win, got %s", cfg.EffectiveNoncePolicy(manifest))
	}
}

func TestLoadRuntimeConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"nonce policy", "TXTX_NONCE_POLICY", "sometimes"},
		{"tracing exporter", "TXTX_TRACING_EXPORTER", "zipkin"},
		{"max polls", "TXTX_MAX_POLLS", "0"},
		{"poll interval", "TXTX_POLL_INTERVAL", "not-a-duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadRuntimeConfig(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestRuntimeConfig_ManifestNoncePolicy(t *testing.T) {
	cfg := RuntimeConfig{}
	if got := cfg.EffectiveNoncePolicy(&Manifest{NoncePolicy: "reject"}); got != types.NonceReject {
		t.Errorf("expected manifest policy reject, got %s", got)
	}
}

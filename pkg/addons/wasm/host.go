// Package wasm loads command addons compiled to WebAssembly. Each addon is a
// YAML manifest naming a namespace, a module and the commands it exports.
package wasm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// CapabilityLog lets a module write to the host log through env.log_message.
const CapabilityLog = "log"

var supportedCapabilities = map[string]bool{CapabilityLog: true}

// HostConfig configures module instantiation.
type HostConfig struct {
	// Timeout bounds one command call.
	Timeout time.Duration

	// MemoryLimitPages is the memory limit in 64KiB pages. Default 256 (16MiB).
	MemoryLimitPages uint32

	// AllowedCapabilities restricts what manifests may request. Empty allows
	// every supported capability.
	AllowedCapabilities []string
}

func (c *HostConfig) withDefaults() *HostConfig {
	out := HostConfig{Timeout: 30 * time.Second, MemoryLimitPages: 256}
	if c != nil {
		out.AllowedCapabilities = c.AllowedCapabilities
		if c.Timeout > 0 {
			out.Timeout = c.Timeout
		}
		if c.MemoryLimitPages > 0 {
			out.MemoryLimitPages = c.MemoryLimitPages
		}
	}
	return &out
}

// Host owns the runtime and the instantiated module of one addon.
type Host struct {
	runtime wazero.Runtime
	module  api.Module
	bridge  *Bridge
}

// NewHost instantiates wasmModule with WASI and the host functions the
// manifest's capabilities grant.
func NewHost(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg *HostConfig, logger zerolog.Logger) (*Host, error) {
	cfg = cfg.withDefaults()
	if err := validateCapabilities(manifest.Capabilities, cfg.AllowedCapabilities); err != nil {
		return nil, err
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	registerHostFunctions(builder, manifest, logger)
	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	module, err := runtime.InstantiateWithConfig(ctx, wasmModule, wazero.NewModuleConfig().WithName(manifest.Namespace))
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	bridge, err := NewBridge(module, cfg.Timeout)
	if err != nil {
		module.Close(ctx)
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to create WASM bridge: %w", err)
	}

	return &Host{runtime: runtime, module: module, bridge: bridge}, nil
}

func validateCapabilities(requested, allowed []string) error {
	allowedSet := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		allowedSet[c] = true
	}
	var denied []string
	for _, c := range requested {
		if !supportedCapabilities[c] {
			return fmt.Errorf("unsupported capability %q", c)
		}
		if len(allowedSet) > 0 && !allowedSet[c] {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("capabilities not allowed: %v", denied)
	}
	return nil
}

func registerHostFunctions(builder wazero.HostModuleBuilder, manifest *Manifest, logger zerolog.Logger) {
	granted := false
	for _, c := range manifest.Capabilities {
		if c == CapabilityLog {
			granted = true
		}
	}
	logger = logger.With().Str("addon", manifest.Namespace).Logger()

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			if !granted {
				return 1
			}
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return 1
			}
			logger.Info().Msg(string(msg))
			return 0
		}).
		Export("log_message")
}

// Close releases the module and the runtime.
func (h *Host) Close(ctx context.Context) error {
	if h.module != nil {
		if err := h.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM module: %w", err)
		}
	}
	if h.runtime != nil {
		if err := h.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM runtime: %w", err)
		}
	}
	return nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/txtx/txtx/pkg/addons"
	"github.com/txtx/txtx/pkg/addons/mock"
	"github.com/txtx/txtx/pkg/addons/std"
	"github.com/txtx/txtx/pkg/addons/wasm"
	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/policy"
	"github.com/txtx/txtx/pkg/stores"
	"github.com/txtx/txtx/pkg/telemetry"
	"github.com/txtx/txtx/pkg/types"
	"github.com/txtx/txtx/pkg/workspace"
)

const scriptTimeout = 5 * time.Second

// project is a loaded manifest with its addon registry.
type project struct {
	manifest *config.Manifest
	runtime  config.RuntimeConfig
	loader   *config.Loader
	registry *addons.Registry
	wasm     []*wasm.Addon
}

// loadProject reads the manifest and registers the std and mock addons plus
// every WASM addon found in the manifest's addons directory.
func loadProject(ctx context.Context, path string) (*project, error) {
	runtime, err := config.LoadRuntimeConfig()
	if err != nil {
		return nil, err
	}

	loader := config.NewLoader()
	manifest, err := loader.LoadManifest(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	p := &project{
		manifest: manifest,
		runtime:  runtime,
		loader:   loader,
		registry: addons.NewRegistry(),
	}

	logger := log.Logger
	nonces := runtime.EffectiveNoncePolicy(manifest)
	if err := p.registry.Register(std.New(scriptTimeout)); err != nil {
		return nil, err
	}
	if err := p.registry.Register(mock.New(mock.WithNoncePolicy(nonces), mock.WithLogger(logger))); err != nil {
		return nil, err
	}

	if manifest.AddonsDir != "" {
		dir := manifest.ResolvePath(manifest.AddonsDir)
		loaded, err := wasm.ScanDirectory(ctx, dir, &wasm.HostConfig{Timeout: 30 * time.Second}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load addons from %s: %w", dir, err)
		}
		for _, a := range loaded {
			if err := p.registry.Register(a); err != nil {
				p.wasm = loaded
				p.close(ctx)
				return nil, err
			}
		}
		p.wasm = loaded
	}

	log.Debug().
		Str("project", manifest.Project).
		Strs("namespaces", p.registry.Namespaces()).
		Msg("Project loaded")

	return p, nil
}

func (p *project) close(ctx context.Context) {
	for _, a := range p.wasm {
		if err := a.Close(ctx); err != nil {
			log.Warn().Err(err).Str("namespace", a.Namespace()).Msg("Failed to close addon")
		}
	}
}

// workspace indexes a runbook of the manifest in the selected environment.
func (p *project) workspace(ctx context.Context, runbook, env string) (*workspace.Workspace, error) {
	entry, ok := p.manifest.Runbook(runbook)
	if !ok {
		return nil, fmt.Errorf("runbook %q not found in manifest", runbook)
	}
	selected, err := p.manifest.SelectEnvironment(env)
	if err != nil {
		return nil, err
	}

	ws := workspace.New(p.registry)
	if err := ws.BuildFromSources(ctx, p.loader, p.manifest.ResolvePath(entry.Location), entry.Name); err != nil {
		return nil, err
	}
	ws.SetEnvironment(selected, p.manifest.Environments[selected])
	return ws, nil
}

// policies returns an engine loaded with the manifest policies.
func (p *project) policies(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if len(p.manifest.Policies) == 0 {
		return eng, nil
	}

	res, err := p.policyLoader().Load(ctx, p.manifest.Policies)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		log.Warn().Str("location", w.Location).Msg(w.Message)
	}
	if err := eng.AddPolicies(ctx, res.Policies); err != nil {
		return nil, err
	}
	return eng, nil
}

func (p *project) policyLoader() *policy.Loader {
	return policy.NewLoader(log.Logger, p.manifest.Dir)
}

// preflight evaluates the policies against ws. Warnings are logged and a
// denial is returned as a POLICY_DENIED diagnostic.
func (p *project) preflight(ctx context.Context, eng *policy.Engine, ws *workspace.Workspace) (*policy.Result, error) {
	result, err := eng.EvaluateWorkspace(ctx, ws, p.registry.Namespaces())
	if err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		log.Warn().Str("policy", w.Policy).Str("construct", w.Label).Msg(w.Message)
	}
	return result, result.Err()
}

// openStore opens the state database, creating its directory.
func (p *project) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	path := p.manifest.ResolvePath(p.runtime.StatePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return stores.Open(ctx, stores.Config{Path: path})
}

// telemetry builds the telemetry of a run from the runtime configuration.
func (p *project) telemetry(version, env string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Environment = env
	cfg.Logging.Level = p.runtime.LogLevel
	cfg.Metrics.ListenAddress = p.runtime.MetricsAddr
	if p.runtime.TracingExporter != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = p.runtime.TracingExporter
		cfg.Tracing.Endpoint = p.runtime.OTLPEndpoint
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return telemetry.NewTelemetryWithLogger(cfg, logger)
}

// resolveLabels maps kind.name labels of the root package to construct
// dids. With upstream set, every construct a label depends on is included.
func resolveLabels(ws *workspace.Workspace, ec *engine.ExecutionContext, labels []string, upstream bool) ([]types.ConstructDid, error) {
	root := ws.Root()
	if root == nil {
		return nil, errors.New("workspace has no root package")
	}

	seen := make(map[types.ConstructDid]bool)
	var dids []types.ConstructDid
	for _, label := range labels {
		kind, name, ok := strings.Cut(label, ".")
		if !ok || kind == "" || name == "" {
			return nil, fmt.Errorf("invalid construct %q (expected kind.name)", label)
		}
		did, ok := root.Lookup(kind, name)
		if !ok {
			return nil, fmt.Errorf("construct %q not found", label)
		}
		closure := []types.ConstructDid{did}
		if upstream {
			closure = ec.UpstreamClosure(did)
		}
		for _, d := range closure {
			if !seen[d] {
				seen[d] = true
				dids = append(dids, d)
			}
		}
	}
	return dids, nil
}

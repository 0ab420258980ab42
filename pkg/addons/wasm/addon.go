package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/txtx/txtx/pkg/types"
)

// Addon exposes the commands of one WASM module.
type Addon struct {
	manifest *Manifest
	host     *Host
	commands []types.CommandSpecification
}

// New instantiates an addon from a manifest and module bytes. Every command
// of the manifest must be exported by the module.
func New(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg *HostConfig, logger zerolog.Logger) (*Addon, error) {
	host, err := NewHost(ctx, manifest, wasmModule, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &Addon{manifest: manifest, host: host}
	for _, c := range manifest.Commands {
		if !host.bridge.HasExport(c.ExportName()) {
			host.Close(ctx)
			return nil, fmt.Errorf("addon %s: module does not export %s for command %s", manifest.Namespace, c.ExportName(), c.Matcher)
		}
		a.commands = append(a.commands, &command{manifest: c, bridge: host.bridge})
	}
	return a, nil
}

// Load reads a manifest file and its module.
func Load(ctx context.Context, path string, cfg *HostConfig, logger zerolog.Logger) (*Addon, error) {
	manifest, err := NewManifestLoader(filepath.Dir(path)).LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	wasmModule, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	if manifest.Checksum != "" {
		if err := manifest.VerifyChecksum(wasmModule); err != nil {
			return nil, err
		}
	}
	return New(ctx, manifest, wasmModule, cfg, logger)
}

// ScanDirectory loads every *.yaml and *.yml manifest of dir, in name
// order. A missing directory yields no addons.
func ScanDirectory(ctx context.Context, dir string, cfg *HostConfig, logger zerolog.Logger) ([]*Addon, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var loaded []*Addon
	for _, name := range names {
		a, err := Load(ctx, filepath.Join(dir, name), cfg, logger)
		if err != nil {
			for _, l := range loaded {
				_ = l.Close(ctx)
			}
			return nil, fmt.Errorf("failed to load addon %s: %w", name, err)
		}
		logger.Debug().Str("addon", a.Namespace()).Str("manifest", name).Msg("WASM addon loaded")
		loaded = append(loaded, a)
	}
	return loaded, nil
}

// Manifest returns the manifest the addon was loaded from.
func (a *Addon) Manifest() *Manifest { return a.manifest }

// Namespace implements addons.Addon.
func (a *Addon) Namespace() string { return a.manifest.Namespace }

// Commands implements addons.Addon.
func (a *Addon) Commands() []types.CommandSpecification { return a.commands }

// Signers implements addons.Addon. WASM addons only provide commands.
func (a *Addon) Signers() []types.SignerSpecification { return nil }

// Close releases the module.
func (a *Addon) Close(ctx context.Context) error {
	return a.host.Close(ctx)
}

type command struct {
	manifest CommandManifest
	bridge   *Bridge
}

func (c *command) Matcher() string       { return c.manifest.Matcher }
func (c *command) Documentation() string { return c.manifest.Documentation }

func (c *command) Inputs() []types.InputSpecification   { return c.manifest.inputSpecifications() }
func (c *command) Outputs() []types.OutputSpecification { return c.manifest.outputSpecifications() }

func (c *command) CheckExecutability(ctx context.Context, req *types.CommandRequest) (*types.Actions, error) {
	return types.NewActions(), nil
}

func (c *command) Run(ctx context.Context, req *types.CommandRequest) (*types.CommandExecutionResult, error) {
	inputs := make(map[string]interface{})
	for _, k := range req.Inputs.Keys() {
		v, _ := req.Inputs.Get(k)
		inputs[k] = v
	}

	resp, err := c.bridge.Call(ctx, c.manifest.ExportName(), callRequest{
		ConstructDid: string(req.ConstructDid),
		Name:         req.Name,
		Inputs:       inputs,
	})
	if err != nil {
		return nil, types.NewConstructError(fmt.Sprintf("%s: %v", req.Name, err), err).
			WithCode(types.ErrCodeInternal).
			WithConstruct(req.ConstructDid)
	}
	if resp.Error != "" {
		return nil, types.NewConstructError(fmt.Sprintf("%s: %s", req.Name, resp.Error), nil).
			WithConstruct(req.ConstructDid)
	}

	result := types.NewCommandExecutionResult()
	for k, v := range resp.Outputs {
		result.Insert(k, types.Normalize(v))
	}
	for _, out := range c.manifest.Outputs {
		v, ok := result.Get(out.Name)
		if !ok || !types.ValueType(out.Type).Check(v) {
			return nil, types.NewConstructError(fmt.Sprintf("%s: output %s missing or not of type %s", req.Name, out.Name, out.Type), nil).
				WithCode(types.ErrCodeValidation).
				WithConstruct(req.ConstructDid)
		}
	}
	return result, nil
}

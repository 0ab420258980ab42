package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/txtx/txtx/pkg/types"
)

// Manifest describes a WASM addon: its namespace, its module and the
// commands the module exports.
type Manifest struct {
	Namespace    string            `yaml:"namespace"`
	Version      string            `yaml:"version"`
	Author       string            `yaml:"author,omitempty"`
	Description  string            `yaml:"description,omitempty"`
	Entrypoint   string            `yaml:"entrypoint"`
	Checksum     string            `yaml:"checksum,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty"`
	Commands     []CommandManifest `yaml:"commands"`

	// Path is the file the manifest was loaded from.
	Path string `yaml:"-"`

	// WasmPath is the resolved module path.
	WasmPath string `yaml:"-"`

	// Verified is set once the module checksum matched.
	Verified bool `yaml:"-"`
}

// CommandManifest describes one exported command.
type CommandManifest struct {
	Matcher       string           `yaml:"matcher"`
	Documentation string           `yaml:"documentation,omitempty"`
	Export        string           `yaml:"export,omitempty"`
	Inputs        []InputManifest  `yaml:"inputs,omitempty"`
	Outputs       []OutputManifest `yaml:"outputs,omitempty"`
}

// ExportName is the exported function implementing the command.
func (c CommandManifest) ExportName() string {
	if c.Export != "" {
		return c.Export
	}
	return "command_" + c.Matcher
}

// InputManifest describes one command input.
type InputManifest struct {
	Name          string      `yaml:"name"`
	Type          string      `yaml:"type"`
	Documentation string      `yaml:"documentation,omitempty"`
	Optional      bool        `yaml:"optional,omitempty"`
	Sensitive     bool        `yaml:"sensitive,omitempty"`
	Default       interface{} `yaml:"default,omitempty"`
}

// OutputManifest describes one command output.
type OutputManifest struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	Documentation string `yaml:"documentation,omitempty"`
}

// ManifestLoader loads and validates manifests.
type ManifestLoader struct {
	// BaseDir resolves entrypoints of manifests loaded from bytes.
	BaseDir string
}

// NewManifestLoader creates a loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir}
}

// LoadFromFile loads a manifest and resolves its module path relative to
// the manifest file.
func (m *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	manifest, err := m.parse(data)
	if err != nil {
		return nil, err
	}
	manifest.Path = path
	if err := m.resolveWasmPath(manifest); err != nil {
		return nil, fmt.Errorf("failed to resolve WASM path: %w", err)
	}
	return manifest, nil
}

// LoadFromBytes loads a manifest and verifies wasmModule against its
// checksum, if any.
func (m *ManifestLoader) LoadFromBytes(data []byte, wasmModule []byte) (*Manifest, error) {
	manifest, err := m.parse(data)
	if err != nil {
		return nil, err
	}
	if manifest.Checksum != "" {
		if err := manifest.VerifyChecksum(wasmModule); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

func (m *ManifestLoader) parse(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &manifest, nil
}

func validateManifest(manifest *Manifest) error {
	if manifest.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if manifest.Version == "" {
		return fmt.Errorf("version is required")
	}
	if manifest.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if len(manifest.Commands) == 0 {
		return fmt.Errorf("at least one command is required")
	}

	seen := make(map[string]bool)
	for _, c := range manifest.Commands {
		if c.Matcher == "" {
			return fmt.Errorf("command matcher is required")
		}
		if seen[c.Matcher] {
			return fmt.Errorf("command %s declared twice", c.Matcher)
		}
		seen[c.Matcher] = true
		for _, in := range c.Inputs {
			if in.Name == "" {
				return fmt.Errorf("command %s: input name is required", c.Matcher)
			}
			if !knownType(in.Type) {
				return fmt.Errorf("command %s: input %s has unknown type %q", c.Matcher, in.Name, in.Type)
			}
		}
	}
	return nil
}

func knownType(t string) bool {
	switch types.ValueType(t) {
	case types.TypeString, types.TypeInteger, types.TypeFloat, types.TypeBool,
		types.TypeArray, types.TypeObject, types.TypeBuffer, types.TypeAny, "":
		return true
	}
	return false
}

func (m *ManifestLoader) resolveWasmPath(manifest *Manifest) error {
	switch {
	case filepath.IsAbs(manifest.Entrypoint):
		manifest.WasmPath = manifest.Entrypoint
	case manifest.Path != "":
		manifest.WasmPath = filepath.Join(filepath.Dir(manifest.Path), manifest.Entrypoint)
	default:
		manifest.WasmPath = filepath.Join(m.BaseDir, manifest.Entrypoint)
	}

	if _, err := os.Stat(manifest.WasmPath); err != nil {
		return fmt.Errorf("WASM module not found at %s: %w", manifest.WasmPath, err)
	}
	return nil
}

// VerifyChecksum checks the module against the manifest sha256.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}
	sum := sha256.Sum256(wasmModule)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	m.Verified = true
	return nil
}

// inputSpecifications converts the manifest inputs.
func (c CommandManifest) inputSpecifications() []types.InputSpecification {
	out := make([]types.InputSpecification, 0, len(c.Inputs))
	for _, in := range c.Inputs {
		out = append(out, types.InputSpecification{
			Name:          in.Name,
			Documentation: in.Documentation,
			Type:          types.ValueType(in.Type),
			Optional:      in.Optional,
			Sensitive:     in.Sensitive,
			Default:       types.Normalize(in.Default),
		})
	}
	return out
}

func (c CommandManifest) outputSpecifications() []types.OutputSpecification {
	out := make([]types.OutputSpecification, 0, len(c.Outputs))
	for _, o := range c.Outputs {
		out = append(out, types.OutputSpecification{
			Name:          o.Name,
			Documentation: o.Documentation,
			Type:          types.ValueType(o.Type),
		})
	}
	return out
}

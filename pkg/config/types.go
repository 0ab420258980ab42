package config

import (
	"fmt"
	"sort"
	"time"
)

// Construct kinds as written at the top level of a runbook file.
const (
	KindVariable = "variable"
	KindInput    = "input"
	KindSigner   = "signer"
	KindAction   = "action"
	KindOutput   = "output"
	KindModule   = "module"
	KindImport   = "import"
	KindAddon    = "addon"
)

// constructKinds lists the recognized top-level kinds in schema order.
var constructKinds = []string{KindAddon, KindImport, KindModule, KindVariable, KindInput, KindSigner, KindAction, KindOutput}

// RawConstruct is one construct block as found in a source file.
type RawConstruct struct {
	// Kind is the top-level kind (variable, signer, action, ...).
	Kind string `json:"kind" validate:"required"`

	// Name is the construct name, unique per package and kind.
	Name string `json:"name" validate:"required"`

	// Type is the namespaced specification ("mock::send_transaction").
	// Empty for kinds backed by built-in specifications.
	Type string `json:"type,omitempty"`

	// Block holds the remaining attributes, undecoded references included.
	Block map[string]interface{} `json:"block"`

	// File is the source file path.
	File string `json:"file"`

	// Line is the line of the construct label.
	Line int `json:"line"`

	// DeclIndex is the declaration position within the location.
	DeclIndex int `json:"decl_index"`
}

// Location renders file:line.
func (c RawConstruct) Location() string {
	return fmt.Sprintf("%s:%d", c.File, c.Line)
}

// RunbookSource is the loaded content of one runbook location.
type RunbookSource struct {
	// Location is the file or directory the source was read from.
	Location string `json:"location"`

	// Files are the CUE files that were parsed, in load order.
	Files []string `json:"files"`

	// Constructs are in declaration order.
	Constructs []RawConstruct `json:"constructs"`

	// Addons holds addon-level defaults keyed by namespace.
	Addons map[string]map[string]interface{} `json:"addons,omitempty"`

	// ParsedAt is when the location was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any parse or schema errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether any error-severity entries were collected.
func (s *RunbookSource) HasErrors() bool {
	for _, e := range s.Errors {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// Manifest is the workspace manifest (txtx.cue).
type Manifest struct {
	// Org is the owning organization.
	Org string `json:"org,omitempty"`

	// Project is the project name.
	Project string `json:"project" validate:"required"`

	// Runbooks lists the runbooks of the workspace.
	Runbooks []RunbookEntry `json:"runbooks" validate:"required,min=1,dive"`

	// Environments maps an environment name to its key/value entries.
	Environments map[string]map[string]interface{} `json:"environments,omitempty"`

	// DefaultEnvironment is selected when none is given.
	DefaultEnvironment string `json:"default_environment,omitempty"`

	// NoncePolicy decides how a nonce ahead of the account is handled.
	NoncePolicy string `json:"nonce_policy,omitempty" validate:"omitempty,oneof=queue reject warn"`

	// Policies lists rego policy paths, relative to the manifest.
	Policies []string `json:"policies,omitempty"`

	// AddonsDir holds WASM addon manifests, relative to the manifest.
	AddonsDir string `json:"addons_dir,omitempty"`

	// Dir is the directory the manifest was read from.
	Dir string `json:"-"`
}

// RunbookEntry declares one runbook.
type RunbookEntry struct {
	Name        string `json:"name" validate:"required"`
	Location    string `json:"location" validate:"required"`
	Description string `json:"description,omitempty"`
}

// Runbook returns the named runbook entry.
func (m *Manifest) Runbook(name string) (RunbookEntry, bool) {
	for _, rb := range m.Runbooks {
		if rb.Name == name {
			return rb, true
		}
	}
	return RunbookEntry{}, false
}

// EnvironmentNames returns the environment names in sorted order.
func (m *Manifest) EnvironmentNames() []string {
	names := make([]string, 0, len(m.Environments))
	for name := range m.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SelectEnvironment returns the requested environment name, or the default.
func (m *Manifest) SelectEnvironment(requested string) (string, error) {
	if requested != "" {
		if _, ok := m.Environments[requested]; !ok {
			return "", fmt.Errorf("environment %q not found in manifest", requested)
		}
		return requested, nil
	}
	if m.DefaultEnvironment != "" {
		return m.DefaultEnvironment, nil
	}
	names := m.EnvironmentNames()
	if len(names) == 0 {
		return "", nil
	}
	return names[0], nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "action.transfer.amount").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", loc, e.Message)
}

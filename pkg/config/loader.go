package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/txtx/txtx/pkg/types"
)

// ManifestFile is the workspace manifest file name.
const ManifestFile = "txtx.cue"

// Loader parses runbook sources and workspace manifests written in CUE.
type Loader struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewLoader creates a new loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	return &Loader{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistryWithContext(ctx),
		validator:      validator.New(),
	}
}

// SchemaRegistry returns the schema registry.
func (l *Loader) SchemaRegistry() *SchemaRegistry {
	return l.schemaRegistry
}

// LoadRunbook parses a runbook location: a single .cue file, or a directory
// whose .cue files are read in sorted order. Parse and schema errors are
// collected in the returned source; only I/O failures are returned as errors.
func (l *Loader) LoadRunbook(ctx context.Context, location string) (*RunbookSource, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("failed to stat runbook location %s: %w", location, err)
	}

	files := []string{location}
	if info.IsDir() {
		files, err = l.listSourceFiles(location)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no CUE files found in %s", location)
		}
	}

	src := newRunbookSource(location)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", file, err)
		}
		l.compileInto(ctx, src, file, string(content))
	}

	return src, nil
}

// LoadInline parses runbook content held in memory. The name is used as the
// file name in positions and as the location.
func (l *Loader) LoadInline(ctx context.Context, name, content string) (*RunbookSource, error) {
	src := newRunbookSource(name)
	l.compileInto(ctx, src, name, content)
	return src, nil
}

func newRunbookSource(location string) *RunbookSource {
	return &RunbookSource{
		Location: location,
		Addons:   make(map[string]map[string]interface{}),
		ParsedAt: time.Now(),
	}
}

// listSourceFiles returns the .cue files of a directory, manifest excluded.
func (l *Loader) listSourceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".cue") || name == ManifestFile {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// compileInto compiles one file and appends its constructs to src.
func (l *Loader) compileInto(ctx context.Context, src *RunbookSource, file, content string) {
	src.Files = append(src.Files, file)

	val := l.ctx.CompileString(content, cue.Filename(file))
	if err := val.Err(); err != nil {
		src.Errors = append(src.Errors, l.convertCUEErrors(err)...)
		return
	}

	iter, err := val.Fields()
	if err != nil {
		src.Errors = append(src.Errors, ValidationError{
			File:     file,
			Message:  fmt.Sprintf("failed to iterate top-level fields: %v", err),
			Severity: "error",
		})
		return
	}

	for iter.Next() {
		label := iter.Selector().Unquoted()
		kind, ok := kindForLabel(label)
		if !ok {
			src.Errors = append(src.Errors, ValidationError{
				File:     file,
				Line:     iter.Value().Pos().Line(),
				Path:     label,
				Message:  fmt.Sprintf("unknown construct kind %q", label),
				Severity: "error",
			})
			continue
		}
		l.extractKind(ctx, src, file, kind, iter.Value())
	}
}

// kindForLabel maps a top-level label to a construct kind.
func kindForLabel(label string) (string, bool) {
	switch label {
	case "imports":
		return KindImport, true
	case "addons":
		return KindAddon, true
	}
	for _, k := range constructKinds {
		if k == label {
			return k, true
		}
	}
	return "", false
}

// extractKind extracts every construct of one kind, in declaration order.
func (l *Loader) extractKind(ctx context.Context, src *RunbookSource, file, kind string, val cue.Value) {
	if val.Kind() != cue.StructKind {
		src.Errors = append(src.Errors, ValidationError{
			File:     file,
			Line:     val.Pos().Line(),
			Path:     kind,
			Message:  fmt.Sprintf("%s must be a struct of named blocks", kind),
			Severity: "error",
		})
		return
	}

	iter, err := val.Fields()
	if err != nil {
		src.Errors = append(src.Errors, ValidationError{
			File:     file,
			Path:     kind,
			Message:  fmt.Sprintf("failed to iterate %s blocks: %v", kind, err),
			Severity: "error",
		})
		return
	}

	for iter.Next() {
		name := iter.Selector().Unquoted()
		path := kind + "." + name
		pos := iter.Value().Pos()

		var decoded map[string]interface{}
		if err := iter.Value().Decode(&decoded); err != nil {
			src.Errors = append(src.Errors, ValidationError{
				File:     file,
				Line:     pos.Line(),
				Column:   pos.Column(),
				Path:     path,
				Message:  fmt.Sprintf("failed to decode block: %v", err),
				Severity: "error",
			})
			continue
		}
		block, _ := types.Normalize(decoded).(map[string]interface{})
		if block == nil {
			block = make(map[string]interface{})
		}

		if kind == KindAddon {
			src.Addons[name] = block
			continue
		}

		if err := l.schemaRegistry.ValidateConstruct(ctx, kind, block); err != nil {
			for _, ve := range l.convertCUEErrors(err) {
				ve.File = file
				ve.Line = pos.Line()
				ve.Path = path
				src.Errors = append(src.Errors, ve)
			}
			continue
		}

		rc := RawConstruct{
			Kind:      kind,
			Name:      name,
			Block:     block,
			File:      file,
			Line:      pos.Line(),
			DeclIndex: len(src.Constructs),
		}
		if kind == KindAction || kind == KindSigner {
			rc.Type, _ = block["type"].(string)
			delete(block, "type")
		}
		if err := l.validator.Struct(rc); err != nil {
			src.Errors = append(src.Errors, ValidationError{
				File:     file,
				Line:     pos.Line(),
				Path:     path,
				Message:  err.Error(),
				Severity: "error",
			})
			continue
		}
		src.Constructs = append(src.Constructs, rc)
	}
}

// LoadManifest reads and validates a workspace manifest. path may be the
// manifest file or the directory containing it.
func (l *Loader) LoadManifest(ctx context.Context, path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}
	if info.IsDir() {
		path = filepath.Join(path, ManifestFile)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return l.ParseManifest(ctx, path, string(content))
}

// ParseManifest parses manifest content. Relative runbook locations are
// resolved against the manifest's directory.
func (l *Loader) ParseManifest(ctx context.Context, path, content string) (*Manifest, error) {
	val := l.ctx.CompileString(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, joinValidationErrors(l.convertCUEErrors(err))
	}

	manifestVal := val.LookupPath(cue.ParsePath("manifest"))
	if !manifestVal.Exists() {
		return nil, fmt.Errorf("%s: missing top-level manifest field", path)
	}

	if err := l.schemaRegistry.ValidateValue(ctx, "Manifest", manifestVal); err != nil {
		return nil, joinValidationErrors(l.convertCUEErrors(err))
	}

	var m Manifest
	if err := manifestVal.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := l.validator.Struct(m); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	m.Dir = filepath.Dir(path)
	for i, rb := range m.Runbooks {
		if !filepath.IsAbs(rb.Location) {
			m.Runbooks[i].Location = filepath.Join(m.Dir, rb.Location)
		}
	}
	for name, env := range m.Environments {
		if normalized, ok := types.Normalize(env).(map[string]interface{}); ok {
			m.Environments[name] = normalized
		}
	}
	if m.DefaultEnvironment != "" {
		if _, ok := m.Environments[m.DefaultEnvironment]; !ok {
			return nil, fmt.Errorf("default environment %q not declared", m.DefaultEnvironment)
		}
	}

	return &m, nil
}

// ResolvePath resolves a manifest-relative path.
func (m *Manifest) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (l *Loader) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: "error",
		})
	}

	return validationErrors
}

func joinValidationErrors(errs []ValidationError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid manifest: %s", strings.Join(msgs, "; "))
}

package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/types"
)

// SourceLoader loads the raw constructs of a runbook location.
type SourceLoader interface {
	LoadRunbook(ctx context.Context, location string) (*config.RunbookSource, error)
}

// BuildFromSources indexes the runbook at location as the root package and
// follows its imports. Every indexing diagnostic is returned, joined.
func (w *Workspace) BuildFromSources(ctx context.Context, loader SourceLoader, location, name string) error {
	_, err := w.indexLocation(ctx, loader, filepath.Clean(location), name, nil)
	return err
}

// IndexSource indexes an already loaded source as a package. Imports are
// not followed.
func (w *Workspace) IndexSource(src *config.RunbookSource, name string) (*Package, error) {
	if src.HasErrors() {
		return nil, sourceError(src)
	}
	pkg := w.IndexPackage(src.Location, name)
	for ns, defaults := range src.Addons {
		pkg.Addons[ns] = defaults
	}

	var errs []error
	for _, rc := range src.Constructs {
		if _, _, err := w.IndexConstruct(rc.Name, rc.Location(), rc.Kind, rc.Type, rc.Block, pkg); err != nil {
			errs = append(errs, err)
		}
	}
	return pkg, errors.Join(errs...)
}

func (w *Workspace) indexLocation(ctx context.Context, loader SourceLoader, location, name string, stack []string) (*Package, error) {
	for _, seen := range stack {
		if seen == location {
			path := append(append([]string(nil), stack...), location)
			return nil, types.NewStructuralError("import cycle detected", nil).
				WithCode(types.ErrCodeCycleDetected).
				WithPath(path)
		}
	}

	w.mu.RLock()
	existing, indexed := w.byLocation[location]
	w.mu.RUnlock()
	if indexed {
		pkg, _ := w.Package(existing)
		return pkg, nil
	}

	src, err := loader.LoadRunbook(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", location, err)
	}
	if src.HasErrors() {
		return nil, sourceError(src)
	}

	pkg := w.IndexPackage(location, name)
	for ns, defaults := range src.Addons {
		pkg.Addons[ns] = defaults
	}

	var errs []error
	for _, rc := range src.Constructs {
		_, inst, err := w.IndexConstruct(rc.Name, rc.Location(), rc.Kind, rc.Type, rc.Block, pkg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if inst.Kind != InstanceImport {
			continue
		}

		target := importTarget(location, inst.ImportLocation)
		imported, err := w.indexLocation(ctx, loader, target, rc.Name, append(stack, location))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		w.linkImport(pkg, rc.Name, imported.Did)
	}

	return pkg, errors.Join(errs...)
}

// importTarget resolves an import location relative to the importing one.
func importTarget(from, loc string) string {
	if filepath.IsAbs(loc) {
		return filepath.Clean(loc)
	}
	base := from
	if info, err := os.Stat(from); err == nil && !info.IsDir() {
		base = filepath.Dir(from)
	}
	return filepath.Join(base, loc)
}

func sourceError(src *config.RunbookSource) error {
	d := types.NewStructuralError(fmt.Sprintf("%s has %d source errors", src.Location, len(src.Errors)), nil).
		WithCode(types.ErrCodeValidation).
		WithLocation(src.Location)
	for i, e := range src.Errors {
		d.WithDetail(fmt.Sprintf("error_%d", i), e.Error())
	}
	if len(src.Errors) > 0 {
		d.Err = src.Errors[0]
	}
	return d
}

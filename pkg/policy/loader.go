package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/txtx/txtx/pkg/types"
)

const reloadDelay = 300 * time.Millisecond

// Loader reads the policy paths listed by a manifest. Relative paths resolve
// against the manifest directory.
type Loader struct {
	logger zerolog.Logger
	dir    string

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	modTime time.Time
	policy  Policy
}

// LoadResult is the outcome of loading every policy path.
type LoadResult struct {
	Policies []Policy

	// Warnings name the files that were skipped and why.
	Warnings []*types.Diagnostic
}

// Reload is delivered by Watch after policy files changed. Err is set when
// the paths could not be read at all; the previous policies should be kept.
type Reload struct {
	*LoadResult
	Err error
}

// NewLoader creates a loader for the manifest in dir. An empty dir resolves
// relative paths against the working directory.
func NewLoader(logger zerolog.Logger, dir string) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		dir:    dir,
		cache:  make(map[string]cachedPolicy),
	}
}

// Load reads the .rego and .json policies under paths. A file that fails to
// parse is skipped with a warning; a path that does not exist is an error.
func (l *Loader) Load(ctx context.Context, paths []string) (*LoadResult, error) {
	res := &LoadResult{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.loadPath(res, l.resolve(p)); err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", p, err)
		}
	}

	l.logger.Info().
		Int("total", len(res.Policies)).
		Int("skipped", len(res.Warnings)).
		Msg("Policies loaded")

	return res, nil
}

func (l *Loader) resolve(p string) string {
	if l.dir == "" || filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(l.dir, p)
}

// rel renders a file relative to the manifest for diagnostics.
func (l *Loader) rel(file string) string {
	if l.dir == "" {
		return file
	}
	if r, err := filepath.Rel(l.dir, file); err == nil && !strings.HasPrefix(r, "..") {
		return r
	}
	return file
}

func (l *Loader) loadPath(res *LoadResult, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		p, err := l.loadFile(root, policyName(filepath.Dir(root), root))
		if err != nil {
			return err
		}
		res.Policies = append(res.Policies, p)
		return nil
	}

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		p, err := l.loadFile(path, policyName(root, path))
		if err != nil {
			l.logger.Warn().Err(err).Str("path", l.rel(path)).Msg("Policy file skipped")
			res.Warnings = append(res.Warnings, types.NewWarning(fmt.Sprintf("policy file skipped: %v", err)).
				WithCode(types.ErrCodeValidation).
				WithLocation(l.rel(path)))
			return nil
		}
		res.Policies = append(res.Policies, p)
		return nil
	})
}

// policyName names a file after its path below root, so policies/treasury/limit.rego
// loaded from policies becomes treasury.limit.
func policyName(root, path string) string {
	r, err := filepath.Rel(root, path)
	if err != nil {
		r = filepath.Base(path)
	}
	r = strings.TrimSuffix(r, filepath.Ext(r))
	return strings.ReplaceAll(filepath.ToSlash(r), "/", ".")
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// loadFile parses one file, reusing the cached policy while the file is
// unchanged.
func (l *Loader) loadFile(path, name string) (Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Policy{}, err
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read file: %w", err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = l.parseRego(name, data)
	case ".json":
		if p, err = parseJSON(data); err != nil {
			return Policy{}, err
		}
	default:
		return Policy{}, fmt.Errorf("unsupported file type: %s", filepath.Base(path))
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = l.rel(path)

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", l.rel(path)).
		Str("policy", p.Name).
		Msg("Policy loaded from file")

	return p, nil
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

func (l *Loader) parseRego(name string, data []byte) Policy {
	description, severity := l.extractHeader(string(data))
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// parseJSON parses a JSON policy definition. Policies are enabled unless
// the file says otherwise.
func parseJSON(data []byte) (Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" || p.Rego == "" {
		return Policy{}, fmt.Errorf("JSON policy needs a name and rego code")
	}

	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	return p, nil
}

// extractHeader reads the description and an optional "severity: <level>"
// line from the leading Rego comments.
func (l *Loader) extractHeader(content string) (string, Severity) {
	var description strings.Builder
	severity := SeverityWarning

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if level, ok := strings.CutPrefix(comment, "severity:"); ok {
				severity = Severity(strings.TrimSpace(level))
				continue
			}
			if comment != "" && !strings.HasPrefix(comment, "package") {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
		} else if trimmed != "" && description.Len() > 0 {
			break
		}
	}

	return description.String(), severity
}

// Watch reloads the policies under paths whenever one of their files
// changes, until ctx is done. Bursts of events are coalesced into one
// reload. The returned channel is closed when watching stops.
func (l *Loader) Watch(ctx context.Context, paths []string) (<-chan Reload, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	scope := &watchScope{files: make(map[string]bool)}
	for _, p := range paths {
		root := l.resolve(p)
		info, err := os.Stat(root)
		if err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", p, err)
		}
		if !info.IsDir() {
			// Editors replace files by rename, so the directory is watched.
			scope.files[root] = true
			err = watcher.Add(filepath.Dir(root))
		} else {
			scope.dirs = append(scope.dirs, root)
			err = addTree(watcher, root)
		}
		if err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", p, err)
		}
	}

	reloads := make(chan Reload)
	go l.processEvents(ctx, watcher, scope, paths, reloads)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Watching policy paths")

	return reloads, nil
}

// watchScope tells which changed files belong to the watched paths.
type watchScope struct {
	dirs  []string
	files map[string]bool
}

func (s *watchScope) contains(path string) bool {
	if s.files[path] {
		return true
	}
	for _, d := range s.dirs {
		if strings.HasPrefix(path, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, scope *watchScope, paths []string, reloads chan<- Reload) {
	defer close(reloads)
	defer watcher.Close()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !scope.contains(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", l.rel(event.Name)).Msg("Failed to watch new directory")
					}
					debounce = time.After(reloadDelay)
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().
				Str("file", l.rel(event.Name)).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			l.forget(event.Name)
			debounce = time.After(reloadDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")

		case <-debounce:
			debounce = nil
			res, err := l.Load(ctx, paths)
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
			}
			select {
			case reloads <- Reload{LoadResult: res, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

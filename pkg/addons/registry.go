package addons

import (
	"fmt"
	"sort"
	"sync"

	"github.com/txtx/txtx/pkg/types"
)

// Addon groups the command and signer specifications of one namespace.
type Addon interface {
	Namespace() string
	Commands() []types.CommandSpecification
	Signers() []types.SignerSpecification
}

// SpecificationDoc describes one registered specification.
type SpecificationDoc struct {
	Namespace     string                      `json:"namespace"`
	Matcher       string                      `json:"matcher"`
	Kind          string                      `json:"kind"`
	Documentation string                      `json:"documentation"`
	Inputs        []types.InputSpecification  `json:"inputs"`
	Outputs       []types.OutputSpecification `json:"outputs"`
	Signed        bool                        `json:"signed,omitempty"`
}

// Registry resolves specifications by namespace and matcher.
type Registry struct {
	mu       sync.RWMutex
	addons   map[string]Addon
	commands map[string]map[string]types.CommandSpecification
	signers  map[string]map[string]types.SignerSpecification
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		addons:   make(map[string]Addon),
		commands: make(map[string]map[string]types.CommandSpecification),
		signers:  make(map[string]map[string]types.SignerSpecification),
	}
}

// Register adds every specification of an addon. A namespace can only be
// registered once and matchers must be unique within it.
func (r *Registry) Register(addon Addon) error {
	ns := addon.Namespace()
	if ns == "" {
		return fmt.Errorf("addon has an empty namespace")
	}

	commands := make(map[string]types.CommandSpecification)
	for _, spec := range addon.Commands() {
		if _, exists := commands[spec.Matcher()]; exists {
			return fmt.Errorf("addon %s declares command %s twice", ns, spec.Matcher())
		}
		commands[spec.Matcher()] = spec
	}
	signers := make(map[string]types.SignerSpecification)
	for _, spec := range addon.Signers() {
		if _, exists := signers[spec.Matcher()]; exists {
			return fmt.Errorf("addon %s declares signer %s twice", ns, spec.Matcher())
		}
		signers[spec.Matcher()] = spec
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.addons[ns]; exists {
		return fmt.Errorf("addon %s already registered", ns)
	}
	r.addons[ns] = addon
	r.commands[ns] = commands
	r.signers[ns] = signers
	return nil
}

// MustRegister registers addons and panics on error.
func (r *Registry) MustRegister(addons ...Addon) *Registry {
	for _, a := range addons {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// ResolveCommand returns the command specification for namespace::matcher.
func (r *Registry) ResolveCommand(namespace, matcher string) (types.CommandSpecification, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.commands[namespace][matcher]
	return spec, ok
}

// ResolveSigner returns the signer specification for namespace::matcher.
func (r *Registry) ResolveSigner(namespace, matcher string) (types.SignerSpecification, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.signers[namespace][matcher]
	return spec, ok
}

// Namespaces returns the registered namespaces, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.addons))
	for ns := range r.addons {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// List documents every registered specification, sorted by namespace and
// matcher.
func (r *Registry) List() []SpecificationDoc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var docs []SpecificationDoc
	for ns, specs := range r.commands {
		for _, spec := range specs {
			_, signed := spec.(types.SignedCommandSpecification)
			docs = append(docs, SpecificationDoc{
				Namespace:     ns,
				Matcher:       spec.Matcher(),
				Kind:          "command",
				Documentation: spec.Documentation(),
				Inputs:        spec.Inputs(),
				Outputs:       spec.Outputs(),
				Signed:        signed,
			})
		}
	}
	for ns, specs := range r.signers {
		for _, spec := range specs {
			docs = append(docs, SpecificationDoc{
				Namespace:     ns,
				Matcher:       spec.Matcher(),
				Kind:          "signer",
				Documentation: spec.Documentation(),
				Inputs:        spec.Inputs(),
				Outputs:       spec.Outputs(),
			})
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Namespace != docs[j].Namespace {
			return docs[i].Namespace < docs[j].Namespace
		}
		if docs[i].Kind != docs[j].Kind {
			return docs[i].Kind < docs[j].Kind
		}
		return docs[i].Matcher < docs[j].Matcher
	})
	return docs
}

package workspace

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/types"
)

// StdNamespace is the namespace of the built-in specifications.
const StdNamespace = "std"

// SpecificationResolver finds specifications by namespace and matcher.
type SpecificationResolver interface {
	ResolveCommand(namespace, matcher string) (types.CommandSpecification, bool)
	ResolveSigner(namespace, matcher string) (types.SignerSpecification, bool)
}

// Package holds the constructs indexed from one source location.
type Package struct {
	ID  types.PackageId
	Did types.PackageDid

	Modules []types.ConstructDid
	Inputs  []types.ConstructDid
	Outputs []types.ConstructDid
	Actions []types.ConstructDid
	Signers []types.ConstructDid
	Imports []types.ConstructDid

	// Addons holds addon-level defaults declared in the package.
	Addons map[string]map[string]interface{}

	lookups       map[string]map[string]types.ConstructDid
	importAliases map[string]types.PackageDid
}

func newPackage(id types.PackageId) *Package {
	return &Package{
		ID:            id,
		Did:           id.Did(),
		Addons:        make(map[string]map[string]interface{}),
		lookups:       make(map[string]map[string]types.ConstructDid),
		importAliases: make(map[string]types.PackageDid),
	}
}

// Lookup returns the did of a construct by kind and name. variable and
// input share one lookup.
func (p *Package) Lookup(kind, name string) (types.ConstructDid, bool) {
	did, ok := p.lookups[lookupKind(kind)][name]
	return did, ok
}

// ImportAlias returns the package an alias points to.
func (p *Package) ImportAlias(alias string) (types.PackageDid, bool) {
	did, ok := p.importAliases[alias]
	return did, ok
}

func (p *Package) register(kind, name string, did types.ConstructDid) {
	lk := lookupKind(kind)
	if p.lookups[lk] == nil {
		p.lookups[lk] = make(map[string]types.ConstructDid)
	}
	p.lookups[lk][name] = did

	switch lk {
	case config.KindModule:
		p.Modules = append(p.Modules, did)
	case config.KindInput:
		p.Inputs = append(p.Inputs, did)
	case config.KindOutput:
		p.Outputs = append(p.Outputs, did)
	case config.KindAction:
		p.Actions = append(p.Actions, did)
	case config.KindSigner:
		p.Signers = append(p.Signers, did)
	case config.KindImport:
		p.Imports = append(p.Imports, did)
	}
}

func lookupKind(kind string) string {
	if kind == config.KindVariable {
		return config.KindInput
	}
	return kind
}

// Construct is one indexed construct.
type Construct struct {
	ID        types.ConstructId
	Did       types.ConstructDid
	Kind      string
	Name      string
	Namespace string
	Matcher   string
	Block     map[string]interface{}
	DeclIndex int
	Location  string
}

// Type renders namespace::matcher.
func (c *Construct) Type() string {
	return c.Namespace + "::" + c.Matcher
}

// InstanceKind tells which of the instance variants is set.
type InstanceKind int

const (
	InstanceExecutable InstanceKind = iota
	InstanceSigning
	InstanceImport
)

// String implements fmt.Stringer.
func (k InstanceKind) String() string {
	switch k {
	case InstanceExecutable:
		return "executable"
	case InstanceSigning:
		return "signing"
	case InstanceImport:
		return "import"
	default:
		return "unknown"
	}
}

// Instance wraps an indexed construct with its specification. Exactly one
// of Command, Signer or ImportLocation is meaningful, according to Kind.
type Instance struct {
	Kind      InstanceKind
	Construct *Construct

	Command types.CommandSpecification
	Signer  types.SignerSpecification

	ImportLocation string
}

// Workspace indexes packages and constructs and resolves references
// between them.
type Workspace struct {
	mu sync.RWMutex

	resolver SpecificationResolver

	packages     map[types.PackageDid]*Package
	byLocation   map[string]types.PackageDid
	packageOrder []types.PackageDid
	root         types.PackageDid

	constructs map[types.ConstructDid]*Instance
	order      []types.ConstructDid

	environment string
	envValues   map[string]interface{}
}

// New creates an empty workspace resolving specifications with resolver.
func New(resolver SpecificationResolver) *Workspace {
	return &Workspace{
		resolver:   resolver,
		packages:   make(map[types.PackageDid]*Package),
		byLocation: make(map[string]types.PackageDid),
		constructs: make(map[types.ConstructDid]*Instance),
		envValues:  make(map[string]interface{}),
	}
}

// IndexPackage returns the package of a location, creating it on first
// use. The first package indexed is the root package.
func (w *Workspace) IndexPackage(location, name string) *Package {
	w.mu.Lock()
	defer w.mu.Unlock()

	if did, ok := w.byLocation[location]; ok {
		return w.packages[did]
	}

	pkg := newPackage(types.PackageId{Location: location, Name: name})
	w.packages[pkg.Did] = pkg
	w.byLocation[location] = pkg.Did
	w.packageOrder = append(w.packageOrder, pkg.Did)
	if w.root == "" {
		w.root = pkg.Did
	}
	return pkg
}

// IndexConstruct registers a construct in pkg and resolves its
// specification. typ is the namespace::matcher of actions and signers;
// other kinds use built-in specifications.
func (w *Workspace) IndexConstruct(name, location, kind, typ string, block map[string]interface{}, pkg *Package) (types.ConstructId, *Instance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := types.ConstructId{Package: pkg.ID, Kind: lookupKind(kind), Location: sourceFile(location), Name: name}
	did := id.Did()

	if _, exists := pkg.Lookup(kind, name); exists {
		return id, nil, types.NewStructuralError(fmt.Sprintf("duplicate %s %q", kind, name), nil).
			WithCode(types.ErrCodeDuplicateConstruct).
			WithConstruct(did).
			WithLocation(location)
	}

	c := &Construct{
		ID:        id,
		Did:       did,
		Kind:      kind,
		Name:      name,
		Block:     block,
		DeclIndex: len(w.order),
		Location:  location,
	}

	inst, err := w.instantiate(c, typ)
	if err != nil {
		return id, nil, err
	}

	pkg.register(kind, name, did)
	w.constructs[did] = inst
	w.order = append(w.order, did)
	return id, inst, nil
}

// sourceFile strips the line from a file:line location so dids survive
// edits that only move a block within its file.
func sourceFile(location string) string {
	i := strings.LastIndexByte(location, ':')
	if i < 0 {
		return location
	}
	if _, err := strconv.Atoi(location[i+1:]); err != nil {
		return location
	}
	return location[:i]
}

// instantiate resolves the specification of a construct.
func (w *Workspace) instantiate(c *Construct, typ string) (*Instance, error) {
	switch c.Kind {
	case config.KindImport:
		loc, _ := c.Block["location"].(string)
		if loc == "" {
			return nil, types.NewStructuralError(fmt.Sprintf("import %q has no location", c.Name), nil).
				WithCode(types.ErrCodeValidation).
				WithConstruct(c.Did).
				WithLocation(c.Location)
		}
		c.Namespace, c.Matcher = StdNamespace, "import"
		return &Instance{Kind: InstanceImport, Construct: c, ImportLocation: loc}, nil

	case config.KindVariable, config.KindInput, config.KindOutput, config.KindModule:
		c.Namespace, c.Matcher = StdNamespace, lookupKind(c.Kind)
		spec, ok := w.resolver.ResolveCommand(c.Namespace, c.Matcher)
		if !ok {
			return nil, unknownSpecification(c)
		}
		return &Instance{Kind: InstanceExecutable, Construct: c, Command: spec}, nil

	case config.KindAction:
		if err := c.setType(typ); err != nil {
			return nil, err
		}
		spec, ok := w.resolver.ResolveCommand(c.Namespace, c.Matcher)
		if !ok {
			return nil, unknownSpecification(c)
		}
		return &Instance{Kind: InstanceExecutable, Construct: c, Command: spec}, nil

	case config.KindSigner:
		if err := c.setType(typ); err != nil {
			return nil, err
		}
		spec, ok := w.resolver.ResolveSigner(c.Namespace, c.Matcher)
		if !ok {
			return nil, unknownSpecification(c)
		}
		return &Instance{Kind: InstanceSigning, Construct: c, Signer: spec}, nil

	default:
		return nil, types.NewStructuralError(fmt.Sprintf("unknown construct kind %q", c.Kind), nil).
			WithCode(types.ErrCodeValidation).
			WithConstruct(c.Did).
			WithLocation(c.Location)
	}
}

func (c *Construct) setType(typ string) error {
	ns, matcher, ok := strings.Cut(typ, "::")
	if !ok || ns == "" || matcher == "" {
		return types.NewStructuralError(fmt.Sprintf("%s %q has invalid type %q", c.Kind, c.Name, typ), nil).
			WithCode(types.ErrCodeUnknownSpecification).
			WithConstruct(c.Did).
			WithLocation(c.Location)
	}
	c.Namespace, c.Matcher = ns, matcher
	return nil
}

func unknownSpecification(c *Construct) error {
	return types.NewStructuralError(fmt.Sprintf("%s %q uses unknown specification %s", c.Kind, c.Name, c.Type()), nil).
		WithCode(types.ErrCodeUnknownSpecification).
		WithConstruct(c.Did).
		WithLocation(c.Location)
}

// linkImport records an import alias once the imported package exists.
func (w *Workspace) linkImport(pkg *Package, alias string, imported types.PackageDid) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pkg.importAliases[alias] = imported
}

// SetEnvironment selects the environment whose entries env.<key> resolves.
func (w *Workspace) SetEnvironment(name string, values map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.environment = name
	w.envValues = make(map[string]interface{}, len(values))
	for k, v := range values {
		w.envValues[k] = v
	}
}

// Environment returns the selected environment name.
func (w *Workspace) Environment() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.environment
}

// EnvValue returns an entry of the selected environment.
func (w *Workspace) EnvValue(key string) (interface{}, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.envValues[key]
	return v, ok
}

// Resolution is the target of a resolved reference.
type Resolution struct {
	// Did is the referenced construct, or the environment entry did.
	Did types.ConstructDid

	// Kind is the construct kind, or "env".
	Kind string

	// Path is the remaining dotted path after the construct name.
	Path []string

	// Subscripts are applied after the path.
	Subscripts []types.Subscript

	// EnvKey is set for env.<key> references, which are not graph edges.
	EnvKey string
}

// IsEnv reports whether the resolution targets an environment entry.
func (r *Resolution) IsEnv() bool {
	return r.EnvKey != ""
}

var kindRoots = map[string]string{
	config.KindModule:   config.KindModule,
	config.KindInput:    config.KindInput,
	config.KindVariable: config.KindInput,
	config.KindOutput:   config.KindOutput,
	config.KindAction:   config.KindAction,
	config.KindSigner:   config.KindSigner,
}

// ResolveReference resolves an expression from the point of view of pkg.
// An unresolved reference returns false, not an error.
func (w *Workspace) ResolveReference(pkg types.PackageDid, expr string) (*Resolution, bool) {
	ref, err := ParseExpression(expr)
	if err != nil {
		return nil, false
	}
	return w.Resolve(pkg, ref)
}

// Resolve resolves a parsed reference from the point of view of pkg.
func (w *Workspace) Resolve(pkg types.PackageDid, ref *Reference) (*Resolution, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.resolve(pkg, ref.Root, ref.Segments, ref.Subscripts, 0)
}

func (w *Workspace) resolve(pkgDid types.PackageDid, root string, segments []string, subs []types.Subscript, depth int) (*Resolution, bool) {
	if depth > len(w.packages) {
		return nil, false
	}
	pkg, ok := w.packages[pkgDid]
	if !ok {
		return nil, false
	}

	if root == "env" {
		if len(segments) == 0 {
			return nil, false
		}
		if _, ok := w.envValues[segments[0]]; !ok {
			return nil, false
		}
		return &Resolution{
			Did:        types.EnvDid(segments[0]),
			Kind:       "env",
			Path:       segments[1:],
			Subscripts: subs,
			EnvKey:     segments[0],
		}, true
	}

	if kind, isKind := kindRoots[root]; isKind && len(segments) > 0 {
		if did, found := pkg.lookups[kind][segments[0]]; found {
			return &Resolution{Did: did, Kind: kind, Path: segments[1:], Subscripts: subs}, true
		}
	}

	if imported, isAlias := pkg.importAliases[root]; isAlias && len(segments) > 0 {
		return w.resolve(imported, segments[0], segments[1:], subs, depth+1)
	}

	return nil, false
}

// Instance returns the instance of a construct.
func (w *Workspace) Instance(did types.ConstructDid) (*Instance, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	inst, ok := w.constructs[did]
	return inst, ok
}

// Instances returns every instance in indexing order.
func (w *Workspace) Instances() []*Instance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Instance, 0, len(w.order))
	for _, did := range w.order {
		out = append(out, w.constructs[did])
	}
	return out
}

// Package returns a package by did.
func (w *Workspace) Package(did types.PackageDid) (*Package, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	pkg, ok := w.packages[did]
	return pkg, ok
}

// Packages returns every package in indexing order.
func (w *Workspace) Packages() []*Package {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Package, 0, len(w.packageOrder))
	for _, did := range w.packageOrder {
		out = append(out, w.packages[did])
	}
	return out
}

// Root returns the root package.
func (w *Workspace) Root() *Package {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.packages[w.root]
}

// Dependency is one resolved reference of a construct.
type Dependency struct {
	Attribute  []string
	Reference  *Reference
	Resolution *Resolution

	// SelfCheck marks a post_condition reference to the construct itself.
	SelfCheck bool
}

// Dependencies resolves every reference of a construct. Unresolved
// references are returned separately, in attribute order.
func (w *Workspace) Dependencies(did types.ConstructDid) ([]Dependency, []AttributeReference, error) {
	inst, ok := w.Instance(did)
	if !ok {
		return nil, nil, fmt.Errorf("construct %s not indexed", did.Short())
	}
	c := inst.Construct

	refs, err := ExtractReferences(c.Block)
	if err != nil {
		return nil, nil, types.NewConstructError("malformed reference", err).
			WithCode(types.ErrCodeValidation).
			WithConstruct(did).
			WithLocation(c.Location)
	}

	var deps []Dependency
	var unresolved []AttributeReference
	for _, r := range refs {
		res, ok := w.Resolve(c.ID.Package.Did(), r.Ref)
		if !ok {
			unresolved = append(unresolved, r)
			continue
		}
		deps = append(deps, Dependency{
			Attribute:  r.Attribute,
			Reference:  r.Ref,
			Resolution: res,
			SelfCheck:  res.Did == did && r.InPostCondition(),
		})
	}
	return deps, unresolved, nil
}

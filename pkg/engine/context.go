package engine

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/txtx/txtx/pkg/types"
	"github.com/txtx/txtx/pkg/workspace"
)

// ConstructInstance holds what command and signer instances share.
type ConstructInstance struct {
	Did       types.ConstructDid
	Package   types.PackageId
	Kind      string
	Name      string
	Namespace string
	Matcher   string
	Block     map[string]interface{}
	DeclIndex int
	Location  string

	// Unresolved lists the references that did not resolve when the
	// context was built.
	Unresolved []workspace.AttributeReference

	// Evaluated holds the latest input evaluation.
	Evaluated *types.InputsEvaluationResult
}

// Label renders kind.name.
func (c *ConstructInstance) Label() string {
	return c.Kind + "." + c.Name
}

// Type renders namespace::matcher.
func (c *ConstructInstance) Type() string {
	return c.Namespace + "::" + c.Matcher
}

// CommandInstance is an executable construct.
type CommandInstance struct {
	ConstructInstance
	Spec types.CommandSpecification
}

// Signed returns the signed flavor of the specification, if any.
func (c *CommandInstance) Signed() (types.SignedCommandSpecification, bool) {
	s, ok := c.Spec.(types.SignedCommandSpecification)
	return s, ok
}

// SignerInstance is a signing construct.
type SignerInstance struct {
	ConstructInstance
	Spec types.SignerSpecification
}

// ExecutionContext owns the command and signer instances of a run, their
// dependency edges, their results and their statuses.
type ExecutionContext struct {
	mu sync.RWMutex

	commands map[types.ConstructDid]*CommandInstance
	signers  map[types.ConstructDid]*SignerInstance

	// commandDependencies maps a command to the constructs that reference it.
	commandDependencies map[types.ConstructDid][]types.ConstructDid

	// signerDependencies maps a signer to the constructs that reference it.
	signerDependencies map[types.ConstructDid][]types.ConstructDid

	// upstream maps a construct to the constructs it references.
	upstream map[types.ConstructDid][]types.ConstructDid

	results     map[types.ConstructDid]*types.CommandExecutionResult
	statuses    map[types.ConstructDid]ConstructStatus
	diagnostics map[types.ConstructDid]*types.Diagnostic

	executionOrder []types.ConstructDid
	signerOrder    []types.ConstructDid

	mode  ExecutionMode
	force bool
}

// NewExecutionContext creates an empty context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		commands:            make(map[types.ConstructDid]*CommandInstance),
		signers:             make(map[types.ConstructDid]*SignerInstance),
		commandDependencies: make(map[types.ConstructDid][]types.ConstructDid),
		signerDependencies:  make(map[types.ConstructDid][]types.ConstructDid),
		upstream:            make(map[types.ConstructDid][]types.ConstructDid),
		results:             make(map[types.ConstructDid]*types.CommandExecutionResult),
		statuses:            make(map[types.ConstructDid]ConstructStatus),
		diagnostics:         make(map[types.ConstructDid]*types.Diagnostic),
	}
}

// AddCommand registers a command instance.
func (ec *ExecutionContext) AddCommand(c *CommandInstance) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.commands[c.Did] = c
	ec.statuses[c.Did] = ConstructPending
	ec.invalidateOrders()
}

// AddSigner registers a signer instance.
func (ec *ExecutionContext) AddSigner(s *SignerInstance) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.signers[s.Did] = s
	ec.statuses[s.Did] = ConstructPending
	ec.invalidateOrders()
}

// AddDependency records that dependent references upstream. The edge goes
// into the signer map when upstream is a signer.
func (ec *ExecutionContext) AddDependency(upstream, dependent types.ConstructDid) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if !ec.known(upstream) {
		return fmt.Errorf("unknown construct %s", upstream.Short())
	}
	if !ec.known(dependent) {
		return fmt.Errorf("unknown construct %s", dependent.Short())
	}

	target := ec.commandDependencies
	if _, isSigner := ec.signers[upstream]; isSigner {
		target = ec.signerDependencies
	}
	for _, existing := range target[upstream] {
		if existing == dependent {
			return nil
		}
	}
	target[upstream] = append(target[upstream], dependent)
	ec.upstream[dependent] = append(ec.upstream[dependent], upstream)
	ec.invalidateOrders()
	return nil
}

func (ec *ExecutionContext) known(did types.ConstructDid) bool {
	if _, ok := ec.commands[did]; ok {
		return true
	}
	_, ok := ec.signers[did]
	return ok
}

func (ec *ExecutionContext) invalidateOrders() {
	ec.executionOrder = nil
	ec.signerOrder = nil
}

// Command returns a command instance.
func (ec *ExecutionContext) Command(did types.ConstructDid) (*CommandInstance, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	c, ok := ec.commands[did]
	return c, ok
}

// Signer returns a signer instance.
func (ec *ExecutionContext) Signer(did types.ConstructDid) (*SignerInstance, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	s, ok := ec.signers[did]
	return s, ok
}

// Construct returns the shared part of a command or signer instance.
func (ec *ExecutionContext) Construct(did types.ConstructDid) (*ConstructInstance, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.construct(did)
}

func (ec *ExecutionContext) construct(did types.ConstructDid) (*ConstructInstance, bool) {
	if c, ok := ec.commands[did]; ok {
		return &c.ConstructInstance, true
	}
	if s, ok := ec.signers[did]; ok {
		return &s.ConstructInstance, true
	}
	return nil, false
}

// Label returns kind.name for a did, or its short form when unknown.
func (ec *ExecutionContext) Label(did types.ConstructDid) string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.label(did)
}

func (ec *ExecutionContext) label(did types.ConstructDid) string {
	if c, ok := ec.construct(did); ok {
		return c.Label()
	}
	return did.Short()
}

// Signers returns every signer in declaration order.
func (ec *ExecutionContext) Signers() []*SignerInstance {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]*SignerInstance, 0, len(ec.signers))
	for _, s := range ec.signers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeclIndex < out[j].DeclIndex })
	return out
}

// Commands returns every command in declaration order.
func (ec *ExecutionContext) Commands() []*CommandInstance {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]*CommandInstance, 0, len(ec.commands))
	for _, c := range ec.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeclIndex < out[j].DeclIndex })
	return out
}

// Upstream returns the constructs did references directly.
func (ec *ExecutionContext) Upstream(did types.ConstructDid) []types.ConstructDid {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]types.ConstructDid(nil), ec.upstream[did]...)
}

// UpstreamSigners returns the signers did references directly, in
// declaration order.
func (ec *ExecutionContext) UpstreamSigners(did types.ConstructDid) []*SignerInstance {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	var out []*SignerInstance
	for _, up := range ec.upstream[did] {
		if s, ok := ec.signers[up]; ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeclIndex < out[j].DeclIndex })
	return out
}

// Dependents returns the constructs that reference did directly.
func (ec *ExecutionContext) Dependents(did types.ConstructDid) []types.ConstructDid {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := append([]types.ConstructDid(nil), ec.commandDependencies[did]...)
	return append(out, ec.signerDependencies[did]...)
}

// Graph returns the full dependency graph over commands and signers.
func (ec *ExecutionContext) Graph() *Graph {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.graph()
}

func (ec *ExecutionContext) graph() *Graph {
	g := NewGraph()
	for did, c := range ec.commands {
		g.AddNode(did, c.DeclIndex, c.Label())
	}
	for did, s := range ec.signers {
		g.AddNode(did, s.DeclIndex, s.Label())
	}
	for _, edges := range []map[types.ConstructDid][]types.ConstructDid{ec.commandDependencies, ec.signerDependencies} {
		for from, dependents := range edges {
			for _, to := range dependents {
				g.AddEdge(from, to)
			}
		}
	}
	return g
}

// ComputeExecutionOrder orders every command and signer after the
// constructs it references, earliest declaration first among ready ones.
// A cycle is a structural diagnostic carrying the full cycle path.
func (ec *ExecutionContext) ComputeExecutionOrder() ([]types.ConstructDid, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	order, err := ec.graph().TopologicalOrder()
	if err != nil {
		return nil, err
	}
	ec.executionOrder = order
	return append([]types.ConstructDid(nil), order...), nil
}

// ComputeSignerInitializationOrder orders the signers so that a signer
// comes after every signer whose outputs reach it, directly or through
// commands. Signers nothing depends on are included.
func (ec *ExecutionContext) ComputeSignerInitializationOrder() ([]types.ConstructDid, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	full := ec.graph()
	g := NewGraph()
	for did, s := range ec.signers {
		g.AddNode(did, s.DeclIndex, s.Label())
	}
	for did := range ec.signers {
		for _, downstream := range ec.signersReachedFrom(full, did) {
			g.AddEdge(did, downstream)
		}
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	ec.signerOrder = order
	return append([]types.ConstructDid(nil), order...), nil
}

// signersReachedFrom walks dependents of a signer through commands and stops
// at the first signer on each path.
func (ec *ExecutionContext) signersReachedFrom(g *Graph, start types.ConstructDid) []types.ConstructDid {
	seen := map[types.ConstructDid]bool{start: true}
	queue := []types.ConstructDid{start}
	var out []types.ConstructDid
	for len(queue) > 0 {
		did := queue[0]
		queue = queue[1:]
		for _, next := range g.Dependents(did) {
			if seen[next] {
				continue
			}
			seen[next] = true
			if _, isSigner := ec.signers[next]; isSigner {
				out = append(out, next)
				continue
			}
			queue = append(queue, next)
		}
	}
	return out
}

// ExecutionOrder returns the last computed execution order.
func (ec *ExecutionContext) ExecutionOrder() []types.ConstructDid {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]types.ConstructDid(nil), ec.executionOrder...)
}

// SignerInitializationOrder returns the last computed signer order.
func (ec *ExecutionContext) SignerInitializationOrder() []types.ConstructDid {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]types.ConstructDid(nil), ec.signerOrder...)
}

// SignersFeeding returns the signers did depends on, directly or through
// other constructs, in declaration order.
func (ec *ExecutionContext) SignersFeeding(did types.ConstructDid) []*SignerInstance {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	var out []*SignerInstance
	for _, up := range ec.graph().Upstream(did) {
		if s, ok := ec.signers[up]; ok {
			out = append(out, s)
		}
	}
	return out
}

// UpstreamClosure returns did and every construct it transitively depends on.
func (ec *ExecutionContext) UpstreamClosure(did types.ConstructDid) []types.ConstructDid {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]types.ConstructDid{did}, ec.graph().Upstream(did)...)
}

// SetForce enables re-execution: recorded results may be replaced.
func (ec *ExecutionContext) SetForce(force bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.force = force
}

// Force reports whether force mode is on.
func (ec *ExecutionContext) Force() bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.force
}

// SetMode restricts which constructs a pass executes.
func (ec *ExecutionContext) SetMode(mode ExecutionMode) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.mode = mode
}

// Mode returns the execution mode.
func (ec *ExecutionContext) Mode() ExecutionMode {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.mode
}

// RecordResult stores the outputs of a construct. Results are append-only:
// recording an equal result again is a no-op, a different one is a
// conflict unless force mode is on.
func (ec *ExecutionContext) RecordResult(did types.ConstructDid, result *types.CommandExecutionResult) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if !ec.known(did) {
		return fmt.Errorf("unknown construct %s", did.Short())
	}
	if result == nil {
		result = types.NewCommandExecutionResult()
	}
	if existing, ok := ec.results[did]; ok && !ec.force {
		if reflect.DeepEqual(types.Normalize(existing.Outputs), types.Normalize(result.Outputs)) {
			return nil
		}
		return types.NewConstructError(fmt.Sprintf("%s already has a different result", ec.label(did)), nil).
			WithCode(types.ErrCodeResultConflict).
			WithConstruct(did)
	}

	ec.results[did] = result
	ec.statuses[did] = ConstructExecuted
	delete(ec.diagnostics, did)
	return nil
}

// Result returns the recorded outputs of a construct.
func (ec *ExecutionContext) Result(did types.ConstructDid) (*types.CommandExecutionResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[did]
	return r, ok
}

// Results returns a copy of the result map.
func (ec *ExecutionContext) Results() map[types.ConstructDid]*types.CommandExecutionResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[types.ConstructDid]*types.CommandExecutionResult, len(ec.results))
	for did, r := range ec.results {
		out[did] = r
	}
	return out
}

// Status returns the status of a construct.
func (ec *ExecutionContext) Status(did types.ConstructDid) ConstructStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if s, ok := ec.statuses[did]; ok {
		return s
	}
	return ConstructPending
}

// MarkInFlight records that a background task is confirming did.
func (ec *ExecutionContext) MarkInFlight(did types.ConstructDid) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.statuses[did] == ConstructPending {
		ec.statuses[did] = ConstructInFlight
	}
}

// Diagnostic returns the diagnostic that failed or blocked did.
func (ec *ExecutionContext) Diagnostic(did types.ConstructDid) (*types.Diagnostic, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	d, ok := ec.diagnostics[did]
	return d, ok
}

// MarkFailed fails a construct and blocks every construct downstream of it
// that has not executed. It returns the newly blocked dids.
func (ec *ExecutionContext) MarkFailed(did types.ConstructDid, diag *types.Diagnostic) []types.ConstructDid {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if diag.Construct == "" {
		diag.Construct = did
	}
	ec.statuses[did] = ConstructFailed
	ec.diagnostics[did] = diag

	var blocked []types.ConstructDid
	for _, down := range ec.graph().Downstream(did) {
		if ec.statuses[down].IsTerminal() {
			continue
		}
		ec.statuses[down] = ConstructBlocked
		ec.diagnostics[down] = types.NewConstructError(
			fmt.Sprintf("%s cannot run: dependency %s failed: %s", ec.label(down), ec.label(did), diag.Message), diag).
			WithCode(types.ErrCodeDependencyFailed).
			WithConstruct(down).
			WithDetail("root_cause", string(did))
		blocked = append(blocked, down)
	}
	return blocked
}

// SimulateExecution walks the execution order without running anything and
// fails every construct holding an unresolved reference, blocking its
// dependents. It returns the failures.
func (ec *ExecutionContext) SimulateExecution() ([]*types.Diagnostic, error) {
	order := ec.ExecutionOrder()
	if order == nil {
		var err error
		if order, err = ec.ComputeExecutionOrder(); err != nil {
			return nil, err
		}
	}

	var failures []*types.Diagnostic
	for _, did := range order {
		if ec.Status(did).IsTerminal() {
			continue
		}
		c, ok := ec.Construct(did)
		if !ok || len(c.Unresolved) == 0 {
			continue
		}
		diag := UnresolvedReference(c, c.Unresolved[0])
		ec.MarkFailed(did, diag)
		failures = append(failures, diag)
	}
	return failures, nil
}

// UnresolvedReference builds the diagnostic of a construct referencing
// something that does not exist.
func UnresolvedReference(c *ConstructInstance, ref workspace.AttributeReference) *types.Diagnostic {
	return types.NewConstructError(fmt.Sprintf("unresolved reference ${%s} in %s", ref.Ref.Raw, c.Label()), nil).
		WithCode(types.ErrCodeUnresolvedReference).
		WithConstruct(c.Did).
		WithLocation(c.Location).
		WithPath(ref.Attribute)
}

// Restore seeds results from persisted state. Results of unknown
// constructs are ignored. In force mode nothing is restored.
func (ec *ExecutionContext) Restore(results map[types.ConstructDid]*types.CommandExecutionResult) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.force {
		return 0
	}
	restored := 0
	for did, r := range results {
		if !ec.known(did) {
			continue
		}
		ec.results[did] = r
		ec.statuses[did] = ConstructExecuted
		restored++
	}
	return restored
}

// Summary counts constructs per status and lists the failures in
// execution order.
type Summary struct {
	Counts   map[ConstructStatus]int `json:"counts"`
	Failures []*types.Diagnostic     `json:"failures,omitempty"`
}

// HasFailures reports whether any construct failed or was blocked.
func (s *Summary) HasFailures() bool {
	return len(s.Failures) > 0
}

// Summary returns the per-status counts of the run.
func (ec *ExecutionContext) Summary() *Summary {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	sum := &Summary{Counts: make(map[ConstructStatus]int)}
	order := ec.executionOrder
	if order == nil {
		order = ec.graph().sortedNodes()
	}
	for _, did := range order {
		st := ec.statuses[did]
		sum.Counts[st]++
		if st.IsFailure() {
			if d, ok := ec.diagnostics[did]; ok {
				sum.Failures = append(sum.Failures, d)
			}
		}
	}
	return sum
}

// ExecutionMode restricts which constructs a pass executes.
type ExecutionMode struct {
	kind executionModeKind
	only map[types.ConstructDid]bool
}

type executionModeKind int

const (
	modeFull executionModeKind = iota
	modePartial
	modeIgnored
)

// FullExecution executes every construct. It is the zero value.
func FullExecution() ExecutionMode {
	return ExecutionMode{kind: modeFull}
}

// PartialExecution executes only the listed constructs.
func PartialExecution(dids ...types.ConstructDid) ExecutionMode {
	only := make(map[types.ConstructDid]bool, len(dids))
	for _, did := range dids {
		only[did] = true
	}
	return ExecutionMode{kind: modePartial, only: only}
}

// IgnoredExecution executes nothing.
func IgnoredExecution() ExecutionMode {
	return ExecutionMode{kind: modeIgnored}
}

// Includes reports whether did runs under the mode.
func (m ExecutionMode) Includes(did types.ConstructDid) bool {
	switch m.kind {
	case modePartial:
		return m.only[did]
	case modeIgnored:
		return false
	default:
		return true
	}
}

// String implements fmt.Stringer.
func (m ExecutionMode) String() string {
	switch m.kind {
	case modePartial:
		return fmt.Sprintf("partial(%d)", len(m.only))
	case modeIgnored:
		return "ignored"
	default:
		return "full"
	}
}

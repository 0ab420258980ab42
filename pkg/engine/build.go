package engine

import (
	"github.com/txtx/txtx/pkg/types"
	"github.com/txtx/txtx/pkg/workspace"
)

// FromWorkspace builds the execution context of an indexed workspace: one
// instance per executable or signing construct, one edge per resolved
// reference, and both orders computed. Environment references and
// post_condition references to the construct itself are not edges.
//
// A cycle is returned as an error. References that do not resolve are kept
// on the instance and reported by SimulateExecution.
func FromWorkspace(ws *workspace.Workspace) (*ExecutionContext, error) {
	ec := NewExecutionContext()

	var dids []types.ConstructDid
	for _, inst := range ws.Instances() {
		c := inst.Construct
		base := ConstructInstance{
			Did:       c.Did,
			Package:   c.ID.Package,
			Kind:      c.Kind,
			Name:      c.Name,
			Namespace: c.Namespace,
			Matcher:   c.Matcher,
			Block:     c.Block,
			DeclIndex: c.DeclIndex,
			Location:  c.Location,
		}
		switch inst.Kind {
		case workspace.InstanceExecutable:
			ec.AddCommand(&CommandInstance{ConstructInstance: base, Spec: inst.Command})
		case workspace.InstanceSigning:
			ec.AddSigner(&SignerInstance{ConstructInstance: base, Spec: inst.Signer})
		default:
			continue
		}
		dids = append(dids, c.Did)
	}

	malformed := make(map[types.ConstructDid]*types.Diagnostic)
	for _, did := range dids {
		deps, unresolved, err := ws.Dependencies(did)
		if err != nil {
			malformed[did] = types.AsDiagnostic(err)
			continue
		}
		if c, ok := ec.Construct(did); ok {
			c.Unresolved = unresolved
		}
		for _, dep := range deps {
			if dep.SelfCheck || dep.Resolution.IsEnv() {
				continue
			}
			if err := ec.AddDependency(dep.Resolution.Did, did); err != nil {
				return nil, types.NewStructuralError("reference to a construct that is not executable", err).
					WithCode(types.ErrCodeUnresolvedReference).
					WithConstruct(did).
					WithPath(dep.Attribute)
			}
		}
	}

	if _, err := ec.ComputeExecutionOrder(); err != nil {
		return nil, err
	}
	if _, err := ec.ComputeSignerInitializationOrder(); err != nil {
		return nil, err
	}

	for _, did := range ec.ExecutionOrder() {
		if d, ok := malformed[did]; ok {
			ec.MarkFailed(did, d)
		}
	}
	return ec, nil
}

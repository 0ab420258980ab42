package engine

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/txtx/txtx/pkg/types"
)

// Snapshot is an immutable export of a run: its packages and every
// construct that has a result, with inputs and outputs.
type Snapshot struct {
	Org             string                   `json:"org"`
	Project         string                   `json:"project"`
	Name            string                   `json:"name"`
	EndedAt         time.Time                `json:"ended_at"`
	Packages        []SnapshotPackage        `json:"packages"`
	SigningCommands []SnapshotConstruct      `json:"signing_commands"`
	Commands        []SnapshotConstruct      `json:"commands"`
	Environment     string                   `json:"environment,omitempty"`
	Summary         map[ConstructStatus]int  `json:"summary,omitempty"`
}

// SnapshotPackage identifies one package.
type SnapshotPackage struct {
	Did      types.PackageDid `json:"did"`
	Location string           `json:"location"`
	Name     string           `json:"name"`
}

// SnapshotConstruct is one construct with a result. Commands list the dids
// they depend on; signers list the dids they signed for.
type SnapshotConstruct struct {
	PackageDid    types.PackageDid   `json:"package_did"`
	ConstructDid  types.ConstructDid `json:"construct_did"`
	ConstructType string             `json:"construct_type"`
	ConstructName string             `json:"construct_name"`
	ConstructPath string             `json:"construct_path"`
	Namespace     string             `json:"construct_addon"`
	Inputs        []SnapshotInput    `json:"inputs"`
	Outputs       []SnapshotOutput   `json:"outputs"`

	UpstreamConstructDids   []types.ConstructDid `json:"upstream_constructs_dids,omitempty"`
	DownstreamConstructDids []types.ConstructDid `json:"downstream_constructs_dids,omitempty"`
}

// SnapshotInput is one input before and after evaluation.
type SnapshotInput struct {
	Name                string      `json:"name"`
	ValuePreEvaluation  interface{} `json:"value_pre_evaluation"`
	ValuePostEvaluation interface{} `json:"value_post_evaluation"`
	Critical            bool        `json:"critical"`
}

// SnapshotOutput is one output value.
type SnapshotOutput struct {
	Name   string      `json:"name"`
	Value  interface{} `json:"value"`
	Signed bool        `json:"signed"`
}

// SnapshotMeta names the run being exported.
type SnapshotMeta struct {
	Org         string
	Project     string
	Name        string
	Environment string
	EndedAt     time.Time
}

// Snapshot exports every construct that has a result, in execution order.
// Constructs still pending, in flight or failed are left out.
func (ec *ExecutionContext) Snapshot(meta SnapshotMeta, packages []SnapshotPackage, states *SigningCommandsState) *Snapshot {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	endedAt := meta.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	snap := &Snapshot{
		Org:             meta.Org,
		Project:         meta.Project,
		Name:            meta.Name,
		Environment:     meta.Environment,
		EndedAt:         endedAt,
		Packages:        append([]SnapshotPackage(nil), packages...),
		SigningCommands: []SnapshotConstruct{},
		Commands:        []SnapshotConstruct{},
		Summary:         make(map[ConstructStatus]int),
	}

	order := ec.executionOrder
	if order == nil {
		order = ec.graph().sortedNodes()
	}

	for _, did := range order {
		snap.Summary[ec.statuses[did]]++
		result, ok := ec.results[did]
		if !ok {
			continue
		}

		if s, isSigner := ec.signers[did]; isSigner {
			entry := snapshotConstruct(&s.ConstructInstance, s.Spec.Inputs(), result, false)
			if states != nil {
				if state, ok := states.Get(did); ok {
					for scope := range state.Scoped {
						if types.IsSigned(state, types.ConstructDid(scope)) {
							entry.DownstreamConstructDids = append(entry.DownstreamConstructDids, types.ConstructDid(scope))
						}
					}
				}
			}
			sort.Slice(entry.DownstreamConstructDids, func(i, j int) bool {
				return entry.DownstreamConstructDids[i] < entry.DownstreamConstructDids[j]
			})
			snap.SigningCommands = append(snap.SigningCommands, entry)
			continue
		}

		c := ec.commands[did]
		_, signed := c.Signed()
		entry := snapshotConstruct(&c.ConstructInstance, c.Spec.Inputs(), result, signed)
		entry.UpstreamConstructDids = append([]types.ConstructDid(nil), ec.upstream[did]...)
		snap.Commands = append(snap.Commands, entry)
	}
	return snap
}

func snapshotConstruct(c *ConstructInstance, specs []types.InputSpecification, result *types.CommandExecutionResult, signed bool) SnapshotConstruct {
	entry := SnapshotConstruct{
		PackageDid:    c.Package.Did(),
		ConstructDid:  c.Did,
		ConstructType: c.Kind,
		ConstructName: c.Name,
		ConstructPath: c.Location,
		Namespace:     c.Namespace,
		Inputs:        []SnapshotInput{},
		Outputs:       []SnapshotOutput{},
	}

	sensitive := make(map[string]bool)
	critical := make(map[string]bool)
	for _, spec := range specs {
		sensitive[spec.Name] = spec.Sensitive
		critical[spec.Name] = !spec.Optional
	}

	if c.Evaluated != nil {
		for _, name := range c.Evaluated.Inputs.Keys() {
			post, _ := c.Evaluated.Inputs.Get(name)
			pre := c.Evaluated.Raw[name]
			if sensitive[name] {
				pre, post = redacted, redacted
			}
			entry.Inputs = append(entry.Inputs, SnapshotInput{
				Name:                name,
				ValuePreEvaluation:  pre,
				ValuePostEvaluation: post,
				Critical:            critical[name],
			})
		}
	}

	names := make([]string, 0, len(result.Outputs))
	for name := range result.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry.Outputs = append(entry.Outputs, SnapshotOutput{
			Name:   name,
			Value:  result.Outputs[name],
			Signed: signed,
		})
	}
	return entry
}

const redacted = "<redacted>"

// JSON renders the snapshot as indented JSON.
func (s *Snapshot) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/types"
)

func labels(ec *ExecutionContext, order []types.ConstructDid) []string {
	out := make([]string, len(order))
	for i, did := range order {
		out[i] = ec.Label(did)
	}
	return out
}

func diamond() []testConstruct {
	return []testConstruct{
		variable("a", 1),
		action("b", "test::echo", map[string]interface{}{"x": "${variable.a}"}),
		action("c", "test::echo", map[string]interface{}{"x": "${variable.a}"}),
		action("d", "test::echo", map[string]interface{}{"y": "${action.b.x}", "z": "${action.c.x}"}),
	}
}

func TestFromWorkspace_DiamondOrder(t *testing.T) {
	ws, err := buildWorkspace(nil, diamond()...)
	if err != nil {
		t.Fatalf("Failed to build workspace: %v", err)
	}
	ec, err := FromWorkspace(ws)
	if err != nil {
		t.Fatalf("Failed to build execution context: %v", err)
	}

	got := strings.Join(labels(ec, ec.ExecutionOrder()), ",")
	if got != "variable.a,action.b,action.c,action.d" {
		t.Errorf("Expected diamond order, got %s", got)
	}

	if deps := ec.Dependents(didOf(t, ws, config.KindVariable, "a")); len(deps) != 2 {
		t.Errorf("Expected 2 dependents of variable.a, got %d", len(deps))
	}
	if up := ec.Upstream(didOf(t, ws, config.KindAction, "d")); len(up) != 2 {
		t.Errorf("Expected 2 upstream constructs of action.d, got %d", len(up))
	}
}

func TestFromWorkspace_StableAcrossReindexing(t *testing.T) {
	var previous []types.ConstructDid
	for i := 0; i < 3; i++ {
		ws, err := buildWorkspace(nil, diamond()...)
		if err != nil {
			t.Fatalf("Failed to build workspace: %v", err)
		}
		ec, err := FromWorkspace(ws)
		if err != nil {
			t.Fatalf("Failed to build execution context: %v", err)
		}
		order := ec.ExecutionOrder()
		if previous != nil {
			for j := range order {
				if order[j] != previous[j] {
					t.Fatalf("run %d: order changed at %d", i, j)
				}
			}
		}
		previous = order
	}
}

func TestFromWorkspace_Cycle(t *testing.T) {
	ws, err := buildWorkspace(nil,
		action("p", "test::echo", map[string]interface{}{"x": "${action.q.x}"}),
		action("q", "test::echo", map[string]interface{}{"x": "${action.r.x}"}),
		action("r", "test::echo", map[string]interface{}{"x": "${action.p.x}"}),
	)
	if err != nil {
		t.Fatalf("Failed to build workspace: %v", err)
	}

	_, err = FromWorkspace(ws)
	if err == nil {
		t.Fatal("Expected cycle error")
	}
	var diag *types.Diagnostic
	if !errors.As(err, &diag) || diag.Code != types.ErrCodeCycleDetected {
		t.Fatalf("Expected CYCLE_DETECTED, got %v", err)
	}
	path := strings.Join(diag.Path, " -> ")
	for _, name := range []string{"action.p", "action.q", "action.r"} {
		if !strings.Contains(path, name) {
			t.Errorf("Expected path to contain %s, got %s", name, path)
		}
	}
}

func TestFromWorkspace_Conditions(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		wantCycle bool
	}{
		{name: "post condition self reference", key: "post_condition", wantCycle: false},
		{name: "pre condition self reference", key: "pre_condition", wantCycle: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, err := buildWorkspace(nil, action("t", "test::echo", map[string]interface{}{
				"ok":   true,
				tt.key: map[string]interface{}{"assertion": "${action.t.ok}"},
			}))
			if err != nil {
				t.Fatalf("Failed to build workspace: %v", err)
			}
			_, err = FromWorkspace(ws)
			if tt.wantCycle && err == nil {
				t.Error("Expected a cycle")
			}
			if !tt.wantCycle && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestFromWorkspace_SignerOrder(t *testing.T) {
	ws, err := buildWorkspace(nil,
		testConstruct{kind: config.KindSigner, name: "carol", typ: "test::wallet", block: map[string]interface{}{"hint": "${variable.addr}"}},
		signer("alice"),
		signer("bob"),
		variable("addr", "${signer.alice.address}"),
		action("t", "test::echo", map[string]interface{}{"signer": "${signer.alice}"}),
	)
	if err != nil {
		t.Fatalf("Failed to build workspace: %v", err)
	}
	ec, err := FromWorkspace(ws)
	if err != nil {
		t.Fatalf("Failed to build execution context: %v", err)
	}

	got := strings.Join(labels(ec, ec.SignerInitializationOrder()), ",")
	if got != "signer.alice,signer.carol,signer.bob" {
		t.Errorf("Expected alice before carol and bob included, got %s", got)
	}

	tDid := didOf(t, ws, config.KindAction, "t")
	signers := ec.UpstreamSigners(tDid)
	if len(signers) != 1 || signers[0].Name != "alice" {
		t.Errorf("Expected alice upstream of action.t, got %v", signers)
	}

	carol := didOf(t, ws, config.KindSigner, "carol")
	feeding := ec.SignersFeeding(carol)
	if len(feeding) != 1 || feeding[0].Name != "alice" {
		t.Errorf("Expected alice feeding carol, got %d signers", len(feeding))
	}
}

func TestFromWorkspace_EnvReferencesAreNotEdges(t *testing.T) {
	ws, err := buildWorkspace(nil, action("t", "test::echo", map[string]interface{}{"n": "${env.network}"}))
	if err != nil {
		t.Fatalf("Failed to build workspace: %v", err)
	}
	ws.SetEnvironment("devnet", map[string]interface{}{"network": "devnet"})

	ec, err := FromWorkspace(ws)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	did := didOf(t, ws, config.KindAction, "t")
	if len(ec.Upstream(did)) != 0 {
		t.Errorf("Expected no upstream edges, got %v", ec.Upstream(did))
	}
}

func TestRecordResult_AppendOnly(t *testing.T) {
	ec := NewExecutionContext()
	ec.AddCommand(&CommandInstance{ConstructInstance: ConstructInstance{Did: "a", Kind: "action", Name: "a"}})

	first := types.NewCommandExecutionResult()
	first.Insert("x", 1)
	if err := ec.RecordResult("a", first); err != nil {
		t.Fatalf("Expected first write to succeed, got %v", err)
	}

	same := types.NewCommandExecutionResult()
	same.Insert("x", int64(1))
	if err := ec.RecordResult("a", same); err != nil {
		t.Errorf("Expected equal write to be a no-op, got %v", err)
	}

	different := types.NewCommandExecutionResult()
	different.Insert("x", 2)
	err := ec.RecordResult("a", different)
	var diag *types.Diagnostic
	if !errors.As(err, &diag) || diag.Code != types.ErrCodeResultConflict {
		t.Fatalf("Expected RESULT_CONFLICT, got %v", err)
	}

	r, _ := ec.Result("a")
	if v, _ := r.Get("x"); v != 1 {
		t.Errorf("Expected the first result to stay, got %v", v)
	}

	ec.SetForce(true)
	if err := ec.RecordResult("a", different); err != nil {
		t.Fatalf("Expected forced write to succeed, got %v", err)
	}
	r, _ = ec.Result("a")
	if v, _ := r.Get("x"); v != 2 {
		t.Errorf("Expected forced result, got %v", v)
	}

	if err := ec.RecordResult("unknown", first); err == nil {
		t.Error("Expected error for unknown construct")
	}
}

func TestMarkFailed_BlocksDependents(t *testing.T) {
	ec := NewExecutionContext()
	for i, name := range []string{"a", "b", "c", "e"} {
		ec.AddCommand(&CommandInstance{ConstructInstance: ConstructInstance{
			Did: types.ConstructDid(name), Kind: "action", Name: name, DeclIndex: i,
		}})
	}
	_ = ec.AddDependency("a", "b")
	_ = ec.AddDependency("b", "c")
	_ = ec.RecordResult("a", types.NewCommandExecutionResult())

	root := types.NewConstructError("boom", nil)
	blocked := ec.MarkFailed("b", root)

	if len(blocked) != 1 || blocked[0] != "c" {
		t.Fatalf("Expected [c] blocked, got %v", blocked)
	}
	if ec.Status("b") != ConstructFailed {
		t.Errorf("Expected b failed, got %s", ec.Status("b"))
	}
	if ec.Status("c") != ConstructBlocked {
		t.Errorf("Expected c blocked, got %s", ec.Status("c"))
	}
	if ec.Status("a") != ConstructExecuted {
		t.Errorf("Expected a executed, got %s", ec.Status("a"))
	}
	if ec.Status("e") != ConstructPending {
		t.Errorf("Expected e untouched, got %s", ec.Status("e"))
	}

	d, ok := ec.Diagnostic("c")
	if !ok {
		t.Fatal("Expected a diagnostic on c")
	}
	if d.Code != types.ErrCodeDependencyFailed {
		t.Errorf("Expected DEPENDENCY_FAILED, got %s", d.Code)
	}
	if d.Details["root_cause"] != "b" {
		t.Errorf("Expected root cause b, got %v", d.Details["root_cause"])
	}
	if !errors.Is(d, root) {
		t.Error("Expected the blocked diagnostic to wrap the root cause")
	}

	sum := ec.Summary()
	if !sum.HasFailures() || len(sum.Failures) != 2 {
		t.Errorf("Expected 2 failures in summary, got %d", len(sum.Failures))
	}
}

func TestSimulateExecution_MissingVariable(t *testing.T) {
	ws, err := buildWorkspace(nil,
		variable("ok", 1),
		action("t", "test::echo", map[string]interface{}{"x": "${variable.missing}"}),
		action("u", "test::echo", map[string]interface{}{"y": "${action.t.x}"}),
		action("v", "test::echo", map[string]interface{}{"z": "${variable.ok}"}),
	)
	if err != nil {
		t.Fatalf("Failed to build workspace: %v", err)
	}
	ec, err := FromWorkspace(ws)
	if err != nil {
		t.Fatalf("Failed to build execution context: %v", err)
	}

	failures, err := ec.SimulateExecution()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(failures))
	}

	tDid := didOf(t, ws, config.KindAction, "t")
	if failures[0].Code != types.ErrCodeUnresolvedReference || failures[0].Construct != tDid {
		t.Errorf("Expected UNRESOLVED_REFERENCE on action.t, got %v", failures[0])
	}
	if got := ec.Status(didOf(t, ws, config.KindAction, "u")); got != ConstructBlocked {
		t.Errorf("Expected action.u blocked, got %s", got)
	}
	if got := ec.Status(didOf(t, ws, config.KindAction, "v")); got != ConstructPending {
		t.Errorf("Expected action.v pending, got %s", got)
	}
}

func TestRestore(t *testing.T) {
	ec := NewExecutionContext()
	ec.AddCommand(&CommandInstance{ConstructInstance: ConstructInstance{Did: "a", Kind: "action", Name: "a"}})

	n := ec.Restore(map[types.ConstructDid]*types.CommandExecutionResult{
		"a":     types.NewCommandExecutionResult(),
		"stale": types.NewCommandExecutionResult(),
	})
	if n != 1 {
		t.Errorf("Expected 1 restored result, got %d", n)
	}
	if ec.Status("a") != ConstructExecuted {
		t.Errorf("Expected a executed, got %s", ec.Status("a"))
	}

	forced := NewExecutionContext()
	forced.AddCommand(&CommandInstance{ConstructInstance: ConstructInstance{Did: "a", Kind: "action", Name: "a"}})
	forced.SetForce(true)
	if n := forced.Restore(map[types.ConstructDid]*types.CommandExecutionResult{"a": types.NewCommandExecutionResult()}); n != 0 {
		t.Errorf("Expected nothing restored in force mode, got %d", n)
	}
}

func TestExecutionMode(t *testing.T) {
	tests := []struct {
		name string
		mode ExecutionMode
		did  types.ConstructDid
		want bool
	}{
		{name: "zero value is full", mode: ExecutionMode{}, did: "a", want: true},
		{name: "full", mode: FullExecution(), did: "a", want: true},
		{name: "partial listed", mode: PartialExecution("a", "b"), did: "b", want: true},
		{name: "partial unlisted", mode: PartialExecution("a"), did: "c", want: false},
		{name: "ignored", mode: IgnoredExecution(), did: "a", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.mode.Includes(tt.did); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestUpstreamClosure(t *testing.T) {
	ws, err := buildWorkspace(nil, diamond()...)
	if err != nil {
		t.Fatalf("Failed to build workspace: %v", err)
	}
	ec, err := FromWorkspace(ws)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	closure := ec.UpstreamClosure(didOf(t, ws, config.KindAction, "b"))
	if len(closure) != 2 {
		t.Errorf("Expected action.b and variable.a, got %v", labels(ec, closure))
	}
}

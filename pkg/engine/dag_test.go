package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/txtx/txtx/pkg/types"
)

func newTestGraph(names ...string) *Graph {
	g := NewGraph()
	for i, n := range names {
		g.AddNode(types.ConstructDid(n), i, "action."+n)
	}
	return g
}

func indexOf(order []types.ConstructDid, did string) int {
	for i, d := range order {
		if string(d) == did {
			return i
		}
	}
	return -1
}

func TestGraph_TopologicalOrder_Empty(t *testing.T) {
	order, err := NewGraph().TopologicalOrder()
	if err != nil {
		t.Fatalf("Expected no error for empty graph, got: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("Expected empty order, got %v", order)
	}
}

func TestGraph_TopologicalOrder_Diamond(t *testing.T) {
	g := newTestGraph("a", "b", "c", "d")
	g.AddEdge("a", "b")
	g.AddEdge("a", "c")
	g.AddEdge("b", "d")
	g.AddEdge("c", "d")

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("Expected 4 nodes, got %d", len(order))
	}

	a, b, c, d := indexOf(order, "a"), indexOf(order, "b"), indexOf(order, "c"), indexOf(order, "d")
	if a > b || a > c {
		t.Errorf("Expected a before b and c, got %v", order)
	}
	if b > d || c > d {
		t.Errorf("Expected b and c before d, got %v", order)
	}
}

func TestGraph_TopologicalOrder_DeclarationTieBreak(t *testing.T) {
	g := NewGraph()
	g.AddNode("late", 5, "action.late")
	g.AddNode("early", 1, "action.early")
	g.AddNode("middle", 3, "action.middle")

	for i := 0; i < 5; i++ {
		order, err := g.TopologicalOrder()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := []string{"early", "middle", "late"}
		for j, w := range want {
			if string(order[j]) != w {
				t.Fatalf("run %d: Expected %v, got %v", i, want, order)
			}
		}
	}
}

func TestGraph_TopologicalOrder_ReadyNodeBeatsLaterDeclaration(t *testing.T) {
	// c is declared first but depends on b; a and b must come first, and a
	// is picked before b only because it is declared earlier.
	g := NewGraph()
	g.AddNode("c", 0, "action.c")
	g.AddNode("a", 1, "action.a")
	g.AddNode("b", 2, "action.b")
	g.AddEdge("b", "c")

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if string(order[i]) != w {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}
}

func TestGraph_TopologicalOrder_Cycle(t *testing.T) {
	g := newTestGraph("a", "b", "c", "free")
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "a")

	_, err := g.TopologicalOrder()
	if err == nil {
		t.Fatal("Expected cycle error")
	}

	var diag *types.Diagnostic
	if !errors.As(err, &diag) {
		t.Fatalf("Expected *types.Diagnostic, got %T", err)
	}
	if diag.Code != types.ErrCodeCycleDetected {
		t.Errorf("Expected code %s, got %s", types.ErrCodeCycleDetected, diag.Code)
	}
	if !types.IsStructural(err) {
		t.Error("Expected a structural error")
	}

	path := strings.Join(diag.Path, " -> ")
	for _, name := range []string{"action.a", "action.b", "action.c"} {
		if !strings.Contains(path, name) {
			t.Errorf("Expected cycle path to contain %s, got %s", name, path)
		}
	}
	if strings.Contains(path, "action.free") {
		t.Errorf("Expected cycle path to exclude action.free, got %s", path)
	}
	if diag.Path[0] != diag.Path[len(diag.Path)-1] {
		t.Errorf("Expected a closed cycle path, got %s", path)
	}
}

func TestGraph_TopologicalOrder_CycleDownstreamOfAcyclicPart(t *testing.T) {
	g := newTestGraph("root", "x", "y", "tail")
	g.AddEdge("root", "x")
	g.AddEdge("x", "y")
	g.AddEdge("y", "x")
	g.AddEdge("y", "tail")

	_, err := g.TopologicalOrder()
	var diag *types.Diagnostic
	if !errors.As(err, &diag) {
		t.Fatalf("Expected cycle diagnostic, got %v", err)
	}
	if len(diag.Path) != 3 {
		t.Errorf("Expected path x -> y -> x, got %v", diag.Path)
	}
}

func TestGraph_SelfLoop(t *testing.T) {
	g := newTestGraph("a")
	g.AddEdge("a", "a")

	_, err := g.TopologicalOrder()
	var diag *types.Diagnostic
	if !errors.As(err, &diag) {
		t.Fatalf("Expected cycle diagnostic, got %v", err)
	}
	if len(diag.Path) != 2 || diag.Path[0] != "action.a" {
		t.Errorf("Expected path action.a -> action.a, got %v", diag.Path)
	}
}

func TestGraph_AddEdge_IgnoresDuplicatesAndUnknown(t *testing.T) {
	g := newTestGraph("a", "b")
	g.AddEdge("a", "b")
	g.AddEdge("a", "b")
	g.AddEdge("a", "missing")

	if len(g.Dependents("a")) != 1 {
		t.Errorf("Expected 1 dependent, got %v", g.Dependents("a"))
	}
	if len(g.Dependencies("b")) != 1 {
		t.Errorf("Expected 1 dependency, got %v", g.Dependencies("b"))
	}
}

func TestGraph_Levels(t *testing.T) {
	g := newTestGraph("a", "b", "c", "d", "e")
	g.AddEdge("a", "b")
	g.AddEdge("a", "c")
	g.AddEdge("b", "d")
	g.AddEdge("c", "d")

	levels, err := g.Levels()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(levels))
	}
	if len(levels[0]) != 2 {
		t.Errorf("Expected a and e at level 0, got %v", levels[0])
	}
	if len(levels[1]) != 2 {
		t.Errorf("Expected b and c at level 1, got %v", levels[1])
	}
	if len(levels[2]) != 1 || levels[2][0] != "d" {
		t.Errorf("Expected d at level 2, got %v", levels[2])
	}
}

func TestGraph_UpstreamDownstream(t *testing.T) {
	g := newTestGraph("a", "b", "c", "d")
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	down := g.Downstream("a")
	if len(down) != 2 || down[0] != "b" || down[1] != "c" {
		t.Errorf("Expected [b c], got %v", down)
	}
	up := g.Upstream("c")
	if len(up) != 2 || up[0] != "a" || up[1] != "b" {
		t.Errorf("Expected [a b], got %v", up)
	}
	if len(g.Downstream("d")) != 0 {
		t.Errorf("Expected no downstream for d")
	}
}

func TestGraph_ToDOT(t *testing.T) {
	g := NewGraph()
	g.AddNode("s", 0, "signer.alice")
	g.AddNode("t", 1, "action.transfer")
	g.AddEdge("s", "t")

	dot := g.ToDOT()
	if !strings.Contains(dot, "digraph Runbook") {
		t.Error("Expected DOT output to contain digraph declaration")
	}
	if !strings.Contains(dot, "signer.alice") || !strings.Contains(dot, "action.transfer") {
		t.Error("Expected DOT output to contain node labels")
	}
	if !strings.Contains(dot, `"s" -> "t"`) {
		t.Errorf("Expected edge in DOT output, got:\n%s", dot)
	}
}

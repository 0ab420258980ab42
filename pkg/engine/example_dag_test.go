package engine_test

import (
	"fmt"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"
)

// ExampleGraph_TopologicalOrder orders a diamond: the fee variable feeds
// two transfers, both feeding a final report.
func ExampleGraph_TopologicalOrder() {
	g := engine.NewGraph()
	g.AddNode("fee", 0, "variable.fee")
	g.AddNode("pay_alice", 1, "action.pay_alice")
	g.AddNode("pay_bob", 2, "action.pay_bob")
	g.AddNode("report", 3, "output.report")

	g.AddEdge("fee", "pay_alice")
	g.AddEdge("fee", "pay_bob")
	g.AddEdge("pay_alice", "report")
	g.AddEdge("pay_bob", "report")

	order, err := g.TopologicalOrder()
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, did := range order {
		fmt.Println(did)
	}

	levels, _ := g.Levels()
	fmt.Printf("levels: %d\n", len(levels))

	// Output:
	// fee
	// pay_alice
	// pay_bob
	// report
	// levels: 3
}

// ExampleGraph_TopologicalOrder_cycle shows the cycle path carried by the
// diagnostic.
func ExampleGraph_TopologicalOrder_cycle() {
	g := engine.NewGraph()
	g.AddNode("a", 0, "action.a")
	g.AddNode("b", 1, "action.b")
	g.AddEdge("a", "b")
	g.AddEdge("b", "a")

	_, err := g.TopologicalOrder()
	if d, ok := err.(*types.Diagnostic); ok {
		fmt.Println(d.Code)
		fmt.Println(d.Path)
	}

	// Output:
	// CYCLE_DETECTED
	// [action.a action.b action.a]
}

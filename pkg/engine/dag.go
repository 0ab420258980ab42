package engine

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/txtx/txtx/pkg/types"
)

// Graph is a dependency graph of constructs. Edges point from the
// depended-upon construct to its dependent.
type Graph struct {
	// nodes maps a did to its declaration index and display label
	nodes map[types.ConstructDid]graphNode

	// adjacencyList maps a did to its dependents
	adjacencyList map[types.ConstructDid][]types.ConstructDid

	// reverseAdjacencyList maps a did to its dependencies
	reverseAdjacencyList map[types.ConstructDid][]types.ConstructDid

	// inDegree tracks the number of incoming edges for each node
	inDegree map[types.ConstructDid]int
}

type graphNode struct {
	declIndex int
	label     string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:                make(map[types.ConstructDid]graphNode),
		adjacencyList:        make(map[types.ConstructDid][]types.ConstructDid),
		reverseAdjacencyList: make(map[types.ConstructDid][]types.ConstructDid),
		inDegree:             make(map[types.ConstructDid]int),
	}
}

// AddNode adds a node. declIndex breaks ordering ties; label names the node
// in cycle paths.
func (g *Graph) AddNode(did types.ConstructDid, declIndex int, label string) {
	if _, exists := g.nodes[did]; exists {
		return
	}
	g.nodes[did] = graphNode{declIndex: declIndex, label: label}
	g.inDegree[did] = 0
}

// AddEdge adds an edge from a dependency to its dependent. Duplicate edges
// and edges touching unknown nodes are ignored.
func (g *Graph) AddEdge(from, to types.ConstructDid) {
	if _, ok := g.nodes[from]; !ok {
		return
	}
	if _, ok := g.nodes[to]; !ok {
		return
	}
	for _, existing := range g.adjacencyList[from] {
		if existing == to {
			return
		}
	}
	g.adjacencyList[from] = append(g.adjacencyList[from], to)
	g.reverseAdjacencyList[to] = append(g.reverseAdjacencyList[to], from)
	g.inDegree[to]++
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Dependents returns the direct dependents of a node.
func (g *Graph) Dependents(did types.ConstructDid) []types.ConstructDid {
	return g.adjacencyList[did]
}

// Dependencies returns the direct dependencies of a node.
func (g *Graph) Dependencies(did types.ConstructDid) []types.ConstructDid {
	return g.reverseAdjacencyList[did]
}

// declQueue is a min-heap of dids ordered by declaration index.
type declQueue struct {
	dids  []types.ConstructDid
	nodes map[types.ConstructDid]graphNode
}

func (q *declQueue) Len() int { return len(q.dids) }
func (q *declQueue) Less(i, j int) bool {
	return q.nodes[q.dids[i]].declIndex < q.nodes[q.dids[j]].declIndex
}
func (q *declQueue) Swap(i, j int) { q.dids[i], q.dids[j] = q.dids[j], q.dids[i] }
func (q *declQueue) Push(x interface{}) {
	q.dids = append(q.dids, x.(types.ConstructDid))
}
func (q *declQueue) Pop() interface{} {
	old := q.dids
	n := len(old)
	x := old[n-1]
	q.dids = old[:n-1]
	return x
}

// TopologicalOrder returns every node after its dependencies using Kahn's
// algorithm. Among ready nodes, the earliest declared goes first. When no
// node can be selected while some remain, the remaining set holds a cycle
// and a structural diagnostic carrying the cycle path is returned.
func (g *Graph) TopologicalOrder() ([]types.ConstructDid, error) {
	inDegree := make(map[types.ConstructDid]int, len(g.inDegree))
	for did, degree := range g.inDegree {
		inDegree[did] = degree
	}

	queue := &declQueue{nodes: g.nodes}
	for did, degree := range inDegree {
		if degree == 0 {
			queue.dids = append(queue.dids, did)
		}
	}
	heap.Init(queue)

	order := make([]types.ConstructDid, 0, len(g.nodes))
	for queue.Len() > 0 {
		did := heap.Pop(queue).(types.ConstructDid)
		order = append(order, did)
		for _, dependent := range g.adjacencyList[did] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(queue, dependent)
			}
		}
	}

	if len(order) == len(g.nodes) {
		return order, nil
	}

	remaining := make(map[types.ConstructDid]bool)
	for did, degree := range inDegree {
		if degree > 0 {
			remaining[did] = true
		}
	}
	cycle := g.findCycle(remaining)
	labels := make([]string, len(cycle))
	dids := make([]string, len(cycle))
	for i, did := range cycle {
		labels[i] = g.nodes[did].label
		dids[i] = string(did)
	}

	return nil, types.NewStructuralError("dependency cycle detected", nil).
		WithCode(types.ErrCodeCycleDetected).
		WithPath(labels).
		WithDetail("dids", dids)
}

// findCycle walks the remaining subgraph depth first and returns the first
// cycle found, closed on its starting node.
func (g *Graph) findCycle(remaining map[types.ConstructDid]bool) []types.ConstructDid {
	starts := make([]types.ConstructDid, 0, len(remaining))
	for did := range remaining {
		starts = append(starts, did)
	}
	sort.Slice(starts, func(i, j int) bool {
		return g.nodes[starts[i]].declIndex < g.nodes[starts[j]].declIndex
	})

	visited := make(map[types.ConstructDid]bool)
	recStack := make(map[types.ConstructDid]bool)
	for _, start := range starts {
		if visited[start] {
			continue
		}
		if cycle := g.detectCyclesUtil(start, remaining, visited, recStack, nil); cycle != nil {
			return cycle
		}
	}
	return starts
}

func (g *Graph) detectCyclesUtil(
	did types.ConstructDid,
	remaining map[types.ConstructDid]bool,
	visited map[types.ConstructDid]bool,
	recStack map[types.ConstructDid]bool,
	path []types.ConstructDid,
) []types.ConstructDid {
	visited[did] = true
	recStack[did] = true
	path = append(path, did)

	for _, dependent := range g.adjacencyList[did] {
		if !remaining[dependent] {
			continue
		}
		if !visited[dependent] {
			if cycle := g.detectCyclesUtil(dependent, remaining, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]types.ConstructDid(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[did] = false
	return nil
}

// Levels groups nodes by depth: level 0 has no dependencies, level n
// depends on at least one node of level n-1. Within a level, nodes keep
// declaration order.
func (g *Graph) Levels() ([][]types.ConstructDid, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	depth := make(map[types.ConstructDid]int, len(order))
	var levels [][]types.ConstructDid
	for _, did := range order {
		level := 0
		for _, dep := range g.reverseAdjacencyList[did] {
			if depth[dep]+1 > level {
				level = depth[dep] + 1
			}
		}
		depth[did] = level
		for len(levels) <= level {
			levels = append(levels, nil)
		}
		levels[level] = append(levels[level], did)
	}
	return levels, nil
}

// Downstream returns every node reachable from did, did excluded.
func (g *Graph) Downstream(did types.ConstructDid) []types.ConstructDid {
	return g.walk(did, g.adjacencyList)
}

// Upstream returns every node did transitively depends on, did excluded.
func (g *Graph) Upstream(did types.ConstructDid) []types.ConstructDid {
	return g.walk(did, g.reverseAdjacencyList)
}

func (g *Graph) walk(start types.ConstructDid, edges map[types.ConstructDid][]types.ConstructDid) []types.ConstructDid {
	seen := map[types.ConstructDid]bool{start: true}
	queue := []types.ConstructDid{start}
	var out []types.ConstructDid
	for len(queue) > 0 {
		did := queue[0]
		queue = queue[1:]
		for _, next := range edges[did] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return g.nodes[out[i]].declIndex < g.nodes[out[j]].declIndex
	})
	return out
}

// ToDOT generates a DOT format representation of the graph for
// visualization. The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Runbook {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	levels, err := g.Levels()
	if err != nil {
		levels = [][]types.ConstructDid{g.sortedNodes()}
	}

	for level, dids := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, did := range dids {
			label := g.nodes[did].label
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				did.Short(), label, kindColor(label)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, from := range g.sortedNodes() {
		for _, to := range g.adjacencyList[from] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", from.Short(), to.Short()))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (g *Graph) sortedNodes() []types.ConstructDid {
	dids := make([]types.ConstructDid, 0, len(g.nodes))
	for did := range g.nodes {
		dids = append(dids, did)
	}
	sort.Slice(dids, func(i, j int) bool {
		return g.nodes[dids[i]].declIndex < g.nodes[dids[j]].declIndex
	})
	return dids
}

// kindColor returns a fill color for a node label of the form kind.name.
func kindColor(label string) string {
	kind, _, _ := strings.Cut(label, ".")
	switch kind {
	case "signer":
		return "lightgoldenrod"
	case "action":
		return "lightblue"
	case "variable", "input":
		return "lightgray"
	case "output":
		return "lightgreen"
	default:
		return "white"
	}
}

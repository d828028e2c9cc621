// Package lineage builds and queries the object-to-object dependency graph
// derived from SQL definitions in the catalog.
//
// The graph is immutable once built; the engine swaps whole graphs when the
// catalog refreshes, so readers never see a half-built graph.
package lineage

import (
	"sort"
	"strings"
	"time"

	"snowscope/internal/catalog"
)

// EdgeKind labels a lineage edge.
type EdgeKind string

const (
	EdgeReadsFrom  EdgeKind = "reads_from"
	EdgeWritesTo   EdgeKind = "writes_to"
	EdgeReferences EdgeKind = "references"
)

// Direction selects traversal orientation.
type Direction string

const (
	DirectionUpstream   Direction = "upstream"
	DirectionDownstream Direction = "downstream"
	DirectionBoth       Direction = "both"
)

// Node is one object in the lineage graph, keyed by canonical name.
type Node struct {
	Ref catalog.ObjectRef `json:"ref"`

	// External marks references that resolve to nothing in the catalog.
	External bool `json:"external,omitempty"`

	// ParseFailed marks objects whose SQL could not be parsed.
	ParseFailed bool `json:"parse_failed,omitempty"`
}

// Canonical returns the node key.
func (n *Node) Canonical() string { return n.Ref.Canonical() }

// Edge is a directed dependency: Src reads from / references Dst.
type Edge struct {
	Src        string   `json:"src"`
	Dst        string   `json:"dst"`
	Kind       EdgeKind `json:"kind"`
	Confidence float64  `json:"confidence"`
}

// Graph is a directed multigraph over canonical object names.
type Graph struct {
	nodes map[string]*Node
	out   map[string][]Edge // Src -> edges
	in    map[string][]Edge // Dst -> edges

	// CatalogLastBuild identifies the snapshot the graph was built from.
	CatalogLastBuild time.Time

	// ParseFailedCount is how many objects had unparseable SQL.
	ParseFailedCount int
}

func newGraph(lastBuild time.Time) *Graph {
	return &Graph{
		nodes:            make(map[string]*Node),
		out:              make(map[string][]Edge),
		in:               make(map[string][]Edge),
		CatalogLastBuild: lastBuild,
	}
}

func (g *Graph) addNode(ref catalog.ObjectRef, external bool) *Node {
	key := ref.Canonical()
	if n, ok := g.nodes[key]; ok {
		return n
	}
	n := &Node{Ref: ref, External: external}
	g.nodes[key] = n
	return n
}

// addEdge records an edge. Self-loops are recorded but never traversed.
func (g *Graph) addEdge(src, dst string, kind EdgeKind, confidence float64) {
	e := Edge{Src: src, Dst: dst, Kind: kind, Confidence: confidence}
	g.out[src] = append(g.out[src], e)
	g.in[dst] = append(g.in[dst], e)
}

// Node looks up a node by canonical name.
func (g *Graph) Node(canonical string) (*Node, bool) {
	n, ok := g.nodes[strings.ToUpper(canonical)]
	return n, ok
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	total := 0
	for _, edges := range g.out {
		total += len(edges)
	}
	return total
}

// Nodes returns every node, sorted by canonical name.
func (g *Graph) Nodes() []*Node {
	keys := make([]string, 0, len(g.nodes))
	for k := range g.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Node, len(keys))
	for i, k := range keys {
		out[i] = g.nodes[k]
	}
	return out
}

// Edges returns every edge, sorted for stable output.
func (g *Graph) Edges() []Edge {
	var all []Edge
	for _, edges := range g.out {
		all = append(all, edges...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Src != all[j].Src {
			return all[i].Src < all[j].Src
		}
		return all[i].Dst < all[j].Dst
	})
	return all
}

// TraversedNode is a node annotated with its BFS depth.
type TraversedNode struct {
	Node  *Node `json:"node"`
	Depth int   `json:"depth"`
}

// Subgraph is the result of a bounded traversal.
type Subgraph struct {
	Root string `json:"root"`

	// NodesInDepthOrder lists reached nodes, shallowest first; ties break
	// by canonical name for determinism.
	NodesInDepthOrder []TraversedNode `json:"nodes"`

	Edges []Edge `json:"edges"`
}

// Traverse runs a cycle-safe BFS from the root, bounded by depth. A node
// visited at a shallower depth is never re-expanded; self-loops are not
// followed.
func (g *Graph) Traverse(root string, direction Direction, depth int) *Subgraph {
	rootKey := strings.ToUpper(root)
	sub := &Subgraph{Root: rootKey}
	rootNode, ok := g.nodes[rootKey]
	if !ok {
		return sub
	}

	visited := map[string]int{rootKey: 0}
	sub.NodesInDepthOrder = append(sub.NodesInDepthOrder, TraversedNode{Node: rootNode, Depth: 0})
	frontier := []string{rootKey}
	seenEdges := make(map[Edge]bool)

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []string
		for _, key := range frontier {
			for _, e := range g.neighbors(key, direction) {
				other := e.Dst
				if other == key {
					other = e.Src
				}
				if other == key {
					// Self-loop: recorded, never traversed.
					continue
				}
				if !seenEdges[e] {
					seenEdges[e] = true
					sub.Edges = append(sub.Edges, e)
				}
				if _, seen := visited[other]; seen {
					continue
				}
				visited[other] = d
				next = append(next, other)
			}
		}
		sort.Strings(next)
		for _, key := range next {
			sub.NodesInDepthOrder = append(sub.NodesInDepthOrder, TraversedNode{Node: g.nodes[key], Depth: d})
		}
		frontier = next
	}

	sort.Slice(sub.Edges, func(i, j int) bool {
		if sub.Edges[i].Src != sub.Edges[j].Src {
			return sub.Edges[i].Src < sub.Edges[j].Src
		}
		return sub.Edges[i].Dst < sub.Edges[j].Dst
	})
	return sub
}

// neighbors returns the edges leaving key in the requested direction.
// Upstream follows out-edges (what the object reads from); downstream
// follows in-edges (who reads the object).
func (g *Graph) neighbors(key string, direction Direction) []Edge {
	switch direction {
	case DirectionUpstream:
		return g.out[key]
	case DirectionDownstream:
		return g.in[key]
	default:
		edges := make([]Edge, 0, len(g.out[key])+len(g.in[key]))
		edges = append(edges, g.out[key]...)
		edges = append(edges, g.in[key]...)
		return edges
	}
}

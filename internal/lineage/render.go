package lineage

import (
	"fmt"
	"sort"
	"strings"
)

// renderText renders a traversal as an indented depth-ordered listing.
func renderText(sub *Subgraph, direction Direction) string {
	if len(sub.NodesInDepthOrder) == 0 {
		return fmt.Sprintf("%s: no lineage recorded", sub.Root)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %d nodes)\n", sub.Root, direction, len(sub.NodesInDepthOrder))
	for _, tn := range sub.NodesInDepthOrder {
		if tn.Depth == 0 {
			continue
		}
		marker := "<-"
		if direction == DirectionDownstream {
			marker = "->"
		}
		flags := ""
		if tn.Node.External {
			flags = " [external]"
		}
		if tn.Node.ParseFailed {
			flags += " [parse failed]"
		}
		fmt.Fprintf(&b, "%s%s %s (%s)%s\n",
			strings.Repeat("  ", tn.Depth), marker, tn.Node.Canonical(), tn.Node.Ref.Kind, flags)
	}
	return strings.TrimRight(b.String(), "\n")
}

// DependencyGraphRequest parameterizes build_dependency_graph.
type DependencyGraphRequest struct {
	CatalogDir string
	Database   string
	Schema     string
	Format     string // "json" or "dot"
}

// DependencyGraphResult carries the rendered graph.
type DependencyGraphResult struct {
	Format    string `json:"format"`
	NodeCount int    `json:"node_count"`
	EdgeCount int    `json:"edge_count"`

	// Nodes and Edges are set for json format.
	Nodes []*Node `json:"nodes,omitempty"`
	Edges []Edge  `json:"edges,omitempty"`

	// DOT is set for dot format.
	DOT string `json:"dot,omitempty"`
}

// DependencyGraph renders the whole catalog graph, optionally scoped to a
// database and schema.
func (e *Engine) DependencyGraph(req DependencyGraphRequest) (*DependencyGraphResult, error) {
	g, err := e.Graph(req.CatalogDir)
	if err != nil {
		return nil, err
	}

	nodes, edges := filterScope(g, req.Database, req.Schema)
	result := &DependencyGraphResult{
		Format:    req.Format,
		NodeCount: len(nodes),
		EdgeCount: len(edges),
	}
	if req.Format == "dot" {
		result.DOT = renderDOT(nodes, edges)
	} else {
		result.Format = "json"
		result.Nodes = nodes
		result.Edges = edges
	}
	return result, nil
}

// filterScope keeps nodes in the requested database/schema plus any edge
// endpoint they touch.
func filterScope(g *Graph, database, schema string) ([]*Node, []Edge) {
	inScope := func(n *Node) bool {
		if database != "" && !strings.EqualFold(n.Ref.Database, database) {
			return false
		}
		if schema != "" && !strings.EqualFold(n.Ref.Schema, schema) {
			return false
		}
		return true
	}

	keep := make(map[string]*Node)
	for _, n := range g.Nodes() {
		if inScope(n) {
			keep[n.Canonical()] = n
		}
	}

	var edges []Edge
	for _, e := range g.Edges() {
		_, srcIn := keep[e.Src]
		_, dstIn := keep[e.Dst]
		if !srcIn && !dstIn {
			continue
		}
		edges = append(edges, e)
		// Pull boundary endpoints in so the edge renders.
		if !srcIn {
			if n, ok := g.Node(e.Src); ok {
				keep[e.Src] = n
			}
		}
		if !dstIn {
			if n, ok := g.Node(e.Dst); ok {
				keep[e.Dst] = n
			}
		}
	}

	keys := make([]string, 0, len(keep))
	for k := range keep {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	nodes := make([]*Node, len(keys))
	for i, k := range keys {
		nodes[i] = keep[k]
	}
	return nodes, edges
}

// renderDOT emits a Graphviz digraph.
func renderDOT(nodes []*Node, edges []Edge) string {
	var b strings.Builder
	b.WriteString("digraph lineage {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, fontname=\"Helvetica\"];\n")
	for _, n := range nodes {
		attrs := fmt.Sprintf("label=%q", n.Canonical())
		switch {
		case n.External:
			attrs += ", style=dashed"
		case n.Ref.Kind == "view" || n.Ref.Kind == "materialized_view":
			attrs += ", style=rounded"
		}
		fmt.Fprintf(&b, "  %q [%s];\n", n.Canonical(), attrs)
	}
	for _, e := range edges {
		attrs := ""
		if e.Confidence < 1.0 {
			attrs = fmt.Sprintf(" [style=dotted, label=\"%.2f\"]", e.Confidence)
		}
		fmt.Fprintf(&b, "  %q -> %q%s;\n", e.Src, e.Dst, attrs)
	}
	b.WriteString("}\n")
	return b.String()
}

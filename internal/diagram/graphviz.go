package diagram

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// gvColors is the fill and font color pair for one status class.
type gvColors struct {
	fill, font string
}

// gvPalette is keyed by mermaidStatusClass so both renderers agree on what
// a status looks like.
var gvPalette = map[string]gvColors{
	"completed": {fill: "#2d6a2d", font: "white"},
	"failed":    {fill: "#8b1a1a", font: "white"},
	"running":   {fill: "#1a5276", font: "white"},
	"pending":   {fill: "#d3d3d3", font: "black"},
	"skipped":   {fill: "#e8e8e8", font: "#888888"},
}

// gvNode is the resolved look of one node before it reaches cgraph.
type gvNode struct {
	id     string
	label  string
	shape  cgraph.Shape
	marker bool
	style  cgraph.NodeStyle
	colors gvColors
}

// gvEdge is the resolved look of one edge.
type gvEdge struct {
	from, to string
	label    string
	dashed   bool
}

// gvLayout resolves every node and edge of model. Edges whose endpoints are
// missing are dropped.
func gvLayout(model *DiagramModel) ([]gvNode, []gvEdge) {
	nodes := make([]gvNode, 0, len(model.Nodes))
	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
		nodes = append(nodes, gvResolveNode(n))
	}

	edges := make([]gvEdge, 0, len(model.Edges))
	for _, e := range model.Edges {
		to, ok := byID[e.To]
		if !ok || byID[e.From] == nil {
			continue
		}
		edges = append(edges, gvEdge{
			from:   e.From,
			to:     e.To,
			label:  e.Label,
			dashed: gvNotReached(to),
		})
	}
	return nodes, edges
}

func gvResolveNode(n *Node) gvNode {
	out := gvNode{id: n.ID, label: firstLine(n.Label), shape: cgraph.BoxShape}
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		out.shape = cgraph.CircleShape
		out.marker = true
	}

	if n.Status == nil {
		if n.Optional {
			out.style = cgraph.DashedNodeStyle
		}
		return out
	}

	class := mermaidStatusClass(n.Status.Status)
	colors, ok := gvPalette[class]
	if !ok {
		return out
	}
	out.colors = colors
	out.style = cgraph.FilledNodeStyle
	if class == "skipped" {
		out.style = cgraph.DashedNodeStyle
	}
	if !out.marker {
		out.label = gvStageLabel(out.label, n.Status)
	}
	return out
}

// gvStageLabel appends the step duration and the first line of its error.
func gvStageLabel(label string, st *StatusOverlay) string {
	lines := []string{label}
	if st.DurationMs > 0 {
		d := time.Duration(st.DurationMs) * time.Millisecond
		lines = append(lines, d.Round(100*time.Millisecond).String())
	}
	if st.Error != "" {
		lines = append(lines, truncate(firstLine(st.Error), 40))
	}
	return strings.Join(lines, "\n")
}

// gvNotReached reports whether execution never entered n.
func gvNotReached(n *Node) bool {
	if n.Status == nil {
		return n.Optional
	}
	return mermaidStatusClass(n.Status.Status) == "skipped"
}

// RenderImage renders a DiagramModel as a PNG image using graphviz.
func RenderImage(model *DiagramModel) ([]byte, error) {
	nodes, edges := gvLayout(model)
	ctx := context.Background()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	created := make(map[string]*cgraph.Node, len(nodes))
	for _, spec := range nodes {
		n, err := graph.CreateNodeByName(spec.id)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", spec.id, err)
		}
		n.SetLabel(spec.label)
		n.SetShape(spec.shape)
		if spec.marker {
			n.SetWidth(0.5)
			n.SetHeight(0.5)
		}
		if spec.style != "" {
			n.SetStyle(spec.style)
		}
		if spec.colors.fill != "" {
			n.SetFillColor(spec.colors.fill)
			n.SetFontColor(spec.colors.font)
		}
		created[spec.id] = n
	}

	for _, spec := range edges {
		e, err := graph.CreateEdgeByName("", created[spec.from], created[spec.to])
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s -> %s: %w", spec.from, spec.to, err)
		}
		if spec.label != "" {
			e.SetLabel(spec.label)
		}
		if spec.dashed {
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

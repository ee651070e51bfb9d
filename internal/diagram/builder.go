package diagram

import (
	"fmt"

	"github.com/rendis/agentchain/internal/store"
	"github.com/rendis/agentchain/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs the pipeline diagram. wf may be nil, which yields the bare
// pipeline without status overlays.
func Build(wf *store.Workflow) *DiagramModel {
	model := &DiagramModel{Title: "agentchain pipeline"}

	start := &Node{ID: startID, Label: "Start", Kind: NodeKindStart}
	end := &Node{ID: endID, Label: "End", Kind: NodeKindEnd}
	if wf != nil {
		model.Title = fmt.Sprintf("workflow %s", wf.ID)
		end.Status = &StatusOverlay{Status: string(wf.Status), Error: wf.Error}
		end.Label = "End: " + string(wf.Status)
	}

	model.Nodes = append(model.Nodes, start)
	prev := startID
	for _, stage := range schema.Stages {
		node := &Node{
			ID:       string(stage),
			Label:    string(stage),
			Kind:     NodeKindStage,
			Optional: !stage.Fatal(),
		}
		if node.Optional {
			node.Label += " (optional)"
		}
		if wf != nil {
			node.Status = overlay(wf.Step(stage))
		}
		model.Nodes = append(model.Nodes, node)
		model.Edges = append(model.Edges, Edge{From: prev, To: node.ID})
		prev = node.ID
	}
	model.Nodes = append(model.Nodes, end)
	model.Edges = append(model.Edges, Edge{From: prev, To: endID})
	return model
}

func overlay(step *store.Step) *StatusOverlay {
	if step == nil {
		return nil
	}
	o := &StatusOverlay{Status: string(step.Status), Error: step.Error}
	if step.StartedAt != nil && step.CompletedAt != nil {
		o.DurationMs = step.CompletedAt.Sub(*step.StartedAt).Milliseconds()
	}
	return o
}

// Render builds and renders the diagram of wf in the given format. Text
// formats return UTF-8; FormatImage returns PNG bytes.
func Render(wf *store.Workflow, format Format) ([]byte, error) {
	model := Build(wf)
	switch format {
	case FormatMermaid, "":
		return []byte(RenderMermaid(model)), nil
	case FormatASCII:
		return []byte(RenderASCII(model)), nil
	case FormatImage:
		return RenderImage(model)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "format must be ascii, mermaid, or image, got %q", format)
	}
}

package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStage NodeKind = "stage"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Format names an output format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
	FormatImage   Format = "image"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes are in pipeline order.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a pipeline stage or a virtual start/end marker.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Optional bool
	Status   *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus or schema.WorkflowStatus
	DurationMs int64
	Error      string
}

// Edge connects two consecutive nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

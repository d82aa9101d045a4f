package diagram

import "fmt"

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindRule      NodeKind = "rule"
	NodeKindDecision  NodeKind = "decision"
	NodeKindCall      NodeKind = "call"
	NodeKindNotify    NodeKind = "notify"
	NodeKindTransform NodeKind = "transform"
	NodeKindWait      NodeKind = "wait"
	NodeKindApproval  NodeKind = "approval"
	NodeKindRecovery  NodeKind = "recovery"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
// Levels lists node ids top to bottom; a step and its on_failure handler
// share a level.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string // first line is the step name, further lines are details
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the outcome of a step from an execution result.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Error      string
}

// Edge represents the flow between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Format selects a renderer.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Render renders model in the given format. An empty format means Mermaid.
func Render(model *DiagramModel, format Format) (string, error) {
	switch format {
	case FormatMermaid, "":
		return RenderMermaid(model), nil
	case FormatASCII:
		return RenderASCII(model), nil
	default:
		return "", fmt.Errorf("unknown diagram format %q", format)
	}
}

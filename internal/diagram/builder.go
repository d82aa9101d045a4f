package diagram

import (
	"fmt"

	"github.com/rendis/flowpilot/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a workflow and an optional execution
// result. Steps run in declaration order, so the flow is a chain from start
// to end; on_failure handlers branch off their step.
func Build(wf *schema.Workflow, result *schema.ExecutionResult) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is nil")
	}

	statuses := statusIndex(result)

	model := &DiagramModel{Title: titleFromWorkflow(wf)}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	model.Levels = append(model.Levels, []string{startID})

	prev := startID
	for i := range wf.Steps {
		step := &wf.Steps[i]
		node := stepToNode(i, step)
		node.Status = statuses[step.Name]
		model.Nodes = append(model.Nodes, node)

		edge := Edge{From: prev, To: node.ID}
		if step.Condition != "" {
			edge.Label = "if " + step.Condition
		}
		model.Edges = append(model.Edges, edge)
		level := []string{node.ID}

		if step.OnFailure != nil {
			rec := recoveryNode(node.ID, step.OnFailure)
			model.Nodes = append(model.Nodes, rec)
			model.Edges = append(model.Edges, Edge{From: node.ID, To: rec.ID, Label: "on failure"})
			level = append(level, rec.ID)
		}
		model.Levels = append(model.Levels, level)
		prev = node.ID
	}

	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	model.Edges = append(model.Edges, Edge{From: prev, To: endID})
	model.Levels = append(model.Levels, []string{endID})
	return model, nil
}

// stepToNode maps a Step to a diagram Node. Ids are positional because step
// names are free text.
func stepToNode(index int, step *schema.Step) *Node {
	return &Node{
		ID:    fmt.Sprintf("step_%d", index),
		Label: nodeLabel(step),
		Kind:  stepTypeToKind(step.Type),
	}
}

// stepTypeToKind converts a schema.StepType to a NodeKind.
func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeRuleEvaluation:
		return NodeKindRule
	case schema.StepTypeDecision:
		return NodeKindDecision
	case schema.StepTypeAPICall:
		return NodeKindCall
	case schema.StepTypeNotification:
		return NodeKindNotify
	case schema.StepTypeWait:
		return NodeKindWait
	case schema.StepTypeHumanApproval:
		return NodeKindApproval
	default:
		return NodeKindTransform
	}
}

// nodeLabel creates a human-readable label: the step name, its type and
// any error policy.
func nodeLabel(step *schema.Step) string {
	label := fmt.Sprintf("%s\n(%s)", step.Name, step.Type)
	if step.ContinueOnError && step.OnFailure == nil {
		label += "\ncontinue on error"
	}
	if step.Escalate {
		label += "\nescalates"
	}
	return label
}

func recoveryNode(stepID string, fh *schema.FailureHandler) *Node {
	label := string(fh.Action)
	switch fh.Action {
	case schema.FailureActionRunWorkflow:
		label = "run_workflow: " + fh.Workflow
	case schema.FailureActionNotify:
		channel := fh.Channel
		if channel == "" {
			channel = "email"
		}
		label = "notify: " + channel
	}
	return &Node{ID: stepID + "_on_failure", Label: label, Kind: NodeKindRecovery}
}

// statusIndex maps step names to the last recorded outcome.
func statusIndex(result *schema.ExecutionResult) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	if result == nil {
		return out
	}
	for _, sr := range result.StepResults {
		out[sr.StepName] = &StatusOverlay{
			Status:     string(sr.Status),
			DurationMs: sr.DurationMs,
			Error:      sr.Error,
		}
	}
	return out
}

// titleFromWorkflow generates a diagram title from workflow metadata.
func titleFromWorkflow(wf *schema.Workflow) string {
	name := wf.Name
	if name == "" {
		name = wf.ID
	}
	if wf.Version != "" {
		return fmt.Sprintf("%s v%s", name, wf.Version)
	}
	return name
}

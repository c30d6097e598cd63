package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/spiral/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a workflow. When rec is non-nil each
// node carries the state the run reached for that action.
func Build(wf *schema.Workflow, rec *schema.RunRecord) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is nil")
	}
	states := actionStates(rec)

	startLabel := "Start"
	if wf.Trigger.Kind != "" {
		startLabel += "\n(" + string(wf.Trigger.Kind) + ")"
	}
	nodes := []*Node{{ID: startID, Label: startLabel, Kind: NodeKindStart}}
	levels := [][]string{{startID}}
	var edges []Edge

	prev := startID
	for i := range wf.Actions {
		a := &wf.Actions[i]
		node := actionNode(a, a.ID, states)
		if err := buildChildren(node, a, states); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
		levels = append(levels, []string{node.ID})
		edges = append(edges, Edge{From: prev, To: node.ID, Label: edgeLabel(a)})
		prev = node.ID
	}

	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	levels = append(levels, []string{endID})
	edges = append(edges, Edge{From: prev, To: endID})

	return &DiagramModel{
		Title:  title(wf),
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}, nil
}

func actionNode(a *schema.Action, id string, states map[string]*StatusOverlay) *Node {
	return &Node{
		ID:     id,
		Label:  fmt.Sprintf("%s\n(%s)", a.ID, a.Kind),
		Kind:   kindOf(a.Kind),
		Status: states[a.ID],
	}
}

func kindOf(k schema.ActionKind) NodeKind {
	switch k {
	case schema.ActionConditionalBranch:
		return NodeKindBranch
	case schema.ActionParallelGroup:
		return NodeKindParallel
	case schema.ActionDelay:
		return NodeKindDelay
	case schema.ActionInvokeSubWorkflow:
		return NodeKindSubWorkflow
	default:
		return NodeKindAction
	}
}

// edgeLabel marks edges into gated actions.
func edgeLabel(a *schema.Action) string {
	if len(a.Conditions) > 0 {
		return "when"
	}
	return ""
}

// buildChildren adds the branch paths or parallel group of a as subgraphs.
func buildChildren(node *Node, a *schema.Action, states map[string]*StatusOverlay) error {
	lists, err := a.Children()
	if err != nil {
		return fmt.Errorf("diagram: action %s: %w", a.ID, err)
	}
	for i, list := range lists {
		if len(list) == 0 {
			continue
		}
		label := "parallel"
		if a.Kind == schema.ActionConditionalBranch {
			label = "then"
			if i == 1 {
				label = "else"
			}
		}
		node.Children = append(node.Children, buildSubGraph(label, node.ID, list, a.Kind != schema.ActionParallelGroup, states))
	}
	return nil
}

// buildSubGraph lays out nested actions. Node IDs are parentID.label.actionID.
// Sequential lists are chained; parallel members are left unconnected.
func buildSubGraph(label, parentID string, actions []schema.Action, sequential bool, states map[string]*StatusOverlay) *SubGraph {
	sg := &SubGraph{Label: label}
	prev := ""
	for i := range actions {
		a := &actions[i]
		id := fmt.Sprintf("%s.%s.%s", parentID, label, a.ID)
		n := actionNode(a, id, states)
		n.Label = fmt.Sprintf("%s (%s)", a.ID, a.Kind)
		sg.Nodes = append(sg.Nodes, n)
		if sequential && prev != "" {
			sg.Edges = append(sg.Edges, Edge{From: prev, To: id, Label: edgeLabel(a)})
		}
		prev = id
	}
	return sg
}

// actionStates derives per-action state from the run log. Later entries win;
// the failed and current action of the record are applied last.
func actionStates(rec *schema.RunRecord) map[string]*StatusOverlay {
	states := make(map[string]*StatusOverlay)
	if rec == nil {
		return states
	}
	for _, l := range rec.Logs {
		if l.ActionID == "" {
			continue
		}
		switch {
		case strings.HasSuffix(l.Message, " completed"):
			states[l.ActionID] = &StatusOverlay{Status: "completed"}
		case strings.Contains(l.Message, "skipped: conditions not met"):
			states[l.ActionID] = &StatusOverlay{Status: "skipped"}
		case strings.Contains(l.Message, "failed, continuing"):
			states[l.ActionID] = &StatusOverlay{Status: "failed", Error: l.Message}
		case strings.Contains(l.Message, "retrying in"):
			states[l.ActionID] = &StatusOverlay{Status: "retrying", Error: l.Message}
		}
	}
	if rec.FailedActionID != "" {
		states[rec.FailedActionID] = &StatusOverlay{Status: "failed", Error: rec.Error}
	}
	if !rec.Status.IsTerminal() && rec.CurrentAction != "" {
		states[rec.CurrentAction] = &StatusOverlay{Status: "running"}
	}
	return states
}

func title(wf *schema.Workflow) string {
	switch {
	case wf.Name != "":
		return wf.Name
	case wf.ID != "":
		return wf.ID
	}
	return "Workflow"
}

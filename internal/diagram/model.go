// Package diagram renders workflow definitions, optionally overlaid with the
// state of one run, as Mermaid flowcharts or ASCII box diagrams.
package diagram

// NodeKind classifies a diagram node by its action kind.
type NodeKind string

const (
	NodeKindAction      NodeKind = "action"
	NodeKindBranch      NodeKind = "branch"
	NodeKindParallel    NodeKind = "parallel"
	NodeKindDelay       NodeKind = "delay"
	NodeKindSubWorkflow NodeKind = "sub_workflow"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single action in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // branch paths, parallel group
}

// SubGraph holds the nested actions of a branch path or parallel group.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the run state of a node.
type StatusOverlay struct {
	Status string // completed, failed, running, skipped, retrying
	Error  string
}

// Edge represents ordering between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

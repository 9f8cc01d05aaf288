package diagram

// NodeKind classifies a diagram node by its stage type.
type NodeKind string

const (
	NodeKindAgent   NodeKind = "agent"   // prd, plan, build
	NodeKindShell   NodeKind = "shell"   // custom command stages
	NodeKindFactory NodeKind = "factory" // nested sub-workflow
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single stage in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Gates  int // number of verification gates on the stage
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node when the diagram is built
// from a live or finished run.
type StatusOverlay struct {
	Status     string // from schema.StageStatus
	Attempts   int
	DurationMs int64
	Reason     string // skip or failure classification of the latest attempt
}

// Edge represents a dependency between two stages. Loop edges point from a
// stage back to its restart target and are rendered dashed.
type Edge struct {
	From  string
	To    string
	Label string
	Loop  bool
}

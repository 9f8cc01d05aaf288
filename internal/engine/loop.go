package engine

import (
	"github.com/AskTinNguyen/ralph-cli-sub017/internal/store"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// LoopDecision describes a loop restart to apply after a stage failure.
type LoopDecision struct {
	OwnerID string   // stage carrying the loop directive
	Target  string   // loop_to stage
	Key     string   // recursion counter key
	Count   int      // count after this restart
	Reset   []string // stages to reset to pending, topological order
}

// DecideLoop inspects a failed stage and determines whether a loop restart
// applies. The directive is looked up on the failed stage itself first, then
// on its nearest ancestor carrying loop_to.
//
// Returns (nil, false) when no directive applies: the failure stands and
// downstream stages skip. Returns (nil, true) when a directive exists but
// its budget is exhausted.
func DecideLoop(g *Graph, run *store.RunState, failedID string) (*LoopDecision, bool) {
	owner := findLoopOwner(g, failedID)
	if owner == nil {
		return nil, false
	}

	key := store.RecursionKey(owner.ID, owner.LoopTo)
	count := run.Recursion[key]
	if count >= owner.MaxLoops {
		return nil, true
	}

	return &LoopDecision{
		OwnerID: owner.ID,
		Target:  owner.LoopTo,
		Key:     key,
		Count:   count + 1,
		Reset:   resetRange(g, failedID, owner.LoopTo),
	}, false
}

// findLoopOwner returns the stage definition whose loop directive governs a
// failure of the given stage.
func findLoopOwner(g *Graph, failedID string) *schema.StageDefinition {
	if st := g.Stages[failedID]; st != nil && st.LoopTo != "" {
		return st
	}
	for _, anc := range g.Ancestors(failedID) {
		if st := g.Stages[anc]; st != nil && st.LoopTo != "" {
			return st
		}
	}
	return nil
}

// resetRange computes which stages a restart rewinds: everything reachable
// from the loop target that already had a chance to run (level at or before
// the failed stage's level), plus the failed stage itself. Stages beyond the
// failure point have not run yet and keep their pending status.
func resetRange(g *Graph, failedID, target string) []string {
	failedLevel := g.LevelOf[failedID]
	closure := g.ForwardClosure(target)

	var reset []string
	for _, id := range g.Sorted {
		if !closure[id] && id != failedID {
			continue
		}
		if g.LevelOf[id] > failedLevel && id != failedID {
			continue
		}
		reset = append(reset, id)
	}
	return reset
}

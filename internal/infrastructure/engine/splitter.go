package engine

import (
	"context"

	"github.com/duragraph/flowengine/internal/domain/graph"
	"github.com/duragraph/flowengine/internal/domain/run"
)

// BranchSeed is the payload a splitter seeds onto each downstream target
// when its config requests indexed branches: the branch value together with
// its position in the enumeration.
type BranchSeed struct {
	Index int         `json:"index"`
	Value interface{} `json:"value"`
}

// fireSplitter enumerates branches (static list, or a named field of the
// node's input), seeds each downstream target with its branch payload, and
// fires each target. The splitter itself transitions straight to completed.
func (e *Engine) fireSplitter(ctx context.Context, runID string, oeg *graph.OEG, node *graph.CompiledNode, input interface{}) error {
	branches := enumerateBranches(node, input)

	targets := oeg.OutboundEdges[node.ID]
	for i, edge := range targets {
		var seed interface{}
		if i < len(branches) {
			seed = branches[i]
			if node.Splitter != nil && node.Splitter.IndexedBranches {
				seed = BranchSeed{Index: i, Value: branches[i]}
			}
		}
		if err := e.store.MergeNodeInput(ctx, runID, edge.Target, contribKey(node.ID, edge.EdgeID), seed); err != nil {
			return err
		}
	}

	applied, _, err := e.casUpdate(ctx, runID, node.ID, []run.Status{run.StatusRunning}, run.StatusCompleted, nil, branches, "")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	e.publishTransition(ctx, runID, node.ID, run.StatusRunning, run.StatusCompleted)

	for _, edge := range targets {
		if err := e.FireNode(ctx, runID, oeg, edge.Target); err != nil {
			return err
		}
	}
	return e.finalize(ctx, runID, oeg)
}

// enumerateBranches resolves a Splitter's branch list from its config: a
// static list, or a named field of the splitter's input.
func enumerateBranches(node *graph.CompiledNode, input interface{}) []interface{} {
	if node.Splitter == nil {
		return nil
	}
	if len(node.Splitter.StaticBranches) > 0 {
		return node.Splitter.StaticBranches
	}
	if node.Splitter.BranchesField == "" {
		return nil
	}
	asMap, ok := input.(map[string]interface{})
	if !ok {
		return nil
	}
	field, ok := asMap[node.Splitter.BranchesField]
	if !ok {
		return nil
	}
	list, ok := field.([]interface{})
	if !ok {
		return nil
	}
	return list
}

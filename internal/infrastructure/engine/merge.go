package engine

import (
	"sort"

	"github.com/duragraph/flowengine/internal/domain/run"
)

// contribKey names one inbound edge's contribution to a node's input.
func contribKey(upstreamID, edgeID string) string {
	return upstreamID + "/" + edgeID
}

// flattenInput derives a node's effective input from its seeded stored
// input plus the recorded edge contributions, folded in ascending
// contributor-key order: later contributors in (upstream node-id, edge-id)
// order overwrite earlier ones for the same key. The result depends only on
// the graph, never on which upstream happened to complete first.
func flattenInput(ns *run.NodeState) interface{} {
	if ns == nil {
		return nil
	}
	effective := ns.StoredInput
	if len(ns.InputContrib) == 0 {
		return effective
	}
	keys := make([]string, 0, len(ns.InputContrib))
	for k := range ns.InputContrib {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		effective = MergeIO(effective, ns.InputContrib[k])
	}
	return effective
}

// MergeIO is the output/input merge policy: if both sides
// are maps, shallow-merge them — incoming (the later-arriving write) wins
// per key, which gives both "target-takes-precedence for explicitly mapped
// keys" (each mapped key only ever appears in one edge's resolved output)
// and "later upstream overwrites earlier for the same pass-through key". If
// either side is a primitive, persist a structured {input, output} record
// instead of spreading a primitive into an object.
func MergeIO(current interface{}, incoming interface{}) interface{} {
	if current == nil {
		return incoming
	}
	currentMap, currentIsMap := current.(map[string]interface{})
	incomingMap, incomingIsMap := incoming.(map[string]interface{})

	if currentIsMap && incomingIsMap {
		merged := make(map[string]interface{}, len(currentMap)+len(incomingMap))
		for k, v := range currentMap {
			merged[k] = v
		}
		for k, v := range incomingMap {
			merged[k] = v
		}
		return merged
	}

	return map[string]interface{}{"input": current, "output": incoming}
}

// Package graph implements the graph compiler: it validates a Visual Graph
// and, on success, emits an Optimized Execution Graph (OEG) — the immutable,
// stripped, indexed representation the execution engine walks at runtime.
package graph

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NodeType is the canonical, normalized node type. The editor surface may
// send either casing ("Worker" or "worker"); UnmarshalJSON normalizes to one
// of the constants below so the rest of the system compares node types by
// opaque equality only.
type NodeType string

const (
	NodeWorker    NodeType = "worker"
	NodeUX        NodeType = "ux"
	NodeSplitter  NodeType = "splitter"
	NodeCollector NodeType = "collector"
	NodeSection   NodeType = "section"
)

func (t *NodeType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch NodeType(strings.ToLower(raw)) {
	case NodeWorker:
		*t = NodeWorker
	case NodeUX:
		*t = NodeUX
	case NodeSplitter:
		*t = NodeSplitter
	case NodeCollector:
		*t = NodeCollector
	case NodeSection:
		*t = NodeSection
	default:
		return fmt.Errorf("graph: unknown node type %q", raw)
	}
	return nil
}

// EdgeType distinguishes journey edges (which gate readiness) from system
// edges (fire-and-forget, never gate readiness).
type EdgeType string

const (
	EdgeJourney EdgeType = "journey"
	EdgeSystem  EdgeType = "system"
)

func (t *EdgeType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		raw = string(EdgeJourney)
	}
	switch EdgeType(raw) {
	case EdgeJourney, EdgeSystem:
		*t = EdgeType(raw)
	default:
		return fmt.Errorf("graph: unknown edge type %q", raw)
	}
	return nil
}

// CompleteAs is the outcome an entity-movement hook records for an entity
// that traversed the node it is attached to.
type CompleteAs string

const (
	CompleteSuccess CompleteAs = "success"
	CompleteFailure CompleteAs = "failure"
	CompleteNeutral CompleteAs = "neutral"
)

// EntityType is the entity classification an entity-movement hook may set.
type EntityType string

const (
	EntityCustomer EntityType = "customer"
	EntityLead     EntityType = "lead"
	EntityChurned  EntityType = "churned"
)

// EntityMovement is one onSuccess/onFailure sub-record on a Worker node.
type EntityMovement struct {
	TargetSectionID string      `json:"targetSectionId"`
	CompleteAs      CompleteAs  `json:"completeAs,omitempty"`
	SetEntityType   *EntityType `json:"setEntityType,omitempty"`
}

// InputSpec declares one input a node accepts.
type InputSpec struct {
	Name     string      `json:"name"`
	Required bool        `json:"required"`
	Default  interface{} `json:"default,omitempty"`
}

// OutputSpec declares one output key a node may produce. Declared for
// documentation/validation purposes only; the compiler does not enforce
// shape at runtime beyond the required-input satisfiability pass.
type OutputSpec struct {
	Name string `json:"name"`
}

// NodeData is the type-specific payload carried by a Visual Graph node.
type NodeData struct {
	Label      string                 `json:"label,omitempty"`
	WorkerKind string                 `json:"workerKind,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty"`
	Inputs     []InputSpec            `json:"inputs,omitempty"`
	Outputs    []OutputSpec           `json:"outputs,omitempty"`
	OnSuccess  *EntityMovement        `json:"onSuccess,omitempty"`
	OnFailure  *EntityMovement        `json:"onFailure,omitempty"`
}

// VisualNode is one node in the editor-facing graph.
type VisualNode struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// EdgeMapping maps a target input name to a source path (a top-level output
// key, or a dotted path into the source node's output). Values that are not
// a resolvable path are treated as a literal by the engine at propagation
// time — the compiler only validates shape, not path resolvability.
type EdgeMapping map[string]string

// EdgeData is the payload carried by a Visual Graph edge.
type EdgeData struct {
	Mapping EdgeMapping `json:"mapping,omitempty"`
}

// VisualEdge is one edge in the editor-facing graph.
type VisualEdge struct {
	ID     string   `json:"id"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Type   EdgeType `json:"type"`
	Data   EdgeData `json:"data,omitempty"`
}

// VisualGraph is the editor-facing graph: an ordered sequence of nodes and
// edges, with layout/UI metadata already stripped by the time it reaches the
// compiler (the editor UI itself is out of scope).
type VisualGraph struct {
	Nodes []VisualNode `json:"nodes"`
	Edges []VisualEdge `json:"edges"`
}

// AggregationOrder selects how a Collector orders its aggregated output.
// The order is a configurable policy; callers must not rely on any order
// other than the one their collector config names (see DESIGN.md).
type AggregationOrder string

const (
	OrderLexicographic AggregationOrder = "lexicographic"
	OrderArrival       AggregationOrder = "arrival"
	OrderByUpstreamMap AggregationOrder = "map"
)

// CollectorConfig is the compiled configuration of a Collector node.
type CollectorConfig struct {
	AggregationOrder AggregationOrder `json:"aggregationOrder"`
}

// SplitterConfig is the compiled configuration of a Splitter node: branches
// come either from a static list or from a named field of the node's input.
// IndexedBranches seeds each target with an (index, value) tuple instead of
// the bare branch value.
type SplitterConfig struct {
	StaticBranches  []interface{} `json:"staticBranches,omitempty"`
	BranchesField   string        `json:"branchesField,omitempty"`
	IndexedBranches bool          `json:"indexedBranches,omitempty"`
}

// CompiledNode is the runtime-facing node record: everything a Visual Graph
// node carries, minus UI properties, plus pre-parsed splitter/collector
// config.
type CompiledNode struct {
	ID         string
	Type       NodeType
	WorkerKind string
	Config     map[string]interface{}
	Inputs     []InputSpec
	Outputs    []OutputSpec
	OnSuccess  *EntityMovement
	OnFailure  *EntityMovement
	Splitter   *SplitterConfig
	Collector  *CollectorConfig
}

// CompiledEdge is one outbound edge entry in the OEG, as stored per source
// node in outboundEdges.
type CompiledEdge struct {
	EdgeID string
	Target string
	Type   EdgeType
	Data   EdgeData
}

// OEG is the Optimized Execution Graph: the immutable, runtime-facing
// representation derived from a Visual Graph by Compile. Treat as a pure
// value — never mutated after compilation.
type OEG struct {
	Nodes         map[string]*CompiledNode  `json:"nodes"`
	Adjacency     map[string][]string       `json:"adjacency"`     // journey only
	OutboundEdges map[string][]CompiledEdge `json:"outboundEdges"` // all edges
	InboundEdges  map[string][]string       `json:"inboundEdges"`  // journey only
	EdgeData      map[string]EdgeData       `json:"edgeData"`      // "source->target"
	EntryNodes    []string                  `json:"entryNodes"`
	TerminalNodes []string                  `json:"terminalNodes"`
}

func edgeDataKey(source, target string) string {
	return source + "->" + target
}

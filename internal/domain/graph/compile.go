package graph

import (
	"sort"

	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

// WorkerKindRegistry reports whether a worker kind string is registered.
// The compiler depends only on this narrow interface; the concrete registry
// lives in internal/domain/worker.
type WorkerKindRegistry interface {
	IsRegistered(kind string) bool
}

// Compile validates visualGraph and, if valid, emits its OEG. Validation
// passes are collected, never fail-fast: every pass runs and all issues are
// returned together. Compile is pure and deterministic: identical input
// yields structurally identical output.
func Compile(vg VisualGraph, workers WorkerKindRegistry) (*OEG, []domainerrors.ValidationIssue) {
	var issues []domainerrors.ValidationIssue

	nodeByID := make(map[string]VisualNode, len(vg.Nodes))
	for _, n := range vg.Nodes {
		nodeByID[n.ID] = n
	}

	issues = append(issues, validateEdgeEndpointsAndMapping(vg, nodeByID)...)
	issues = append(issues, validateCycles(vg)...)
	issues = append(issues, validateWorkerKinds(vg, workers)...)
	issues = append(issues, validateRequiredInputs(vg)...)
	issues = append(issues, validateSplitterCollectorPairs(vg)...)
	issues = append(issues, validateEntityMovement(vg, nodeByID)...)

	if len(issues) > 0 {
		return nil, issues
	}

	return emit(vg), nil
}

// validateEdgeEndpointsAndMapping is pass 4: both endpoints must exist, each
// mapping target key must be a declared input of the target node, and each
// source-path must be a non-empty string.
func validateEdgeEndpointsAndMapping(vg VisualGraph, nodeByID map[string]VisualNode) []domainerrors.ValidationIssue {
	var issues []domainerrors.ValidationIssue
	for _, e := range vg.Edges {
		_, srcOK := nodeByID[e.Source]
		tgt, tgtOK := nodeByID[e.Target]
		if !srcOK {
			issues = append(issues, domainerrors.ValidationIssue{
				Kind: domainerrors.ValidationInvalidMapping, EdgeID: e.ID,
				Message: "edge source node does not exist: " + e.Source,
			})
		}
		if !tgtOK {
			issues = append(issues, domainerrors.ValidationIssue{
				Kind: domainerrors.ValidationInvalidMapping, EdgeID: e.ID,
				Message: "edge target node does not exist: " + e.Target,
			})
			continue
		}
		if !srcOK {
			continue
		}

		declared := make(map[string]bool, len(tgt.Data.Inputs))
		for _, in := range tgt.Data.Inputs {
			declared[in.Name] = true
		}
		for key, path := range e.Data.Mapping {
			if !declared[key] {
				issues = append(issues, domainerrors.ValidationIssue{
					Kind: domainerrors.ValidationInvalidMapping, EdgeID: e.ID, Field: key,
					Message: "mapping target key is not a declared input of " + e.Target,
				})
			}
			if path == "" {
				issues = append(issues, domainerrors.ValidationIssue{
					Kind: domainerrors.ValidationInvalidMapping, EdgeID: e.ID, Field: key,
					Message: "mapping source-path must be a non-empty string",
				})
			}
		}
	}
	return issues
}

// validateCycles is pass 1: three-color DFS over the journey-edge subgraph.
// On a back edge the cycle is reported as an ordered node-id list.
func validateCycles(vg VisualGraph) []domainerrors.ValidationIssue {
	adj := journeyAdjacency(vg)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var issues []domainerrors.ValidationIssue

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				// back edge found: build the cycle from the stack
				cycleStart := 0
				for i, v := range stack {
					if v == next {
						cycleStart = i
						break
					}
				}
				cycle := append(append([]string{}, stack[cycleStart:]...), next)
				issues = append(issues, domainerrors.ValidationIssue{
					Kind:    domainerrors.ValidationCycle,
					Message: "cycle detected in journey edges",
					Field:   joinIDs(cycle),
				})
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	// Stable iteration order over nodes for deterministic cycle reporting.
	ids := make([]string, 0, len(vg.Nodes))
	for _, n := range vg.Nodes {
		ids = append(ids, n.ID)
	}
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				break
			}
		}
	}
	return issues
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

// validateWorkerKinds is pass 3: every Worker node's kind must be registered.
func validateWorkerKinds(vg VisualGraph, workers WorkerKindRegistry) []domainerrors.ValidationIssue {
	var issues []domainerrors.ValidationIssue
	for _, n := range vg.Nodes {
		if n.Type != NodeWorker {
			continue
		}
		if n.Data.WorkerKind == "" || workers == nil || !workers.IsRegistered(n.Data.WorkerKind) {
			issues = append(issues, domainerrors.ValidationIssue{
				Kind: domainerrors.ValidationInvalidWorker, NodeID: n.ID,
				Message: "worker kind not registered: " + n.Data.WorkerKind,
			})
		}
	}
	return issues
}

// validateRequiredInputs is pass 2: a required input is satisfiable only if
// it has a default or at least one inbound journey edge explicitly maps it.
// Implicit satisfaction via an unmapped edge is rejected.
func validateRequiredInputs(vg VisualGraph) []domainerrors.ValidationIssue {
	mappedInputsByTarget := make(map[string]map[string]bool)
	for _, e := range vg.Edges {
		if e.Type != EdgeJourney {
			continue
		}
		m := mappedInputsByTarget[e.Target]
		if m == nil {
			m = make(map[string]bool)
			mappedInputsByTarget[e.Target] = m
		}
		for key := range e.Data.Mapping {
			m[key] = true
		}
	}

	var issues []domainerrors.ValidationIssue
	for _, n := range vg.Nodes {
		mapped := mappedInputsByTarget[n.ID]
		for _, in := range n.Data.Inputs {
			if !in.Required || in.Default != nil {
				continue
			}
			if mapped == nil || !mapped[in.Name] {
				issues = append(issues, domainerrors.ValidationIssue{
					Kind: domainerrors.ValidationMissingInput, NodeID: n.ID, Field: in.Name,
					Message: "required input has no default and no inbound mapping: " + in.Name,
				})
			}
		}
	}
	return issues
}

// validateSplitterCollectorPairs is pass 5: splitters need >=2 outgoing
// journey edges and must reach a collector; collectors need >=2 inbound
// journey edges and must be reachable from a splitter. Collected, not fatal
// individually — every mismatch is its own issue.
func validateSplitterCollectorPairs(vg VisualGraph) []domainerrors.ValidationIssue {
	outCount := make(map[string]int)
	inCount := make(map[string]int)
	adj := journeyAdjacency(vg)
	for _, e := range vg.Edges {
		if e.Type != EdgeJourney {
			continue
		}
		outCount[e.Source]++
		inCount[e.Target]++
	}

	var issues []domainerrors.ValidationIssue
	for _, n := range vg.Nodes {
		switch n.Type {
		case NodeSplitter:
			if outCount[n.ID] < 2 {
				issues = append(issues, domainerrors.ValidationIssue{
					Kind: domainerrors.ValidationSplitterCollectorMismatch, NodeID: n.ID,
					Message: "splitter must have at least 2 outgoing journey edges",
				})
			}
			if !reachesNodeType(adj, n.ID, vg, NodeCollector) {
				issues = append(issues, domainerrors.ValidationIssue{
					Kind: domainerrors.ValidationSplitterCollectorMismatch, NodeID: n.ID,
					Message: "splitter does not reach any collector via journey edges",
				})
			}
		case NodeCollector:
			if inCount[n.ID] < 2 {
				issues = append(issues, domainerrors.ValidationIssue{
					Kind: domainerrors.ValidationSplitterCollectorMismatch, NodeID: n.ID,
					Message: "collector must have at least 2 inbound journey edges",
				})
			}
			if !reachableFromNodeType(adj, n.ID, vg, NodeSplitter) {
				issues = append(issues, domainerrors.ValidationIssue{
					Kind: domainerrors.ValidationSplitterCollectorMismatch, NodeID: n.ID,
					Message: "collector is not reachable from any splitter via journey edges",
				})
			}
		}
	}
	return issues
}

func reachesNodeType(adj map[string][]string, from string, vg VisualGraph, want NodeType) bool {
	typeByID := nodeTypeIndex(vg)
	visited := make(map[string]bool)
	var stack []string
	stack = append(stack, adj[from]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		if typeByID[id] == want {
			return true
		}
		stack = append(stack, adj[id]...)
	}
	return false
}

func reachableFromNodeType(adj map[string][]string, target string, vg VisualGraph, want NodeType) bool {
	typeByID := nodeTypeIndex(vg)
	rev := make(map[string][]string)
	for src, dsts := range adj {
		for _, d := range dsts {
			rev[d] = append(rev[d], src)
		}
	}
	visited := make(map[string]bool)
	var stack []string
	stack = append(stack, rev[target]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		if typeByID[id] == want {
			return true
		}
		stack = append(stack, rev[id]...)
	}
	return false
}

func nodeTypeIndex(vg VisualGraph) map[string]NodeType {
	idx := make(map[string]NodeType, len(vg.Nodes))
	for _, n := range vg.Nodes {
		idx[n.ID] = n.Type
	}
	return idx
}

// validateEntityMovement is pass 6: onSuccess/onFailure sub-records on
// Worker nodes must reference existing node ids, use a valid completeAs,
// and a valid setEntityType if present.
func validateEntityMovement(vg VisualGraph, nodeByID map[string]VisualNode) []domainerrors.ValidationIssue {
	var issues []domainerrors.ValidationIssue
	check := func(n VisualNode, m *EntityMovement, label string) {
		if m == nil {
			return
		}
		if _, ok := nodeByID[m.TargetSectionID]; !ok {
			issues = append(issues, domainerrors.ValidationIssue{
				Kind: domainerrors.ValidationInvalidEntityMovement, NodeID: n.ID, Field: label,
				Message: "targetSectionId does not reference an existing node: " + m.TargetSectionID,
			})
		}
		switch m.CompleteAs {
		case "", CompleteSuccess, CompleteFailure, CompleteNeutral:
		default:
			issues = append(issues, domainerrors.ValidationIssue{
				Kind: domainerrors.ValidationInvalidEntityMovement, NodeID: n.ID, Field: label,
				Message: "invalid completeAs: " + string(m.CompleteAs),
			})
		}
		if m.SetEntityType != nil {
			switch *m.SetEntityType {
			case EntityCustomer, EntityLead, EntityChurned:
			default:
				issues = append(issues, domainerrors.ValidationIssue{
					Kind: domainerrors.ValidationInvalidEntityMovement, NodeID: n.ID, Field: label,
					Message: "invalid setEntityType: " + string(*m.SetEntityType),
				})
			}
		}
	}
	for _, n := range vg.Nodes {
		if n.Type != NodeWorker {
			continue
		}
		check(n, n.Data.OnSuccess, "onSuccess")
		check(n, n.Data.OnFailure, "onFailure")
	}
	return issues
}

func journeyAdjacency(vg VisualGraph) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range vg.Edges {
		if e.Type != EdgeJourney {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

// emit builds the OEG from an already-validated visual graph. Node ids are
// preserved byte-for-byte; nothing is renamed, sanitized, or canonicalized.
func emit(vg VisualGraph) *OEG {
	oeg := &OEG{
		Nodes:         make(map[string]*CompiledNode, len(vg.Nodes)),
		Adjacency:     make(map[string][]string),
		OutboundEdges: make(map[string][]CompiledEdge),
		InboundEdges:  make(map[string][]string),
		EdgeData:      make(map[string]EdgeData),
	}

	for _, n := range vg.Nodes {
		cn := &CompiledNode{
			ID:         n.ID,
			Type:       n.Type,
			WorkerKind: n.Data.WorkerKind,
			Config:     n.Data.Config,
			Inputs:     n.Data.Inputs,
			Outputs:    n.Data.Outputs,
			OnSuccess:  n.Data.OnSuccess,
			OnFailure:  n.Data.OnFailure,
		}
		if n.Type == NodeSplitter {
			cn.Splitter = parseSplitterConfig(n.Data.Config)
		}
		if n.Type == NodeCollector {
			cn.Collector = parseCollectorConfig(n.Data.Config)
		}
		oeg.Nodes[n.ID] = cn
	}

	for _, e := range vg.Edges {
		oeg.OutboundEdges[e.Source] = append(oeg.OutboundEdges[e.Source], CompiledEdge{
			EdgeID: e.ID, Target: e.Target, Type: e.Type, Data: e.Data,
		})
		oeg.EdgeData[edgeDataKey(e.Source, e.Target)] = e.Data
		if e.Type == EdgeJourney {
			oeg.Adjacency[e.Source] = append(oeg.Adjacency[e.Source], e.Target)
			oeg.InboundEdges[e.Target] = append(oeg.InboundEdges[e.Target], e.Source)
		}
	}

	hasJourneyInbound := make(map[string]bool)
	hasJourneyOutbound := make(map[string]bool)
	for _, e := range vg.Edges {
		if e.Type != EdgeJourney {
			continue
		}
		hasJourneyInbound[e.Target] = true
		hasJourneyOutbound[e.Source] = true
	}
	for _, n := range vg.Nodes {
		if !hasJourneyInbound[n.ID] {
			oeg.EntryNodes = append(oeg.EntryNodes, n.ID)
		}
		if !hasJourneyOutbound[n.ID] {
			oeg.TerminalNodes = append(oeg.TerminalNodes, n.ID)
		}
	}
	sort.Strings(oeg.EntryNodes)
	sort.Strings(oeg.TerminalNodes)

	return oeg
}

func parseSplitterConfig(cfg map[string]interface{}) *SplitterConfig {
	sc := &SplitterConfig{}
	if cfg == nil {
		return sc
	}
	if field, ok := cfg["branchesField"].(string); ok {
		sc.BranchesField = field
	}
	if branches, ok := cfg["staticBranches"].([]interface{}); ok {
		sc.StaticBranches = branches
	}
	if indexed, ok := cfg["indexedBranches"].(bool); ok {
		sc.IndexedBranches = indexed
	}
	return sc
}

func parseCollectorConfig(cfg map[string]interface{}) *CollectorConfig {
	cc := &CollectorConfig{AggregationOrder: OrderLexicographic}
	if cfg == nil {
		return cc
	}
	if order, ok := cfg["aggregationOrder"].(string); ok {
		switch AggregationOrder(order) {
		case OrderLexicographic, OrderArrival, OrderByUpstreamMap:
			cc.AggregationOrder = AggregationOrder(order)
		}
	}
	return cc
}

package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

type stubRegistry struct{ kinds map[string]bool }

func (s stubRegistry) IsRegistered(kind string) bool { return s.kinds[kind] }

func linearChain() VisualGraph {
	return VisualGraph{
		Nodes: []VisualNode{
			{ID: "u", Type: NodeUX, Data: NodeData{
				Outputs: []OutputSpec{{Name: "topic"}},
			}},
			{ID: "w", Type: NodeWorker, Data: NodeData{
				WorkerKind: "echo",
				Inputs:     []InputSpec{{Name: "prompt", Required: true}},
			}},
			{ID: "t", Type: NodeSection},
		},
		Edges: []VisualEdge{
			{ID: "e1", Source: "u", Target: "w", Type: EdgeJourney, Data: EdgeData{Mapping: EdgeMapping{"prompt": "topic"}}},
			{ID: "e2", Source: "w", Target: "t", Type: EdgeJourney},
		},
	}
}

func TestCompile_LinearChain_Succeeds(t *testing.T) {
	oeg, issues := Compile(linearChain(), stubRegistry{kinds: map[string]bool{"echo": true}})
	require.Empty(t, issues)
	require.NotNil(t, oeg)
	require.Equal(t, []string{"u"}, oeg.EntryNodes)
	require.Equal(t, []string{"t"}, oeg.TerminalNodes)
	require.Equal(t, []string{"w"}, oeg.Adjacency["u"])
	require.Equal(t, []string{"u"}, oeg.InboundEdges["w"])
}

func TestCompile_IsDeterministic(t *testing.T) {
	reg := stubRegistry{kinds: map[string]bool{"echo": true}}
	oeg1, issues1 := Compile(linearChain(), reg)
	oeg2, issues2 := Compile(linearChain(), reg)
	require.Empty(t, issues1)
	require.Empty(t, issues2)
	require.Equal(t, oeg1, oeg2)
}

func TestCompile_DetectsCycle(t *testing.T) {
	vg := VisualGraph{
		Nodes: []VisualNode{
			{ID: "a", Type: NodeSection},
			{ID: "b", Type: NodeSection},
		},
		Edges: []VisualEdge{
			{ID: "e1", Source: "a", Target: "b", Type: EdgeJourney},
			{ID: "e2", Source: "b", Target: "a", Type: EdgeJourney},
		},
	}
	oeg, issues := Compile(vg, stubRegistry{})
	require.Nil(t, oeg)
	require.Len(t, issues, 1)
	require.Equal(t, domainerrors.ValidationCycle, issues[0].Kind)
}

func TestCompile_RejectsUnsatisfiableRequiredInput(t *testing.T) {
	vg := VisualGraph{
		Nodes: []VisualNode{
			{ID: "w", Type: NodeWorker, Data: NodeData{
				WorkerKind: "echo",
				Inputs:     []InputSpec{{Name: "prompt", Required: true}},
			}},
		},
	}
	_, issues := Compile(vg, stubRegistry{kinds: map[string]bool{"echo": true}})
	require.Len(t, issues, 1)
	require.Equal(t, domainerrors.ValidationMissingInput, issues[0].Kind)
}

func TestCompile_RejectsUnregisteredWorkerKind(t *testing.T) {
	vg := VisualGraph{
		Nodes: []VisualNode{
			{ID: "w", Type: NodeWorker, Data: NodeData{WorkerKind: "nope"}},
		},
	}
	_, issues := Compile(vg, stubRegistry{})
	require.Len(t, issues, 1)
	require.Equal(t, domainerrors.ValidationInvalidWorker, issues[0].Kind)
}

func TestCompile_SplitterCollector_RequiresPairing(t *testing.T) {
	vg := VisualGraph{
		Nodes: []VisualNode{
			{ID: "s", Type: NodeSplitter},
			{ID: "w1", Type: NodeWorker, Data: NodeData{WorkerKind: "echo"}},
		},
		Edges: []VisualEdge{
			{ID: "e1", Source: "s", Target: "w1", Type: EdgeJourney},
		},
	}
	_, issues := Compile(vg, stubRegistry{kinds: map[string]bool{"echo": true}})
	require.NotEmpty(t, issues)
	found := false
	for _, iss := range issues {
		if iss.Kind == domainerrors.ValidationSplitterCollectorMismatch {
			found = true
		}
	}
	require.True(t, found)
}

func TestCompile_SplitterCollector_ValidPairSucceeds(t *testing.T) {
	vg := VisualGraph{
		Nodes: []VisualNode{
			{ID: "s", Type: NodeSplitter},
			{ID: "w1", Type: NodeWorker, Data: NodeData{WorkerKind: "echo"}},
			{ID: "w2", Type: NodeWorker, Data: NodeData{WorkerKind: "echo"}},
			{ID: "c", Type: NodeCollector},
		},
		Edges: []VisualEdge{
			{ID: "e1", Source: "s", Target: "w1", Type: EdgeJourney},
			{ID: "e2", Source: "s", Target: "w2", Type: EdgeJourney},
			{ID: "e3", Source: "w1", Target: "c", Type: EdgeJourney},
			{ID: "e4", Source: "w2", Target: "c", Type: EdgeJourney},
		},
	}
	oeg, issues := Compile(vg, stubRegistry{kinds: map[string]bool{"echo": true}})
	require.Empty(t, issues)
	require.NotNil(t, oeg)
	require.Equal(t, OrderLexicographic, oeg.Nodes["c"].Collector.AggregationOrder)
}

func TestCompile_RejectsInvalidEntityMovement(t *testing.T) {
	badType := EntityType("bogus")
	vg := VisualGraph{
		Nodes: []VisualNode{
			{ID: "w", Type: NodeWorker, Data: NodeData{
				WorkerKind: "echo",
				OnSuccess:  &EntityMovement{TargetSectionID: "missing", SetEntityType: &badType},
			}},
		},
	}
	_, issues := Compile(vg, stubRegistry{kinds: map[string]bool{"echo": true}})
	require.NotEmpty(t, issues)
}

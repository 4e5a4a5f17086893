package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duragraph/flowengine/internal/domain/graph"
	"github.com/duragraph/flowengine/internal/domain/run"
	"github.com/duragraph/flowengine/internal/infrastructure/engine"
	"github.com/duragraph/flowengine/internal/infrastructure/persistence/memory"
)

// testDispatcher invokes per-node behaviors synchronously and resumes the
// walk inline, standing in for the real dispatcher plus callback plumbing.
type testDispatcher struct {
	mu         sync.Mutex
	eng        *engine.Engine
	oeg        *graph.OEG
	behaviors  map[string]func(input interface{}) (interface{}, error)
	dispatched map[string]int
}

func newTestDispatcher() *testDispatcher {
	return &testDispatcher{
		behaviors:  make(map[string]func(input interface{}) (interface{}, error)),
		dispatched: make(map[string]int),
	}
}

func (d *testDispatcher) Dispatch(ctx context.Context, runID, nodeID, workerKind string, input interface{}) error {
	d.mu.Lock()
	d.dispatched[nodeID]++
	behavior := d.behaviors[nodeID]
	d.mu.Unlock()

	if behavior == nil {
		behavior = func(input interface{}) (interface{}, error) { return input, nil }
	}
	output, err := behavior(input)
	if err != nil {
		return err
	}
	return d.eng.OnNodeCompleted(ctx, runID, d.oeg, nodeID, output)
}

func (d *testDispatcher) count(nodeID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatched[nodeID]
}

func setup(t *testing.T, oeg *graph.OEG, initialInputs map[string]interface{}) (*memory.Store, *engine.Engine, *testDispatcher, string) {
	t.Helper()
	store := memory.NewStore()
	dispatcher := newTestDispatcher()
	eng := engine.New(store, dispatcher, nil, nil)
	dispatcher.eng = eng
	dispatcher.oeg = oeg

	r := run.NewRun("flow-1", "version-1", oeg, initialInputs)
	require.NoError(t, store.CreateRun(context.Background(), r))
	return store, eng, dispatcher, r.ID()
}

func nodeStatus(t *testing.T, store *memory.Store, runID, nodeID string) run.Status {
	t.Helper()
	r, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, r.NodeState(nodeID))
	return r.NodeState(nodeID).Status
}

// linearOEG is U -[prompt<-topic]-> W(echo) -> T.
func linearOEG() *graph.OEG {
	return &graph.OEG{
		Nodes: map[string]*graph.CompiledNode{
			"u": {ID: "u", Type: graph.NodeUX},
			"w": {ID: "w", Type: graph.NodeWorker, WorkerKind: "echo"},
			"t": {ID: "t", Type: graph.NodeSection},
		},
		Adjacency:    map[string][]string{"u": {"w"}, "w": {"t"}},
		InboundEdges: map[string][]string{"w": {"u"}, "t": {"w"}},
		OutboundEdges: map[string][]graph.CompiledEdge{
			"u": {{EdgeID: "e1", Target: "w", Type: graph.EdgeJourney, Data: graph.EdgeData{Mapping: graph.EdgeMapping{"prompt": "topic"}}}},
			"w": {{EdgeID: "e2", Target: "t", Type: graph.EdgeJourney}},
		},
		EntryNodes:    []string{"u"},
		TerminalNodes: []string{"t"},
	}
}

func TestLinearChain_CompletesWithMappedOutputs(t *testing.T) {
	oeg := linearOEG()
	store, eng, dispatcher, runID := setup(t, oeg, map[string]interface{}{"topic": "hello"})
	ctx := context.Background()

	dispatcher.behaviors["w"] = func(input interface{}) (interface{}, error) {
		in := input.(map[string]interface{})
		return map[string]interface{}{"prompt": in["prompt"], "echoed": in["prompt"]}, nil
	}

	require.NoError(t, eng.FireNode(ctx, runID, oeg, "u"))
	require.Equal(t, run.StatusWaitingForUser, nodeStatus(t, store, runID, "u"))

	require.NoError(t, eng.CompleteUX(ctx, runID, oeg, "u", map[string]interface{}{"topic": "hello"}))

	r, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunStatusCompleted, r.Status())
	for _, nodeID := range []string{"u", "w", "t"} {
		assert.Equal(t, run.StatusCompleted, r.NodeState(nodeID).Status, nodeID)
	}
	assert.Equal(t, map[string]interface{}{"prompt": "hello", "echoed": "hello"}, r.NodeState("t").Output)
}

// fanOutOEG is S{splitter} -> [w1, w2, w3] -> C{collector} -> T.
func fanOutOEG(branches []interface{}) *graph.OEG {
	workers := []string{"w1", "w2", "w3"}
	oeg := &graph.OEG{
		Nodes: map[string]*graph.CompiledNode{
			"s": {ID: "s", Type: graph.NodeSplitter, Splitter: &graph.SplitterConfig{StaticBranches: branches}},
			"c": {ID: "c", Type: graph.NodeCollector, Collector: &graph.CollectorConfig{AggregationOrder: graph.OrderLexicographic}},
			"t": {ID: "t", Type: graph.NodeSection},
		},
		Adjacency:     map[string][]string{"s": workers, "c": {"t"}},
		InboundEdges:  map[string][]string{"c": workers, "t": {"c"}},
		OutboundEdges: map[string][]graph.CompiledEdge{"c": {{EdgeID: "ec", Target: "t", Type: graph.EdgeJourney}}},
		EntryNodes:    []string{"s"},
		TerminalNodes: []string{"t"},
	}
	for i, w := range workers {
		oeg.Nodes[w] = &graph.CompiledNode{ID: w, Type: graph.NodeWorker, WorkerKind: "append-done"}
		oeg.Adjacency[w] = []string{"c"}
		oeg.InboundEdges[w] = []string{"s"}
		oeg.OutboundEdges["s"] = append(oeg.OutboundEdges["s"], graph.CompiledEdge{
			EdgeID: fmt.Sprintf("es%d", i+1), Target: w, Type: graph.EdgeJourney,
		})
		oeg.OutboundEdges[w] = []graph.CompiledEdge{{EdgeID: "e" + w, Target: "c", Type: graph.EdgeJourney}}
	}
	return oeg
}

func TestSplitterCollector_FanOutFanIn(t *testing.T) {
	oeg := fanOutOEG([]interface{}{"a", "b", "c"})
	store, eng, dispatcher, runID := setup(t, oeg, nil)
	ctx := context.Background()

	appendDone := func(input interface{}) (interface{}, error) {
		return fmt.Sprintf("%v-done", input), nil
	}
	for _, w := range []string{"w1", "w2", "w3"} {
		dispatcher.behaviors[w] = appendDone
	}

	require.NoError(t, eng.FireNode(ctx, runID, oeg, "s"))

	r, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunStatusCompleted, r.Status())
	assert.Equal(t, run.StatusCompleted, r.NodeState("s").Status)
	assert.Equal(t, run.StatusCompleted, r.NodeState("c").Status)

	// Aggregated in upstream-node-id lexicographic order.
	assert.Equal(t, []interface{}{"a-done", "b-done", "c-done"}, r.NodeState("c").Output)
	assert.Equal(t, 3, r.NodeState("c").Collector.Expected)
}

func TestCollector_FiresExactlyOnceUnderConcurrentArrivals(t *testing.T) {
	oeg := fanOutOEG([]interface{}{"a", "b", "c"})
	store, eng, _, runID := setup(t, oeg, nil)
	ctx := context.Background()

	// Move the workers to completed by hand so OnNodeCompleted can race the
	// collector arrivals from three goroutines.
	for _, w := range []string{"w1", "w2", "w3"} {
		_, _, err := store.UpdateNodeState(ctx, runID, w, []run.Status{run.StatusPending}, run.StatusRunning, nil, nil, "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, w := range []string{"w1", "w2", "w3"} {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = eng.OnNodeCompleted(ctx, runID, oeg, w, w+"-out")
		}()
	}
	wg.Wait()

	r, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.NodeState("c").Status)
	require.Len(t, r.NodeState("c").Output, 3)
	assert.Equal(t, []interface{}{"w1-out", "w2-out", "w3-out"}, r.NodeState("c").Output)
}

// failureOEG is U -> {w1, w2} -> C -> T.
func failureOEG() *graph.OEG {
	return &graph.OEG{
		Nodes: map[string]*graph.CompiledNode{
			"u":  {ID: "u", Type: graph.NodeSection},
			"w1": {ID: "w1", Type: graph.NodeWorker, WorkerKind: "flaky"},
			"w2": {ID: "w2", Type: graph.NodeWorker, WorkerKind: "steady"},
			"c":  {ID: "c", Type: graph.NodeCollector, Collector: &graph.CollectorConfig{}},
			"t":  {ID: "t", Type: graph.NodeSection},
		},
		Adjacency:    map[string][]string{"u": {"w1", "w2"}, "w1": {"c"}, "w2": {"c"}, "c": {"t"}},
		InboundEdges: map[string][]string{"w1": {"u"}, "w2": {"u"}, "c": {"w1", "w2"}, "t": {"c"}},
		OutboundEdges: map[string][]graph.CompiledEdge{
			"u":  {{EdgeID: "e1", Target: "w1", Type: graph.EdgeJourney}, {EdgeID: "e2", Target: "w2", Type: graph.EdgeJourney}},
			"w1": {{EdgeID: "e3", Target: "c", Type: graph.EdgeJourney}},
			"w2": {{EdgeID: "e4", Target: "c", Type: graph.EdgeJourney}},
			"c":  {{EdgeID: "e5", Target: "t", Type: graph.EdgeJourney}},
		},
		EntryNodes:    []string{"u"},
		TerminalNodes: []string{"t"},
	}
}

func TestFailureIsolation_AndRetry(t *testing.T) {
	oeg := failureOEG()
	store, eng, dispatcher, runID := setup(t, oeg, map[string]interface{}{"seed": true})
	ctx := context.Background()

	failures := 0
	dispatcher.behaviors["w1"] = func(input interface{}) (interface{}, error) {
		if failures == 0 {
			failures++
			return nil, fmt.Errorf("worker exploded")
		}
		return "w1-ok", nil
	}
	dispatcher.behaviors["w2"] = func(input interface{}) (interface{}, error) { return "w2-ok", nil }

	require.NoError(t, eng.FireNode(ctx, runID, oeg, "u"))

	r, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunStatusFailed, r.Status())
	assert.Equal(t, run.StatusFailed, r.NodeState("w1").Status)
	assert.Equal(t, run.StatusCompleted, r.NodeState("w2").Status)
	assert.Equal(t, run.StatusPending, r.NodeState("c").Status)
	assert.Equal(t, run.StatusPending, r.NodeState("t").Status)

	require.NoError(t, eng.Retry(ctx, runID, oeg, "w1"))

	r, err = store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunStatusCompleted, r.Status())
	assert.Equal(t, run.StatusCompleted, r.NodeState("w1").Status)
	assert.Equal(t, run.StatusCompleted, r.NodeState("c").Status)
	assert.Equal(t, run.StatusCompleted, r.NodeState("t").Status)
}

func TestDuplicateCallback_IsIdempotent(t *testing.T) {
	oeg := linearOEG()
	store, eng, dispatcher, runID := setup(t, oeg, map[string]interface{}{"topic": "x"})
	ctx := context.Background()

	dispatcher.behaviors["w"] = func(input interface{}) (interface{}, error) {
		return map[string]interface{}{"x": 1}, nil
	}

	require.NoError(t, eng.FireNode(ctx, runID, oeg, "u"))
	require.NoError(t, eng.CompleteUX(ctx, runID, oeg, "u", map[string]interface{}{"topic": "x"}))

	r, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	firstOutput := r.NodeState("w").Output
	firedOnce := dispatcher.count("w")

	// Second delivery of the same completion: no state change, no re-fire.
	require.NoError(t, eng.OnNodeCompleted(ctx, runID, oeg, "w", map[string]interface{}{"x": 2}))

	r, err = store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, firstOutput, r.NodeState("w").Output)
	assert.Equal(t, firedOnce, dispatcher.count("w"))
	assert.Equal(t, run.RunStatusCompleted, r.Status())
}

// overlapOEG is {a, b} -> T where both edges map the same target key "x".
func overlapOEG() *graph.OEG {
	return &graph.OEG{
		Nodes: map[string]*graph.CompiledNode{
			"a": {ID: "a", Type: graph.NodeWorker, WorkerKind: "echo"},
			"b": {ID: "b", Type: graph.NodeWorker, WorkerKind: "echo"},
			"t": {ID: "t", Type: graph.NodeSection},
		},
		Adjacency:    map[string][]string{"a": {"t"}, "b": {"t"}},
		InboundEdges: map[string][]string{"t": {"a", "b"}},
		OutboundEdges: map[string][]graph.CompiledEdge{
			"a": {{EdgeID: "ea", Target: "t", Type: graph.EdgeJourney, Data: graph.EdgeData{Mapping: graph.EdgeMapping{"x": "v"}}}},
			"b": {{EdgeID: "eb", Target: "t", Type: graph.EdgeJourney, Data: graph.EdgeData{Mapping: graph.EdgeMapping{"x": "v"}}}},
		},
		EntryNodes:    []string{"a", "b"},
		TerminalNodes: []string{"t"},
	}
}

func TestOverlappingKeyMerge_IndependentOfArrivalOrder(t *testing.T) {
	// Both upstreams supply "x"; the winner must be decided by (upstream
	// node-id, edge-id) order, not by which completion landed last.
	for _, order := range [][]string{{"a", "b"}, {"b", "a"}} {
		oeg := overlapOEG()
		store, eng, _, runID := setup(t, oeg, nil)
		ctx := context.Background()

		for _, w := range []string{"a", "b"} {
			_, _, err := store.UpdateNodeState(ctx, runID, w, []run.Status{run.StatusPending}, run.StatusRunning, nil, nil, "")
			require.NoError(t, err)
		}

		outputs := map[string]interface{}{"a": "from-a", "b": "from-b"}
		for _, w := range order {
			require.NoError(t, eng.OnNodeCompleted(ctx, runID, oeg, w, map[string]interface{}{"v": outputs[w]}))
		}

		r, err := store.GetRun(ctx, runID)
		require.NoError(t, err)
		require.Equal(t, run.StatusCompleted, r.NodeState("t").Status)
		final := r.NodeState("t").Output.(map[string]interface{})
		assert.Equal(t, "from-b", final["x"], "arrival order %v", order)
	}
}

func TestSplitter_IndexedBranchesSeedTuples(t *testing.T) {
	oeg := fanOutOEG([]interface{}{"a", "b", "c"})
	oeg.Nodes["s"].Splitter.IndexedBranches = true
	store, eng, dispatcher, runID := setup(t, oeg, nil)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]interface{})
	for _, w := range []string{"w1", "w2", "w3"} {
		w := w
		dispatcher.behaviors[w] = func(input interface{}) (interface{}, error) {
			mu.Lock()
			seen[w] = input
			mu.Unlock()
			return input, nil
		}
	}

	require.NoError(t, eng.FireNode(ctx, runID, oeg, "s"))

	r, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunStatusCompleted, r.Status())

	// Contributions round-trip through the store as JSON, so the tuple
	// arrives as its serialized object form.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	first, ok := seen["w1"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), first["index"])
	assert.Equal(t, "a", first["value"])
}

func TestFireNode_NoOpsOnCancelledRun(t *testing.T) {
	oeg := linearOEG()
	store, eng, _, runID := setup(t, oeg, nil)
	ctx := context.Background()

	require.NoError(t, store.SetRunTerminalStatus(ctx, runID, run.RunStatusCancelled))
	require.NoError(t, eng.FireNode(ctx, runID, oeg, "u"))
	assert.Equal(t, run.StatusPending, nodeStatus(t, store, runID, "u"))
}

package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duragraph/flowengine/internal/application/service"
	"github.com/duragraph/flowengine/internal/domain/graph"
	"github.com/duragraph/flowengine/internal/domain/run"
	"github.com/duragraph/flowengine/internal/domain/version"
	"github.com/duragraph/flowengine/internal/domain/worker"
	"github.com/duragraph/flowengine/internal/infrastructure/engine"
	"github.com/duragraph/flowengine/internal/infrastructure/execution"
	"github.com/duragraph/flowengine/internal/infrastructure/persistence/memory"
)

func echoGraph(label string) graph.VisualGraph {
	return graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "u", Type: graph.NodeSection, Data: graph.NodeData{Label: label}},
			{ID: "w", Type: graph.NodeWorker, Data: graph.NodeData{
				WorkerKind: "echo",
				Inputs:     []graph.InputSpec{{Name: "prompt", Required: true}},
			}},
			{ID: "t", Type: graph.NodeSection},
		},
		Edges: []graph.VisualEdge{
			{ID: "e1", Source: "u", Target: "w", Type: graph.EdgeJourney, Data: graph.EdgeData{Mapping: graph.EdgeMapping{"prompt": "topic"}}},
			{ID: "e2", Source: "w", Target: "t", Type: graph.EdgeJourney},
		},
	}
}

func newStack(t *testing.T) (*memory.Store, *service.RunService, *version.Manager) {
	t.Helper()

	store := memory.NewStore()
	registry := worker.NewRegistry()
	execution.RegisterBuiltinWorkers(registry, false)

	dispatcher := execution.NewDispatcher(registry, execution.Options{CallbackBase: "http://localhost"})
	eng := engine.New(store, dispatcher, nil, nil)
	versions := version.NewManager(store, registry)
	runs := service.NewRunService(store, versions, store, eng)
	dispatcher.SetResume(func(ctx context.Context, runID, nodeID string, output interface{}, errText string) {
		_ = runs.Resume(ctx, runID, nodeID, output, errText)
	})
	return store, runs, versions
}

func TestStartRunWithGraph_AutoVersionsOnce(t *testing.T) {
	_, runs, versions := newStack(t)
	ctx := context.Background()

	flow, err := versions.CreateFlow(ctx, "test-flow")
	require.NoError(t, err)

	vg := echoGraph("v1")
	runID, versionID, err := runs.StartRunWithGraph(ctx, flow.ID, &vg, map[string]interface{}{"topic": "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	updated, err := versions.Flow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, versionID, updated.CurrentVersionID)

	// Same graph again: no new version.
	_, versionID2, err := runs.StartRunWithGraph(ctx, flow.ID, &vg, map[string]interface{}{"topic": "again"})
	require.NoError(t, err)
	assert.Equal(t, versionID, versionID2)

	// A modified graph advances the pointer.
	vg2 := echoGraph("v2")
	_, versionID3, err := runs.StartRunWithGraph(ctx, flow.ID, &vg2, map[string]interface{}{"topic": "x"})
	require.NoError(t, err)
	assert.NotEqual(t, versionID, versionID3)

	metadata, err := versions.ListVersions(ctx, flow.ID)
	require.NoError(t, err)
	assert.Len(t, metadata, 2)
}

func TestStartRun_RunsToCompletionThroughSyncWorker(t *testing.T) {
	_, runs, versions := newStack(t)
	ctx := context.Background()

	flow, err := versions.CreateFlow(ctx, "test-flow")
	require.NoError(t, err)

	vg := echoGraph("v1")
	runID, _, err := runs.StartRunWithGraph(ctx, flow.ID, &vg, map[string]interface{}{"topic": "hello"})
	require.NoError(t, err)

	// The echo worker completes on its own goroutine.
	require.Eventually(t, func() bool {
		status, err := runs.Status(ctx, runID)
		return err == nil && status.Status == run.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	status, err := runs.Status(ctx, runID)
	require.NoError(t, err)
	require.Contains(t, status.FinalOutputs, "t")
	final := status.FinalOutputs["t"].(map[string]interface{})
	assert.Equal(t, "hello", final["prompt"])
	assert.Equal(t, "hello", final["echoed"])
}

func TestStartRun_RejectsVersionFromOtherFlow(t *testing.T) {
	_, runs, versions := newStack(t)
	ctx := context.Background()

	flowA, err := versions.CreateFlow(ctx, "a")
	require.NoError(t, err)
	flowB, err := versions.CreateFlow(ctx, "b")
	require.NoError(t, err)

	vg := echoGraph("v1")
	versionID, _, err := versions.CreateVersion(ctx, flowA.ID, vg, "")
	require.NoError(t, err)

	_, err = runs.StartRun(ctx, flowB.ID, versionID, nil)
	require.Error(t, err)
}

func TestCancel_StopsFurtherFiring(t *testing.T) {
	store, runs, versions := newStack(t)
	ctx := context.Background()

	flow, err := versions.CreateFlow(ctx, "test-flow")
	require.NoError(t, err)

	// A UX entry suspends immediately, leaving the run open to cancel.
	vg := graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "u", Type: graph.NodeUX},
			{ID: "t", Type: graph.NodeSection},
		},
		Edges: []graph.VisualEdge{{ID: "e1", Source: "u", Target: "t", Type: graph.EdgeJourney}},
	}
	runID, _, err := runs.StartRunWithGraph(ctx, flow.ID, &vg, nil)
	require.NoError(t, err)

	require.NoError(t, runs.Cancel(ctx, runID))

	r, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.RunStatusCancelled, r.Status())

	// A late UX completion is absorbed but fires nothing downstream.
	require.NoError(t, runs.CompleteUX(ctx, runID, "u", map[string]interface{}{"ok": true}))
	r, err = store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPending, r.NodeState("t").Status)
}

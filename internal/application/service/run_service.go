// Package service wires the domain and infrastructure layers into the
// application-facing operations the HTTP handlers and CLI call.
package service

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/duragraph/flowengine/internal/domain/graph"
	"github.com/duragraph/flowengine/internal/domain/run"
	"github.com/duragraph/flowengine/internal/domain/version"
	"github.com/duragraph/flowengine/internal/infrastructure/engine"
	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

// RunService implements the run lifecycle and the callback surfaces
// that resume the edge walk: worker callbacks, UX completion, retry.
type RunService struct {
	runs     run.Repository
	versions *version.Manager
	resolver engine.VersionResolver
	engine   *engine.Engine
}

// NewRunService constructs a RunService.
func NewRunService(runs run.Repository, versions *version.Manager, resolver engine.VersionResolver, eng *engine.Engine) *RunService {
	return &RunService{runs: runs, versions: versions, resolver: resolver, engine: eng}
}

// StartRun creates a run against an explicit version: seed every node to
// pending, distribute initial inputs to entry nodes, persist, then fire the
// entry nodes concurrently.
func (s *RunService) StartRun(ctx context.Context, flowID, versionID string, initialInputs map[string]interface{}) (string, error) {
	v, err := s.versions.GetVersion(ctx, versionID)
	if err != nil {
		return "", err
	}
	if v.FlowID != flowID {
		return "", domainerrors.VersionNotFound(versionID)
	}

	oeg := v.ExecutionGraph
	r := run.NewRun(flowID, versionID, &oeg, initialInputs)
	if err := s.runs.CreateRun(ctx, r); err != nil {
		return "", err
	}

	g, fireCtx := errgroup.WithContext(ctx)
	for _, entryID := range oeg.EntryNodes {
		entryID := entryID
		g.Go(func() error {
			return s.engine.FireNode(fireCtx, r.ID(), &oeg, entryID)
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("run %s: entry firing error: %v", r.ID(), err)
	}
	return r.ID(), nil
}

// StartRunWithGraph starts a run, auto-versioning first when the caller
// supplied a visual graph; otherwise the flow's current version is used.
func (s *RunService) StartRunWithGraph(ctx context.Context, flowID string, vg *graph.VisualGraph, initialInputs map[string]interface{}) (runID, versionID string, err error) {
	if vg != nil {
		versionID, _, err = s.versions.AutoVersionOnRun(ctx, flowID, *vg)
		if err != nil {
			return "", "", err
		}
		runID, err = s.StartRun(ctx, flowID, versionID, initialInputs)
		return runID, versionID, err
	}
	return s.StartRunOnCurrentVersion(ctx, flowID, initialInputs)
}

// StartRunOnCurrentVersion resolves the flow's current version pointer —
// never the latest visual graph — and starts a run against it. This is the
// webhook ingestion path.
func (s *RunService) StartRunOnCurrentVersion(ctx context.Context, flowID string, initialInputs map[string]interface{}) (runID, versionID string, err error) {
	flow, err := s.versions.Flow(ctx, flowID)
	if err != nil {
		return "", "", err
	}
	if flow == nil || flow.CurrentVersionID == "" {
		return "", "", domainerrors.VersionNotFound("current version of flow " + flowID)
	}
	runID, err = s.StartRun(ctx, flowID, flow.CurrentVersionID, initialInputs)
	return runID, flow.CurrentVersionID, err
}

// oegFor loads the immutable OEG the run was created against.
func (s *RunService) oegFor(ctx context.Context, runID string) (*run.Run, *graph.OEG, error) {
	r, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	oeg, err := s.resolver.GetExecutionGraph(ctx, r.VersionID())
	if err != nil {
		return nil, nil, err
	}
	return r, oeg, nil
}

// Resume is the worker-return path, shared by the dispatcher's in-process
// resume and the HTTP callback endpoint. errText == "" completes the node
// with output; otherwise the node fails. Duplicate deliveries are absorbed
// idempotently by the engine's CAS.
func (s *RunService) Resume(ctx context.Context, runID, nodeID string, output interface{}, errText string) error {
	r, oeg, err := s.oegFor(ctx, runID)
	if err != nil {
		return err
	}

	if errText != "" {
		return s.engine.OnNodeFailed(ctx, runID, oeg, nodeID, errText)
	}

	// Merge the stored input into a map-shaped payload so pass-through keys
	// survive the walk; primitive outputs stay as-is.
	merged := output
	if ns := r.NodeState(nodeID); ns != nil {
		merged = engine.MergeIO(ns.StoredInput, output)
	}
	return s.engine.OnNodeCompleted(ctx, runID, oeg, nodeID, merged)
}

// CompleteUX is the "UX complete" endpoint: waiting_for_user -> completed.
func (s *RunService) CompleteUX(ctx context.Context, runID, nodeID string, output interface{}) error {
	_, oeg, err := s.oegFor(ctx, runID)
	if err != nil {
		return err
	}
	return s.engine.CompleteUX(ctx, runID, oeg, nodeID, output)
}

// Retry moves a failed node back to pending and re-fires it when its
// upstream set is still completed.
func (s *RunService) Retry(ctx context.Context, runID, nodeID string) error {
	_, oeg, err := s.oegFor(ctx, runID)
	if err != nil {
		return err
	}
	return s.engine.Retry(ctx, runID, oeg, nodeID)
}

// Cancel marks the run cancelled; subsequent fireNode calls no-op and late
// callbacks are absorbed without scheduling further firing.
func (s *RunService) Cancel(ctx context.Context, runID string) error {
	r, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := r.Cancel("cancelled via API"); err != nil {
		return err
	}
	return s.runs.SetRunTerminalStatus(ctx, runID, run.RunStatusCancelled)
}

// NodeStatus is one node's externally visible state.
type NodeStatus struct {
	Status run.Status  `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// RunStatus is the GET /status projection: per-node status plus the outputs
// of completed terminal nodes.
type RunStatus struct {
	RunID        string                 `json:"runId"`
	Status       run.RunStatus          `json:"status"`
	Nodes        map[string]NodeStatus  `json:"nodes"`
	FinalOutputs map[string]interface{} `json:"finalOutputs"`
}

// Status assembles the status projection for a run.
func (s *RunService) Status(ctx context.Context, runID string) (*RunStatus, error) {
	r, oeg, err := s.oegFor(ctx, runID)
	if err != nil {
		return nil, err
	}

	status := &RunStatus{
		RunID:        r.ID(),
		Status:       r.Status(),
		Nodes:        make(map[string]NodeStatus, len(r.NodeStates())),
		FinalOutputs: make(map[string]interface{}),
	}
	for nodeID, ns := range r.NodeStates() {
		status.Nodes[nodeID] = NodeStatus{Status: ns.Status, Output: ns.Output, Error: ns.Error}
	}
	for _, terminalID := range oeg.TerminalNodes {
		if ns := r.NodeState(terminalID); ns != nil && ns.Status == run.StatusCompleted {
			status.FinalOutputs[terminalID] = ns.Output
		}
	}
	return status, nil
}

// FailTimedOut fails a node whose async callback deadline passed; the
// timeout sweep calls this for every expired pending dispatch.
func (s *RunService) FailTimedOut(ctx context.Context, runID, nodeID, workerKind string) error {
	_, oeg, err := s.oegFor(ctx, runID)
	if err != nil {
		return err
	}
	return s.engine.OnNodeFailed(ctx, runID, oeg, nodeID, domainerrors.WorkerTimeout(nodeID, workerKind).Error())
}

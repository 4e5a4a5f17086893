// Package engine implements the edge-walking execution engine and the
// Splitter/Collector fan-out/fan-in mechanism. The Engine holds no
// per-run mutable state: every run's progress lives entirely in the Store,
// so multiple engine processes may service the same run safely.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duragraph/flowengine/internal/domain/graph"
	"github.com/duragraph/flowengine/internal/domain/run"
	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
	"github.com/duragraph/flowengine/internal/pkg/eventbus"
)

var tracer = otel.Tracer("flowengine/engine")

// VersionResolver loads the compiled OEG a run was created against. Kept
// narrow so the engine does not depend on the full version.Manager.
type VersionResolver interface {
	GetExecutionGraph(ctx context.Context, versionID string) (*graph.OEG, error)
}

// Dispatcher invokes a worker kind for a node. Concrete implementation lives
// in internal/infrastructure/execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID, nodeID, workerKind string, input interface{}) error
}

// EntityMover evaluates an entity-movement hook (onSuccess/onFailure) for the
// entity attached to a run. Entities are orthogonal to the execution FSM, so
// a mover error is logged by the implementation and never fails the node.
type EntityMover interface {
	Apply(ctx context.Context, runID string, movement *graph.EntityMovement) error
}

// casRetries bounds how many times the engine retries a CAS write that the
// store rejected with an error. Once retries are exhausted, casUpdate returns
// an Internal error to its caller; it does not mark the node failed, and the
// run status is left unchanged.
const casRetries = 5

// Engine drives fireNode/onNodeCompleted over a Store-backed run. The OEG a
// run executes against is passed into every operation: it is an immutable
// value resolved once per request by the caller (see VersionResolver).
type Engine struct {
	store      run.Repository
	dispatcher Dispatcher
	entities   EntityMover
	bus        *eventbus.EventBus
}

// New constructs an Engine. entities may be nil when no entity tracking is
// attached (direct API runs with no webhook-created entity).
func New(store run.Repository, dispatcher Dispatcher, entities EntityMover, bus *eventbus.EventBus) *Engine {
	return &Engine{store: store, dispatcher: dispatcher, entities: entities, bus: bus}
}

// FireNode transitions nodeId pending->running via the atomic primitive; if
// rejected (already running/completed) it returns idempotently. It then
// dispatches the node per its type.
func (e *Engine) FireNode(ctx context.Context, runID string, oeg *graph.OEG, nodeID string) error {
	node, ok := oeg.Nodes[nodeID]
	if !ok {
		return domainerrors.Internal("unknown node in OEG", fmt.Errorf("node %s", nodeID))
	}

	ctx, span := tracer.Start(ctx, "engine.FireNode", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("node.id", nodeID),
		attribute.String("node.type", string(node.Type)),
	))
	defer span.End()

	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status() != run.RunStatusRunning {
		// Cancelled or already terminal: firing becomes a no-op. Late worker
		// callbacks are still absorbed idempotently elsewhere.
		return nil
	}

	// Flatten the edge contributions into the node's effective input before
	// the dispatch transition, so the record carries exactly what the node
	// received and the flatten order never depends on arrival timing.
	input := flattenInput(r.NodeState(nodeID))

	applied, _, err := e.casUpdate(ctx, runID, nodeID, run.ExpectedFromFor(run.TriggerDispatch), run.StatusRunning, input, nil, "")
	if err != nil {
		return err
	}
	if !applied {
		// Already running/completed/etc: idempotent no-op.
		return nil
	}
	e.publishTransition(ctx, runID, nodeID, run.StatusPending, run.StatusRunning)

	switch node.Type {
	case graph.NodeWorker:
		return e.fireWorker(ctx, runID, node, input)
	case graph.NodeUX:
		return e.fireUX(ctx, runID, nodeID)
	case graph.NodeSplitter:
		return e.fireSplitter(ctx, runID, oeg, node, input)
	case graph.NodeCollector:
		// A collector only ever reaches "running" through fireNode when it
		// is itself an entry node with no inbound edges, which compilation
		// forbids (collectors require >=2 inbound journey edges). Nothing
		// to do here; collectors fire exclusively from onNodeCompleted.
		return nil
	default:
		// Section nodes and any other passive type: complete immediately
		// with their stored input as output, so journey propagation and
		// finalization still work uniformly.
		return e.OnNodeCompleted(ctx, runID, oeg, nodeID, input)
	}
}

// applyInputDefaults fills declared input defaults for keys the stored
// input does not carry, which is what makes a defaulted required input
// satisfiable without an inbound mapping.
func applyInputDefaults(node *graph.CompiledNode, storedInput interface{}) interface{} {
	withDefaults := make(map[string]interface{})
	if asMap, ok := storedInput.(map[string]interface{}); ok {
		for k, v := range asMap {
			withDefaults[k] = v
		}
	} else if storedInput != nil {
		return storedInput
	}
	for _, in := range node.Inputs {
		if in.Default == nil {
			continue
		}
		if _, present := withDefaults[in.Name]; !present {
			withDefaults[in.Name] = in.Default
		}
	}
	return withDefaults
}

func (e *Engine) fireWorker(ctx context.Context, runID string, node *graph.CompiledNode, input interface{}) error {
	if err := e.dispatcher.Dispatch(ctx, runID, node.ID, node.WorkerKind, applyInputDefaults(node, input)); err != nil {
		_, _, casErr := e.casUpdate(ctx, runID, node.ID, run.ExpectedFromFor(run.TriggerWorkerReturn), run.StatusFailed, nil, nil, err.Error())
		if casErr != nil {
			return casErr
		}
		return nil
	}
	return nil
}

func (e *Engine) fireUX(ctx context.Context, runID, nodeID string) error {
	_, _, err := e.casUpdate(ctx, runID, nodeID, []run.Status{run.StatusRunning}, run.StatusWaitingForUser, nil, nil, "")
	return err
}

// CompleteUX is the "UX complete" external call: waiting_for_user ->
// completed, storing output, then walking onward.
func (e *Engine) CompleteUX(ctx context.Context, runID string, oeg *graph.OEG, nodeID string, output interface{}) error {
	if err := e.preRecordContributions(ctx, runID, oeg, nodeID, output); err != nil {
		return err
	}
	applied, _, err := e.casUpdate(ctx, runID, nodeID, run.ExpectedFromFor(run.TriggerUXComplete), run.StatusCompleted, nil, output, "")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	e.publishTransition(ctx, runID, nodeID, run.StatusWaitingForUser, run.StatusCompleted)
	return e.walkFrom(ctx, runID, oeg, nodeID, output)
}

// Retry moves a failed node back to pending and re-evaluates readiness: it
// fires the node only if all upstream nodes are still completed. A run that
// already settled to failed is reopened first, so the retried branch can
// walk to completion and re-finalize.
func (e *Engine) Retry(ctx context.Context, runID string, oeg *graph.OEG, nodeID string) error {
	applied, _, err := e.casUpdate(ctx, runID, nodeID, run.ExpectedFromFor(run.TriggerRetry), run.StatusPending, nil, nil, "")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	e.publishTransition(ctx, runID, nodeID, run.StatusFailed, run.StatusPending)
	if err := e.store.ReopenRun(ctx, runID); err != nil {
		return err
	}
	if len(oeg.InboundEdges[nodeID]) == 0 || e.upstreamAllCompleted(ctx, runID, oeg, nodeID) {
		return e.FireNode(ctx, runID, oeg, nodeID)
	}
	return nil
}

// OnNodeCompleted is the worker-return / section-completion path: via the
// atomic primitive it transitions the node to completed, stores output, then
// walks outbound journey edges.
func (e *Engine) OnNodeCompleted(ctx context.Context, runID string, oeg *graph.OEG, nodeID string, output interface{}) error {
	ctx, span := tracer.Start(ctx, "engine.OnNodeCompleted", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("node.id", nodeID),
	))
	defer span.End()

	// Record downstream contributions before the completed CAS becomes
	// visible: a sibling upstream's readiness check that observes this node
	// as completed must already find its contribution in place.
	if err := e.preRecordContributions(ctx, runID, oeg, nodeID, output); err != nil {
		return err
	}

	applied, _, err := e.casUpdate(ctx, runID, nodeID, run.ExpectedFromFor(run.TriggerWorkerReturn), run.StatusCompleted, nil, output, "")
	if err != nil {
		return err
	}
	if !applied {
		// Already completed: duplicate delivery under at-least-once workers.
		// Leave state unchanged and do not re-fire downstream.
		return e.finalize(ctx, runID, oeg)
	}
	e.publishTransition(ctx, runID, nodeID, run.StatusRunning, run.StatusCompleted)
	e.moveEntity(ctx, runID, oeg, nodeID, false)
	return e.walkFrom(ctx, runID, oeg, nodeID, output)
}

// preRecordContributions writes this node's journey-edge contributions to
// non-collector targets ahead of its completed transition. Guarded on the
// node actually being in flight so a spurious callback for a node that
// never ran cannot pollute downstream inputs; writes are keyed per
// (upstream, edge) and targets past pending ignore them, so duplicate
// deliveries are harmless.
func (e *Engine) preRecordContributions(ctx context.Context, runID string, oeg *graph.OEG, nodeID string, output interface{}) error {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	ns := r.NodeState(nodeID)
	if ns == nil || (ns.Status != run.StatusRunning && ns.Status != run.StatusWaitingForUser) {
		return nil
	}
	for _, edge := range oeg.OutboundEdges[nodeID] {
		if edge.Type != graph.EdgeJourney {
			continue
		}
		if target := oeg.Nodes[edge.Target]; target != nil && target.Type == graph.NodeCollector {
			continue
		}
		payload := propagated(edge.Data.Mapping, output)
		if err := e.store.MergeNodeInput(ctx, runID, edge.Target, contribKey(nodeID, edge.EdgeID), payload); err != nil {
			return err
		}
	}
	return nil
}

// OnNodeFailed transitions a node to failed with the given error and
// evaluates the onFailure entity-movement hook. Downstream journey edges are
// never fired for a failed node.
func (e *Engine) OnNodeFailed(ctx context.Context, runID string, oeg *graph.OEG, nodeID string, errText string) error {
	_, _, err := e.casUpdate(ctx, runID, nodeID, run.ExpectedFromFor(run.TriggerWorkerReturn), run.StatusFailed, nil, nil, errText)
	if err != nil {
		return err
	}
	e.publishTransition(ctx, runID, nodeID, run.StatusRunning, run.StatusFailed)
	e.moveEntity(ctx, runID, oeg, nodeID, true)
	return e.finalize(ctx, runID, oeg)
}

// moveEntity evaluates the node's onSuccess/onFailure entity-movement hook.
// Entity journeys are orthogonal to the execution FSM: hook failures never
// fail the node.
func (e *Engine) moveEntity(ctx context.Context, runID string, oeg *graph.OEG, nodeID string, failed bool) {
	if e.entities == nil {
		return
	}
	node := oeg.Nodes[nodeID]
	if node == nil || node.Type != graph.NodeWorker {
		return
	}
	movement := node.OnSuccess
	if failed {
		movement = node.OnFailure
	}
	if movement == nil {
		return
	}
	_ = e.entities.Apply(ctx, runID, movement)
}

// walkFrom implements the propagation half of onNodeCompleted: for each
// downstream target reached by a journey or system edge, resolve mappings,
// record the contribution under its (upstream node-id, edge-id) key, test
// readiness, and fire if ready. Because every contribution lands under its
// own key, concurrent upstream completions never lose writes, and the
// flatten at fire time resolves overlapping keys in contributor-key order
// rather than wall-clock arrival order.
func (e *Engine) walkFrom(ctx context.Context, runID string, oeg *graph.OEG, nodeID string, output interface{}) error {
	outbound := oeg.OutboundEdges[nodeID]
	// Deterministic order: ties between edges break by edge-id.
	sorted := append([]graph.CompiledEdge{}, outbound...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EdgeID < sorted[j].EdgeID })

	for _, edge := range sorted {
		payload := propagated(edge.Data.Mapping, output)

		if edge.Type == graph.EdgeSystem {
			// System edges fire their target once, independent of readiness.
			if err := e.seedAndFire(ctx, runID, oeg, nodeID, edge, payload); err != nil {
				return err
			}
			continue
		}

		targetNode := oeg.Nodes[edge.Target]
		if targetNode != nil && targetNode.Type == graph.NodeCollector {
			if err := e.arriveAtCollector(ctx, runID, oeg, nodeID, edge.Target, payload); err != nil {
				return err
			}
			continue
		}

		if err := e.store.MergeNodeInput(ctx, runID, edge.Target, contribKey(nodeID, edge.EdgeID), payload); err != nil {
			return err
		}
		if e.upstreamAllCompleted(ctx, runID, oeg, edge.Target) {
			if err := e.FireNode(ctx, runID, oeg, edge.Target); err != nil {
				return err
			}
		}
	}

	return e.finalize(ctx, runID, oeg)
}

func (e *Engine) seedAndFire(ctx context.Context, runID string, oeg *graph.OEG, sourceID string, edge graph.CompiledEdge, payload interface{}) error {
	if err := e.store.MergeNodeInput(ctx, runID, edge.Target, contribKey(sourceID, edge.EdgeID), payload); err != nil {
		return err
	}
	return e.FireNode(ctx, runID, oeg, edge.Target)
}

func (e *Engine) upstreamAllCompleted(ctx context.Context, runID string, oeg *graph.OEG, nodeID string) bool {
	upstream := oeg.InboundEdges[nodeID]
	if len(upstream) == 0 {
		return false
	}
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false
	}
	for _, up := range upstream {
		ns := r.NodeState(up)
		if ns == nil || ns.Status != run.StatusCompleted {
			return false
		}
	}
	return true
}

func (e *Engine) finalize(ctx context.Context, runID string, oeg *graph.OEG) error {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.FinalizeIfTerminal(oeg) {
		return e.store.SetRunTerminalStatus(ctx, runID, r.Status())
	}
	return nil
}

// publishTransition emits a NodeStateChanged event on the in-process bus;
// subscribers (metrics, outbox projection) are best-effort.
func (e *Engine) publishTransition(ctx context.Context, runID, nodeID string, from, to run.Status) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, run.NodeStateChanged{
		RunID:      runID,
		NodeID:     nodeID,
		From:       from,
		To:         to,
		OccurredAt: time.Now(),
	})
}

// casUpdate wraps the store's atomic primitive with the bounded retry
// policy.
func (e *Engine) casUpdate(ctx context.Context, runID, nodeID string, expectedFrom []run.Status, newStatus run.Status, storedInput, output interface{}, errText string) (bool, *run.NodeState, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		applied, current, err := e.store.UpdateNodeState(ctx, runID, nodeID, expectedFrom, newStatus, storedInput, output, errText)
		if err == nil {
			return applied, current, nil
		}
		lastErr = err
	}
	return false, nil, domainerrors.Internal("exhausted CAS retries", lastErr)
}

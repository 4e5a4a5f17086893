package run

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/duragraph/flowengine/internal/domain/graph"
	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

// Run is the Run Lifecycle aggregate: id, flow-id, version-id
// (immutable reference), creation timestamp, terminal status, and the
// per-node node-states map. Node ids are opaque keys shared with the OEG
// that produced this run.
type Run struct {
	id         string
	flowID     string
	versionID  string
	status     RunStatus
	nodeStates map[string]*NodeState
	createdAt  time.Time
	updatedAt  time.Time

	events []Event
}

// NewRun creates a run against an already-compiled OEG: every node-id is
// seeded to pending, and initialInputs is distributed to the entry nodes'
// stored input (keyed by entry node id; if there is exactly one entry node
// and initialInputs has no top-level key matching it, the whole map is used
// as that node's input).
func NewRun(flowID, versionID string, oeg *graph.OEG, initialInputs map[string]interface{}) *Run {
	now := time.Now()
	r := &Run{
		id:         uuid.NewString(),
		flowID:     flowID,
		versionID:  versionID,
		status:     RunStatusRunning,
		nodeStates: make(map[string]*NodeState, len(oeg.Nodes)),
		createdAt:  now,
		updatedAt:  now,
	}

	nodeIDs := make([]string, 0, len(oeg.Nodes))
	for id := range oeg.Nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	for _, id := range nodeIDs {
		r.nodeStates[id] = &NodeState{Status: StatusPending}
	}

	entrySeed := seedEntryInputs(oeg.EntryNodes, initialInputs)
	for nodeID, input := range entrySeed {
		if ns, ok := r.nodeStates[nodeID]; ok {
			ns.StoredInput = input
		}
	}

	r.recordEvent(RunCreated{
		RunID:      r.id,
		FlowID:     flowID,
		VersionID:  versionID,
		NodeIDs:    nodeIDs,
		OccurredAt: now,
	})

	return r
}

// seedEntryInputs distributes initialInputs to entry nodes: keyed by entry
// node id if present there, otherwise (for the sole entry node case) the
// whole map is used directly.
func seedEntryInputs(entryNodes []string, initialInputs map[string]interface{}) map[string]interface{} {
	seeded := make(map[string]interface{}, len(entryNodes))
	if initialInputs == nil {
		return seeded
	}
	if len(entryNodes) == 1 {
		only := entryNodes[0]
		if nested, ok := initialInputs[only]; ok {
			seeded[only] = nested
		} else {
			seeded[only] = initialInputs
		}
		return seeded
	}
	for _, id := range entryNodes {
		if nested, ok := initialInputs[id]; ok {
			seeded[id] = nested
		}
	}
	return seeded
}

func (r *Run) ID() string                         { return r.id }
func (r *Run) FlowID() string                     { return r.flowID }
func (r *Run) VersionID() string                  { return r.versionID }
func (r *Run) Status() RunStatus                  { return r.status }
func (r *Run) CreatedAt() time.Time               { return r.createdAt }
func (r *Run) UpdatedAt() time.Time               { return r.updatedAt }
func (r *Run) NodeState(nodeID string) *NodeState { return r.nodeStates[nodeID] }

// NodeStates returns the full node-states map. Callers must not mutate node
// states in place through this accessor: all writes go through the atomic
// store primitive, never a bulk read-modify-write.
func (r *Run) NodeStates() map[string]*NodeState { return r.nodeStates }

// Cancel marks the run cancelled. Subsequent fireNode calls become no-ops;
// in-flight worker callbacks are still absorbed idempotently.
func (r *Run) Cancel(reason string) error {
	if r.status != RunStatusRunning {
		return domainerrors.InvalidState(string(r.status), "cancel")
	}
	now := time.Now()
	r.status = RunStatusCancelled
	r.updatedAt = now
	r.recordEvent(RunCancelled{RunID: r.id, Reason: reason, OccurredAt: now})
	return nil
}

// FinalizeIfTerminal recomputes the run's terminal status against the given
// OEG's terminal node set:
//   - every terminal node completed -> RunStatusCompleted
//   - any node failed and nothing pending/running/waiting remains -> RunStatusFailed
//   - otherwise the run stays RunStatusRunning
//
// Returns true if the run transitioned to a terminal status on this call.
func (r *Run) FinalizeIfTerminal(oeg *graph.OEG) bool {
	if r.status != RunStatusRunning {
		return false
	}

	allTerminalCompleted := true
	for _, nodeID := range oeg.TerminalNodes {
		ns := r.nodeStates[nodeID]
		if ns == nil || ns.Status != StatusCompleted {
			allTerminalCompleted = false
			break
		}
	}
	if allTerminalCompleted && len(oeg.TerminalNodes) > 0 {
		r.transitionTo(RunStatusCompleted)
		return true
	}

	// A pending node downstream of a failure can never become ready (its
	// readiness test requires every journey upstream completed), so it does
	// not count as in-flight.
	doomed := doomedSet(r.nodeStates, oeg)

	anyFailed := false
	anyInFlight := false
	for nodeID, ns := range r.nodeStates {
		switch ns.Status {
		case StatusFailed:
			anyFailed = true
		case StatusRunning, StatusWaitingForUser:
			anyInFlight = true
		case StatusPending:
			if !doomed[nodeID] {
				anyInFlight = true
			}
		}
	}
	if anyFailed && !anyInFlight {
		r.transitionTo(RunStatusFailed)
		return true
	}

	return false
}

// doomedSet marks every node reachable from a failed node via journey
// edges.
func doomedSet(states map[string]*NodeState, oeg *graph.OEG) map[string]bool {
	doomed := make(map[string]bool)
	var stack []string
	for nodeID, ns := range states {
		if ns.Status == StatusFailed {
			stack = append(stack, oeg.Adjacency[nodeID]...)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if doomed[id] {
			continue
		}
		doomed[id] = true
		stack = append(stack, oeg.Adjacency[id]...)
	}
	return doomed
}

func (r *Run) transitionTo(status RunStatus) {
	now := time.Now()
	r.status = status
	r.updatedAt = now
	r.recordEvent(RunFinalized{RunID: r.id, Status: status, OccurredAt: now})
}

// Events returns the uncommitted events.
func (r *Run) Events() []Event { return r.events }

// ClearEvents clears the uncommitted events after they have been published.
func (r *Run) ClearEvents() { r.events = nil }

func (r *Run) recordEvent(event Event) {
	r.events = append(r.events, event)
}

// Reconstruct rebuilds run state from its event stream.
func Reconstruct(events []Event) (*Run, error) {
	if len(events) == 0 {
		return nil, domainerrors.InvalidInput("events", "at least one event is required")
	}
	r := &Run{nodeStates: make(map[string]*NodeState)}
	for _, event := range events {
		r.applyEvent(event)
	}
	return r, nil
}

func (r *Run) applyEvent(event Event) {
	switch e := event.(type) {
	case RunCreated:
		r.id = e.RunID
		r.flowID = e.FlowID
		r.versionID = e.VersionID
		r.status = RunStatusRunning
		r.createdAt = e.OccurredAt
		r.updatedAt = e.OccurredAt
		for _, id := range e.NodeIDs {
			r.nodeStates[id] = &NodeState{Status: StatusPending}
		}
	case NodeStateChanged:
		ns := r.nodeStates[e.NodeID]
		if ns == nil {
			ns = &NodeState{}
			r.nodeStates[e.NodeID] = ns
		}
		ns.Status = e.To
		r.updatedAt = e.OccurredAt
	case RunFinalized:
		r.status = e.Status
		r.updatedAt = e.OccurredAt
	case RunCancelled:
		r.status = RunStatusCancelled
		r.updatedAt = e.OccurredAt
	}
}

// Data holds raw data for reconstructing a Run from a database projection,
// bypassing event replay for read paths.
type Data struct {
	ID         string
	FlowID     string
	VersionID  string
	Status     RunStatus
	NodeStates map[string]*NodeState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReconstructFromData rebuilds a Run from a database projection.
func ReconstructFromData(data Data) *Run {
	ns := data.NodeStates
	if ns == nil {
		ns = make(map[string]*NodeState)
	}
	return &Run{
		id:         data.ID,
		flowID:     data.FlowID,
		versionID:  data.VersionID,
		status:     data.Status,
		nodeStates: ns,
		createdAt:  data.CreatedAt,
		updatedAt:  data.UpdatedAt,
	}
}

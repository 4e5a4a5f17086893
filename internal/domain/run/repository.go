package run

import (
	"context"
)

// Repository is the Store's run-facing surface: run CRUD plus the atomic
// primitives the engine requires. Implementations must guarantee that
// UpdateNodeState and AppendCollectorArrival are true compare-and-swap
// operations scoped to a single node's sub-record — never a bulk
// read-modify-write across the whole node-states map.
type Repository interface {
	// CreateRun persists a newly created run: the one permitted bulk write
	// of the full node-states map, since the run is not yet visible to
	// workers.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun retrieves a run by id, or nil if it does not exist.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// UpdateNodeState atomically compares-and-swaps one node's status
	// (and, where provided, its output/error) against expectedFrom. applied
	// is false when the node's current status was not a member of
	// expectedFrom at the moment of the write; current always reflects the
	// node state as observed by the store after the attempt.
	UpdateNodeState(ctx context.Context, runID, nodeID string, expectedFrom []Status, newStatus Status, storedInput, output interface{}, errText string) (applied bool, current *NodeState, err error)

	// MergeNodeInput atomically records one inbound edge's resolved partial
	// input under its contributor key ("upstreamNodeId/edgeId") while the
	// node is still pending; a no-op once the node has moved on. Writes for
	// distinct contributor keys never overwrite each other, so concurrent
	// upstream completions are lossless.
	MergeNodeInput(ctx context.Context, runID, nodeID, contribKey string, payload interface{}) error

	// AppendCollectorArrival atomically appends an arrival to a collector's
	// tracking sub-record and returns the updated tracking record. If the
	// upstream id has already arrived, the call is a no-op and returns the
	// unchanged tracking record (idempotency guard).
	AppendCollectorArrival(ctx context.Context, runID, nodeID, upstreamNodeID string, payload interface{}, expected int) (*CollectorTracking, error)

	// SetRunTerminalStatus atomically sets the run-level status.
	SetRunTerminalStatus(ctx context.Context, runID string, status RunStatus) error

	// ReopenRun flips a failed run back to running so a retried node can
	// fire; a no-op for runs in any other status.
	ReopenRun(ctx context.Context, runID string) error
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duragraph/flowengine/internal/domain/run"
	"github.com/duragraph/flowengine/internal/pkg/errors"
	"github.com/duragraph/flowengine/internal/pkg/eventbus"
	pkguuid "github.com/duragraph/flowengine/internal/pkg/uuid"
)

// RunRepository implements run.Repository over Postgres. The node-states map
// lives in a JSONB column; UpdateNodeState and AppendCollectorArrival are
// single guarded UPDATE statements scoped to one node's sub-record, so they
// are atomic at the row level with no read-modify-write window.
type RunRepository struct {
	pool       *pgxpool.Pool
	eventStore *EventStore
}

// NewRunRepository creates a new run repository.
func NewRunRepository(pool *pgxpool.Pool, eventStore *EventStore) *RunRepository {
	return &RunRepository{pool: pool, eventStore: eventStore}
}

// CreateRun persists a newly created run. This is the one permitted bulk
// write of the full node-states map: the run is not yet visible to workers.
func (r *RunRepository) CreateRun(ctx context.Context, runAgg *run.Run) error {
	statesJSON, err := json.Marshal(runAgg.NodeStates())
	if err != nil {
		return errors.Internal("failed to marshal node states", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO runs (id, flow_id, version_id, node_states, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		runAgg.ID(),
		runAgg.FlowID(),
		runAgg.VersionID(),
		statesJSON,
		string(runAgg.Status()),
		runAgg.CreatedAt(),
		runAgg.UpdatedAt(),
	)
	if err != nil {
		return errors.Internal("failed to save run", err)
	}

	if events := runAgg.Events(); len(events) > 0 && r.eventStore != nil {
		busEvents := make([]eventbus.Event, len(events))
		for i, e := range events {
			busEvents[i] = e
		}
		if err := r.eventStore.SaveEvents(ctx, pkguuid.New(), "run", runAgg.ID(), busEvents); err != nil {
			return err
		}
		runAgg.ClearEvents()
	}
	return nil
}

// GetRun retrieves a run by id.
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	var (
		id, flowID, versionID, status string
		statesJSON                    []byte
		createdAt, updatedAt          time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, flow_id, version_id, node_states, status, created_at, updated_at
		FROM runs
		WHERE id = $1
	`, runID).Scan(&id, &flowID, &versionID, &statesJSON, &status, &createdAt, &updatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.RunNotFound(runID)
	}
	if err != nil {
		return nil, errors.Internal("failed to query run", err)
	}

	nodeStates := make(map[string]*run.NodeState)
	if err := json.Unmarshal(statesJSON, &nodeStates); err != nil {
		return nil, errors.Internal("failed to unmarshal node states", err)
	}

	return run.ReconstructFromData(run.Data{
		ID:         id,
		FlowID:     flowID,
		VersionID:  versionID,
		Status:     run.RunStatus(status),
		NodeStates: nodeStates,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}), nil
}

// UpdateNodeState compares-and-swaps one node's status inside the run's
// node-states JSONB. The WHERE clause carries the expectedFrom guard; zero
// rows affected means the node was not in any expected status at the moment
// of the write.
func (r *RunRepository) UpdateNodeState(ctx context.Context, runID, nodeID string, expectedFrom []run.Status, newStatus run.Status, storedInput, output interface{}, errText string) (bool, *run.NodeState, error) {
	expected := make([]string, 0, len(expectedFrom))
	for _, s := range expectedFrom {
		expected = append(expected, string(s))
	}

	// Build the node sub-record expression field by field so untouched
	// fields (collector tracking, previously stored input) survive the swap.
	expr := "jsonb_set(COALESCE(node_states->$2, '{}'::jsonb), '{status}', to_jsonb($3::text))"
	args := []interface{}{runID, nodeID, string(newStatus)}

	if storedInput != nil {
		inputJSON, err := json.Marshal(storedInput)
		if err != nil {
			return false, nil, errors.Internal("failed to marshal stored input", err)
		}
		args = append(args, inputJSON)
		// Map inputs merge into the existing stored input server-side, so
		// concurrent upstream merges are commutative; non-map values replace.
		expr = fmt.Sprintf(`jsonb_set(%s, '{storedInput}',
			CASE WHEN jsonb_typeof(COALESCE(node_states->$2->'storedInput', 'null'::jsonb)) = 'object'
			      AND jsonb_typeof($%d::jsonb) = 'object'
			THEN (node_states->$2->'storedInput') || $%d::jsonb
			ELSE $%d::jsonb
			END)`, expr, len(args), len(args), len(args))
	}
	if output != nil {
		outputJSON, err := json.Marshal(output)
		if err != nil {
			return false, nil, errors.Internal("failed to marshal output", err)
		}
		args = append(args, outputJSON)
		expr = fmt.Sprintf("jsonb_set(%s, '{output}', $%d::jsonb)", expr, len(args))
	}
	if errText != "" {
		args = append(args, errText)
		expr = fmt.Sprintf("jsonb_set(%s, '{error}', to_jsonb($%d::text))", expr, len(args))
	}

	args = append(args, expected)
	query := fmt.Sprintf(`
		UPDATE runs
		SET node_states = jsonb_set(node_states, ARRAY[$2], %s), updated_at = NOW()
		WHERE id = $1 AND node_states->$2->>'status' = ANY($%d)
		RETURNING node_states->$2
	`, expr, len(args))

	var currentJSON []byte
	err := r.pool.QueryRow(ctx, query, args...).Scan(&currentJSON)
	if err == pgx.ErrNoRows {
		// Guard did not match: report the state the store currently holds.
		current, getErr := r.getNodeState(ctx, runID, nodeID)
		if getErr != nil {
			return false, nil, getErr
		}
		return false, current, nil
	}
	if err != nil {
		return false, nil, errors.Internal("failed to update node state", err)
	}

	var current run.NodeState
	if err := json.Unmarshal(currentJSON, &current); err != nil {
		return false, nil, errors.Internal("failed to unmarshal node state", err)
	}
	return true, &current, nil
}

func (r *RunRepository) getNodeState(ctx context.Context, runID, nodeID string) (*run.NodeState, error) {
	var stateJSON []byte
	err := r.pool.QueryRow(ctx, `
		SELECT node_states->$2 FROM runs WHERE id = $1
	`, runID, nodeID).Scan(&stateJSON)
	if err == pgx.ErrNoRows {
		return nil, errors.RunNotFound(runID)
	}
	if err != nil {
		return nil, errors.Internal("failed to query node state", err)
	}
	if stateJSON == nil {
		return nil, nil
	}
	var ns run.NodeState
	if err := json.Unmarshal(stateJSON, &ns); err != nil {
		return nil, errors.Internal("failed to unmarshal node state", err)
	}
	return &ns, nil
}

// MergeNodeInput records one contributor's resolved partial input inside a
// single guarded UPDATE: distinct contributor keys never overwrite each
// other, and the write is a no-op once the node has left pending.
func (r *RunRepository) MergeNodeInput(ctx context.Context, runID, nodeID, contribKey string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return errors.Internal("failed to marshal input contribution", err)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE runs
		SET node_states = jsonb_set(node_states, ARRAY[$2, 'inputContrib'],
			COALESCE(node_states#>ARRAY[$2, 'inputContrib'], '{}'::jsonb)
				|| jsonb_build_object($3::text, $4::jsonb)), updated_at = NOW()
		WHERE id = $1 AND node_states->$2->>'status' = 'pending'
	`, runID, nodeID, contribKey, payloadJSON)
	if err != nil {
		return errors.Internal("failed to merge node input", err)
	}
	return nil
}

// AppendCollectorArrival atomically appends one arrival to a collector's
// tracking sub-record. The whole append — initialize-if-absent, idempotency
// guard on arrivedSet, list append — happens inside a single UPDATE, so two
// concurrent upstream completions cannot lose each other's writes.
func (r *RunRepository) AppendCollectorArrival(ctx context.Context, runID, nodeID, upstreamNodeID string, payload interface{}, expected int) (*run.CollectorTracking, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Internal("failed to marshal arrival payload", err)
	}

	var trackingJSON []byte
	err = r.pool.QueryRow(ctx, `
		UPDATE runs
		SET node_states = jsonb_set(node_states, ARRAY[$2, 'collector'],
			CASE WHEN COALESCE(node_states#>ARRAY[$2, 'collector', 'arrivedSet'] ? $3, FALSE)
			THEN node_states#>ARRAY[$2, 'collector']
			ELSE jsonb_build_object(
				'expected', COALESCE((node_states#>>ARRAY[$2, 'collector', 'expected'])::int, $5::int),
				'received', COALESCE(node_states#>ARRAY[$2, 'collector', 'received'], '[]'::jsonb)
					|| jsonb_build_array(jsonb_build_object('upstreamNodeId', $3::text, 'payload', $4::jsonb)),
				'arrivedSet', COALESCE(node_states#>ARRAY[$2, 'collector', 'arrivedSet'], '{}'::jsonb)
					|| jsonb_build_object($3::text, TRUE)
			)
			END), updated_at = NOW()
		WHERE id = $1
		RETURNING node_states#>ARRAY[$2, 'collector']
	`, runID, nodeID, upstreamNodeID, payloadJSON, expected).Scan(&trackingJSON)
	if err == pgx.ErrNoRows {
		return nil, errors.RunNotFound(runID)
	}
	if err != nil {
		return nil, errors.Internal("failed to append collector arrival", err)
	}

	var tracking run.CollectorTracking
	if err := json.Unmarshal(trackingJSON, &tracking); err != nil {
		return nil, errors.Internal("failed to unmarshal collector tracking", err)
	}
	return &tracking, nil
}

// SetRunTerminalStatus sets the run-level status. Terminal statuses are
// never overwritten back to running.
func (r *RunRepository) SetRunTerminalStatus(ctx context.Context, runID string, status run.RunStatus) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, runID, string(status))
	if err != nil {
		return errors.Internal("failed to set run status", err)
	}
	return nil
}

// ReopenRun flips a failed run back to running for a retry.
func (r *RunRepository) ReopenRun(ctx context.Context, runID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status = 'running', updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`, runID)
	if err != nil {
		return errors.Internal("failed to reopen run", err)
	}
	return nil
}

package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duragraph/flowengine/internal/domain/graph"
	"github.com/duragraph/flowengine/internal/domain/version"
	"github.com/duragraph/flowengine/internal/pkg/errors"
)

// FlowRepository implements version.Repository over Postgres: the flows
// table (with its current-version pointer) and the append-only flow_versions
// table. Version rows are written once and never updated.
type FlowRepository struct {
	pool *pgxpool.Pool
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(pool *pgxpool.Pool) *FlowRepository {
	return &FlowRepository{pool: pool}
}

// CreateFlow inserts a flow with no current version yet.
func (r *FlowRepository) CreateFlow(ctx context.Context, flow *version.Flow) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO flows (id, name, current_version_id)
		VALUES ($1, $2, NULLIF($3, ''))
	`, flow.ID, flow.Name, flow.CurrentVersionID)
	if err != nil {
		return errors.Internal("failed to create flow", err)
	}
	return nil
}

// GetFlow retrieves a flow by id, or nil when it does not exist.
func (r *FlowRepository) GetFlow(ctx context.Context, flowID string) (*version.Flow, error) {
	var flow version.Flow
	var currentVersionID *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, current_version_id FROM flows WHERE id = $1
	`, flowID).Scan(&flow.ID, &flow.Name, &currentVersionID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("failed to query flow", err)
	}
	if currentVersionID != nil {
		flow.CurrentVersionID = *currentVersionID
	}
	return &flow, nil
}

// UpdateFlowCurrentVersion advances the flow's pointer. The version record
// itself is never touched.
func (r *FlowRepository) UpdateFlowCurrentVersion(ctx context.Context, flowID, versionID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE flows SET current_version_id = $2 WHERE id = $1
	`, flowID, versionID)
	if err != nil {
		return errors.Internal("failed to update flow current version", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("flow", flowID)
	}
	return nil
}

// InsertVersion appends one immutable version record.
func (r *FlowRepository) InsertVersion(ctx context.Context, v *version.Version) error {
	visualJSON, err := json.Marshal(v.VisualGraph)
	if err != nil {
		return errors.Internal("failed to marshal visual graph", err)
	}
	execJSON, err := json.Marshal(v.ExecutionGraph)
	if err != nil {
		return errors.Internal("failed to marshal execution graph", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO flow_versions (id, flow_id, visual_graph, execution_graph, commit_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.FlowID, visualJSON, execJSON, v.CommitMessage, v.CreatedAt)
	if err != nil {
		return errors.Internal("failed to insert version", err)
	}
	return nil
}

// GetVersion retrieves a full version, or nil when it does not exist.
func (r *FlowRepository) GetVersion(ctx context.Context, versionID string) (*version.Version, error) {
	var (
		v                    version.Version
		visualJSON, execJSON []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, flow_id, visual_graph, execution_graph, commit_message, created_at
		FROM flow_versions
		WHERE id = $1
	`, versionID).Scan(&v.ID, &v.FlowID, &visualJSON, &execJSON, &v.CommitMessage, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("failed to query version", err)
	}

	if err := json.Unmarshal(visualJSON, &v.VisualGraph); err != nil {
		return nil, errors.Internal("failed to unmarshal visual graph", err)
	}
	if err := json.Unmarshal(execJSON, &v.ExecutionGraph); err != nil {
		return nil, errors.Internal("failed to unmarshal execution graph", err)
	}
	return &v, nil
}

// GetExecutionGraph loads only the compiled OEG of a version; the engine's
// VersionResolver surface.
func (r *FlowRepository) GetExecutionGraph(ctx context.Context, versionID string) (*graph.OEG, error) {
	var execJSON []byte
	err := r.pool.QueryRow(ctx, `
		SELECT execution_graph FROM flow_versions WHERE id = $1
	`, versionID).Scan(&execJSON)
	if err == pgx.ErrNoRows {
		return nil, errors.VersionNotFound(versionID)
	}
	if err != nil {
		return nil, errors.Internal("failed to query execution graph", err)
	}
	var oeg graph.OEG
	if err := json.Unmarshal(execJSON, &oeg); err != nil {
		return nil, errors.Internal("failed to unmarshal execution graph", err)
	}
	return &oeg, nil
}

// ListVersionMetadata lists versions newest-first, excluding the graphs.
func (r *FlowRepository) ListVersionMetadata(ctx context.Context, flowID string) ([]version.Metadata, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, flow_id, commit_message, created_at
		FROM flow_versions
		WHERE flow_id = $1
		ORDER BY created_at DESC
	`, flowID)
	if err != nil {
		return nil, errors.Internal("failed to query versions", err)
	}
	defer rows.Close()

	metadata := make([]version.Metadata, 0)
	for rows.Next() {
		var m version.Metadata
		if err := rows.Scan(&m.ID, &m.FlowID, &m.CommitMessage, &m.CreatedAt); err != nil {
			return nil, errors.Internal("failed to scan version metadata", err)
		}
		metadata = append(metadata, m)
	}
	return metadata, nil
}

// PruneVersions deletes versions beyond the newest keep, skipping the flow's
// current version and any version a run still references. keep <= 0 means
// unbounded retention, a no-op.
func (r *FlowRepository) PruneVersions(ctx context.Context, flowID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM flow_versions
		WHERE flow_id = $1
		  AND id NOT IN (
			SELECT id FROM flow_versions
			WHERE flow_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		  )
		  AND id NOT IN (SELECT current_version_id FROM flows WHERE id = $1 AND current_version_id IS NOT NULL)
		  AND NOT EXISTS (SELECT 1 FROM runs WHERE runs.version_id = flow_versions.id)
	`, flowID, keep)
	if err != nil {
		return 0, errors.Internal("failed to prune versions", err)
	}
	return tag.RowsAffected(), nil
}

// ListFlowIDs returns every flow id; used by the retention sweep.
func (r *FlowRepository) ListFlowIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM flows ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Internal("failed to query flows", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Internal("failed to scan flow id", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

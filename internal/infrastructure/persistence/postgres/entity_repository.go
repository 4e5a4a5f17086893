package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duragraph/flowengine/internal/domain/entity"
	"github.com/duragraph/flowengine/internal/domain/graph"
	"github.com/duragraph/flowengine/internal/pkg/errors"
)

// EntityRepository implements entity.Repository over Postgres.
type EntityRepository struct {
	pool *pgxpool.Pool
}

// NewEntityRepository creates a new entity repository.
func NewEntityRepository(pool *pgxpool.Pool) *EntityRepository {
	return &EntityRepository{pool: pool}
}

// Create inserts an entity.
func (r *EntityRepository) Create(ctx context.Context, e *entity.Entity) error {
	attrsJSON, err := json.Marshal(e.Attributes)
	if err != nil {
		return errors.Internal("failed to marshal entity attributes", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO entities (id, flow_id, email, attributes, entity_type,
			current_node_id, current_edge_id, edge_progress, destination_node_id,
			created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.FlowID, e.Email, attrsJSON, string(e.Type),
		e.CurrentNodeID, e.CurrentEdgeID, e.EdgeProgress, e.DestinationNodeID,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return errors.Internal("failed to create entity", err)
	}
	return nil
}

// GetByID retrieves an entity, or nil when it does not exist.
func (r *EntityRepository) GetByID(ctx context.Context, id string) (*entity.Entity, error) {
	return r.queryOne(ctx, `
		SELECT id, flow_id, email, attributes, entity_type,
		       current_node_id, current_edge_id, edge_progress, destination_node_id,
		       created_at, updated_at
		FROM entities WHERE id = $1
	`, id)
}

// FindByEmail matches an entity by email within a flow.
func (r *EntityRepository) FindByEmail(ctx context.Context, flowID, email string) (*entity.Entity, error) {
	return r.queryOne(ctx, `
		SELECT id, flow_id, email, attributes, entity_type,
		       current_node_id, current_edge_id, edge_progress, destination_node_id,
		       created_at, updated_at
		FROM entities WHERE flow_id = $1 AND email = $2
	`, flowID, email)
}

func (r *EntityRepository) queryOne(ctx context.Context, query string, args ...interface{}) (*entity.Entity, error) {
	var (
		e          entity.Entity
		email      *string
		attrsJSON  []byte
		entityType string
	)
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&e.ID, &e.FlowID, &email, &attrsJSON, &entityType,
		&e.CurrentNodeID, &e.CurrentEdgeID, &e.EdgeProgress, &e.DestinationNodeID,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("failed to query entity", err)
	}
	if email != nil {
		e.Email = *email
	}
	e.Type = graph.EntityType(entityType)
	if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
		return nil, errors.Internal("failed to unmarshal entity attributes", err)
	}
	return &e, nil
}

// Update persists the entity's current position and attributes.
func (r *EntityRepository) Update(ctx context.Context, e *entity.Entity) error {
	attrsJSON, err := json.Marshal(e.Attributes)
	if err != nil {
		return errors.Internal("failed to marshal entity attributes", err)
	}
	e.UpdatedAt = time.Now()
	tag, err := r.pool.Exec(ctx, `
		UPDATE entities
		SET email = NULLIF($2, ''), attributes = $3, entity_type = $4,
		    current_node_id = $5, current_edge_id = $6, edge_progress = $7,
		    destination_node_id = $8, updated_at = $9
		WHERE id = $1
	`, e.ID, e.Email, attrsJSON, string(e.Type),
		e.CurrentNodeID, e.CurrentEdgeID, e.EdgeProgress, e.DestinationNodeID,
		e.UpdatedAt)
	if err != nil {
		return errors.Internal("failed to update entity", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("entity", e.ID)
	}
	return nil
}

// ListByFlow pages through a flow's entities, newest first.
func (r *EntityRepository) ListByFlow(ctx context.Context, flowID string, limit, offset int) ([]*entity.Entity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, flow_id, email, attributes, entity_type,
		       current_node_id, current_edge_id, edge_progress, destination_node_id,
		       created_at, updated_at
		FROM entities
		WHERE flow_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, flowID, limit, offset)
	if err != nil {
		return nil, errors.Internal("failed to query entities", err)
	}
	defer rows.Close()

	entities := make([]*entity.Entity, 0)
	for rows.Next() {
		var (
			e          entity.Entity
			email      *string
			attrsJSON  []byte
			entityType string
		)
		if err := rows.Scan(
			&e.ID, &e.FlowID, &email, &attrsJSON, &entityType,
			&e.CurrentNodeID, &e.CurrentEdgeID, &e.EdgeProgress, &e.DestinationNodeID,
			&e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, errors.Internal("failed to scan entity", err)
		}
		if email != nil {
			e.Email = *email
		}
		e.Type = graph.EntityType(entityType)
		if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
			return nil, errors.Internal("failed to unmarshal entity attributes", err)
		}
		entities = append(entities, &e)
	}
	return entities, nil
}

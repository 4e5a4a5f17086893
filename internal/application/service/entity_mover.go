package service

import (
	"context"
	"log"

	"github.com/duragraph/flowengine/internal/domain/entity"
	"github.com/duragraph/flowengine/internal/domain/graph"
)

// RunEntityResolver maps a run to the entity it was created for, via the
// webhook event log. Runs started directly through the API have no entity.
type RunEntityResolver interface {
	FindEntityForRun(ctx context.Context, runID string) (string, error)
}

// EntityMover implements engine.EntityMover: on a Worker node's completion
// or failure it hops the run's entity to the hook's target section and
// reclassifies it when the hook asks for that.
type EntityMover struct {
	entities entity.Repository
	resolver RunEntityResolver
}

// NewEntityMover constructs an EntityMover.
func NewEntityMover(entities entity.Repository, resolver RunEntityResolver) *EntityMover {
	return &EntityMover{entities: entities, resolver: resolver}
}

// Apply evaluates one movement hook. Entity journeys are advisory: lookup
// and update errors are returned to the engine, which ignores them by
// contract. Only an update failure is logged here.
func (m *EntityMover) Apply(ctx context.Context, runID string, movement *graph.EntityMovement) error {
	if movement == nil {
		return nil
	}
	entityID, err := m.resolver.FindEntityForRun(ctx, runID)
	if err != nil || entityID == "" {
		return err
	}
	e, err := m.entities.GetByID(ctx, entityID)
	if err != nil || e == nil {
		return err
	}
	e.ApplyMovement(movement)
	if err := m.entities.Update(ctx, e); err != nil {
		log.Printf("entity %s: movement update failed: %v", entityID, err)
		return err
	}
	return nil
}

package entity

import "context"

// Repository is the Store's entity-facing surface: CRUD scoped by flow.
// Matching on upsert is by email when one is present; otherwise a new entity
// is always created.
type Repository interface {
	Create(ctx context.Context, e *Entity) error
	GetByID(ctx context.Context, id string) (*Entity, error)
	FindByEmail(ctx context.Context, flowID, email string) (*Entity, error)
	Update(ctx context.Context, e *Entity) error
	ListByFlow(ctx context.Context, flowID string, limit, offset int) ([]*Entity, error)
}

// Upsert matches an existing entity by email within the flow (merging the
// incoming attributes) or creates a new one.
func Upsert(ctx context.Context, repo Repository, flowID, email string, attributes map[string]interface{}) (*Entity, error) {
	if email != "" {
		existing, err := repo.FindByEmail(ctx, flowID, email)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			existing.MergeAttributes(attributes)
			if err := repo.Update(ctx, existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
	}
	e := New(flowID, email, attributes)
	if err := repo.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

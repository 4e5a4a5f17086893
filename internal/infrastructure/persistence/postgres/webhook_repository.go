package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duragraph/flowengine/internal/infrastructure/webhook"
	"github.com/duragraph/flowengine/internal/pkg/errors"
)

// WebhookRepository implements webhook.Repository: endpoint config lookup
// and the append-only event log.
type WebhookRepository struct {
	pool *pgxpool.Pool
}

// NewWebhookRepository creates a new webhook repository.
func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

// GetConfig retrieves an endpoint config by slug, or nil when it does not
// exist.
func (r *WebhookRepository) GetConfig(ctx context.Context, slug string) (*webhook.Config, error) {
	var (
		cfg    webhook.Config
		secret *string
		source string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT slug, flow_id, secret, source, require_signature, active
		FROM webhook_configs
		WHERE slug = $1
	`, slug).Scan(&cfg.Slug, &cfg.FlowID, &secret, &source, &cfg.RequireSignature, &cfg.Active)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("failed to query webhook config", err)
	}
	if secret != nil {
		cfg.Secret = *secret
	}
	cfg.Source = webhook.Source(source)
	return &cfg, nil
}

// UpsertConfig inserts or replaces an endpoint config; operator tooling
// only, never on the hot ingestion path.
func (r *WebhookRepository) UpsertConfig(ctx context.Context, cfg *webhook.Config) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_configs (slug, flow_id, secret, source, require_signature, active)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		ON CONFLICT (slug) DO UPDATE SET
			flow_id = EXCLUDED.flow_id,
			secret = EXCLUDED.secret,
			source = EXCLUDED.source,
			require_signature = EXCLUDED.require_signature,
			active = EXCLUDED.active
	`, cfg.Slug, cfg.FlowID, cfg.Secret, string(cfg.Source), cfg.RequireSignature, cfg.Active)
	if err != nil {
		return errors.Internal("failed to upsert webhook config", err)
	}
	return nil
}

// AppendEvent records one row of the webhook event log.
func (r *WebhookRepository) AppendEvent(ctx context.Context, e *webhook.Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, slug, received_at, outcome, entity_id, run_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
	`, e.ID, e.Slug, e.ReceivedAt, string(e.Outcome), e.EntityID, e.RunID)
	if err != nil {
		return errors.Internal("failed to append webhook event", err)
	}
	return nil
}

// FindEntityForRun resolves the entity a run was created for via the event
// log; the entity-movement path uses this to locate the traveling subject.
func (r *WebhookRepository) FindEntityForRun(ctx context.Context, runID string) (string, error) {
	var entityID *string
	err := r.pool.QueryRow(ctx, `
		SELECT entity_id FROM webhook_events
		WHERE run_id = $1 AND entity_id IS NOT NULL
		ORDER BY received_at DESC
		LIMIT 1
	`, runID).Scan(&entityID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Internal("failed to query webhook events", err)
	}
	if entityID == nil {
		return "", nil
	}
	return *entityID, nil
}

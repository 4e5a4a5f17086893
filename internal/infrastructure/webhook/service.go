package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duragraph/flowengine/internal/domain/entity"
	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
	pkguuid "github.com/duragraph/flowengine/internal/pkg/uuid"
)

// RateLimiter admits or refuses a request for a limiter key. The Redis
// sliding-window limiter in http/middleware satisfies this.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RunStarter creates a run against the flow's current version — never the
// latest visual graph directly — seeds it with the entity data, and fires
// the entry nodes.
type RunStarter interface {
	StartRunOnCurrentVersion(ctx context.Context, flowID string, initialInputs map[string]interface{}) (runID, versionID string, err error)
}

// Service composes the ingestion pipeline. Each step is an independently
// testable unit; Receive sequences them and records one event per request
// from config lookup onward, whether the request succeeds or fails.
type Service struct {
	repo        Repository
	entities    entity.Repository
	runs        RunStarter
	verifier    *Verifier
	limiter     RateLimiter
	replayGuard *ReplayGuard

	requireSignature bool // force verification regardless of per-config flag
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// RequireSignature forces signature verification on every endpoint,
	// used for requireSignatureInProduction=true deployments.
	RequireSignature bool
}

// NewService constructs the ingestion service. limiter and replayGuard may
// be nil (admission control disabled, e.g. in tests).
func NewService(repo Repository, entities entity.Repository, runs RunStarter, verifier *Verifier, limiter RateLimiter, replayGuard *ReplayGuard, opts ServiceOptions) *Service {
	return &Service{
		repo:             repo,
		entities:         entities,
		runs:             runs,
		verifier:         verifier,
		limiter:          limiter,
		replayGuard:      replayGuard,
		requireSignature: opts.RequireSignature,
	}
}

// Result is what Receive hands the HTTP layer.
type Result struct {
	Outcome  Outcome
	EntityID string
	RunID    string
}

// Receive runs the full pipeline for one inbound request.
func (s *Service) Receive(ctx context.Context, slug string, rawBody []byte, headers http.Header, sourceIP string) (*Result, error) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "webhook:"+slug+":"+sourceIP)
		if err == nil && !allowed {
			return &Result{Outcome: OutcomeRateLimited}, domainerrors.WebhookRateLimit(slug, sourceIP, 60)
		}
	}

	cfg, err := s.repo.GetConfig(ctx, slug)
	if err != nil {
		s.record(ctx, slug, OutcomeError, "", "")
		return &Result{Outcome: OutcomeError}, err
	}
	if cfg == nil || !cfg.Active {
		s.record(ctx, slug, OutcomeConfigNotFound, "", "")
		return &Result{Outcome: OutcomeConfigNotFound}, domainerrors.WebhookConfigNotFound(slug)
	}

	if cfg.RequireSignature || s.requireSignature {
		if err := s.verifier.Verify(cfg.Source, slug, cfg.Secret, rawBody, headers); err != nil {
			outcome := OutcomeSignatureRejected
			if domainerrors.Is(err, domainerrors.ErrWebhookTimestamp) {
				outcome = OutcomeReplayRejected
			}
			s.record(ctx, slug, outcome, "", "")
			return &Result{Outcome: outcome}, err
		}
	}

	if s.replayGuard != nil {
		seen, err := s.replayGuard.Seen(ctx, slug, rawBody)
		if err == nil && seen {
			s.record(ctx, slug, OutcomeReplayRejected, "", "")
			return &Result{Outcome: OutcomeReplayRejected}, domainerrors.WebhookTimestamp(slug, 0)
		}
	}

	data := ExtractEntityData(cfg.Source, rawBody)
	ent, err := entity.Upsert(ctx, s.entities, cfg.FlowID, data.Email, data.Attributes)
	if err != nil {
		s.record(ctx, slug, OutcomeError, "", "")
		return &Result{Outcome: OutcomeError}, err
	}

	initialInputs := map[string]interface{}{
		"entityId": ent.ID,
		"email":    ent.Email,
	}
	for k, v := range data.Attributes {
		initialInputs[k] = v
	}

	runID, _, err := s.runs.StartRunOnCurrentVersion(ctx, cfg.FlowID, initialInputs)
	if err != nil {
		s.record(ctx, slug, OutcomeError, ent.ID, "")
		return &Result{Outcome: OutcomeError, EntityID: ent.ID}, err
	}

	s.record(ctx, slug, OutcomeAccepted, ent.ID, runID)
	return &Result{Outcome: OutcomeAccepted, EntityID: ent.ID, RunID: runID}, nil
}

func (s *Service) record(ctx context.Context, slug string, outcome Outcome, entityID, runID string) {
	_ = s.repo.AppendEvent(ctx, &Event{
		ID:         pkguuid.New(),
		Slug:       slug,
		ReceivedAt: time.Now(),
		Outcome:    outcome,
		EntityID:   entityID,
		RunID:      runID,
	})
}

// ReplayGuard short-circuits already-processed payloads by remembering body
// hashes in Redis for the freshness window. It is best-effort admission
// control: Redis being down never rejects a request.
type ReplayGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReplayGuard constructs a guard; ttl should match the freshness window.
func NewReplayGuard(client *redis.Client, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{client: client, ttl: ttl}
}

// Seen reports whether this (slug, body-hash) pair was already accepted, and
// records it when it was not.
func (g *ReplayGuard) Seen(ctx context.Context, slug string, rawBody []byte) (bool, error) {
	sum := sha256.Sum256(rawBody)
	key := "webhook:seen:" + slug + ":" + hex.EncodeToString(sum[:])
	set, err := g.client.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

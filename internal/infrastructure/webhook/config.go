package webhook

import (
	"context"
	"time"
)

// Config is one registered webhook endpoint, looked up by slug.
type Config struct {
	Slug             string
	FlowID           string
	Secret           string
	Source           Source
	RequireSignature bool
	Active           bool
}

// Outcome classifies what happened to one received webhook; every received
// request from config lookup onward produces exactly one event record.
type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeConfigNotFound    Outcome = "config_not_found"
	OutcomeSignatureRejected Outcome = "signature_rejected"
	OutcomeReplayRejected    Outcome = "replay_rejected"
	OutcomeError             Outcome = "error"
)

// Event is one row of the webhook event log.
type Event struct {
	ID         string
	Slug       string
	ReceivedAt time.Time
	Outcome    Outcome
	EntityID   string
	RunID      string
}

// Repository is the Store's webhook-facing surface: config lookup and
// event-log append.
type Repository interface {
	GetConfig(ctx context.Context, slug string) (*Config, error)
	AppendEvent(ctx context.Context, e *Event) error
}

package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duragraph/flowengine/internal/infrastructure/persistence/memory"
	"github.com/duragraph/flowengine/internal/infrastructure/webhook"
	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

func signStripeTest(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

type stubRunStarter struct {
	started int
	lastIn  map[string]interface{}
	err     error
}

func (s *stubRunStarter) StartRunOnCurrentVersion(_ context.Context, flowID string, initialInputs map[string]interface{}) (string, string, error) {
	if s.err != nil {
		return "", "", s.err
	}
	s.started++
	s.lastIn = initialInputs
	return "run-1", "version-1", nil
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

func newService(t *testing.T, store *memory.Store, runs webhook.RunStarter, requireSig bool, now time.Time) *webhook.Service {
	t.Helper()
	verifier := webhook.NewVerifier(5 * time.Minute)
	verifier.Now = func() time.Time { return now }
	return webhook.NewService(store, store, runs, verifier, nil, nil, webhook.ServiceOptions{
		RequireSignature: requireSig,
	})
}

func seedConfig(t *testing.T, store *memory.Store, cfg webhook.Config) {
	t.Helper()
	require.NoError(t, store.UpsertConfig(context.Background(), &cfg))
}

func lastOutcome(store *memory.Store) webhook.Outcome {
	events := store.Events()
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].Outcome
}

func TestReceive_SignedStripeWebhook_CreatesRunAndEntity(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := memory.NewStore()
	runs := &stubRunStarter{}
	svc := newService(t, store, runs, true, now)

	seedConfig(t, store, webhook.Config{
		Slug: "hook", FlowID: "flow-1", Secret: "k", Source: webhook.SourceStripe,
		RequireSignature: true, Active: true,
	})

	body := []byte(`{"data":{"object":{"customer_email":"lead@example.com"}}}`)
	headers := http.Header{}
	headers.Set("Stripe-Signature", signStripeTest("k", now.Unix(), body))

	result, err := svc.Receive(context.Background(), "hook", body, headers, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeAccepted, result.Outcome)
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, 1, runs.started)
	assert.Equal(t, "lead@example.com", runs.lastIn["email"])

	entity, err := store.FindByEmail(context.Background(), "flow-1", "lead@example.com")
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, webhook.OutcomeAccepted, lastOutcome(store))
}

func TestReceive_StaleTimestamp_NoRunAndReplayRejectedEvent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := memory.NewStore()
	runs := &stubRunStarter{}
	svc := newService(t, store, runs, true, now)

	seedConfig(t, store, webhook.Config{
		Slug: "hook", FlowID: "flow-1", Secret: "k", Source: webhook.SourceStripe,
		RequireSignature: true, Active: true,
	})

	body := []byte(`{}`)
	headers := http.Header{}
	headers.Set("Stripe-Signature", signStripeTest("k", now.Add(-400*time.Second).Unix(), body))

	result, err := svc.Receive(context.Background(), "hook", body, headers, "1.2.3.4")
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookTimestamp))
	assert.Equal(t, webhook.OutcomeReplayRejected, result.Outcome)
	assert.Equal(t, 0, runs.started)
	assert.Equal(t, webhook.OutcomeReplayRejected, lastOutcome(store))
}

func TestReceive_TamperedBody_SignatureRejected(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := memory.NewStore()
	runs := &stubRunStarter{}
	svc := newService(t, store, runs, true, now)

	seedConfig(t, store, webhook.Config{
		Slug: "hook", FlowID: "flow-1", Secret: "k", Source: webhook.SourceStripe,
		RequireSignature: true, Active: true,
	})

	headers := http.Header{}
	headers.Set("Stripe-Signature", signStripeTest("k", now.Unix(), []byte(`{"a":1}`)))

	result, err := svc.Receive(context.Background(), "hook", []byte(`{"a":2}`), headers, "1.2.3.4")
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookSignature))
	assert.Equal(t, webhook.OutcomeSignatureRejected, result.Outcome)
	assert.Equal(t, 0, runs.started)
}

func TestReceive_UnknownSlug_ConfigNotFound(t *testing.T) {
	store := memory.NewStore()
	svc := newService(t, store, &stubRunStarter{}, false, time.Unix(1700000000, 0))

	result, err := svc.Receive(context.Background(), "missing", []byte(`{}`), http.Header{}, "1.2.3.4")
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookConfigNotFound))
	assert.Equal(t, webhook.OutcomeConfigNotFound, result.Outcome)
}

func TestReceive_InactiveConfig_Rejected(t *testing.T) {
	store := memory.NewStore()
	svc := newService(t, store, &stubRunStarter{}, false, time.Unix(1700000000, 0))
	seedConfig(t, store, webhook.Config{Slug: "hook", FlowID: "flow-1", Active: false})

	_, err := svc.Receive(context.Background(), "hook", []byte(`{}`), http.Header{}, "1.2.3.4")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookConfigNotFound))
}

func TestReceive_OverLimit_RateLimited(t *testing.T) {
	store := memory.NewStore()
	verifier := webhook.NewVerifier(5 * time.Minute)
	svc := webhook.NewService(store, store, &stubRunStarter{}, verifier, denyAllLimiter{}, nil, webhook.ServiceOptions{})

	result, err := svc.Receive(context.Background(), "hook", []byte(`{}`), http.Header{}, "1.2.3.4")
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookRateLimit))
	assert.Equal(t, webhook.OutcomeRateLimited, result.Outcome)
}

func TestReceive_UpsertsExistingEntityByEmail(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := memory.NewStore()
	runs := &stubRunStarter{}
	svc := newService(t, store, runs, false, now)

	seedConfig(t, store, webhook.Config{
		Slug: "hook", FlowID: "flow-1", Source: webhook.SourceGeneric, Active: true,
	})

	_, err := svc.Receive(context.Background(), "hook", []byte(`{"email":"x@y.z","first":true}`), http.Header{}, "ip")
	require.NoError(t, err)
	_, err = svc.Receive(context.Background(), "hook", []byte(`{"email":"x@y.z","second":true}`), http.Header{}, "ip")
	require.NoError(t, err)

	entities, err := store.ListByFlow(context.Background(), "flow-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, true, entities[0].Attributes["first"])
	assert.Equal(t, true, entities[0].Attributes["second"])
}

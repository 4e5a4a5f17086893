package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

func signStripe(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func signGeneric(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(5 * time.Minute)
	v.Now = func() time.Time { return now }
	return v
}

func TestVerify_StripeStyle_Accepted(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"data":{"object":{"email":"a@b.com"}}}`)

	headers := http.Header{}
	headers.Set("Stripe-Signature", signStripe("k", now.Unix(), body))

	err := fixedVerifier(now).Verify(SourceStripe, "slug", "k", body, headers)
	require.NoError(t, err)
}

func TestVerify_StaleTimestamp_RejectedAsTimestampError(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)
	stale := now.Add(-400 * time.Second).Unix()

	headers := http.Header{}
	headers.Set("Stripe-Signature", signStripe("k", stale, body))

	err := fixedVerifier(now).Verify(SourceStripe, "slug", "k", body, headers)
	require.Error(t, err)
	// Correctly signed but expired: the rejection is a timestamp error, not
	// a signature error, regardless of signature validity.
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookTimestamp))
}

func TestVerify_TamperedBody_RejectedAsSignatureError(t *testing.T) {
	now := time.Unix(1700000000, 0)
	headers := http.Header{}
	headers.Set("Stripe-Signature", signStripe("k", now.Unix(), []byte(`{"amount":100}`)))

	err := fixedVerifier(now).Verify(SourceStripe, "slug", "k", []byte(`{"amount":999}`), headers)
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookSignature))
}

func TestVerify_Generic_AcceptedAndRejected(t *testing.T) {
	body := []byte(`{"email":"x@y.z"}`)
	v := NewVerifier(0)

	headers := http.Header{}
	headers.Set("X-Webhook-Signature", signGeneric("secret", body))
	require.NoError(t, v.Verify(SourceGeneric, "slug", "secret", body, headers))

	headers.Set("X-Webhook-Signature", signGeneric("wrong-secret", body))
	err := v.Verify(SourceGeneric, "slug", "secret", body, headers)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookSignature))
}

func TestVerify_WrongLengthSignature_Rejected(t *testing.T) {
	body := []byte(`{}`)
	v := NewVerifier(0)

	// The equal-length guard rejects before the constant-time compare, so
	// elapsed time never depends on matching prefix length.
	headers := http.Header{}
	headers.Set("X-Webhook-Signature", "deadbeef")
	err := v.Verify(SourceGeneric, "slug", "secret", body, headers)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookSignature))
}

func TestVerify_MissingOrMalformedHeader_Rejected(t *testing.T) {
	v := NewVerifier(0)

	err := v.Verify(SourceStripe, "slug", "k", []byte(`{}`), http.Header{})
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookSignature))

	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=notanumber,v1=aa")
	err = v.Verify(SourceStripe, "slug", "k", []byte(`{}`), headers)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWebhookSignature))
}

func TestExtractEntityData_Sources(t *testing.T) {
	stripe := ExtractEntityData(SourceStripe, []byte(`{"data":{"object":{"customer_email":"Buyer@Example.com"}}}`))
	assert.Equal(t, "buyer@example.com", stripe.Email)

	calendly := ExtractEntityData(SourceCalendly, []byte(`{"payload":{"email":"invitee@example.com"}}`))
	assert.Equal(t, "invitee@example.com", calendly.Email)

	generic := ExtractEntityData(SourceGeneric, []byte(`{"email":"lead@example.com","name":"Lead"}`))
	assert.Equal(t, "lead@example.com", generic.Email)
	assert.Equal(t, "Lead", generic.Attributes["name"])

	malformed := ExtractEntityData(SourceGeneric, []byte(`not-json`))
	assert.Empty(t, malformed.Email)
	assert.Equal(t, "not-json", malformed.Attributes["raw"])
}

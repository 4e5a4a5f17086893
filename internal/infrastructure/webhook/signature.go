// Package webhook implements the inbound webhook ingestion pipeline:
// per-(slug, ip) rate limiting, per-source HMAC signature verification with
// timing-safe comparison and freshness windows, entity extraction and
// upsert, and idempotent run creation against the flow's current version.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

// Source names a webhook provider whose signature scheme and payload shape
// the pipeline understands.
type Source string

const (
	// SourceGeneric signs the raw body: X-Webhook-Signature: hex(HMAC-SHA256(secret, body)).
	SourceGeneric Source = "generic"

	// SourceStripe signs "t.body": Stripe-Signature: t=<unix>,v1=<hex>.
	// The embedded timestamp is subject to the freshness window.
	SourceStripe Source = "stripe"

	// SourceCalendly signs "t.body": Calendly-Webhook-Signature: t=<unix>,v1=<hex>.
	SourceCalendly Source = "calendly"
)

// Verifier checks inbound webhook signatures. Comparison is constant-time:
// an equal-length guard followed by subtle.ConstantTimeCompare, so elapsed
// time depends only on the configured secret's length, never on how many
// leading bytes of the incoming signature match.
type Verifier struct {
	FreshnessWindow time.Duration
	Now             func() time.Time
}

// NewVerifier constructs a Verifier with the given freshness window
// (default 5 minutes when zero).
func NewVerifier(freshnessWindow time.Duration) *Verifier {
	if freshnessWindow <= 0 {
		freshnessWindow = 5 * time.Minute
	}
	return &Verifier{FreshnessWindow: freshnessWindow, Now: time.Now}
}

// Verify checks the signature for the given source against rawBody. For
// timestamped schemes the freshness window is enforced before the MAC is
// checked, so an expired-but-correctly-signed payload is rejected with a
// timestamp error, not a signature error.
func (v *Verifier) Verify(source Source, slug, secret string, rawBody []byte, headers http.Header) error {
	switch source {
	case SourceStripe:
		return v.verifyTimestamped(slug, secret, rawBody, headers.Get("Stripe-Signature"))
	case SourceCalendly:
		return v.verifyTimestamped(slug, secret, rawBody, headers.Get("Calendly-Webhook-Signature"))
	default:
		incoming := headers.Get("X-Webhook-Signature")
		if incoming == "" {
			return domainerrors.WebhookSignature(slug)
		}
		if !v.macEqual(secret, rawBody, incoming) {
			return domainerrors.WebhookSignature(slug)
		}
		return nil
	}
}

// verifyTimestamped handles "t=<unix>,v1=<hex>" headers (Stripe-style).
func (v *Verifier) verifyTimestamped(slug, secret string, rawBody []byte, header string) error {
	ts, sig, err := parseTimestampedHeader(header)
	if err != nil {
		return domainerrors.WebhookSignature(slug)
	}

	skew := v.Now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.FreshnessWindow {
		return domainerrors.WebhookTimestamp(slug, skew.Seconds())
	}

	signed := fmt.Sprintf("%d.%s", ts, rawBody)
	if !v.macEqual(secret, []byte(signed), sig) {
		return domainerrors.WebhookSignature(slug)
	}
	return nil
}

// macEqual computes HMAC-SHA256(secret, payload) and compares it against the
// hex-encoded incoming signature in constant time.
func (v *Verifier) macEqual(secret string, payload []byte, incomingHex string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	incoming, err := hex.DecodeString(strings.TrimSpace(incomingHex))
	if err != nil {
		return false
	}
	if len(incoming) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, incoming) == 1
}

// parseTimestampedHeader splits "t=<unix>,v1=<hex>" into its parts. Unknown
// elements are ignored; t and v1 are both required.
func parseTimestampedHeader(header string) (int64, string, error) {
	var tsRaw, sig string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			tsRaw = value
		case "v1":
			sig = value
		}
	}
	if tsRaw == "" || sig == "" {
		return 0, "", fmt.Errorf("webhook: malformed signature header")
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("webhook: malformed timestamp: %w", err)
	}
	return ts, sig, nil
}

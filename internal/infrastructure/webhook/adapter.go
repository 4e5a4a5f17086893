package webhook

import (
	"encoding/json"
	"strings"
)

// EntityData is the canonical record a source adapter extracts from a
// payload: the fields the entity upsert keys on, plus everything else as
// attributes.
type EntityData struct {
	Email      string
	Attributes map[string]interface{}
}

// ExtractEntityData normalizes a source payload into an EntityData record.
// Unknown or malformed payloads degrade to an attribute-only record; the
// pipeline still creates an entity, it just cannot match by email.
func ExtractEntityData(source Source, rawBody []byte) EntityData {
	var payload map[string]interface{}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return EntityData{Attributes: map[string]interface{}{"raw": string(rawBody)}}
	}

	switch source {
	case SourceStripe:
		return extractStripe(payload)
	case SourceCalendly:
		return extractCalendly(payload)
	default:
		return extractGeneric(payload)
	}
}

func extractGeneric(payload map[string]interface{}) EntityData {
	data := EntityData{Attributes: payload}
	if email, ok := payload["email"].(string); ok {
		data.Email = strings.ToLower(strings.TrimSpace(email))
	}
	return data
}

// extractStripe digs the customer email out of an event envelope
// (data.object.email or data.object.customer_email).
func extractStripe(payload map[string]interface{}) EntityData {
	data := EntityData{Attributes: payload}
	object, _ := dig(payload, "data", "object").(map[string]interface{})
	if object == nil {
		return data
	}
	for _, key := range []string{"customer_email", "email"} {
		if email, ok := object[key].(string); ok && email != "" {
			data.Email = strings.ToLower(strings.TrimSpace(email))
			break
		}
	}
	return data
}

// extractCalendly reads the invitee email from the event payload
// (payload.email).
func extractCalendly(payload map[string]interface{}) EntityData {
	data := EntityData{Attributes: payload}
	if email, ok := dig(payload, "payload", "email").(string); ok && email != "" {
		data.Email = strings.ToLower(strings.TrimSpace(email))
	}
	return data
}

// dig walks nested maps by key; a missing key yields nil, never a panic.
func dig(value map[string]interface{}, keys ...string) interface{} {
	var current interface{} = value
	for _, key := range keys {
		asMap, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = asMap[key]
	}
	return current
}

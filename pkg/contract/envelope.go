// Package contract implements shape validation for A2A envelopes and for the
// named request/response payloads exchanged between agents. Envelopes cross
// the bus as untyped maps; every check accumulates field errors so a caller
// sees the complete list in one pass, before any handler side effect.
package contract

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the uniform A2A request wrapper. All fields are required
// non-empty; Payload must be a mapping.
type Envelope struct {
	MessageID     string         `json:"message_id"`
	FromAgent     string         `json:"from_agent"`
	ToAgent       string         `json:"to_agent"`
	Timestamp     string         `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload"`
}

// NewEnvelope builds a well-formed envelope with a generated message id and
// the current UTC timestamp.
func NewEnvelope(from, to, correlationID string, payload map[string]any) Envelope {
	return Envelope{
		MessageID:     "msg-" + uuid.NewString(),
		FromAgent:     from,
		ToAgent:       to,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// ToMap renders the envelope as the untyped wire form.
func (e Envelope) ToMap() map[string]any {
	return map[string]any{
		"message_id":     e.MessageID,
		"from_agent":     e.FromAgent,
		"to_agent":       e.ToAgent,
		"timestamp":      e.Timestamp,
		"correlation_id": e.CorrelationID,
		"payload":        e.Payload,
	}
}

// envelopeStringFields are the required non-empty string fields, in wire order.
var envelopeStringFields = []string{
	"message_id", "from_agent", "to_agent", "timestamp", "correlation_id",
}

// ValidateEnvelope checks the untyped wire form. Validation is
// all-or-nothing: every missing or malformed field is listed and a malformed
// envelope must be rejected before any handler sees it.
func ValidateEnvelope(raw map[string]any) error {
	v := newValidator("envelope")
	if raw == nil {
		v.addf("envelope is not a mapping")
		return v.err()
	}
	for _, field := range envelopeStringFields {
		v.requireString(raw, field)
	}
	payload, ok := raw["payload"]
	if !ok || payload == nil {
		v.addf("payload: required field is missing")
	} else if _, isMap := payload.(map[string]any); !isMap {
		v.addf("payload: must be a mapping, got %T", payload)
	}
	return v.err()
}

// ParseEnvelope validates the wire form and decodes it into an Envelope.
func ParseEnvelope(raw map[string]any) (Envelope, error) {
	if err := ValidateEnvelope(raw); err != nil {
		return Envelope{}, err
	}
	payload, _ := raw["payload"].(map[string]any)
	return Envelope{
		MessageID:     raw["message_id"].(string),
		FromAgent:     raw["from_agent"].(string),
		ToAgent:       raw["to_agent"].(string),
		Timestamp:     raw["timestamp"].(string),
		CorrelationID: raw["correlation_id"].(string),
		Payload:       payload,
	}, nil
}

// Validate runs the named contract against a payload. Unknown contract names
// are an error: a payload that cannot be checked must not pass silently.
func Validate(name string, payload map[string]any) error {
	check, ok := registry[name]
	if !ok {
		return fmt.Errorf("unknown contract %q", name)
	}
	v := newValidator(name)
	check(v, payload)
	return v.err()
}

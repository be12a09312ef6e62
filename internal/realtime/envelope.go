package realtime

import (
	"encoding/json"
	"fmt"
)

// Envelope is the standard wire format for real-time messages.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Type: event}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Payload = b
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

func mustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

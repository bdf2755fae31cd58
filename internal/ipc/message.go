package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit exchanged between instances. Payload is opaque to the host.
type Envelope struct {
	ID      uuid.UUID       `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// NewEnvelope encodes value as the payload. A nil value leaves the payload empty.
func NewEnvelope(msgType string, value any) (Envelope, error) {
	env := Envelope{
		ID:     uuid.New(),
		Type:   msgType,
		SentAt: time.Now().UTC(),
	}
	if value == nil {
		return env, nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	env.Payload = payload
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedMessage, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedMessage, e.Type, err)
	}
	return nil
}

func (e Envelope) validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	return nil
}

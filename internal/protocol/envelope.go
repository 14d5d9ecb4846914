package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingEvent is returned when a frame decodes but names no event.
var ErrMissingEvent = errors.New("frame has no event name")

// Envelope is the outer shape of every frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals payload into a frame for event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", event, err)
	}
	return frame, nil
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(event string, payload any) []byte {
	frame, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// Decode parses a raw frame into its envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Bind unmarshals the envelope data into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Event, err)
	}
	return nil
}

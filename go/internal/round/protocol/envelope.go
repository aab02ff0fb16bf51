package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyEnvelope = errors.New("empty envelope")
	ErrUnknownKind   = errors.New("unknown message kind")
)

// Envelope is the frame exchanged with the round server in both directions.
type Envelope struct {
	T string          `json:"t"`           // Message type
	D json.RawMessage `json:"d,omitempty"` // Type-specific payload
	V *int            `json:"v,omitempty"` // Version of an authoritative push
	A uint64          `json:"a,omitempty"` // Ack token of an ackable send
	L *int            `json:"l,omitempty"` // Measured lag in millis
	S *int            `json:"s,omitempty"` // Elapsed move time in millis
}

// Versioned reports whether the envelope takes part in version ordering.
func (e Envelope) Versioned() bool {
	return e.V != nil
}

// Encode marshals an outgoing frame. A nil payload omits the "d" field.
func Encode(env Envelope, payload any) ([]byte, error) {
	if env.T == "" {
		return nil, fmt.Errorf("encode envelope: missing type")
	}
	if payload != nil {
		pb, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.T, err)
		}
		env.D = pb
	}
	return json.Marshal(env)
}

// DecodeEnvelope unmarshals a raw frame without looking at its payload.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, ErrEmptyEnvelope
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.T == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return e, nil
}

// DecodePayload unmarshals an envelope payload into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.D) == 0 {
		return out, fmt.Errorf("empty payload for type %q", env.T)
	}
	err := json.Unmarshal(env.D, &out)
	return out, err
}

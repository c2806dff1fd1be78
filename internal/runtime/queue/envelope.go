// Package queue sends typed messages onto a watermill transport and
// dispatches deliveries into a queue router.
//
// A message body is an envelope {"type": "<dotted path>", "payload": ...}
// encoded with the structured-value codec. Every message carries its
// delivery attempt in metadata so consumers can stop retrying.
package queue

import (
	"fmt"

	"github.com/drblury/actorflow/internal/runtime/codec"
)

// Envelope is the body of every queue message.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// EncodeEnvelope encodes the body for path and payload.
func EncodeEnvelope(path string, payload any) ([]byte, error) {
	body, err := codec.Marshal(Envelope{Type: path, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode queue envelope: %w", err)
	}
	return body, nil
}

// DecodeEnvelope decodes a body produced by EncodeEnvelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode queue envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode queue envelope: missing type")
	}
	return env, nil
}

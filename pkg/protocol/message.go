package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedJSON   = errors.New("malformed JSON frame")
	ErrInvalidEnvelope = errors.New("invalid message envelope")
)

// Message is the wire envelope every frame must carry.
// Payload is opaque at this layer; see DecodePayload for typed access.
type Message struct {
	Framework string         `json:"framework"`
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload"`
}

// NewMessage builds a message, substituting an empty payload for nil so the
// result always passes IsValidMessage.
func NewMessage(framework, command string, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{Framework: framework, Command: command, Payload: payload}
}

// IsValidMessage reports whether obj has the {framework, command, payload}
// envelope: two strings and an object. Any payload shape is accepted.
func IsValidMessage(obj any) bool {
	m, ok := obj.(map[string]any)
	if !ok || m == nil {
		return false
	}
	if _, ok := m["framework"].(string); !ok {
		return false
	}
	if _, ok := m["command"].(string); !ok {
		return false
	}
	payload, ok := m["payload"].(map[string]any)
	return ok && payload != nil
}

// ParseMessage decodes a single raw JSON object and validates its envelope.
func ParseMessage(raw []byte) (Message, error) {
	var obj any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if !IsValidMessage(obj) {
		return Message{}, ErrInvalidEnvelope
	}
	m := obj.(map[string]any)
	return Message{
		Framework: m["framework"].(string),
		Command:   m["command"].(string),
		Payload:   m["payload"].(map[string]any),
	}, nil
}

// Validate checks an already-constructed message before it goes on the wire.
func (m Message) Validate() error {
	if m.Payload == nil {
		return fmt.Errorf("%w: payload must be an object", ErrInvalidEnvelope)
	}
	return nil
}

// Package websocket defines the push-channel message envelope and the
// dispatcher that routes client messages by type.
package websocket

import (
	"encoding/json"
)

// Message is the envelope for every push-channel message. The body travels
// in both "data" and the legacy "payload" field for one release, after which
// "payload" goes away.
type Message struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New creates a Message carrying body in both envelope fields.
func New(msgType string, body interface{}) (*Message, error) {
	if body == nil {
		return &Message{Type: msgType}, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Data: data, Payload: data}, nil
}

// NewRaw creates a Message from an already-encoded body.
func NewRaw(msgType string, body json.RawMessage) *Message {
	return &Message{Type: msgType, Data: body, Payload: body}
}

// NewError creates an error reply.
func NewError(msgType, message string) *Message {
	m, _ := New(msgType, map[string]string{"error": message})
	return m
}

// ParseBody decodes the message body into v, accepting either envelope
// field. Clients still on the legacy shape send only "payload".
func (m *Message) ParseBody(v interface{}) error {
	body := m.Data
	if len(body) == 0 {
		body = m.Payload
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// Encode marshals the full envelope.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

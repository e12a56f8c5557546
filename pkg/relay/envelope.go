// Package relay moves streaming events from worker processes to the process
// holding the client connection, over per-organization Redis pub/sub.
package relay

import (
	"encoding/json"
	"fmt"
)

// Envelope is the pub/sub payload.
type Envelope struct {
	EventType     string          `json:"eventType"`
	ChatID        string          `json:"chatId"`
	ChatMessageID string          `json:"chatMessageId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data into an envelope.
func NewEnvelope(eventType, chatID string, data interface{}) (*Envelope, error) {
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	return &Envelope{EventType: eventType, ChatID: chatID, Data: buf}, nil
}

// text returns string data as-is and any other JSON value in its encoded form.
func (e *Envelope) text() string {
	if len(e.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

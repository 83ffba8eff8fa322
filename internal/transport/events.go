package transport

import "encoding/json"

// Envelope is the wire format for all live-transport events.
type Envelope struct {
	Type    string          `json:"type"` // message or status
	Payload json.RawMessage `json:"payload"`
}

// StatusEvent reports a delivery-status change for a synced message.
type StatusEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
}

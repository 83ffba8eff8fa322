package store

import "encoding/json"

// Action payloads. The queue treats these as opaque bytes; the
// messenger encodes them and the sync engine decodes them.

// SendPayload carries a queued send_message action.
type SendPayload struct {
	MessageID      string `json:"messageId"` // optimistic local row id
	LocalID        string `json:"localId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Kind           string `json:"kind"`
}

// EditPayload carries a queued edit_message action. LocalID lets the
// sync engine resolve the live row id when the target message was still
// unsent at enqueue time and got remapped since.
type EditPayload struct {
	MessageID      string `json:"messageId"`
	LocalID        string `json:"localId,omitempty"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// DeletePayload carries a queued delete_message action.
type DeletePayload struct {
	MessageID      string `json:"messageId"`
	LocalID        string `json:"localId,omitempty"`
	ConversationID string `json:"conversationId"`
}

// ReadPayload carries a queued update_status (read receipt) action.
type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	UpTo           int64  `json:"upTo"`
}

// EncodePayload marshals an action payload.
func EncodePayload(p any) ([]byte, error) {
	return json.Marshal(p)
}

package store

// DeliveryStatus is the message lifecycle state from the recipient's
// perspective. It only moves forward, except failed, which a manual
// retry moves back to pending.
type DeliveryStatus = string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// SyncStatus tracks whether the server has acknowledged a locally
// originated mutation. Independent axis from DeliveryStatus.
type SyncStatus = string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// ActionKind identifies the mutation a queued action carries.
type ActionKind = string

const (
	ActionSendMessage   ActionKind = "send_message"
	ActionEditMessage   ActionKind = "edit_message"
	ActionDeleteMessage ActionKind = "delete_message"
	ActionUpdateStatus  ActionKind = "update_status"
)

// Message represents a locally cached chat message.
//
// ID is client-generated while unsent ("local-<uuid>") and remapped to
// the server-assigned id once synced. LocalID stays stable across the
// remap so optimistic UI entries remain resolvable.
type Message struct {
	ID             string
	LocalID        string
	ConversationID string
	SenderID       string
	Content        string
	Kind           string // text, system
	DeliveryStatus DeliveryStatus
	SyncStatus     SyncStatus
	CreatedAt      int64 // unix millis, logical ordering key
	UpdatedAt      int64
}

// Conversation represents a group or direct-message channel.
type Conversation struct {
	ID                 string
	Title              string
	IsGroup            bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Action represents a pending outbound mutation awaiting sync.
type Action struct {
	ID             string
	Kind           ActionKind
	ConversationID string
	Payload        []byte // action-specific JSON, opaque to the queue
	Attempts       int
	LastAttemptAt  int64
	CreatedAt      int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

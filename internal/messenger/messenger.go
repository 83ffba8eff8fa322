// Package messenger is the write path for user-initiated mutations.
// Every operation lands locally first and queues an action for the
// sync engine; nothing here waits on the network.
package messenger

import (
	"fmt"
	"time"

	"github.com/crewlink/crewchat/internal/bus"
	"github.com/crewlink/crewchat/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Messenger applies optimistic local writes and enqueues sync actions.
type Messenger struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	userID string
}

// New creates a messenger writing on behalf of userID.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, userID string) *Messenger {
	return &Messenger{
		db:     db,
		bus:    b,
		logger: logger,
		userID: userID,
	}
}

// Send records an outgoing message optimistically and queues its
// delivery. The returned message carries the provisional local id; the
// sync engine remaps it once the server acknowledges.
func (m *Messenger) Send(conversationID, content string) (*store.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("send: empty content")
	}

	localID := uuid.New().String()
	now := time.Now().UnixMilli()
	msg := &store.Message{
		ID:             "local-" + localID,
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       m.userID,
		Content:        content,
		Kind:           "text",
		DeliveryStatus: store.DeliveryPending,
		SyncStatus:     store.SyncPending,
		CreatedAt:      now,
	}
	if err := m.db.AppendMessage(msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if err := m.db.UpsertConversation(&store.Conversation{
		ID:                 conversationID,
		LastMessageAt:      now,
		LastMessagePreview: content,
	}); err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}

	if err := m.enqueue(store.ActionSendMessage, conversationID, store.SendPayload{
		MessageID:      msg.ID,
		LocalID:        localID,
		ConversationID: conversationID,
		Content:        content,
		Kind:           msg.Kind,
	}); err != nil {
		return nil, err
	}

	m.bus.Emit("message.appended", map[string]string{
		"conversation_id": conversationID,
		"id":              msg.ID,
	})
	return msg, nil
}

// Edit replaces a message's content locally and queues the edit.
// Editing a still-unsent message is fine: the queued edit drains after
// the send and resolves the remapped id at delivery time.
func (m *Messenger) Edit(messageID, content string) error {
	if content == "" {
		return fmt.Errorf("edit: empty content")
	}
	msg, err := m.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("edit %s: %w", messageID, store.ErrNotFound)
	}

	if err := m.db.SetMessageContent(msg.ID, content); err != nil {
		return fmt.Errorf("apply edit: %w", err)
	}
	if err := m.db.UpdateSyncStatus(msg.ID, store.SyncPending); err != nil {
		return fmt.Errorf("mark edit pending: %w", err)
	}

	if err := m.enqueue(store.ActionEditMessage, msg.ConversationID, store.EditPayload{
		MessageID:      msg.ID,
		LocalID:        msg.LocalID,
		ConversationID: msg.ConversationID,
		Content:        content,
	}); err != nil {
		return err
	}

	m.bus.Emit("message.upserted", map[string]string{
		"conversation_id": msg.ConversationID,
		"id":              msg.ID,
	})
	return nil
}

// Delete removes a message locally. If its send never left the queue,
// the send is cancelled instead of queueing a server round trip.
func (m *Messenger) Delete(messageID string) error {
	msg, err := m.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("delete %s: %w", messageID, store.ErrNotFound)
	}

	if msg.SyncStatus != store.SyncSynced && msg.LocalID != "" {
		a, err := m.db.FindSendAction(msg.LocalID)
		if err != nil {
			return err
		}
		if a != nil {
			if err := m.db.MarkActionSynced(a.ID); err != nil {
				return fmt.Errorf("cancel queued send: %w", err)
			}
			if err := m.db.DeleteMessage(msg.ID); err != nil {
				return err
			}
			m.logger.Debug("cancelled unsent message", zap.String("id", msg.ID))
			m.bus.Emit("message.deleted", map[string]string{
				"conversation_id": msg.ConversationID,
				"id":              msg.ID,
			})
			return nil
		}
	}

	if err := m.db.DeleteMessage(msg.ID); err != nil {
		return err
	}
	if err := m.enqueue(store.ActionDeleteMessage, msg.ConversationID, store.DeletePayload{
		MessageID:      msg.ID,
		LocalID:        msg.LocalID,
		ConversationID: msg.ConversationID,
	}); err != nil {
		return err
	}

	m.bus.Emit("message.deleted", map[string]string{
		"conversation_id": msg.ConversationID,
		"id":              msg.ID,
	})
	return nil
}

// MarkRead clears the local unread counter and queues the read receipt.
func (m *Messenger) MarkRead(conversationID string) error {
	if err := m.db.ClearUnread(conversationID); err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	if err := m.enqueue(store.ActionUpdateStatus, conversationID, store.ReadPayload{
		ConversationID: conversationID,
		UpTo:           time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	m.bus.Emit("conversation.read", map[string]string{
		"conversation_id": conversationID,
	})
	return nil
}

func (m *Messenger) enqueue(kind store.ActionKind, conversationID string, payload any) error {
	data, err := store.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	err = m.db.EnqueueAction(&store.Action{
		ID:             uuid.New().String(),
		Kind:           kind,
		ConversationID: conversationID,
		Payload:        data,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	m.bus.Emit("outbox.enqueued", map[string]string{"kind": kind})
	return nil
}

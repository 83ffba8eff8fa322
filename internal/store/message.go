package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// AppendMessage inserts a new message. Returns ErrDuplicateKey if a
// message with the same id (or non-empty local_id) already exists.
func (db *DB) AppendMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, local_id, conversation_id, sender_id, content, kind, delivery_status, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.LocalID, m.ConversationID, m.SenderID, m.Content, m.Kind, m.DeliveryStatus, m.SyncStatus, m.CreatedAt, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("append message %s: %w", m.ID, ErrDuplicateKey)
		}
		return err
	}
	return nil
}

// UpsertMessage inserts or updates a message (idempotent on id). Used by
// the live transport and pull sync, where re-delivery is expected.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, local_id, conversation_id, sender_id, content, kind, delivery_status, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			delivery_status = excluded.delivery_status,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at`,
		m.ID, m.LocalID, m.ConversationID, m.SenderID, m.Content, m.Kind, m.DeliveryStatus, m.SyncStatus, m.CreatedAt, now)
	return err
}

// ListMessages returns up to limit messages for a conversation with
// created_at < beforeTs (unbounded if beforeTs <= 0), in ascending
// chronological order. Keyset pagination on (conversation_id, created_at).
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	// Server-assigned timestamps can run ahead of the local clock, so
	// the unbounded case must not substitute "now" as an upper bound.
	rows, err := db.Query(`
		SELECT id, local_id, conversation_id, sender_id, content, kind, delivery_status, sync_status, created_at, updated_at
		FROM messages
		WHERE conversation_id = ? AND (? <= 0 OR created_at < ?)
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.LocalID, &m.ConversationID, &m.SenderID, &m.Content, &m.Kind, &m.DeliveryStatus, &m.SyncStatus, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The scan walks newest-first for the LIMIT; callers get ascending order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage returns a single message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	return db.getMessageWhere("id = ?", id)
}

// GetMessageByLocalID resolves a message through its client correlation
// key. Works both before and after the server id remap.
func (db *DB) GetMessageByLocalID(localID string) (*Message, error) {
	if localID == "" {
		return nil, nil
	}
	return db.getMessageWhere("local_id = ?", localID)
}

func (db *DB) getMessageWhere(cond string, arg any) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, local_id, conversation_id, sender_id, content, kind, delivery_status, sync_status, created_at, updated_at
		FROM messages WHERE `+cond, arg).
		Scan(&m.ID, &m.LocalID, &m.ConversationID, &m.SenderID, &m.Content, &m.Kind, &m.DeliveryStatus, &m.SyncStatus, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateDeliveryStatus sets the delivery status of a message.
// Returns ErrNotFound if the id is absent.
func (db *DB) UpdateDeliveryStatus(id string, status DeliveryStatus) error {
	return db.updateMessageField(id, "delivery_status", status)
}

// UpdateSyncStatus sets the sync status of a message.
// Returns ErrNotFound if the id is absent.
func (db *DB) UpdateSyncStatus(id string, status SyncStatus) error {
	return db.updateMessageField(id, "sync_status", status)
}

// SetMessageContent replaces the text payload of a message.
func (db *DB) SetMessageContent(id, content string) error {
	return db.updateMessageField(id, "content", content)
}

func (db *DB) updateMessageField(id, field, value string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE messages SET `+field+` = ?, updated_at = ? WHERE id = ?`, value, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update message %s: %w", id, ErrNotFound)
	}
	return nil
}

// RemapMessageID rewrites an optimistic message to its server-assigned
// identity after a successful send: id becomes serverID, created_at is
// replaced by the server timestamp when provided, sync_status flips to
// synced and delivery_status advances from pending to sent.
//
// If the server row already arrived through the live transport the local
// pending entry is dropped instead, so the feed never shows duplicates.
// Returns ErrNotFound if no message carries the local id.
func (db *DB) RemapMessageID(localID, serverID string, serverTs int64) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE messages SET
			id = ?,
			created_at = CASE WHEN ? > 0 THEN ? ELSE created_at END,
			sync_status = ?,
			delivery_status = CASE WHEN delivery_status = ? THEN ? ELSE delivery_status END,
			updated_at = ?
		WHERE local_id = ?`,
		serverID, serverTs, serverTs, SyncSynced, DeliveryPending, DeliverySent, now, localID)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			// Server copy already ingested; the optimistic row is redundant.
			_, delErr := db.Exec(`DELETE FROM messages WHERE local_id = ? AND id <> ?`, localID, serverID)
			return delErr
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("remap message local_id=%s: %w", localID, ErrNotFound)
	}
	return nil
}

// DeleteMessage removes a message row. Deleting an absent id is a no-op.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

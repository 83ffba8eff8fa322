package store

import (
	"fmt"
	"time"
)

// EnqueueAction adds a pending mutation to the action queue. Attempts
// start at zero regardless of what the caller set.
func (db *DB) EnqueueAction(a *Action) error {
	createdAt := a.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO actions (id, kind, conversation_id, payload, attempts, last_attempt_at, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?)`,
		a.ID, a.Kind, a.ConversationID, a.Payload, createdAt)
	return err
}

// ListRetryable returns actions with attempts < maxAttempts, oldest
// first. Enqueue order is preserved so an edit or delete is never
// delivered before the send it targets.
func (db *DB) ListRetryable(maxAttempts int) ([]Action, error) {
	return db.listActionsWhere("attempts < ?", maxAttempts)
}

// ListExhausted returns actions that have consumed their retry budget.
// The queue never discards these; surfacing them is the sync engine's job.
func (db *DB) ListExhausted(maxAttempts int) ([]Action, error) {
	return db.listActionsWhere("attempts >= ?", maxAttempts)
}

func (db *DB) listActionsWhere(cond string, arg any) ([]Action, error) {
	rows, err := db.Query(`
		SELECT id, kind, conversation_id, payload, attempts, last_attempt_at, created_at
		FROM actions WHERE `+cond+` ORDER BY created_at ASC, rowid ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var actions []Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.Kind, &a.ConversationID, &a.Payload, &a.Attempts, &a.LastAttemptAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// FindSendAction returns the queued send for the given local id, or
// nil if it already drained. Deleting an unsent message cancels its
// send through this lookup instead of round-tripping to the server.
func (db *DB) FindSendAction(localID string) (*Action, error) {
	actions, err := db.listActionsWhere(
		"kind = 'send_message' AND json_extract(payload, '$.localId') = ?", localID)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}
	return &actions[0], nil
}

// GetAction returns a single action by id, or nil if absent.
func (db *DB) GetAction(id string) (*Action, error) {
	actions, err := db.listActionsWhere("id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}
	return &actions[0], nil
}

// RecordAttempt increments the attempt counter and stamps the attempt
// time. A missing action is a no-op: it was synced concurrently, which
// is an expected race, not an error.
func (db *DB) RecordAttempt(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE actions SET attempts = attempts + 1, last_attempt_at = ? WHERE id = ?`, now, id)
	return err
}

// MarkActionSynced removes a confirmed action from the queue.
// Idempotent: removing an already-removed id is a no-op.
func (db *DB) MarkActionSynced(id string) error {
	_, err := db.Exec(`DELETE FROM actions WHERE id = ?`, id)
	return err
}

// ResetAttempts zeroes the attempt counter so a permanently failed
// action becomes retryable again (manual retry path).
// Returns ErrNotFound if the action is gone.
func (db *DB) ResetAttempts(id string) error {
	res, err := db.Exec(`UPDATE actions SET attempts = 0, last_attempt_at = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("reset action %s: %w", id, ErrNotFound)
	}
	return nil
}

package store

// SearchMessages performs a full-text search on message content.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.local_id, m.conversation_id, m.sender_id, m.content,
		       m.kind, m.delivery_status, m.sync_status, m.created_at, m.updated_at,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.LocalID, &r.Message.ConversationID,
			&r.Message.SenderID, &r.Message.Content, &r.Message.Kind,
			&r.Message.DeliveryStatus, &r.Message.SyncStatus,
			&r.Message.CreatedAt, &r.Message.UpdatedAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

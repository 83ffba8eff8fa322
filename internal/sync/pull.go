package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/crewlink/crewchat/internal/remote"
	"github.com/crewlink/crewchat/internal/store"
	"go.uber.org/zap"
)

// pullCursorKey is the sync_state checkpoint for the pull-sync cursor.
const pullCursorKey = "pull_cursor"

// Pull pages missed events from the server and applies them locally,
// advancing the cursor checkpoint after each page. Invoked on
// reconnect, before the first flush, so edits from other devices land
// before our queued mutations go out. Conflicting concurrent edits
// resolve last-write-wins by server order: whatever the server streams
// is applied as-is.
func (e *Engine) Pull(ctx context.Context) error {
	cursor, err := e.db.GetCheckpoint(pullCursorKey)
	if err != nil {
		return fmt.Errorf("read pull cursor: %w", err)
	}

	applied := 0
	for {
		res, err := e.remote.PullEvents(ctx, cursor, 100)
		if err != nil {
			return fmt.Errorf("pull events: %w", err)
		}

		for i := range res.Events {
			if err := e.applyEvent(&res.Events[i]); err != nil {
				// One bad event must not wedge the cursor forever.
				e.logger.Error("failed to apply pulled event",
					zap.Error(err), zap.Int64("seq", res.Events[i].Seq), zap.String("type", res.Events[i].Type))
				continue
			}
			applied++
		}

		cursor = res.Cursor
		if err := e.db.SetCheckpoint(pullCursorKey, cursor); err != nil {
			return fmt.Errorf("store pull cursor: %w", err)
		}
		if !res.HasMore {
			break
		}
	}

	e.bus.Emit("sync.pull_completed", map[string]int{"applied": applied})
	return nil
}

func (e *Engine) applyEvent(ev *remote.Event) error {
	switch ev.Type {
	case "message.new":
		if ev.Message == nil {
			return errors.New("message.new without message")
		}
		return e.IngestMessage(remoteToStore(ev.Message))

	case "message.edit":
		if ev.Message == nil {
			return errors.New("message.edit without message")
		}
		err := e.db.SetMessageContent(ev.Message.ID, ev.Message.Content)
		if errors.Is(err, store.ErrNotFound) {
			// Edit for a message outside our cached window.
			return nil
		}
		return err

	case "message.delete":
		return e.db.DeleteMessage(ev.MessageID)

	case "status":
		err := e.db.UpdateDeliveryStatus(ev.MessageID, ev.Status)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err

	default:
		// Unknown event types from newer servers are skipped, not fatal.
		return nil
	}
}

// remoteToStore converts a pulled server record into its local form.
// Pulled records are server-acknowledged, so both axes arrive settled.
func remoteToStore(m *remote.Message) *store.Message {
	kind := m.Kind
	if kind == "" {
		kind = "text"
	}
	return &store.Message{
		ID:             m.ID,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           kind,
		DeliveryStatus: store.DeliverySent,
		SyncStatus:     store.SyncSynced,
		CreatedAt:      m.CreatedAt,
	}
}

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/crewlink/crewchat/internal/remote"
	"github.com/crewlink/crewchat/internal/store"
	"go.uber.org/zap"
)

// Summary counts the outcome of one flush pass.
type Summary struct {
	Synced            int
	StillPending      int
	PermanentlyFailed int
}

// flushGate enforces the single-in-flight-pass rule. A trigger arriving
// while a pass runs is coalesced: the running pass picks it up as one
// extra pass after finishing, never a concurrent one.
type flushGate struct {
	mu      sync.Mutex
	running bool
	queued  bool
}

func (g *flushGate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		g.queued = true
		return false
	}
	g.running = true
	return true
}

// next reports whether a coalesced trigger arrived; if none did, the
// gate is released.
func (g *flushGate) next() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queued {
		g.queued = false
		return true
	}
	g.running = false
	return false
}

// Flush drains the retryable action queue against the remote API.
// Returns the summary of the last pass, or nil if the call was
// coalesced into an already-running pass.
func (e *Engine) Flush(ctx context.Context) *Summary {
	if !e.flush.enter() {
		return nil
	}

	var sum *Summary
	for {
		sum = e.pass(ctx)
		if !e.flush.next() {
			return sum
		}
	}
}

// pass walks the retryable actions once, in enqueue order. Sequential
// on purpose: an edit or delete must never reach the server before the
// send it targets has been acknowledged.
func (e *Engine) pass(ctx context.Context) *Summary {
	sum := &Summary{}
	actions, err := e.db.ListRetryable(e.opts.MaxAttempts)
	if err != nil {
		e.logger.Error("failed to read action queue", zap.Error(err))
		return sum
	}

	for i := range actions {
		if ctx.Err() != nil {
			break
		}
		a := &actions[i]

		err := e.deliver(ctx, a)
		switch {
		case err == nil:
			if err := e.db.MarkActionSynced(a.ID); err != nil {
				e.logger.Error("failed to remove synced action", zap.Error(err), zap.String("action_id", a.ID))
			}
			sum.Synced++

		case !remote.IsRetryable(err):
			// Known-invalid operation: fail now, do not burn retries.
			e.logger.Warn("action rejected by remote",
				zap.Error(err), zap.String("action_id", a.ID), zap.String("kind", a.Kind))
			e.markMessageFailed(a)
			if err := e.db.MarkActionSynced(a.ID); err != nil {
				e.logger.Error("failed to remove terminal action", zap.Error(err), zap.String("action_id", a.ID))
			}
			e.bus.Emit("sync.action_terminal", map[string]string{
				"action_id": a.ID, "kind": a.Kind, "error": err.Error(),
			})
			sum.PermanentlyFailed++

		default:
			if err := e.db.RecordAttempt(a.ID); err != nil {
				e.logger.Error("failed to record attempt", zap.Error(err), zap.String("action_id", a.ID))
			}
			if a.Attempts+1 >= e.opts.MaxAttempts {
				e.logger.Warn("action out of retry budget",
					zap.Error(err), zap.String("action_id", a.ID), zap.Int("attempts", a.Attempts+1))
				e.markMessageFailed(a)
				e.bus.Emit("message.send_failed", map[string]string{
					"action_id": a.ID, "kind": a.Kind, "error": err.Error(),
				})
				sum.PermanentlyFailed++
			} else {
				sum.StillPending++
			}
		}
	}

	e.bus.Emit("sync.pass_completed", *sum)
	return sum
}

// deliver performs the remote call for one action and reconciles local
// state on success. A reconciliation failure is logged, not returned:
// the remote operation went through, so retrying would double-deliver.
func (e *Engine) deliver(ctx context.Context, a *store.Action) error {
	switch a.Kind {
	case store.ActionSendMessage:
		var p store.SendPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return terminal(err)
		}
		msg, err := e.remote.SendMessage(ctx, p.ConversationID, remote.SendRequest{
			LocalID: p.LocalID,
			Content: p.Content,
			Kind:    p.Kind,
		})
		if err != nil {
			return err
		}
		if err := e.db.RemapMessageID(p.LocalID, msg.ID, msg.CreatedAt); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("failed to remap sent message", zap.Error(err), zap.String("local_id", p.LocalID))
		}
		return nil

	case store.ActionEditMessage:
		var p store.EditPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return terminal(err)
		}
		// The target may have been remapped after this edit was queued.
		id := e.resolveMessageID(p.MessageID, p.LocalID)
		if _, err := e.remote.EditMessage(ctx, id, p.Content); err != nil {
			return err
		}
		// Content was applied optimistically; only the sync axis moves.
		if err := e.db.UpdateSyncStatus(id, store.SyncSynced); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("failed to mark edit synced", zap.Error(err), zap.String("id", id))
		}
		return nil

	case store.ActionDeleteMessage:
		var p store.DeletePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return terminal(err)
		}
		err := e.remote.DeleteMessage(ctx, e.resolveMessageID(p.MessageID, p.LocalID))
		var apiErr *remote.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			// Already gone remotely: the delete is done.
			return nil
		}
		return err

	case store.ActionUpdateStatus:
		var p store.ReadPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return terminal(err)
		}
		return e.remote.MarkRead(ctx, p.ConversationID, p.UpTo)

	default:
		return terminal(errors.New("unknown action kind " + a.Kind))
	}
}

// resolveMessageID maps a possibly stale payload id to the live row id
// through the stable local_id. Falls back to the payload id when the
// row is gone.
func (e *Engine) resolveMessageID(id, localID string) string {
	if localID == "" {
		return id
	}
	if m, err := e.db.GetMessageByLocalID(localID); err == nil && m != nil {
		return m.ID
	}
	return id
}

// markMessageFailed flips the message behind an abandoned action to the
// failed state on both axes, so the UI can offer manual retry.
func (e *Engine) markMessageFailed(a *store.Action) {
	id := e.messageIDFor(a)
	if id == "" {
		return
	}
	if err := e.db.UpdateDeliveryStatus(id, store.DeliveryFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("failed to mark message failed", zap.Error(err), zap.String("id", id))
	}
	if err := e.db.UpdateSyncStatus(id, store.SyncFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("failed to mark message sync failed", zap.Error(err), zap.String("id", id))
	}
}

func (e *Engine) messageIDFor(a *store.Action) string {
	switch a.Kind {
	case store.ActionSendMessage:
		var p store.SendPayload
		if json.Unmarshal(a.Payload, &p) == nil {
			return e.resolveMessageID(p.MessageID, p.LocalID)
		}
	case store.ActionEditMessage:
		var p store.EditPayload
		if json.Unmarshal(a.Payload, &p) == nil {
			return e.resolveMessageID(p.MessageID, p.LocalID)
		}
	}
	return ""
}

// terminal wraps a local decoding defect as a non-retryable rejection.
func terminal(err error) error {
	return &remote.Error{StatusCode: http.StatusUnprocessableEntity, Code: "invalid_payload", Message: err.Error()}
}

// Retry re-arms a permanently failed action and flips its message back
// to pending on both axes (the one allowed backwards transition).
func (e *Engine) Retry(ctx context.Context, actionID string) error {
	a, err := e.db.GetAction(actionID)
	if err != nil {
		return err
	}
	if a == nil {
		return store.ErrNotFound
	}
	if err := e.db.ResetAttempts(actionID); err != nil {
		return err
	}
	if id := e.messageIDFor(a); id != "" {
		if err := e.db.UpdateDeliveryStatus(id, store.DeliveryPending); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := e.db.UpdateSyncStatus(id, store.SyncPending); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	e.Flush(ctx)
	return nil
}

// Exhausted lists actions that have run out of retry budget.
func (e *Engine) Exhausted() ([]store.Action, error) {
	return e.db.ListExhausted(e.opts.MaxAttempts)
}

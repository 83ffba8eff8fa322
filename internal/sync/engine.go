// Package sync drives reconciliation between local pending state and
// the remote message API: it drains the action queue (flush), ingests
// live-transport events idempotently, and pulls missed events after a
// reconnect.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/crewlink/crewchat/internal/bus"
	"github.com/crewlink/crewchat/internal/remote"
	"github.com/crewlink/crewchat/internal/store"
	"github.com/crewlink/crewchat/internal/transport"
	"go.uber.org/zap"
)

// Remote is the slice of the message API the engine needs.
type Remote interface {
	SendMessage(ctx context.Context, conversationID string, req remote.SendRequest) (*remote.Message, error)
	EditMessage(ctx context.Context, id, content string) (*remote.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkRead(ctx context.Context, conversationID string, upTo int64) error
	PullEvents(ctx context.Context, since string, limit int) (*remote.PullResult, error)
}

// Options tunes the engine.
type Options struct {
	MaxAttempts   int
	FlushInterval time.Duration
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
}

// Engine reconciles the local store and action queue with the server.
type Engine struct {
	db     *store.DB
	remote Remote
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	cancel context.CancelFunc

	flush flushGate
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, r Remote, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	opts.defaults()
	return &Engine{
		db:     db,
		remote: r,
		bus:    b,
		logger: logger,
		opts:   opts,
	}
}

// Start subscribes to transport and message events and begins the
// periodic flush ticker. Scheduling of passes lives here, not in the
// queue: connectivity regain, timer, and explicit triggers all funnel
// into the same coalesced Flush.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("transport.", 256)
	localCh, localUnsub := e.bus.Subscribe("outbox.enqueued", 64)

	go func() {
		defer unsub()
		defer localUnsub()
		ticker := time.NewTicker(e.opts.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case evt := <-ch:
				e.handleTransportEvent(ctx, evt)
			case <-localCh:
				e.Flush(ctx)
			case <-ticker.C:
				e.Flush(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// MaxAttempts returns the configured retry budget.
func (e *Engine) MaxAttempts() int {
	return e.opts.MaxAttempts
}

// Stop stops the engine. In-flight network attempts complete or fail on
// their own; their results are discarded or re-applied idempotently on
// the next run.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleTransportEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "transport.connected":
		if err := e.Pull(ctx); err != nil {
			e.logger.Warn("pull sync failed", zap.Error(err))
		}
		e.Flush(ctx)
	case "transport.message":
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("id", msg.ID))
		}
	case "transport.status":
		st, ok := evt.Payload.(*transport.StatusEvent)
		if !ok {
			return
		}
		e.ingestStatus(st)
	}
}

// IngestMessage applies a live-transport message to the store. A record
// whose localId matches a pending optimistic entry remaps that entry in
// place; everything else is an idempotent upsert.
func (e *Engine) IngestMessage(msg *store.Message) error {
	remapped := false
	if msg.LocalID != "" {
		local, err := e.db.GetMessageByLocalID(msg.LocalID)
		if err != nil {
			return fmt.Errorf("lookup local id: %w", err)
		}
		if local != nil {
			if err := e.db.RemapMessageID(msg.LocalID, msg.ID, msg.CreatedAt); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("remap message: %w", err)
			}
			remapped = true
		}
	}
	if !remapped {
		if err := e.db.UpsertMessage(msg); err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
	}

	if err := e.db.UpsertConversation(&store.Conversation{
		ID:                 msg.ConversationID,
		LastMessageAt:      msg.CreatedAt,
		LastMessagePreview: truncate(msg.Content, 100),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if !remapped {
		// Our own echoes come back remapped; everything else is unread.
		if err := e.db.IncrementUnread(msg.ConversationID); err != nil {
			return fmt.Errorf("bump unread: %w", err)
		}
	}

	e.bus.Emit("message.upserted", map[string]string{
		"conversation_id": msg.ConversationID,
		"id":              msg.ID,
	})
	return nil
}

func (e *Engine) ingestStatus(st *transport.StatusEvent) {
	err := e.db.UpdateDeliveryStatus(st.MessageID, st.Status)
	if errors.Is(err, store.ErrNotFound) {
		// Status for a message we have not stored yet; the pull sync
		// will carry the final state.
		return
	}
	if err != nil {
		e.logger.Error("failed to apply status", zap.Error(err), zap.String("id", st.MessageID))
		return
	}
	e.bus.Emit("message.status_changed", map[string]string{
		"conversation_id": st.ConversationID,
		"id":              st.MessageID,
		"status":          st.Status,
	})
}

// truncate caps s at maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

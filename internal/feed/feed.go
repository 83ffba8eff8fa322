// Package feed is the read model for UIs: it caches conversation and
// message snapshots from the store and signals refreshes when bus
// events invalidate them. Optimistic rows and server rows come out of
// the same query, so a message never appears twice across the
// pending-to-synced handoff.
package feed

import (
	"context"
	"sync"

	"github.com/crewlink/crewchat/internal/bus"
	"github.com/crewlink/crewchat/internal/store"
	"go.uber.org/zap"
)

// Feed caches view state and signals refreshes.
type Feed struct {
	mu sync.RWMutex

	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	conversations []store.Conversation
	messages      []store.Message
	activeID      string
	pageSize      int

	refreshMu sync.Mutex
	waiters   map[chan struct{}]struct{}

	cancel context.CancelFunc
}

// New creates a feed over the local store.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Feed {
	return &Feed{
		db:       db,
		bus:      b,
		logger:   logger,
		pageSize: 100,
		waiters:  make(map[chan struct{}]struct{}),
	}
}

// SubscribeRefresh registers for state-change signals. Every subscriber
// sees every signal, so concurrent long-poll clients all wake. The
// returned cancel releases the subscription.
func (f *Feed) SubscribeRefresh() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	f.refreshMu.Lock()
	f.waiters[ch] = struct{}{}
	f.refreshMu.Unlock()
	return ch, func() {
		f.refreshMu.Lock()
		delete(f.waiters, ch)
		f.refreshMu.Unlock()
	}
}

func (f *Feed) signalRefresh() {
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()
	for ch := range f.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Start begins following bus events. Message and sync events reload
// the affected snapshots.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	msgCh, unsubMsg := f.bus.Subscribe("message.", 128)
	convCh, unsubConv := f.bus.Subscribe("conversation.", 32)

	go func() {
		defer unsubMsg()
		defer unsubConv()
		for {
			select {
			case <-msgCh:
				f.reload()
			case <-convCh:
				f.reload()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops following bus events.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

// LoadConversations refreshes the conversation list snapshot.
func (f *Feed) LoadConversations() error {
	convs, err := f.db.ListConversations(f.pageSize, 0)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.conversations = convs
	f.mu.Unlock()
	f.signalRefresh()
	return nil
}

// LoadMessages makes conversationID the active conversation and loads
// its newest page, oldest first.
func (f *Feed) LoadMessages(conversationID string) error {
	msgs, err := f.db.ListMessages(conversationID, 0, f.pageSize)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.activeID = conversationID
	f.messages = msgs
	f.mu.Unlock()
	f.signalRefresh()
	return nil
}

// LoadOlder returns the page preceding the oldest cached message. The
// snapshot is left alone; callers prepend at their own pace.
func (f *Feed) LoadOlder() ([]store.Message, error) {
	f.mu.RLock()
	id := f.activeID
	var before int64
	if len(f.messages) > 0 {
		before = f.messages[0].CreatedAt
	}
	f.mu.RUnlock()
	if id == "" || before == 0 {
		return nil, nil
	}
	return f.db.ListMessages(id, before, f.pageSize)
}

// Search runs a full-text query, optionally scoped to the active
// conversation.
func (f *Feed) Search(query string, scoped bool) ([]store.SearchResult, error) {
	conversationID := ""
	if scoped {
		f.mu.RLock()
		conversationID = f.activeID
		f.mu.RUnlock()
	}
	return f.db.SearchMessages(query, conversationID, 50)
}

// Conversations returns a snapshot of the conversation list.
func (f *Feed) Conversations() []store.Conversation {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.conversations
}

// Messages returns a snapshot of the active conversation's messages.
func (f *Feed) Messages() []store.Message {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.messages
}

// ActiveConversation returns the id of the active conversation.
func (f *Feed) ActiveConversation() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.activeID
}

// reload refreshes whatever snapshots are in use after a bus event.
func (f *Feed) reload() {
	if err := f.LoadConversations(); err != nil {
		f.logger.Error("failed to reload conversations", zap.Error(err))
	}
	f.mu.RLock()
	active := f.activeID
	f.mu.RUnlock()
	if active == "" {
		return
	}
	if err := f.LoadMessages(active); err != nil {
		f.logger.Error("failed to reload messages", zap.Error(err))
	}
}

package feed

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewlink/crewchat/internal/bus"
	"github.com/crewlink/crewchat/internal/store"
	"go.uber.org/zap"
)

func testFeed(t *testing.T) (*Feed, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	return New(db, b, zap.NewNop()), db, b
}

func seed(t *testing.T, db *store.DB, m store.Message) {
	t.Helper()
	if m.Kind == "" {
		m.Kind = "text"
	}
	if err := db.AppendMessage(&m); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMessagesOldestFirst(t *testing.T) {
	f, db, _ := testFeed(t)
	seed(t, db, store.Message{ID: "m2", ConversationID: "c1", Content: "second",
		DeliveryStatus: store.DeliverySent, SyncStatus: store.SyncSynced, CreatedAt: 2000})
	seed(t, db, store.Message{ID: "m1", ConversationID: "c1", Content: "first",
		DeliveryStatus: store.DeliverySent, SyncStatus: store.SyncSynced, CreatedAt: 1000})

	if err := f.LoadMessages("c1"); err != nil {
		t.Fatal(err)
	}
	msgs := f.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("messages = %+v, want [m1, m2]", msgs)
	}
	if f.ActiveConversation() != "c1" {
		t.Errorf("active = %q, want c1", f.ActiveConversation())
	}
}

// One refresh must wake every subscriber, not just whichever long-poll
// happened to win the receive.
func TestRefreshSignalReachesAllSubscribers(t *testing.T) {
	f, _, _ := testFeed(t)

	ch1, cancel1 := f.SubscribeRefresh()
	defer cancel1()
	ch2, cancel2 := f.SubscribeRefresh()
	defer cancel2()

	if err := f.LoadConversations(); err != nil {
		t.Fatal(err)
	}

	for i, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d never signaled", i+1)
		}
	}

	// A cancelled subscriber no longer receives signals.
	cancel1()
	if err := f.LoadConversations(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch2:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscriber never signaled")
	}
}

// A pending optimistic row and its server-acknowledged form must never
// show up as two feed entries.
func TestFeedDeduplicatesAcrossRemap(t *testing.T) {
	f, db, b := testFeed(t)
	seed(t, db, store.Message{
		ID: "local-lid1", LocalID: "lid1", ConversationID: "c1", SenderID: "me",
		Content: "hello", DeliveryStatus: store.DeliveryPending, SyncStatus: store.SyncPending,
		CreatedAt: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	if err := f.LoadMessages("c1"); err != nil {
		t.Fatal(err)
	}

	// The sync engine remaps the row in place and announces it.
	if err := db.RemapMessageID("lid1", "srv-1", 99000); err != nil {
		t.Fatal(err)
	}
	b.Emit("message.upserted", map[string]string{"conversation_id": "c1", "id": "srv-1"})

	deadline := time.After(2 * time.Second)
	for {
		msgs := f.Messages()
		if len(msgs) == 1 && msgs[0].ID == "srv-1" {
			if msgs[0].SyncStatus != store.SyncSynced {
				t.Errorf("sync status = %s, want synced", msgs[0].SyncStatus)
			}
			return
		}
		if len(msgs) > 1 {
			t.Fatalf("feed shows %d entries for one message: %+v", len(msgs), msgs)
		}
		select {
		case <-deadline:
			t.Fatalf("feed never refreshed: %+v", msgs)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConversationsOrderedByActivity(t *testing.T) {
	f, db, _ := testFeed(t)
	for _, c := range []store.Conversation{
		{ID: "c1", Title: "quiet", LastMessageAt: 1000},
		{ID: "c2", Title: "busy", LastMessageAt: 5000},
	} {
		if err := db.UpsertConversation(&c); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.LoadConversations(); err != nil {
		t.Fatal(err)
	}
	convs := f.Conversations()
	if len(convs) != 2 || convs[0].ID != "c2" {
		t.Errorf("conversations = %+v, want busiest first", convs)
	}
}

func TestLoadOlderPagesBackwards(t *testing.T) {
	f, db, _ := testFeed(t)
	for i := 1; i <= 5; i++ {
		seed(t, db, store.Message{
			ID: string(rune('a' + i)), ConversationID: "c1", Content: "m",
			DeliveryStatus: store.DeliverySent, SyncStatus: store.SyncSynced,
			CreatedAt: int64(i * 1000),
		})
	}
	f.pageSize = 2

	if err := f.LoadMessages("c1"); err != nil {
		t.Fatal(err)
	}
	msgs := f.Messages()
	if len(msgs) != 2 || msgs[0].CreatedAt != 4000 {
		t.Fatalf("newest page = %+v, want [4000, 5000]", msgs)
	}

	older, err := f.LoadOlder()
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 || older[0].CreatedAt != 2000 || older[1].CreatedAt != 3000 {
		t.Errorf("older page = %+v, want [2000, 3000]", older)
	}
}

func TestSearchScopedToActive(t *testing.T) {
	f, db, _ := testFeed(t)
	seed(t, db, store.Message{ID: "m1", ConversationID: "c1", Content: "deploy friday",
		DeliveryStatus: store.DeliverySent, SyncStatus: store.SyncSynced, CreatedAt: 1000})
	seed(t, db, store.Message{ID: "m2", ConversationID: "c2", Content: "deploy monday",
		DeliveryStatus: store.DeliverySent, SyncStatus: store.SyncSynced, CreatedAt: 2000})

	if err := f.LoadMessages("c1"); err != nil {
		t.Fatal(err)
	}

	all, err := f.Search("deploy", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("unscoped results = %d, want 2", len(all))
	}

	scoped, err := f.Search("deploy", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 || scoped[0].Message.ID != "m1" {
		t.Errorf("scoped results = %+v, want only c1", scoped)
	}
}

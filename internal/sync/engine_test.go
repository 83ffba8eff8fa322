package sync

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/crewlink/crewchat/internal/remote"
	"github.com/crewlink/crewchat/internal/store"
	"github.com/crewlink/crewchat/internal/transport"
)

func TestIngestMessageRemapsOwnEcho(t *testing.T) {
	e, db, _ := testEngine(t, &fakeRemote{})
	seedPendingSend(t, db, "lid1", "hello")

	// The server echoes our own message over the live transport before
	// the flush result lands. It must collapse into the optimistic row.
	err := e.IngestMessage(&store.Message{
		ID: "srv-1", LocalID: "lid1", ConversationID: "c1", SenderID: "me",
		Content: "hello", Kind: "text",
		DeliveryStatus: store.DeliverySent, SyncStatus: store.SyncSynced,
		CreatedAt: 99000,
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (echo deduplicated)", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].SyncStatus != store.SyncSynced {
		t.Errorf("message = %+v, want remapped to srv-1", msgs[0])
	}

	// Our own echo must not look like an unread incoming message.
	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
}

func TestIngestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	e, db, _ := testEngine(t, &fakeRemote{})

	// 40 three-byte runes: the 100-byte cap lands mid-rune, so a byte
	// slice would leave an invalid UTF-8 tail in the preview.
	content := strings.Repeat("日", 40)
	err := e.IngestMessage(&store.Message{
		ID: "srv-9", ConversationID: "c1", SenderID: "alice",
		Content: content, Kind: "text",
		DeliveryStatus: store.DeliverySent, SyncStatus: store.SyncSynced,
		CreatedAt: 5000,
	})
	if err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !utf8.ValidString(c.LastMessagePreview) {
		t.Errorf("preview is not valid UTF-8: %q", c.LastMessagePreview)
	}
	if len(c.LastMessagePreview) > 100 {
		t.Errorf("preview length = %d bytes, want <= 100", len(c.LastMessagePreview))
	}
}

func TestIngestMessageFromOthers(t *testing.T) {
	e, db, _ := testEngine(t, &fakeRemote{})

	msg := &store.Message{
		ID: "srv-2", ConversationID: "c1", SenderID: "alice",
		Content: "hey there", Kind: "text",
		DeliveryStatus: store.DeliverySent, SyncStatus: store.SyncSynced,
		CreatedAt: 5000,
	}
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Redelivery after a reconnect is a no-op, not a duplicate.
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}
	if c.LastMessagePreview != "hey there" {
		t.Errorf("preview = %q", c.LastMessagePreview)
	}
}

func TestIngestStatusUpdates(t *testing.T) {
	e, db, b := testEngine(t, &fakeRemote{})
	err := db.AppendMessage(&store.Message{
		ID: "srv-1", ConversationID: "c1", SenderID: "me", Content: "hi", Kind: "text",
		DeliveryStatus: store.DeliverySent, SyncStatus: store.SyncSynced, CreatedAt: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("message.status_changed", 4)
	defer unsub()

	e.ingestStatus(&transport.StatusEvent{MessageID: "srv-1", ConversationID: "c1", Status: store.DeliveryRead})

	m, err := db.GetMessage("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryStatus != store.DeliveryRead {
		t.Errorf("status = %s, want read", m.DeliveryStatus)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Error("no status_changed event published")
	}

	// Status for a message we never stored is a benign race.
	e.ingestStatus(&transport.StatusEvent{MessageID: "ghost", ConversationID: "c1", Status: store.DeliveryRead})
}

func TestPullAppliesEventsAndAdvancesCursor(t *testing.T) {
	r := &fakeRemote{
		pullPages: []*remote.PullResult{
			{
				Events: []remote.Event{
					{Seq: 1, Type: "message.new", Message: &remote.Message{
						ID: "srv-1", ConversationID: "c1", SenderID: "alice", Content: "one", CreatedAt: 1000,
					}},
					{Seq: 2, Type: "message.new", Message: &remote.Message{
						ID: "srv-2", ConversationID: "c1", SenderID: "alice", Content: "two", CreatedAt: 2000,
					}},
				},
				Cursor: "2", HasMore: true,
			},
			{
				Events: []remote.Event{
					{Seq: 3, Type: "message.edit", Message: &remote.Message{ID: "srv-1", Content: "one!"}},
					{Seq: 4, Type: "status", MessageID: "srv-2", Status: store.DeliveryDelivered},
					{Seq: 5, Type: "message.delete", MessageID: "srv-2"},
					{Seq: 6, Type: "someday.maybe"},
				},
				Cursor: "6", HasMore: false,
			},
		},
	}
	e, db, _ := testEngine(t, r)

	if err := e.Pull(context.Background()); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Content != "one!" {
		t.Errorf("srv-1 = %+v, want edited content", m)
	}
	gone, err := db.GetMessage("srv-2")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Errorf("srv-2 still present after delete event")
	}

	cursor, err := db.GetCheckpoint("pull_cursor")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "6" {
		t.Errorf("cursor = %q, want 6", cursor)
	}

	// The next pull resumes from the stored cursor.
	if err := e.Pull(context.Background()); err != nil {
		t.Fatal(err)
	}
	calls := r.Calls()
	if calls[len(calls)-1] != "pull:6" {
		t.Errorf("last pull call = %q, want pull:6", calls[len(calls)-1])
	}
}

func TestEngineSyncsOnConnect(t *testing.T) {
	r := &fakeRemote{}
	e, db, b := testEngine(t, r)
	seedPendingSend(t, db, "lid1", "hello")

	e.Start(context.Background())
	defer e.Stop()

	b.Emit("transport.connected", nil)

	deadline := time.After(2 * time.Second)
	for {
		calls := r.Calls()
		if len(calls) >= 2 && calls[0] == "pull:" && calls[1] == "send:lid1" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("calls = %v, want pull then send", calls)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

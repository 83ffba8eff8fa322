package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewlink/crewchat/internal/bus"
	"github.com/crewlink/crewchat/internal/feed"
	"github.com/crewlink/crewchat/internal/lock"
	"github.com/crewlink/crewchat/internal/messenger"
	"github.com/crewlink/crewchat/internal/remote"
	"github.com/crewlink/crewchat/internal/status"
	"github.com/crewlink/crewchat/internal/store"
	syncengine "github.com/crewlink/crewchat/internal/sync"
	"go.uber.org/zap"
)

// ackRemote accepts everything, assigning server ids.
type ackRemote struct{}

func (ackRemote) SendMessage(_ context.Context, conversationID string, req remote.SendRequest) (*remote.Message, error) {
	return &remote.Message{
		ID: "srv-" + req.LocalID, ConversationID: conversationID,
		Content: req.Content, Kind: req.Kind, LocalID: req.LocalID,
		CreatedAt: time.Now().UnixMilli(),
	}, nil
}
func (ackRemote) EditMessage(_ context.Context, id, content string) (*remote.Message, error) {
	return &remote.Message{ID: id, Content: content}, nil
}
func (ackRemote) DeleteMessage(context.Context, string) error   { return nil }
func (ackRemote) MarkRead(context.Context, string, int64) error { return nil }
func (ackRemote) PullEvents(_ context.Context, since string, _ int) (*remote.PullResult, error) {
	return &remote.PullResult{Cursor: since}, nil
}

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid the 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "crewchat-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	profileDir := filepath.Join(tmpDir, "p")
	socketPath := filepath.Join(profileDir, "d.sock")
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(profileDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(profileDir, "crewchat.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	engine := syncengine.NewEngine(db, ackRemote{}, b, logger, syncengine.Options{})
	m := messenger.New(db, b, logger, "me")
	fd := feed.New(db, b, logger)

	srv, err := NewServer(Params{ProfileName: "test", SocketPath: socketPath},
		logger, machine, db, m, fd, engine)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
	base := "http://daemon"

	waitForSocket(t, client, base)

	// Status starts in BOOTING with an empty queue.
	var st struct {
		Profile        string `json:"profile"`
		State          string `json:"state"`
		PendingActions int    `json:"pendingActions"`
	}
	getJSON(t, client, base+"/v1/status", &st)
	if st.Profile != "test" || st.State != string(status.Booting) {
		t.Errorf("status = %+v, want test/BOOTING", st)
	}

	// Send queues the message and returns the provisional record.
	resp, err := client.Post(base+"/v1/conversations/c1/messages", "application/json",
		bytes.NewReader([]byte(`{"content":"hello"}`)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d, want 202", resp.StatusCode)
	}
	var sent struct {
		ID             string `json:"id"`
		DeliveryStatus string `json:"deliveryStatus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if sent.DeliveryStatus != store.DeliveryPending {
		t.Errorf("delivery = %s, want pending", sent.DeliveryStatus)
	}

	// The optimistic row is in the feed immediately.
	var page struct {
		Messages []struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	getJSON(t, client, base+"/v1/conversations/c1/feed", &page)
	if len(page.Messages) != 1 || page.Messages[0].Content != "hello" {
		t.Fatalf("feed = %+v, want the queued message", page)
	}

	// And in the outbox until a flush drains it.
	var outbox struct {
		Pending []struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
		} `json:"pending"`
	}
	getJSON(t, client, base+"/v1/outbox", &outbox)
	if len(outbox.Pending) != 1 || outbox.Pending[0].Kind != store.ActionSendMessage {
		t.Fatalf("outbox = %+v, want one pending send", outbox)
	}

	resp, err = client.Post(base+"/v1/sync/flush", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var sum struct {
		Synced int `json:"synced"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if sum.Synced != 1 {
		t.Errorf("flush synced = %d, want 1", sum.Synced)
	}

	getJSON(t, client, base+"/v1/outbox", &outbox)
	if len(outbox.Pending) != 0 {
		t.Errorf("outbox still has %d actions after flush", len(outbox.Pending))
	}

	// The feed entry now carries the server id, still a single row.
	getJSON(t, client, base+"/v1/conversations/c1/feed", &page)
	if len(page.Messages) != 1 || page.Messages[0].ID == sent.ID {
		t.Errorf("feed after flush = %+v, want one remapped row", page)
	}

	// Search finds it through the FTS index.
	var search struct {
		Results []struct {
			Snippet string `json:"snippet"`
		} `json:"results"`
	}
	getJSON(t, client, base+"/v1/search?q=hello", &search)
	if len(search.Results) != 1 {
		t.Errorf("search results = %+v, want 1", search)
	}
}

func TestEditUnknownMessageReturns404(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "crewchat-404-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	db, err := store.Open(filepath.Join(tmpDir, "crewchat.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	srv, err := NewServer(Params{ProfileName: "test", SocketPath: socketPath},
		logger, status.NewMachine(b), db,
		messenger.New(db, b, logger, "me"),
		feed.New(db, b, logger),
		syncengine.NewEngine(db, ackRemote{}, b, logger, syncengine.Options{}))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
	base := "http://daemon"
	waitForSocket(t, client, base)

	req, err := http.NewRequest(http.MethodPatch, base+"/v1/messages/nope",
		bytes.NewReader([]byte(`{"content":"x"}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func waitForSocket(t *testing.T, client *http.Client, base string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		resp, err := client.Get(base + "/v1/status")
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		select {
		case <-deadline:
			t.Fatalf("daemon socket never came up: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func getJSON(t *testing.T, client *http.Client, url string, out any) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatal(err)
	}
}

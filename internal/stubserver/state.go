package stubserver

import (
	"strconv"
	"sync"
	"time"

	"github.com/crewlink/crewchat/internal/remote"
	"github.com/google/uuid"
)

// state is the in-memory message log. Every mutation appends to a
// sequenced event feed that backs both the live stream and pull sync.
type state struct {
	mu       sync.Mutex
	messages map[string]*remote.Message
	byLocal  map[string]string // localId -> server id, for idempotent resends
	order    []string
	events   []remote.Event
	seq      int64
}

func newState() *state {
	return &state{
		messages: make(map[string]*remote.Message),
		byLocal:  make(map[string]string),
	}
}

func (s *state) appendEvent(ev remote.Event) remote.Event {
	s.seq++
	ev.Seq = s.seq
	ev.At = time.Now().UnixMilli()
	s.events = append(s.events, ev)
	return ev
}

// Send stores a new message, assigning the server id and timestamp.
// A resend with a known localId returns the original record unchanged.
func (s *state) Send(conversationID, senderID string, req remote.SendRequest) (*remote.Message, remote.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.LocalID != "" {
		if id, ok := s.byLocal[req.LocalID]; ok {
			return s.messages[id], remote.Event{}, false
		}
	}

	kind := req.Kind
	if kind == "" {
		kind = "text"
	}
	msg := &remote.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        req.Content,
		Kind:           kind,
		LocalID:        req.LocalID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	if req.LocalID != "" {
		s.byLocal[req.LocalID] = msg.ID
	}

	ev := s.appendEvent(remote.Event{
		Type: "message.new", ConversationID: conversationID, Message: msg,
	})
	return msg, ev, true
}

// Edit replaces a message's content. Returns false if the id is unknown.
func (s *state) Edit(id, content string) (*remote.Message, remote.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, remote.Event{}, false
	}
	msg.Content = content
	ev := s.appendEvent(remote.Event{
		Type: "message.edit", ConversationID: msg.ConversationID, Message: msg,
	})
	return msg, ev, true
}

// Delete removes a message. Returns false if the id is unknown.
func (s *state) Delete(id string) (remote.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return remote.Event{}, false
	}
	delete(s.messages, id)
	ev := s.appendEvent(remote.Event{
		Type: "message.delete", ConversationID: msg.ConversationID, MessageID: id,
	})
	return ev, true
}

// MarkRead flips every message in the conversation up to upTo to read
// and returns the status events produced.
func (s *state) MarkRead(conversationID string, upTo int64) []remote.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evs []remote.Event
	for _, id := range s.order {
		msg, ok := s.messages[id]
		if !ok || msg.ConversationID != conversationID || msg.CreatedAt > upTo {
			continue
		}
		evs = append(evs, s.appendEvent(remote.Event{
			Type: "status", ConversationID: conversationID, MessageID: id, Status: "read",
		}))
	}
	return evs
}

// EventsSince pages the event feed from the given cursor.
func (s *state) EventsSince(cursor string, limit int) *remote.PullResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	after, _ := strconv.ParseInt(cursor, 10, 64)
	var out []remote.Event
	for _, ev := range s.events {
		if ev.Seq <= after {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}

	next := after
	if len(out) > 0 {
		next = out[len(out)-1].Seq
	}
	return &remote.PullResult{
		Events:  out,
		Cursor:  strconv.FormatInt(next, 10),
		HasMore: next < s.seq,
	}
}

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/crewlink/crewchat/internal/feed"
	"github.com/crewlink/crewchat/internal/messenger"
	"github.com/crewlink/crewchat/internal/session"
	"github.com/crewlink/crewchat/internal/status"
	"github.com/crewlink/crewchat/internal/store"
	syncengine "github.com/crewlink/crewchat/internal/sync"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server exposes the daemon control API over the profile's Unix domain
// socket.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	profile   string
	machine   *status.Machine
	db        *store.DB
	messenger *messenger.Messenger
	fd        *feed.Feed
	engine    *syncengine.Engine
}

// NewServer creates an HTTP server bound to the profile's socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	machine *status.Machine,
	db *store.DB,
	m *messenger.Messenger,
	fd *feed.Feed,
	engine *syncengine.Engine,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.ProfileName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		profile:    p.ProfileName,
		machine:    machine,
		db:         db,
		messenger:  m,
		fd:         fd,
		engine:     engine,
	}
	s.httpServer = &http.Server{Handler: s.routes()}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/updates", s.handleUpdates)
	r.Get("/v1/conversations", s.handleListConversations)
	r.Route("/v1/conversations/{id}", func(r chi.Router) {
		r.Get("/feed", s.handleFeed)
		r.Post("/messages", s.handleSend)
		r.Post("/read", s.handleMarkRead)
	})
	r.Patch("/v1/messages/{id}", s.handleEdit)
	r.Delete("/v1/messages/{id}", s.handleDelete)
	r.Post("/v1/sync/flush", s.handleFlush)
	r.Get("/v1/outbox", s.handleOutbox)
	r.Post("/v1/outbox/{id}/retry", s.handleRetry)
	r.Get("/v1/search", s.handleSearch)
	return r
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control API starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control API stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

type messageJSON struct {
	ID             string `json:"id"`
	LocalID        string `json:"localId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	Kind           string `json:"kind"`
	DeliveryStatus string `json:"deliveryStatus"`
	SyncStatus     string `json:"syncStatus"`
	CreatedAt      int64  `json:"createdAt"`
}

type conversationJSON struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	IsGroup            bool   `json:"isGroup"`
	UnreadCount        int    `json:"unreadCount"`
	LastMessageAt      int64  `json:"lastMessageAt"`
	LastMessagePreview string `json:"lastMessagePreview"`
}

func toMessageJSON(m *store.Message) messageJSON {
	return messageJSON{
		ID:             m.ID,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           m.Kind,
		DeliveryStatus: m.DeliveryStatus,
		SyncStatus:     m.SyncStatus,
		CreatedAt:      m.CreatedAt,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	pending, err := s.db.ListRetryable(s.engine.MaxAttempts())
	if err != nil {
		s.fail(w, err)
		return
	}
	failed, err := s.engine.Exhausted()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"profile":        s.profile,
		"state":          s.machine.Current(),
		"pendingActions": len(pending),
		"failedActions":  len(failed),
	})
}

// handleUpdates long-polls until local state changes, so UIs can
// re-fetch instead of holding a push channel open.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	timeout := time.Duration(queryInt(r, "timeout", 25)) * time.Second
	ch, cancel := s.fd.SubscribeRefresh()
	defer cancel()
	select {
	case <-ch:
		s.respond(w, http.StatusOK, map[string]any{"changed": true})
	case <-time.After(timeout):
		s.respond(w, http.StatusOK, map[string]any{"changed": false})
	case <-r.Context().Done():
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	convs, err := s.db.ListConversations(limit, offset)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]conversationJSON, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationJSON{
			ID: c.ID, Title: c.Title, IsGroup: c.IsGroup,
			UnreadCount: c.UnreadCount, LastMessageAt: c.LastMessageAt,
			LastMessagePreview: c.LastMessagePreview,
		})
	}
	s.respond(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 50)
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)

	msgs, err := s.db.ListMessages(id, before, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for i := range msgs {
		out = append(out, toMessageJSON(&msgs[i]))
	}
	s.respond(w, http.StatusOK, map[string]any{
		"messages": out,
		"hasMore":  len(msgs) == limit,
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if body.Content == "" {
		s.respondError(w, http.StatusUnprocessableEntity, "empty_content", "content must not be empty")
		return
	}
	msg, err := s.messenger.Send(chi.URLParam(r, "id"), body.Content)
	if err != nil {
		s.fail(w, err)
		return
	}
	// Accepted, not created: delivery happens asynchronously.
	s.respond(w, http.StatusAccepted, toMessageJSON(msg))
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if body.Content == "" {
		s.respondError(w, http.StatusUnprocessableEntity, "empty_content", "content must not be empty")
		return
	}
	if err := s.messenger.Edit(chi.URLParam(r, "id"), body.Content); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.messenger.Delete(chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.messenger.MarkRead(chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sum := s.engine.Flush(r.Context())
	if sum == nil {
		// Coalesced into a pass that was already running.
		s.respond(w, http.StatusAccepted, map[string]any{"coalesced": true})
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"synced":            sum.Synced,
		"stillPending":      sum.StillPending,
		"permanentlyFailed": sum.PermanentlyFailed,
	})
}

type actionJSON struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	ConversationID string `json:"conversationId"`
	Attempts       int    `json:"attempts"`
	LastAttemptAt  int64  `json:"lastAttemptAt"`
	CreatedAt      int64  `json:"createdAt"`
}

func (s *Server) handleOutbox(w http.ResponseWriter, _ *http.Request) {
	pending, err := s.db.ListRetryable(s.engine.MaxAttempts())
	if err != nil {
		s.fail(w, err)
		return
	}
	failed, err := s.engine.Exhausted()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"pending": toActionJSON(pending),
		"failed":  toActionJSON(failed),
	})
}

func toActionJSON(actions []store.Action) []actionJSON {
	out := make([]actionJSON, 0, len(actions))
	for _, a := range actions {
		out = append(out, actionJSON{
			ID: a.ID, Kind: a.Kind, ConversationID: a.ConversationID,
			Attempts: a.Attempts, LastAttemptAt: a.LastAttemptAt, CreatedAt: a.CreatedAt,
		})
	}
	return out
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "bad_request", "missing q parameter")
		return
	}
	results, err := s.db.SearchMessages(query, r.URL.Query().Get("conversation"), queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, err)
		return
	}
	type resultJSON struct {
		Message messageJSON `json:"message"`
		Snippet string      `json:"snippet"`
	}
	out := make([]resultJSON, 0, len(results))
	for i := range results {
		out = append(out, resultJSON{Message: toMessageJSON(&results[i].Message), Snippet: results[i].Snippet})
	}
	s.respond(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, errCode, msg string) {
	s.respond(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": msg},
	})
}

// fail maps internal errors onto HTTP codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, "internal", err.Error())
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

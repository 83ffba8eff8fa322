// Package stubserver is a self-contained crewlink server for local
// development and end-to-end testing. It keeps everything in memory
// and speaks the same HTTP and stream protocol as the hosted service.
package stubserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/crewlink/crewchat/internal/remote"
	"github.com/crewlink/crewchat/internal/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options configures the stub server.
type Options struct {
	Token       string // optional; empty disables auth
	CORSOrigins []string
}

// Server is the in-memory crewlink server.
type Server struct {
	opts    Options
	state   *state
	hub     *hub
	logger  *zap.Logger
	router  chi.Router
	upgrade websocket.Upgrader
}

// New creates a stub server.
func New(opts Options, logger *zap.Logger) *Server {
	s := &Server{
		opts:   opts,
		state:  newState(),
		hub:    newHub(logger),
		logger: logger,
		upgrade: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(s.auth)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/conversations/{id}/messages", s.handleSend)
	r.Post("/v1/conversations/{id}/read", s.handleMarkRead)
	r.Patch("/v1/messages/{id}", s.handleEdit)
	r.Delete("/v1/messages/{id}", s.handleDelete)
	r.Get("/v1/sync", s.handleSync)
	r.Get("/v1/stream", s.handleStream)
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" && r.URL.Path != "/health" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.opts.Token {
				s.respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req remote.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Content == "" {
		s.respondError(w, http.StatusUnprocessableEntity, "empty_content", "content must not be empty")
		return
	}

	msg, ev, fresh := s.state.Send(chi.URLParam(r, "id"), senderID(r), req)
	if fresh {
		s.hub.broadcast("message", ev.Message)
	}
	s.respond(w, http.StatusCreated, msg)
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

	msg, ev, ok := s.state.Edit(chi.URLParam(r, "id"), body.Content)
	if !ok {
		s.respondError(w, http.StatusNotFound, "not_found", "no such message")
		return
	}
	s.hub.broadcast("message", ev.Message)
	s.respond(w, http.StatusOK, msg)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.state.Delete(chi.URLParam(r, "id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "not_found", "no such message")
		return
	}
	s.hub.broadcast("status", transport.StatusEvent{
		MessageID: ev.MessageID, ConversationID: ev.ConversationID, Status: "deleted",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UpTo int64 `json:"upTo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	for _, ev := range s.state.MarkRead(chi.URLParam(r, "id"), body.UpTo) {
		s.hub.broadcast("status", transport.StatusEvent{
			MessageID: ev.MessageID, ConversationID: ev.ConversationID, Status: ev.Status,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 100
	}
	s.respond(w, http.StatusOK, s.state.EventsSince(r.URL.Query().Get("since"), limit))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	c := s.hub.register(conn)

	// Reads are discarded; the stream is server-to-client. The read
	// loop exists to notice the close.
	go func() {
		defer s.hub.unregister(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// senderID attributes mutations to the caller. The stub trusts a
// header instead of real auth.
func senderID(r *http.Request) string {
	if id := r.Header.Get("X-Crewlink-User"); id != "" {
		return id
	}
	return "stub-user"
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

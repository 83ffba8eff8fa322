package stubserver

import (
	"encoding/json"
	"sync"

	"github.com/crewlink/crewchat/internal/transport"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// hub fans mutation events out to every connected stream client.
type hub struct {
	mu      sync.Mutex
	clients map[*streamClient]bool
	logger  *zap.Logger
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		clients: make(map[*streamClient]bool),
		logger:  logger,
	}
}

func (h *hub) register(conn *websocket.Conn) *streamClient {
	c := &streamClient{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("stream client connected", zap.Int("clients", h.count()))
	go c.writeLoop()
	return c
}

func (h *hub) unregister(c *streamClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast sends an envelope to all clients. Slow consumers are
// dropped; they recover through pull sync on reconnect.
func (h *hub) broadcast(envType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode broadcast payload", zap.Error(err))
		return
	}
	frame, err := json.Marshal(transport.Envelope{Type: envType, Payload: data})
	if err != nil {
		h.logger.Error("failed to encode broadcast frame", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (c *streamClient) writeLoop() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.Close()
}

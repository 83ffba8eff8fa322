// Package transport maintains the live WebSocket channel to the server
// and republishes its events on the in-process bus. Connect/reconnect
// lifecycle lives here; nobody else touches the socket.
package transport

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/crewlink/crewchat/internal/bus"
	"github.com/crewlink/crewchat/internal/remote"
	"github.com/crewlink/crewchat/internal/store"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options configures the transport client.
type Options struct {
	URL               string
	Token             string
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	HeartbeatInterval time.Duration
}

func (o *Options) defaults() {
	if o.ReconnectBase == 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
}

// Client is the auto-reconnecting WebSocket consumer.
type Client struct {
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewClient creates a new live-transport client.
func NewClient(opts Options, b *bus.Bus, logger *zap.Logger) *Client {
	opts.defaults()
	return &Client{
		opts:   opts,
		bus:    b,
		logger: logger,
	}
}

// Start begins the connect/read/reconnect loop in the background.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
}

// Stop terminates the loop. Any in-flight read is abandoned; results
// arriving after teardown are reconciled by the idempotent store upsert
// on the next run.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) loop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			delay := c.backoff(attempt)
			c.logger.Warn("transport dial failed",
				zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		c.bus.Emit("transport.connected", nil)
		c.readAll(ctx, conn)
		_ = conn.Close()
		c.bus.Emit("transport.disconnected", nil)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := map[string][]string{}
	if c.opts.Token != "" {
		header["Authorization"] = []string{"Bearer " + c.opts.Token}
	}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, header)
	return conn, err
}

// readAll consumes envelopes until the connection drops or ctx ends.
// A heartbeat ping keeps NAT and proxy timeouts from silently killing
// an idle connection.
func (c *Client) readAll(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("transport read failed", zap.Error(err))
			}
			return
		}
		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *Envelope) {
	switch env.Type {
	case "message":
		var msg remote.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			c.logger.Warn("transport: bad message payload", zap.Error(err))
			return
		}
		c.bus.Emit("transport.message", toStoreMessage(&msg))
	case "status":
		var st StatusEvent
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			c.logger.Warn("transport: bad status payload", zap.Error(err))
			return
		}
		c.bus.Emit("transport.status", &st)
	default:
		c.logger.Debug("transport: unknown event type", zap.String("type", env.Type))
	}
}

// toStoreMessage converts a server record into its local representation.
// Anything arriving over the wire is server-acknowledged by definition.
func toStoreMessage(m *remote.Message) *store.Message {
	kind := m.Kind
	if kind == "" {
		kind = "text"
	}
	return &store.Message{
		ID:             m.ID,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           kind,
		DeliveryStatus: store.DeliverySent,
		SyncStatus:     store.SyncSynced,
		CreatedAt:      m.CreatedAt,
	}
}

// backoff returns a capped exponential delay with jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.ReconnectBase << uint(attempt-1)
	if d > c.opts.ReconnectMax || d <= 0 {
		d = c.opts.ReconnectMax
	}
	// Up to 25% jitter so reconnecting clients spread out.
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Package eventbus implements the Event Bus (§4.5): a WebSocket pub/sub
// fan-out of run lifecycle events. The per-connection bounded-queue +
// writer-goroutine + drop-slow-consumer shape follows the "one goroutine
// per long-lived connection" idiom also used for graceful-shutdown signal
// handling in internal/api/server.go.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventType names a lifecycle event published over the bus.
type EventType string

// Recognized event types (§4.5).
const (
	EventTraceCreated   EventType = "trace.created"
	EventTraceUpdated   EventType = "trace.updated"
	EventTraceCompleted EventType = "trace.completed"
	EventTraceFailed    EventType = "trace.failed"
	EventStatsUpdated   EventType = "stats.updated"
)

// supportedEventTypes is advertised in the connection.established welcome
// frame so clients know what they can subscribe to.
var supportedEventTypes = []EventType{
	EventTraceCreated, EventTraceUpdated, EventTraceCompleted, EventTraceFailed, EventStatsUpdated,
}

// Event is the envelope broadcast to subscribed connections.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// outboundQueueSize bounds each connection's pending-write buffer; a
// connection that can't keep up is disconnected rather than allowed to
// back-pressure the whole bus (§4.5).
const outboundQueueSize = 1000

// Bus fans out published events to subscribed WebSocket connections.
type Bus struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

// NewBus constructs an Event Bus. CORS origin checking is delegated to the
// HTTP middleware chain in front of the upgrade handler, matching the rest
// of this ingress facade's layering.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		logger:  logger,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Publish serializes evt once and fans it out to every connection
// subscribed to eventType (or subscribed to nothing, which this
// implementation treats as "subscribed to everything" per §4.5's default).
func (b *Bus) Publish(eventType string, _ uuid.UUID, data any) {
	evt := Event{Type: EventType(eventType), Data: data, Timestamp: time.Now().UTC()}

	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("marshal event for publish", slog.Any("error", err))

		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, c := range b.clients {
		if !c.subscribedTo(evt.Type) {
			continue
		}

		select {
		case c.send <- payload:
		default:
			b.logger.Warn("disconnecting slow consumer", slog.String("client_id", c.id))
			go b.disconnect(c)
		}
	}
}

// ConnectionCount reports the number of currently connected clients, for
// diagnostics.
func (b *Bus) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.clients)
}

// ServeWS upgrades r into a WebSocket connection and runs its read/write
// loops until the client disconnects.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", slog.Any("error", err))

		return
	}

	c := newClient(conn)

	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	b.logger.Info("client connected", slog.String("client_id", c.id))

	welcome := Event{
		Type: "connection.established",
		Data: map[string]any{
			"client_id":        c.id,
			"supported_events": supportedEventTypes,
		},
		Timestamp: time.Now().UTC(),
	}

	if payload, err := json.Marshal(welcome); err == nil {
		c.send <- payload
	}

	go c.writeLoop(b.logger)

	b.readLoop(c)
}

func (b *Bus) readLoop(c *client) {
	defer b.disconnect(c)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		c.handleFrame(payload, b.logger)
	}
}

func (b *Bus) disconnect(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c.id]
	delete(b.clients, c.id)
	b.mu.Unlock()

	if !ok {
		return
	}

	c.close()
	b.logger.Info("client disconnected", slog.String("client_id", c.id))
}

// Shutdown closes every connected client, for use during the server's
// graceful-shutdown sequence.
func (b *Bus) Shutdown(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, c := range b.clients {
		c.close()
		delete(b.clients, id)
	}

	return nil
}

package eventbus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// clientFrame is the wire shape of an inbound message from a connected
// client (§6.4): subscribe/unsubscribe carry an "events" list keyed by
// "action", ping carries nothing.
type clientFrame struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// serverFrame is the wire shape of every outbound message: welcome,
// subscription confirmations, pong, and published events all share this
// envelope (§6.4).
type serverFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[EventType]struct{}

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, outboundQueueSize),
	}
}

// subscribedTo reports whether this client should receive eventType: a
// client with no subscriptions set receives every event, matching the
// "subscribe is opt-in narrowing, not opt-in required" default in §4.5.
func (c *client) subscribedTo(eventType EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.subscriptions) == 0 {
		return true
	}

	_, ok := c.subscriptions[eventType]

	return ok
}

func (c *client) handleFrame(raw []byte, logger *slog.Logger) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		logger.Warn("dropping malformed client frame", slog.Any("error", err))

		return
	}

	switch frame.Action {
	case "subscribe":
		c.mu.Lock()
		if c.subscriptions == nil {
			c.subscriptions = make(map[EventType]struct{})
		}

		for _, e := range frame.Events {
			c.subscriptions[EventType(e)] = struct{}{}
		}
		c.mu.Unlock()

		c.sendFrame("subscription.confirmed", map[string]any{"events": frame.Events})
	case "unsubscribe":
		c.mu.Lock()
		for _, e := range frame.Events {
			delete(c.subscriptions, EventType(e))
		}
		c.mu.Unlock()

		c.sendFrame("subscription.confirmed", map[string]any{"events": frame.Events})
	case "ping":
		c.sendFrame("pong", nil)
	default:
		logger.Warn("ignoring unknown client frame action", slog.String("action", frame.Action))
	}
}

// sendFrame serializes a server-originated control frame (welcome,
// subscription confirmation, pong) and enqueues it, dropping silently if
// the outbound queue is full rather than blocking the read loop.
func (c *client) sendFrame(frameType string, data any) {
	payload, err := json.Marshal(serverFrame{Type: frameType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) writeLoop(logger *slog.Logger) {
	const pingInterval = 30 * time.Second

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)

				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Warn("write failed, closing connection", slog.String("client_id", c.id), slog.Any("error", err))

				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

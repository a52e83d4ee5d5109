package eventbus_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/agentsight/tracecollector/internal/eventbus"
)

func TestBusSendsWelcomeFrameAndPublishedEvent(t *testing.T) {
	bus := eventbus.NewBus(nil)

	server := httptest.NewServer(http.HandlerFunc(bus.ServeWS))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, welcome, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(welcome), "connection.established")
	require.Contains(t, string(welcome), "supported_events")

	require.Eventually(t, func() bool { return bus.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	bus.Publish(string(eventbus.EventTraceCreated), uuid.New(), map[string]string{"name": "root"})

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(payload), "trace.created")
	require.Contains(t, string(payload), "root")
}

func TestBusSubscriptionFiltersEvents(t *testing.T) {
	bus := eventbus.NewBus(nil)

	server := httptest.NewServer(http.HandlerFunc(bus.ServeWS))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage() // welcome
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "subscribe",
		"events": []string{"trace.completed"},
	}))

	_, confirmed, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(confirmed), "subscription.confirmed")

	time.Sleep(50 * time.Millisecond)

	bus.Publish(string(eventbus.EventTraceCreated), uuid.New(), nil)
	bus.Publish(string(eventbus.EventTraceCompleted), uuid.New(), map[string]string{"marker": "yes"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(payload), "trace.completed")
	require.Contains(t, string(payload), "marker")
}

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)
	return hub
}

func connectWS(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}

	cleanup := func() {
		conn.Close()
		server.Close()
	}

	return conn, cleanup
}

func TestHub_ClientConnects(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub)
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after disconnect, got %d", count)
	}
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub)
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(DeliveryEvent{
		Type:       TypeFailed,
		EventID:    "evt-123",
		Platform:   domain.PlatformSnap,
		Status:     domain.StatusPending,
		RetryCount: 2,
		StatusCode: 503,
		ErrorKind:  "transient",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	msg := string(message)
	for _, want := range []string{TypeFailed, "evt-123", `"platform":"snap"`, `"retry_count":2`, `"timestamp"`} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected message to contain %q, got: %s", want, msg)
		}
	}
}

func TestHub_MultipleClients(t *testing.T) {
	hub := setupTestHub(t)

	conn1, cleanup1 := connectWS(t, hub)
	defer cleanup1()
	conn2, cleanup2 := connectWS(t, hub)
	defer cleanup2()

	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 2 {
		t.Errorf("expected 2 clients, got %d", count)
	}

	hub.Broadcast(DeliveryEvent{
		Type:     TypeDelivered,
		EventID:  "evt-multi",
		Platform: domain.PlatformMeta,
		Status:   domain.StatusDelivered,
	})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d failed to read: %v", i+1, err)
		}
		if !strings.Contains(string(message), "evt-multi") {
			t.Errorf("client %d didn't receive broadcast", i+1)
		}
	}
}

func TestHub_ClientCountStartsAtZero(t *testing.T) {
	hub := setupTestHub(t)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients initially, got %d", count)
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	conn, cleanup := connectWS(t, hub)
	defer cleanup()
	time.Sleep(50 * time.Millisecond)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed after the hub stops")
	}
	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after stop, got %d", count)
	}
}

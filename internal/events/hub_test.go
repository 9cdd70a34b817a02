package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d clients, have %d", n, h.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func TestHubBroadcastsToAllClients(t *testing.T) {
	hub := NewHub(testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	a := dial(t, server)
	defer a.Close()
	b := dial(t, server)
	defer b.Close()

	waitForClients(t, hub, 2)

	hub.Publish(Event{
		Type:           TransmissionEnded,
		TransmissionID: "tx-1",
		Group:          "grp",
		Callsign:       "N0CALL",
		Bytes:          60,
	})

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Invalid event JSON: %v", err)
		}
		if ev.Type != TransmissionEnded || ev.Callsign != "N0CALL" || ev.Bytes != 60 {
			t.Errorf("Unexpected event: %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Error("Expected publish time to be set")
		}
	}
}

func TestHubRemovesDisconnectedClient(t *testing.T) {
	hub := NewHub(testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	conn := dial(t, server)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)

	// publishing with no clients is a no-op
	hub.Publish(Event{Type: FlushWritten})
}

func TestPublishDropsSlowClient(t *testing.T) {
	hub := NewHub(testLogger())

	slow := &client{send: make(chan []byte)}
	hub.clients[slow] = struct{}{}

	hub.Publish(Event{Type: TransmissionStarted})

	if hub.Clients() != 0 {
		t.Errorf("Expected slow client to be dropped, have %d clients", hub.Clients())
	}
	if _, ok := <-slow.send; ok {
		t.Error("Expected slow client channel to be closed")
	}
}

func TestClosedHubRejectsClients(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Close()

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail on closed hub")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 response, got %v", resp)
	}
}

func TestBufferSizeAppliesToNewClients(t *testing.T) {
	hub := NewHub(testLogger(), WithBufferSize(3))
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	conn := dial(t, server)
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	for c := range hub.clients {
		if cap(c.send) != 3 {
			t.Errorf("Expected client buffer 3, got %d", cap(c.send))
		}
	}
}

func TestAllowOrigins(t *testing.T) {
	hub := NewHub(testLogger(), WithCheckOrigin(AllowOrigins("https://dash.example.net")))
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	tests := []struct {
		name       string
		origin     string
		expectOpen bool
	}{
		{name: "no origin header", origin: "", expectOpen: true},
		{name: "listed origin", origin: "https://dash.example.net", expectOpen: true},
		{name: "listed origin in other case", origin: "https://DASH.example.net", expectOpen: true},
		{name: "unlisted origin", origin: "https://evil.example.org", expectOpen: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.expectOpen {
				if err != nil {
					t.Fatalf("Expected dial to succeed, got %v", err)
				}
				conn.Close()
				return
			}

			if err == nil {
				conn.Close()
				t.Fatal("Expected dial to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected 403 response, got %v", resp)
			}
		})
	}
}

package debughub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBroadcastFansOutToAllClients(t *testing.T) {
	os.Setenv("DEBUGHUB_ALLOWED_ORIGINS", "*")
	defer os.Unsetenv("DEBUGHUB_ALLOWED_ORIGINS")

	h := New()
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	headers := http.Header{"Origin": []string{"http://localhost"}}

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, headers)
	if err != nil {
		t.Fatalf("dial client 1: %v", err)
	}
	defer conn1.Close()
	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, headers)
	if err != nil {
		t.Fatalf("dial client 2: %v", err)
	}
	defer conn2.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.ClientCount() != 2 {
		t.Fatalf("expected 2 connected clients, got %d", h.ClientCount())
	}

	h.Broadcast(Event{Type: "trace", TraceID: "t-1", Timestamp: time.Now()})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.TraceID != "t-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestHandleWebSocketRejectsDisallowedOrigin(t *testing.T) {
	os.Setenv("DEBUGHUB_ALLOWED_ORIGINS", "http://example.com")
	defer os.Unsetenv("DEBUGHUB_ALLOWED_ORIGINS")

	h := New()
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatal("expected dial to fail for disallowed origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestStopClosesAllClientChannels(t *testing.T) {
	h := New()
	ch := h.register()
	h.Stop()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after Stop")
	}
	if h.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after Stop, got %d", h.ClientCount())
	}
}

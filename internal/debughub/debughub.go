// Package debughub fans sanitised execution traces out to connected
// debug-console WebSocket clients, a live observation surface for
// development. Each client gets its own outbound channel and writer
// goroutine so a slow client cannot block the rest.
package debughub

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientBuffer is how many pending broadcast messages a slow client can
// queue before messages are dropped for it (never block the hub).
const clientBuffer = 64

func allowedOrigins() []string {
	origins := os.Getenv("DEBUGHUB_ALLOWED_ORIGINS")
	if origins == "" {
		return nil
	}
	return strings.Split(origins, ",")
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	allowed := allowedOrigins()
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == origin || a == "*" {
			return true
		}
	}
	return false
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// Event is one message broadcast to every connected debug client.
type Event struct {
	Type      string      `json:"type"`
	TraceID   string      `json:"traceId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Hub fans out sanitised trace events to every connected client. One
// Hub serves the whole gateway process; there is no per-client Hub.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		stop:    make(chan struct{}),
	}
}

// Broadcast sends event to every currently connected client. Slow
// clients are skipped rather than blocking the broadcaster.
func (h *Hub) Broadcast(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("debughub: marshal event: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client <- body:
		default:
		}
	}
}

func (h *Hub) register() chan []byte {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// ClientCount reports how many debug clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes every connected client's channel. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.mu.Lock()
		for ch := range h.clients {
			close(ch)
		}
		h.clients = make(map[chan []byte]struct{})
		h.mu.Unlock()
	})
}

// HandleWebSocket upgrades an HTTP request to a WebSocket connection
// streaming every subsequent Broadcast event as a text frame.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("debughub: websocket upgrade failed: %v", err)
		return
	}

	ch := h.register()
	go h.readPump(conn, ch)
	h.writePump(conn, ch)
}

// readPump discards inbound frames (this is a publish-only stream) but
// must still read to process control frames and detect disconnects.
func (h *Hub) readPump(conn *websocket.Conn, ch chan []byte) {
	defer h.unregister(ch)
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, ch chan []byte) {
	defer conn.Close()
	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusChanged is pushed when a connector transitions lifecycle state.
type StatusChanged struct {
	PluginID  string `json:"plugin_id"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

// UserAuthorized is pushed when a pairing code is redeemed.
type UserAuthorized struct {
	UserID      string `json:"user_id"`
	Platform    string `json:"platform"`
	DisplayName string `json:"display_name"`
}

type pushEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Client is a single connected management websocket.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// Hub fans management events out to connected websocket clients.
// Slow clients get dropped rather than blocking broadcasts.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Management surface binds to localhost; origin checks
				// are deferred to a fronting proxy.
				return true
			},
		},
		clients: make(map[string]*Client),
	}
}

// ServeWS upgrades an HTTP request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		ID:   fmt.Sprintf("client_%d", time.Now().UnixNano()),
		Conn: conn,
		Send: make(chan []byte, 256),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[Hub] Client connected: %s (%d total)", client.ID, count)

	go h.writeLoop(client)
	go h.readLoop(client)
}

// Broadcast serializes an event and queues it on every connected client.
func (h *Hub) Broadcast(data any) {
	evt := pushEvent{Timestamp: time.Now(), Data: data}
	switch data.(type) {
	case StatusChanged:
		evt.Type = "plugin.status"
	case UserAuthorized:
		evt.Type = "user.authorized"
	default:
		evt.Type = fmt.Sprintf("%T", data)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[Hub] Failed to marshal push event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Send <- payload:
		default:
			// Buffer full: the write loop is stuck or gone. The read
			// loop will reap the client when the connection dies.
			log.Printf("[Hub] Dropping event for slow client %s", client.ID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects future upgrades.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.Send)
	}
}

// readLoop drains inbound frames. The push surface is one-way; inbound
// payloads are ignored, but the read pump is what detects disconnects.
func (h *Hub) readLoop(client *Client) {
	defer func() {
		h.mu.Lock()
		_, present := h.clients[client.ID]
		delete(h.clients, client.ID)
		h.mu.Unlock()

		client.Conn.Close()
		if present {
			close(client.Send)
		}
		log.Printf("[Hub] Client disconnected: %s", client.ID)
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Hub] Read error from %s: %v", client.ID, err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(client *Client) {
	defer client.Conn.Close()

	for message := range client.Send {
		if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("[Hub] Write error to %s: %v", client.ID, err)
			return
		}
	}
	client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}

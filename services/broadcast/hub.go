// Package broadcast fans retrieval progress events out to subscribed
// websocket observers. Delivery is best effort: emission is a no-op with no
// subscribers, per-client queues are bounded and droppable, and publishing
// never blocks the retrieval path.
package broadcast

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Service configuration constants.
const (
	MaxClients    = 100
	WriteTimeout  = 10 * time.Second
	PongTimeout   = 60 * time.Second
	PingInterval  = 30 * time.Second
	ClientBufSize = 256
)

// Event statuses.
const (
	StatusProgress = "progress"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Event is one progress or terminal notification for a retrieval run.
type Event struct {
	QueryID         string `json:"query_id"`
	Symbol          string `json:"symbol,omitempty"`
	ProgressPercent int    `json:"progress_percent"`
	Step            string `json:"step,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	Time            string `json:"time"`
}

// Publisher is the narrow contract the retrieval service depends on. The
// concrete delivery mechanism is an external collaborator.
type Publisher interface {
	Publish(event Event)
}

// NoopPublisher discards all events. Useful in tests and tools.
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(Event) {}

// client is one connected websocket observer.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is the websocket fan-out implementation of Publisher.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	shutdown   chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	closeOnce  sync.Once
}

// NewHub creates and starts the broadcast hub.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	go h.run()
	return h
}

// Publish implements Publisher. Never blocks: when the hub queue is full the
// event is dropped.
func (h *Hub) Publish(event Event) {
	if event.Time == "" {
		event.Time = time.Now().Format(time.RFC3339)
	}
	select {
	case h.broadcast <- event:
	default:
		// Queue full; progress events are droppable by contract
	}
}

// SubscriberCount returns the number of connected observers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes the hub and all client connections.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.shutdown)
	})

	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
	}
	h.clients = make(map[*client]bool)
	h.mu.Unlock()
	log.Println("Progress broadcaster shutdown complete")
}

// run is the hub event loop.
func (h *Hub) run() {
	for {
		select {
		case <-h.shutdown:
			return

		case c := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= MaxClients {
				h.mu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
				c.conn.Close()
				log.Printf("Progress subscriber rejected: max clients reached (%d)", MaxClients)
				continue
			}
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Progress subscriber connected. Total: %d", count)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Progress subscriber disconnected. Total: %d", count)

		case event := <-h.broadcast:
			h.mu.RLock()
			empty := len(h.clients) == 0
			h.mu.RUnlock()
			if empty {
				continue
			}

			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("Error marshaling progress event: %v", err)
				continue
			}

			h.mu.Lock()
			var dead []*client
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Client buffer full, drop the client rather than block
					dead = append(dead, c)
				}
			}
			for _, c := range dead {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades an HTTP request into a progress subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	atCapacity := len(h.clients) >= MaxClients
	h.mu.RUnlock()
	if atCapacity {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, ClientBufSize)}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

// writePump writes queued events and keepalive pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection until the client goes away.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			break
		}
	}
}

package realtime

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client wraps a connection with a write lock. Gorilla connections allow
// only one concurrent writer, and notifications for one user can arrive
// from several sync goroutines at once.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(notification Notification) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(notification)
}

// Hub fans sync notifications out to each user's websocket connections.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*client]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*client]bool)}
}

// RegisterRoutes registers the websocket endpoint.
func (h *Hub) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/calendar", h.HandleConnection).Methods("GET")
}

// HandleConnection upgrades a client and keeps the connection registered
// until it closes.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Warning: websocket upgrade failed for user %s: %v", userID, err)
		return
	}

	c := &client{conn: conn}
	h.add(userID, c)
	log.Printf("Websocket connected for user %s", userID)

	// Reads are only used to detect disconnect.
	go func() {
		defer func() {
			h.remove(userID, c)
			conn.Close()
			log.Printf("Websocket disconnected for user %s", userID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) add(userID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*client]bool)
	}
	h.conns[userID][c] = true
}

func (h *Hub) remove(userID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[userID], c)
	if len(h.conns[userID]) == 0 {
		delete(h.conns, userID)
	}
}

// Notify sends a notification to every connection of a user. Dead
// connections are dropped on write failure.
func (h *Hub) Notify(userID string, notification Notification) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(notification); err != nil {
			h.remove(userID, c)
			c.conn.Close()
		}
	}
}

package ws

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// The set of live connections. Room membership lives in the gateway; the hub
// only knows which sockets are open so it can close them on shutdown.
type Hub struct {
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	done chan struct{}
	mu   sync.RWMutex
	log  *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logrus.WithField("component", "ws"),
	}
}

// Run serves registrations until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"user_id": client.identity.UserID, "clients": count}).Debug("Client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"user_id": client.identity.UserID, "clients": count}).Debug("Client disconnected")

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			close(h.done)
			h.log.Info("Hub stopped")
			return
		}
	}
}

// Register reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

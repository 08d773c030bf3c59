package server

import (
	"log/slog"
	"sync"
	"time"

	"streamconsole/internal/console"
	"streamconsole/pkg/tokens"
)

// Message is sent to WebSocket clients
type Message struct {
	Type     string           `json:"type"` // "snapshot"
	HTML     string           `json:"html"`
	Snapshot console.Snapshot `json:"snapshot"`
}

// Client represents a single WebSocket connection
type Client struct {
	ID       string
	SendChan chan Message
	Done     chan struct{}
}

// Hub tracks WebSocket clients and coalesces console changes. It is a
// console.Listener: change notifications only mark the hub dirty, the push
// loop takes the snapshot outside of the console goroutine.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	dirty chan struct{}

	limiterMu  sync.Mutex
	lastUpdate time.Time
}

var _ console.Listener = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		dirty:   make(chan struct{}, 1),
	}
}

// RegisterClient registers a new client
func (h *Hub) RegisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	slog.Info("WebSocket client registered", "clientID", client.ID)
}

// UnregisterClient removes a client. Closing Done is left to the handler
// that created the client.
func (h *Hub) UnregisterClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; ok {
		delete(h.clients, clientID)
		slog.Info("WebSocket client unregistered", "clientID", clientID)
	}
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client without blocking
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.SendChan <- msg:
		case <-client.Done:
		default:
			slog.Warn("WebSocket client channel full, dropping snapshot", "clientID", client.ID)
		}
	}
}

func (h *Hub) markDirty() {
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

func (h *Hub) TextAdded(string, tokens.ContentType) { h.markDirty() }
func (h *Hub) TextRemoved(int, int)                 { h.markDirty() }
func (h *Hub) Cleared()                             { h.markDirty() }

// Dirty is signalled after the console changed
func (h *Hub) Dirty() <-chan struct{} {
	return h.dirty
}

// UntilNextUpdate returns how long to wait before the next push so that
// pushes are at least minInterval apart, and reserves that slot.
func (h *Hub) UntilNextUpdate(minInterval time.Duration) time.Duration {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()

	now := time.Now()
	next := h.lastUpdate.Add(minInterval)
	if !now.Before(next) {
		h.lastUpdate = now
		return 0
	}
	h.lastUpdate = next
	return next.Sub(now)
}

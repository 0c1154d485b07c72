package ws

import (
	"context"
	"sync"

	"veranda/internal/composer"
	"veranda/internal/feed"
	"veranda/internal/realtime"
	"veranda/internal/room"
)

// RecentSource streams a user's recent rooms for the sidebar.
type RecentSource interface {
	WatchRecentRooms(ctx context.Context, userID string) (*realtime.Subscription[realtime.RecentRoomsEvent], error)
}

// Deps are the services every connection mounts its views on.
type Deps struct {
	Resolver   *room.Resolver
	Messages   feed.Source
	Store      composer.Store
	Recents    RecentSource
	Compressor composer.Compressor
	Composer   composer.Config
}

// Hub tracks live connections and the room each of them is showing.
type Hub struct {
	deps Deps

	// userID -> connection -> open room id
	connections map[string]map[*Connection]string

	mu sync.RWMutex
}

func NewHub(deps Deps) *Hub {
	return &Hub{
		deps:        deps,
		connections: make(map[string]map[*Connection]string),
	}
}

func (h *Hub) Deps() Deps {
	return h.deps
}

func (h *Hub) join(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.connections[c.user.ID]
	if !ok {
		conns = make(map[*Connection]string)
		h.connections[c.user.ID] = conns
	}
	conns[c] = ""
}

func (h *Hub) leave(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.connections[c.user.ID]
	if !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.connections, c.user.ID)
	}
}

func (h *Hub) enter(c *Connection, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.connections[c.user.ID]; ok {
		if _, ok := conns[c]; ok {
			conns[c] = roomID
		}
	}
}

// Viewing reports whether one of the user's connections has the room open.
func (h *Hub) Viewing(userID, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, open := range h.connections[userID] {
		if open == roomID {
			return true
		}
	}
	return false
}

// DisconnectUser closes every connection of the user.
func (h *Hub) DisconnectUser(userID string) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections[userID]))
	for c := range h.connections[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

// Package realtime pushes record changes to connected players over WebSocket.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub tracks the live connection of every player tab.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*conn // player -> tab -> conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]*conn),
	}
}

// register makes c the current connection of its tab and returns the one it
// replaced, if any.
func (h *Hub) register(c *conn) *conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	tabs, ok := h.active[c.playerID]
	if !ok {
		tabs = make(map[string]*conn)
		h.active[c.playerID] = tabs
	}
	replaced := tabs[c.sessionID]
	tabs[c.sessionID] = c
	if replaced == c {
		return nil
	}
	return replaced
}

// Register records c for its player tab. A previous connection of the same tab
// is closed, so a reconnecting tab never receives frames twice.
func (h *Hub) Register(c *conn) {
	if replaced := h.register(c); replaced != nil {
		_ = replaced.ws.Close(websocket.StatusNormalClosure, "session replaced")
		slog.Info("Realtime connection replaced", "player_id", c.playerID, "session_id", c.sessionID)
		return
	}
	slog.Info("Realtime connection registered", "player_id", c.playerID, "session_id", c.sessionID)
}

// Unregister removes c if it is still its tab's current connection.
func (h *Hub) Unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tabs, ok := h.active[c.playerID]
	if !ok || tabs[c.sessionID] != c {
		return
	}
	delete(tabs, c.sessionID)
	if len(tabs) == 0 {
		delete(h.active, c.playerID)
	}
	slog.Info("Realtime connection unregistered", "player_id", c.playerID, "session_id", c.sessionID)
}

// ClosePlayer terminates every tab of a player and returns how many were open.
// Sockets are closed outside the lock because the close handshake can block.
func (h *Hub) ClosePlayer(playerID string) int {
	h.mu.Lock()
	tabs := h.active[playerID]
	delete(h.active, playerID)
	h.mu.Unlock()

	for sid, c := range tabs {
		_ = c.ws.Close(websocket.StatusNormalClosure, "player left")
		slog.Info("Realtime connection closed", "player_id", playerID, "session_id", sid)
	}
	return len(tabs)
}

// Connections returns the number of registered tabs.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, tabs := range h.active {
		n += len(tabs)
	}
	return n
}

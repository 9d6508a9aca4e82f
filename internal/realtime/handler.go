package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/identity"
	"github.com/ashureev/sketch-duel/internal/notify"
	"github.com/coder/websocket"
)

const (
	defaultQueueSize = 64
	writeTimeout     = 10 * time.Second
)

// Heartbeater refreshes a player's presence.
type Heartbeater interface {
	Heartbeat(ctx context.Context, id, displayName, groupID, scopeID string) (*domain.PresenceRecord, error)
}

// Frame is a server-to-client message.
type Frame struct {
	Type     string                 `json:"type"`
	Change   *notify.Change         `json:"change,omitempty"`
	Presence *domain.PresenceRecord `json:"presence,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// clientMessage is a client-to-server message.
type clientMessage struct {
	Type string `json:"type"`
}

// Handler upgrades requests to WebSocket and streams the player's changes.
type Handler struct {
	hub           *Hub
	bus           notify.Subscriber
	presence      Heartbeater
	allowedOrigin string
	isDev         bool
	queueSize     int
}

// NewHandler creates a realtime handler. presence may be nil.
func NewHandler(hub *Hub, bus notify.Subscriber, presence Heartbeater, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		hub:           hub,
		bus:           bus,
		presence:      presence,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		queueSize:     defaultQueueSize,
	}
}

// conn couples a socket with its bounded outbound queue.
type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	playerID  string
	sessionID string
}

// enqueue never blocks the publisher. Frames are dropped when the client
// falls behind.
func (c *conn) enqueue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("Failed to encode realtime frame", "error", err, "type", f.Type)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("Realtime queue full, dropping frame", "player_id", c.playerID, "type", f.Type)
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	playerID := identity.PlayerIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	displayName := identity.DisplayNameFromContext(r.Context())
	scopeID := r.URL.Query().Get("scope_id")
	groupID := r.URL.Query().Get("group_id")

	if playerID == "" {
		http.Error(w, "missing player identity", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "player_id", playerID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "player_id", playerID)
		}
	}()

	c := &conn{ws: ws, send: make(chan []byte, h.queueSize), playerID: playerID, sessionID: sessionID}
	h.hub.Register(c)
	defer h.hub.Unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	forward := func(ch notify.Change) {
		c.enqueue(Frame{Type: "change", Change: &ch})
	}
	mine := notify.Filter{ParticipantID: playerID}
	unsubs := []func(){
		h.bus.Subscribe(notify.RecordChallenge, mine, forward),
		h.bus.Subscribe(notify.RecordSession, mine, forward),
		h.bus.Subscribe(notify.RecordBlock, mine, forward),
	}
	if scopeID != "" {
		unsubs = append(unsubs, h.bus.Subscribe(notify.RecordPresence, notify.Filter{ScopeID: scopeID}, forward))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	if scopeID != "" {
		h.heartbeat(ctx, c, playerID, displayName, groupID, scopeID)
	}

	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c, playerID, displayName, groupID, scopeID)
	slog.Info("Realtime connection ended", "player_id", playerID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, c *conn, playerID, displayName, groupID, scopeID string) {
	for {
		_, message, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed by client", "player_id", playerID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "player_id", playerID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.enqueue(Frame{Type: "error", Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case "ping":
			c.enqueue(Frame{Type: "pong"})
		case "heartbeat":
			if scopeID == "" {
				c.enqueue(Frame{Type: "error", Error: "scope_id is required for heartbeat"})
				continue
			}
			h.heartbeat(ctx, c, playerID, displayName, groupID, scopeID)
		default:
			c.enqueue(Frame{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handler) heartbeat(ctx context.Context, c *conn, playerID, displayName, groupID, scopeID string) {
	if h.presence == nil {
		return
	}
	rec, err := h.presence.Heartbeat(ctx, playerID, displayName, groupID, scopeID)
	if err != nil {
		slog.Warn("Realtime heartbeat failed", "error", err, "player_id", playerID)
		c.enqueue(Frame{Type: "error", Error: err.Error()})
		return
	}
	c.enqueue(Frame{Type: "presence", Presence: rec})
}

func (h *Handler) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "player_id", c.playerID)
				}
				return
			}
		}
	}
}

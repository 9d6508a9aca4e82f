package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/identity"
	"github.com/go-chi/chi/v5"
)

// PresenceService tracks who is online.
type PresenceService interface {
	Heartbeat(ctx context.Context, id, displayName, groupID, scopeID string) (*domain.PresenceRecord, error)
	Leave(ctx context.Context, id string) error
	Online(ctx context.Context, scopeID, groupID, excludeID string) ([]domain.PresenceRecord, error)
	TTL() time.Duration
}

// BlockService manages block relations.
type BlockService interface {
	Block(ctx context.Context, blockerID, blockedID, blockedName, reason string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	ListBlocked(ctx context.Context, blockerID string) ([]domain.BlockRelation, error)
}

// Disconnector closes a player's live connections.
type Disconnector interface {
	ClosePlayer(playerID string) int
}

// ClientConfig is the timing the frontend needs to drive its own clocks.
type ClientConfig struct {
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	ChallengeTTL      time.Duration
	RoundDuration     time.Duration
	Countdown         time.Duration
	PromptCount       int
	ClassifierEnabled bool
}

// LobbyHandler handles presence, block, and identity endpoints.
type LobbyHandler struct {
	presence PresenceService
	blocks   BlockService
	sockets  Disconnector
	client   ClientConfig
}

// NewLobbyHandler creates a new lobby handler. sockets may be nil.
func NewLobbyHandler(presence PresenceService, blocks BlockService, sockets Disconnector, client ClientConfig) *LobbyHandler {
	if client.HeartbeatInterval <= 0 {
		client.HeartbeatInterval = presence.TTL() / 4
	}
	return &LobbyHandler{presence: presence, blocks: blocks, sockets: sockets, client: client}
}

// RegisterRoutes registers lobby routes.
func (h *LobbyHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)

	r.Get("/api/presence", h.ListOnline)
	r.Post("/api/presence/heartbeat", h.Heartbeat)
	r.Delete("/api/presence", h.Leave)

	r.Get("/api/blocks", h.ListBlocked)
	r.Post("/api/blocks", h.Block)
	r.Delete("/api/blocks/{blockedID}", h.Unblock)
}

// GetMe returns the caller's anonymous identity.
func (h *LobbyHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"player_id":    playerID,
		"display_name": identity.DisplayNameFromContext(r.Context()),
		"session_id":   identity.SessionIDFromContext(r.Context()),
	})
}

// GetConfig returns the server timing configuration for the frontend.
func (h *LobbyHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"presence_ttl_ms":       h.client.PresenceTTL.Milliseconds(),
		"heartbeat_interval_ms": h.client.HeartbeatInterval.Milliseconds(),
		"challenge_ttl_ms":      h.client.ChallengeTTL.Milliseconds(),
		"round_duration_ms":     h.client.RoundDuration.Milliseconds(),
		"countdown_ms":          h.client.Countdown.Milliseconds(),
		"prompt_count":          h.client.PromptCount,
		"classifier_enabled":    h.client.ClassifierEnabled,
	})
}

type heartbeatRequest struct {
	ScopeID     string `json:"scope_id"`
	GroupID     string `json:"group_id"`
	DisplayName string `json:"display_name"`
}

// Heartbeat refreshes the caller's presence.
func (h *LobbyHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}

	var req heartbeatRequest
	if err := decode(w, r, &req, maxJSONBody); err != nil {
		WriteError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = identity.DisplayNameFromContext(r.Context())
	}

	rec, err := h.presence.Heartbeat(r.Context(), playerID, name, req.GroupID, req.ScopeID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"presence":   rec,
		"expires_in_ms": rec.ExpiresIn(rec.LastSeenAt, h.presence.TTL()).Milliseconds(),
	})
}

// Leave removes the caller's presence and closes their live connections, which
// would otherwise heartbeat them straight back online.
func (h *LobbyHandler) Leave(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	if err := h.presence.Leave(r.Context(), playerID); err != nil {
		WriteError(w, r, err)
		return
	}
	if h.sockets != nil {
		if n := h.sockets.ClosePlayer(playerID); n > 0 {
			slog.Debug("Closed live connections on leave", "player_id", playerID, "connections", n)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListOnline returns players online in a scope, excluding the caller.
func (h *LobbyHandler) ListOnline(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	players, err := h.presence.Online(r.Context(), q.Get("scope_id"), q.Get("group_id"), playerID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"players": players})
}

type blockRequest struct {
	BlockedID   string `json:"blocked_id"`
	BlockedName string `json:"blocked_name"`
	Reason      string `json:"reason"`
}

// Block records that the caller blocks another player.
func (h *LobbyHandler) Block(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	var req blockRequest
	if err := decode(w, r, &req, maxJSONBody); err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.blocks.Block(r.Context(), playerID, req.BlockedID, req.BlockedName, req.Reason); err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"status": "blocked", "blocked_id": req.BlockedID})
}

// Unblock removes a block the caller created.
func (h *LobbyHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	if err := h.blocks.Unblock(r.Context(), playerID, chi.URLParam(r, "blockedID")); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBlocked returns everyone the caller has blocked.
func (h *LobbyHandler) ListBlocked(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	blocks, err := h.blocks.ListBlocked(r.Context(), playerID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/duel"
	"github.com/go-chi/chi/v5"
)

// DuelService runs duel sessions.
type DuelService interface {
	Get(ctx context.Context, id, playerID string) (*domain.DuelSession, error)
	ActiveForPlayer(ctx context.Context, playerID string) ([]domain.DuelSession, error)
	MarkReady(ctx context.Context, id, playerID string) (*domain.DuelSession, error)
	Start(ctx context.Context, id, playerID string) (*domain.DuelSession, error)
	BeginRound(ctx context.Context, id, playerID string) (*domain.DuelSession, error)
	SubmitDrawing(ctx context.Context, in duel.SubmitInput) (*domain.SubmissionResult, error)
	EndSession(ctx context.Context, id, playerID string) (*domain.DuelSession, error)
	Leave(ctx context.Context, id, playerID string) (*domain.DuelSession, error)
	Outcome(ctx context.Context, id, playerID string) (*domain.Outcome, error)
	Vocabulary() *duel.Vocabulary
	Config() duel.Config
}

// DuelHandler handles duel session endpoints.
type DuelHandler struct {
	duels         DuelService
	maxImageBytes int
	now           func() time.Time
}

// NewDuelHandler creates a new duel handler.
func NewDuelHandler(duels DuelService, maxImageBytes int) *DuelHandler {
	if maxImageBytes <= 0 {
		maxImageBytes = 2 << 20
	}
	return &DuelHandler{duels: duels, maxImageBytes: maxImageBytes, now: time.Now}
}

// RegisterRoutes registers duel routes.
func (h *DuelHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/duels", func(r chi.Router) {
		r.Get("/", h.ListActive)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/ready", h.transition(h.duels.MarkReady))
		r.Post("/{id}/start", h.transition(h.duels.Start))
		r.Post("/{id}/begin", h.transition(h.duels.BeginRound))
		r.Post("/{id}/end", h.transition(h.duels.EndSession))
		r.Post("/{id}/leave", h.transition(h.duels.Leave))
		r.Post("/{id}/submissions", h.Submit)
		r.Get("/{id}/outcome", h.Outcome)
	})
}

// sessionView is a session plus its resolved prompts and clock.
type sessionView struct {
	*domain.DuelSession
	Prompts         []duel.Prompt `json:"prompts"`
	RemainingMs     int64         `json:"remaining_ms"`
	RoundDurationMs int64         `json:"round_duration_ms"`
	CountdownMs     int64         `json:"countdown_ms"`
}

func (h *DuelHandler) view(s *domain.DuelSession) sessionView {
	cfg := h.duels.Config()
	return sessionView{
		DuelSession:     s,
		Prompts:         h.duels.Vocabulary().Resolve(s.PromptOrder),
		RemainingMs:     s.Remaining(h.now(), cfg.RoundDuration).Milliseconds(),
		RoundDurationMs: cfg.RoundDuration.Milliseconds(),
		CountdownMs:     cfg.Countdown.Milliseconds(),
	}
}

// ListActive returns the caller's unfinished sessions.
func (h *DuelHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	list, err := h.duels.ActiveForPlayer(r.Context(), playerID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(list))
	for i := range list {
		views = append(views, h.view(&list[i]))
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// Get returns one session the caller plays in.
func (h *DuelHandler) Get(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	s, err := h.duels.Get(r.Context(), chi.URLParam(r, "id"), playerID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(s))
}

type sessionOp func(ctx context.Context, id, playerID string) (*domain.DuelSession, error)

func (h *DuelHandler) transition(op sessionOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := requirePlayer(w, r)
		if !ok {
			return
		}
		s, err := op(r.Context(), chi.URLParam(r, "id"), playerID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		JSON(w, http.StatusOK, h.view(s))
	}
}

type submitRequest struct {
	PromptIndex *int   `json:"prompt_index"`
	Image       string `json:"image"`
}

// Submit classifies a drawing for the caller's current prompt.
func (h *DuelHandler) Submit(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}

	// base64 inflates by 4/3; leave room for the JSON envelope.
	limit := int64(h.maxImageBytes)*4/3 + maxJSONBody
	var req submitRequest
	if err := decode(w, r, &req, limit); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.PromptIndex == nil {
		Error(w, http.StatusBadRequest, "prompt_index is required")
		return
	}
	image, err := decodeImage(req.Image)
	if err != nil {
		Error(w, http.StatusBadRequest, "image must be base64 encoded")
		return
	}
	if len(image) > h.maxImageBytes {
		Error(w, http.StatusBadRequest, "image too large")
		return
	}

	res, err := h.duels.SubmitDrawing(r.Context(), duel.SubmitInput{
		SessionID:   chi.URLParam(r, "id"),
		PlayerID:    playerID,
		PromptIndex: *req.PromptIndex,
		Image:       image,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// decodeImage accepts raw base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// Outcome returns the result of a finished session.
func (h *DuelHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	out, err := h.duels.Outcome(r.Context(), chi.URLParam(r, "id"), playerID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, out)
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/sketch-duel/internal/challenge"
	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/identity"
	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// ChallengeService issues and resolves challenges.
type ChallengeService interface {
	Create(ctx context.Context, in challenge.CreateInput) (*domain.Challenge, error)
	Get(ctx context.Context, id, playerID string) (*domain.Challenge, error)
	ListForPlayer(ctx context.Context, playerID string, status domain.ChallengeStatus) ([]domain.Challenge, error)
	Respond(ctx context.Context, id, responderID string, accept bool) (*challenge.Response, error)
	OpenSession(ctx context.Context, id, playerID string) (*domain.DuelSession, error)
	TTL() time.Duration
}

// ChallengeHandler handles challenge endpoints.
type ChallengeHandler struct {
	challenges   ChallengeService
	shareBaseURL string
	now          func() time.Time
}

// NewChallengeHandler creates a new challenge handler. shareBaseURL prefixes
// the links encoded in challenge QR codes.
func NewChallengeHandler(challenges ChallengeService, shareBaseURL string) *ChallengeHandler {
	return &ChallengeHandler{
		challenges:   challenges,
		shareBaseURL: strings.TrimRight(shareBaseURL, "/"),
		now:          time.Now,
	}
}

// RegisterRoutes registers challenge routes.
func (h *ChallengeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/challenges", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/respond", h.Respond)
		r.Post("/{id}/session", h.OpenSession)
		r.Get("/{id}/qr", h.QR)
	})
}

// challengeView adds the expiry deadline clients count down to.
type challengeView struct {
	*domain.Challenge
	ExpiresAt time.Time `json:"expires_at"`
	Stale     bool      `json:"stale,omitempty"`
}

func (h *ChallengeHandler) view(c *domain.Challenge) challengeView {
	ttl := h.challenges.TTL()
	return challengeView{
		Challenge: c,
		ExpiresAt: c.ExpiresAt(ttl),
		Stale:     c.IsStale(h.now(), ttl),
	}
}

type createChallengeRequest struct {
	ChallengedID   string `json:"challenged_id"`
	ChallengedName string `json:"challenged_name"`
	ScopeID        string `json:"scope_id"`
}

// Create issues a challenge from the caller.
func (h *ChallengeHandler) Create(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	var req createChallengeRequest
	if err := decode(w, r, &req, maxJSONBody); err != nil {
		WriteError(w, r, err)
		return
	}

	c, err := h.challenges.Create(r.Context(), challenge.CreateInput{
		ChallengerID:   playerID,
		ChallengerName: identity.DisplayNameFromContext(r.Context()),
		ChallengedID:   req.ChallengedID,
		ChallengedName: req.ChallengedName,
		ScopeID:        req.ScopeID,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	slog.Info("Challenge created", "challenge_id", c.ID, "challenger_id", c.ChallengerID, "challenged_id", c.ChallengedID)
	JSON(w, http.StatusCreated, h.view(c))
}

// List returns the caller's challenges, optionally filtered by ?status=.
func (h *ChallengeHandler) List(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}

	var status domain.ChallengeStatus
	if label := r.URL.Query().Get("status"); label != "" {
		if status = domain.ParseChallengeStatus(label); status == "" {
			Error(w, http.StatusBadRequest, "unknown status "+label)
			return
		}
	}

	list, err := h.challenges.ListForPlayer(r.Context(), playerID, status)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	views := make([]challengeView, 0, len(list))
	for i := range list {
		views = append(views, h.view(&list[i]))
	}
	JSON(w, http.StatusOK, map[string]any{"challenges": views})
}

// Get returns one challenge the caller is part of.
func (h *ChallengeHandler) Get(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	c, err := h.challenges.Get(r.Context(), chi.URLParam(r, "id"), playerID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(c))
}

type respondRequest struct {
	Accept *bool `json:"accept"`
}

// Respond accepts or declines a challenge addressed to the caller.
func (h *ChallengeHandler) Respond(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if err := decode(w, r, &req, maxJSONBody); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Accept == nil {
		Error(w, http.StatusBadRequest, "accept is required")
		return
	}

	resp, err := h.challenges.Respond(r.Context(), chi.URLParam(r, "id"), playerID, *req.Accept)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"challenge": h.view(resp.Challenge),
		"session":   resp.Session,
	})
}

// OpenSession returns the duel session of an accepted challenge, creating it
// if the accept path did not.
func (h *ChallengeHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	s, err := h.challenges.OpenSession(r.Context(), chi.URLParam(r, "id"), playerID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// QR renders a PNG QR code linking to the challenge.
func (h *ChallengeHandler) QR(w http.ResponseWriter, r *http.Request) {
	playerID, ok := requirePlayer(w, r)
	if !ok {
		return
	}
	c, err := h.challenges.Get(r.Context(), chi.URLParam(r, "id"), playerID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	png, err := qrcode.Encode(h.shareBaseURL+"/challenges/"+c.ID, qrcode.Medium, qrSize)
	if err != nil {
		slog.Error("QR generation failed", "error", err, "challenge_id", c.ID)
		Error(w, http.StatusInternalServerError, "qr generation failed")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=60")
	_, _ = w.Write(png)
}

// Package duel runs the duel session state machine.
package duel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/sketch-duel/internal/classifier"
	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/notify"
	"github.com/ashureev/sketch-duel/internal/scoring"
	"github.com/ashureev/sketch-duel/internal/store"
	"github.com/ashureev/sketch-duel/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Default round timing.
const (
	DefaultRoundDuration = 60 * time.Second
	DefaultCountdown     = 3 * time.Second
)

var tracer = otel.Tracer("github.com/ashureev/sketch-duel/internal/duel")

// PresenceReleaser removes a player's presence record.
type PresenceReleaser interface {
	Leave(ctx context.Context, id string) error
}

// Config holds the timing and sequencing knobs of a Manager.
type Config struct {
	RoundDuration time.Duration
	Countdown     time.Duration
	PromptCount   int
}

// Manager owns duel sessions from creation to outcome.
type Manager struct {
	store      store.SessionStore
	presence   PresenceReleaser
	classifier classifier.Classifier
	bus        notify.Publisher
	vocab      *Vocabulary
	cfg        Config
	now        func() time.Time
	newID      func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithVocabulary overrides the prompt catalogue.
func WithVocabulary(v *Vocabulary) Option {
	return func(m *Manager) {
		if v != nil && v.Len() > 0 {
			m.vocab = v
		}
	}
}

// NewManager creates a new Manager.
func NewManager(s store.SessionStore, pres PresenceReleaser, clf classifier.Classifier, bus notify.Publisher, cfg Config, opts ...Option) *Manager {
	if bus == nil {
		bus = notify.Nop{}
	}
	if clf == nil {
		clf = classifier.Disabled{}
	}
	if cfg.RoundDuration <= 0 {
		cfg.RoundDuration = DefaultRoundDuration
	}
	if cfg.Countdown <= 0 {
		cfg.Countdown = DefaultCountdown
	}
	if cfg.PromptCount <= 0 {
		cfg.PromptCount = DefaultPromptCount
	}

	m := &Manager{
		store:      s,
		presence:   pres,
		classifier: clf,
		bus:        bus,
		vocab:      DefaultVocabulary(),
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Vocabulary returns the prompt catalogue.
func (m *Manager) Vocabulary() *Vocabulary {
	return m.vocab
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Remaining returns the drawing time left in s at now.
func (m *Manager) Remaining(s *domain.DuelSession, now time.Time) time.Duration {
	return s.Remaining(now, m.cfg.RoundDuration)
}

// CreateFromChallenge opens the session for an accepted challenge.
// Calling it again for the same challenge returns the existing session.
func (m *Manager) CreateFromChallenge(ctx context.Context, c *domain.Challenge) (_ *domain.DuelSession, err error) {
	ctx, span := tracer.Start(ctx, "duel.CreateFromChallenge")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(attribute.String("challenge_id", c.ID))

	if c.Status != domain.ChallengeAccepted {
		return nil, domain.Errorf(domain.CodeConflict, "challenge is %s, not accepted", c.Status)
	}

	existing, err := m.store.GetSessionByChallenge(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := m.now()
	s := &domain.DuelSession{
		ID:          m.newID(),
		ChallengeID: c.ID,
		Player1ID:   c.ChallengerID,
		Player1Name: c.ChallengerName,
		Player2ID:   c.ChallengedID,
		Player2Name: c.ChallengedName,
		ScopeID:     c.ScopeID,
		Status:      domain.SessionCreated,
		PromptOrder: m.vocab.Order(c.ID, m.cfg.PromptCount),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.store.InsertSession(ctx, s); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost the race with the other participant.
			return m.store.GetSessionByChallenge(ctx, c.ID)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Info("Duel session created",
		"session_id", s.ID,
		"challenge_id", c.ID,
		"player1_id", s.Player1ID,
		"player2_id", s.Player2ID)
	m.publish(s)
	return s, nil
}

// Get returns a session. A non-empty playerID must be a participant.
func (m *Manager) Get(ctx context.Context, id, playerID string) (*domain.DuelSession, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if s == nil {
		return nil, domain.Errorf(domain.CodeNotFound, "session %s not found", id)
	}
	if playerID != "" {
		if _, ok := s.SideOf(playerID); !ok {
			return nil, domain.Errorf(domain.CodeNotFound, "session %s not found", id)
		}
	}
	return s, nil
}

// ActiveForPlayer returns the player's unfinished sessions.
func (m *Manager) ActiveForPlayer(ctx context.Context, playerID string) ([]domain.DuelSession, error) {
	list, err := m.store.ListActiveSessionsForPlayer(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	if list == nil {
		list = []domain.DuelSession{}
	}
	return list, nil
}

// MarkReady records that playerID is ready. Once both are ready the session
// moves to ready_wait. Marking ready after that is a no-op.
func (m *Manager) MarkReady(ctx context.Context, id, playerID string) (*domain.DuelSession, error) {
	s, side, err := m.participant(ctx, id, playerID)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.SessionCreated {
		return s, nil
	}

	err = m.store.MarkReady(ctx, id, side, m.now())
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, m.storeErr("mark ready", id, err)
	}
	return m.reload(ctx, id, err == nil)
}

// Start moves a ready_wait session into countdown. A session already past
// ready_wait is returned unchanged.
func (m *Manager) Start(ctx context.Context, id, playerID string) (*domain.DuelSession, error) {
	s, _, err := m.participant(ctx, id, playerID)
	if err != nil {
		return nil, err
	}
	if s.Status.Rank() < domain.SessionReadyWait.Rank() {
		return nil, domain.Errorf(domain.CodeConflict, "both players must be ready")
	}
	if s.Status != domain.SessionReadyWait {
		return s, nil
	}

	err = m.store.TransitionSession(ctx, id,
		[]domain.SessionStatus{domain.SessionReadyWait}, domain.SessionCountdown, m.now())
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, m.storeErr("start session", id, err)
	}
	return m.reload(ctx, id, err == nil)
}

// BeginRound moves a countdown session into drawing and stamps the round
// start time. The first caller wins; later callers get the session with the
// winner's start time.
func (m *Manager) BeginRound(ctx context.Context, id, playerID string) (_ *domain.DuelSession, err error) {
	ctx, span := tracer.Start(ctx, "duel.BeginRound")
	defer func() { telemetry.End(span, err) }()

	s, _, err := m.participant(ctx, id, playerID)
	if err != nil {
		return nil, err
	}
	if s.Status.Rank() < domain.SessionCountdown.Rank() {
		return nil, domain.Errorf(domain.CodeConflict, "session is %s, not counting down", s.Status)
	}
	if s.RoundStartTime != nil || s.Status != domain.SessionCountdown {
		return s, nil
	}

	err = m.store.StartRound(ctx, id, m.now())
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, m.storeErr("begin round", id, err)
	}
	won := err == nil
	if won {
		slog.Info("Duel round started", "session_id", id, "player_id", playerID)
	}
	return m.reload(ctx, id, won)
}

// SubmitInput is one drawing submission.
type SubmitInput struct {
	SessionID   string
	PlayerID    string
	PromptIndex int
	Image       []byte
}

// SubmitDrawing classifies a drawing for the player's current prompt, then
// advances the player's index and adds any score in one conditional write.
//
// A prompt that was already submitted returns a result flagged Duplicate.
// When the classifier is unavailable the prompt is consumed unscored and the
// result is flagged Unresolved.
func (m *Manager) SubmitDrawing(ctx context.Context, in SubmitInput) (_ *domain.SubmissionResult, err error) {
	ctx, span := tracer.Start(ctx, "duel.SubmitDrawing")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(
		attribute.String("session_id", in.SessionID),
		attribute.String("player_id", in.PlayerID),
		attribute.Int("prompt_index", in.PromptIndex),
	)

	if len(in.Image) == 0 {
		return nil, domain.Errorf(domain.CodeValidation, "drawing image is required")
	}

	s, side, err := m.participant(ctx, in.SessionID, in.PlayerID)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.SessionDrawing {
		return nil, domain.Errorf(domain.CodeConflict, "session is %s, not drawing", s.Status)
	}
	if m.Remaining(s, m.now()) <= 0 {
		if _, err := m.finish(ctx, s.ID); err != nil {
			return nil, err
		}
		return nil, domain.Errorf(domain.CodeConflict, "round is over")
	}
	if in.PromptIndex < 0 || in.PromptIndex >= len(s.PromptOrder) {
		return nil, domain.Errorf(domain.CodeValidation, "prompt index %d out of range", in.PromptIndex)
	}

	result := &domain.SubmissionResult{PlayerID: in.PlayerID, PromptIndex: in.PromptIndex}
	result.ExpectedWord, _ = m.vocab.Word(s.PromptOrder[in.PromptIndex])

	current := s.IndexOf(side)
	if in.PromptIndex < current {
		result.Duplicate = true
		return result, nil
	}
	if in.PromptIndex > current {
		return nil, domain.Errorf(domain.CodeConflict, "prompt %d is not the current prompt %d", in.PromptIndex, current)
	}

	verdict, err := m.classifier.Classify(ctx, in.Image, m.vocab.Words())
	if err != nil {
		slog.Warn("Classifier unavailable, prompt left unscored",
			"session_id", s.ID,
			"player_id", in.PlayerID,
			"prompt_index", in.PromptIndex,
			"error", err)
		result.Unresolved = true
	} else {
		result.GuessedLabel, result.Confidence = verdict.Top()
		result.IsCorrect = scoring.Evaluate(result.ExpectedWord, result.GuessedLabel)
	}

	// The index guard means the score read with s is still this side's score.
	scores := scoring.ApplyScoreDelta(scoring.ScoresOf(s), side, scoring.DeltaFor(result.IsCorrect))
	now := m.now()
	err = m.store.RecordSubmission(ctx, s.ID, side, in.PromptIndex, scores.Of(side), now.Add(-m.cfg.RoundDuration), now)
	switch {
	case errors.Is(err, store.ErrConflict):
		latest, getErr := m.Get(ctx, s.ID, "")
		if getErr != nil {
			return nil, getErr
		}
		if latest.Status != domain.SessionDrawing {
			return nil, domain.Errorf(domain.CodeConflict, "session is %s, not drawing", latest.Status)
		}
		if m.Remaining(latest, now) <= 0 {
			if _, err := m.finish(ctx, s.ID); err != nil {
				return nil, err
			}
			return nil, domain.Errorf(domain.CodeConflict, "round is over")
		}
		return &domain.SubmissionResult{
			PlayerID:     in.PlayerID,
			PromptIndex:  in.PromptIndex,
			ExpectedWord: result.ExpectedWord,
			Duplicate:    true,
		}, nil
	case err != nil:
		return nil, m.storeErr("record submission", s.ID, err)
	}

	latest, err := m.reload(ctx, s.ID, true)
	if err != nil {
		return nil, err
	}
	result.Score = latest.ScoreOf(side)
	return result, nil
}

// EndSession finishes a session. Ending a finished session succeeds and changes nothing.
func (m *Manager) EndSession(ctx context.Context, id, playerID string) (*domain.DuelSession, error) {
	if playerID != "" {
		if _, _, err := m.participant(ctx, id, playerID); err != nil {
			return nil, err
		}
	}
	return m.finish(ctx, id)
}

// Leave finishes the session from any state on behalf of playerID and
// releases that player's presence so the opponent is never left waiting.
func (m *Manager) Leave(ctx context.Context, id, playerID string) (*domain.DuelSession, error) {
	if _, _, err := m.participant(ctx, id, playerID); err != nil {
		return nil, err
	}

	s, err := m.finish(ctx, id)
	if err != nil {
		return nil, err
	}

	if m.presence != nil {
		if err := m.presence.Leave(ctx, playerID); err != nil {
			slog.Warn("Failed to release presence on leave",
				"session_id", id,
				"player_id", playerID,
				"error", err)
		}
	}
	slog.Info("Player left duel", "session_id", id, "player_id", playerID)
	return s, nil
}

// FinishOverdue finishes drawing sessions whose round elapsed at now.
func (m *Manager) FinishOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := m.store.ListOverdueSessions(ctx, now.Add(-m.cfg.RoundDuration))
	if err != nil {
		return 0, fmt.Errorf("list overdue sessions: %w", err)
	}

	finished := 0
	var errs []error
	for _, s := range overdue {
		changed, err := m.store.FinishSession(ctx, s.ID, now)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		if changed {
			finished++
			if _, err := m.reload(ctx, s.ID, true); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if finished > 0 {
		slog.Info("Finished overdue duel rounds", "count", finished)
	}
	return finished, errors.Join(errs...)
}

// Outcome returns the result of a finished session.
func (m *Manager) Outcome(ctx context.Context, id, playerID string) (*domain.Outcome, error) {
	s, err := m.Get(ctx, id, playerID)
	if err != nil {
		return nil, err
	}
	if !s.IsFinished() {
		return nil, domain.Errorf(domain.CodeConflict, "session is %s, not finished", s.Status)
	}
	out := scoring.ComputeOutcome(s)
	return &out, nil
}

// finish moves a session to finished and publishes the terminal change once.
func (m *Manager) finish(ctx context.Context, id string) (*domain.DuelSession, error) {
	changed, err := m.store.FinishSession(ctx, id, m.now())
	if err != nil {
		return nil, m.storeErr("finish session", id, err)
	}
	if changed {
		slog.Info("Duel session finished", "session_id", id)
	}
	return m.reload(ctx, id, changed)
}

func (m *Manager) participant(ctx context.Context, id, playerID string) (*domain.DuelSession, domain.Side, error) {
	if playerID == "" {
		return nil, "", domain.Errorf(domain.CodeValidation, "player id is required")
	}
	s, err := m.Get(ctx, id, playerID)
	if err != nil {
		return nil, "", err
	}
	side, _ := s.SideOf(playerID)
	return s, side, nil
}

// reload re-reads a session and publishes it when changed is set.
func (m *Manager) reload(ctx context.Context, id string, changed bool) (*domain.DuelSession, error) {
	s, err := m.Get(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if changed {
		m.publish(s)
	}
	return s, nil
}

func (m *Manager) storeErr(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.Errorf(domain.CodeNotFound, "session %s not found", id)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SessionChange is the payload published for every session mutation.
type SessionChange struct {
	Session *domain.DuelSession `json:"session"`
	Outcome *domain.Outcome     `json:"outcome,omitempty"`
}

func (m *Manager) publish(s *domain.DuelSession) {
	payload := SessionChange{Session: s}
	if s.IsFinished() {
		out := scoring.ComputeOutcome(s)
		payload.Outcome = &out
	}
	m.bus.Publish(notify.Change{
		RecordType:   notify.RecordSession,
		Op:           notify.OpUpsert,
		ID:           s.ID,
		ScopeID:      s.ScopeID,
		Participants: s.Participants(),
		At:           s.UpdatedAt,
		Payload:      payload,
	})
}

// Package challenge brokers duel invitations between online players.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/notify"
	"github.com/ashureev/sketch-duel/internal/store"
	"github.com/ashureev/sketch-duel/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTTL is how long a challenge stays pending.
const DefaultTTL = 30 * time.Second

var tracer = otel.Tracer("github.com/ashureev/sketch-duel/internal/challenge")

// PresenceChecker reports whether a player is online in a scope.
type PresenceChecker interface {
	IsOnline(ctx context.Context, id, scopeID string) (bool, error)
}

// BlockChecker reports whether either player has blocked the other.
type BlockChecker interface {
	EitherBlocked(ctx context.Context, a, b string) (bool, error)
}

// Limiter throttles challenge creation per sender.
type Limiter interface {
	TryConsume(key string) bool
}

// SessionCreator opens a duel session for an accepted challenge.
type SessionCreator interface {
	CreateFromChallenge(ctx context.Context, c *domain.Challenge) (*domain.DuelSession, error)
}

// Deps are the collaborators of a Broker.
type Deps struct {
	Store    store.ChallengeStore
	Presence PresenceChecker
	Blocks   BlockChecker
	Limiter  Limiter
	Sessions SessionCreator
	Bus      notify.Publisher
}

// Broker creates, resolves and expires challenges.
type Broker struct {
	store    store.ChallengeStore
	presence PresenceChecker
	blocks   BlockChecker
	limiter  Limiter
	sessions SessionCreator
	bus      notify.Publisher
	ttl      time.Duration
	now      func() time.Time
	newID    func() string
}

// Option configures a Broker.
type Option func(*Broker)

// WithTTL overrides the pending lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker creates a new Broker.
func NewBroker(deps Deps, opts ...Option) *Broker {
	bus := deps.Bus
	if bus == nil {
		bus = notify.Nop{}
	}
	b := &Broker{
		store:    deps.Store,
		presence: deps.Presence,
		blocks:   deps.Blocks,
		limiter:  deps.Limiter,
		sessions: deps.Sessions,
		bus:      bus,
		ttl:      DefaultTTL,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// TTL returns the pending lifetime.
func (b *Broker) TTL() time.Duration {
	return b.ttl
}

// CreateInput describes a new challenge.
type CreateInput struct {
	ChallengerID   string `json:"challenger_id"`
	ChallengerName string `json:"challenger_name"`
	ChallengedID   string `json:"challenged_id"`
	ChallengedName string `json:"challenged_name"`
	ScopeID        string `json:"scope_id"`
}

func (in *CreateInput) normalize() error {
	in.ChallengerID = strings.TrimSpace(in.ChallengerID)
	in.ChallengedID = strings.TrimSpace(in.ChallengedID)
	in.ScopeID = strings.TrimSpace(in.ScopeID)
	in.ChallengerName = strings.TrimSpace(in.ChallengerName)
	in.ChallengedName = strings.TrimSpace(in.ChallengedName)

	switch {
	case in.ChallengerID == "":
		return domain.Errorf(domain.CodeValidation, "challenger id is required")
	case in.ChallengedID == "":
		return domain.Errorf(domain.CodeValidation, "challenged id is required")
	case in.ScopeID == "":
		return domain.Errorf(domain.CodeValidation, "scope id is required")
	case in.ChallengerID == in.ChallengedID:
		return domain.Errorf(domain.CodeValidation, "cannot challenge yourself")
	}
	return nil
}

// Create sends a challenge to an online, unblocked player.
// Nothing is stored when a precondition fails.
func (b *Broker) Create(ctx context.Context, in CreateInput) (_ *domain.Challenge, err error) {
	ctx, span := tracer.Start(ctx, "challenge.Create")
	defer func() { telemetry.End(span, err) }()

	if err := in.normalize(); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("challenger_id", in.ChallengerID),
		attribute.String("challenged_id", in.ChallengedID),
	)

	online, err := b.presence.IsOnline(ctx, in.ChallengedID, in.ScopeID)
	if err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}
	if !online {
		return nil, domain.Errorf(domain.CodeTargetOffline, "player %s is not online", in.ChallengedID)
	}

	blocked, err := b.blocks.EitherBlocked(ctx, in.ChallengerID, in.ChallengedID)
	if err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}
	if blocked {
		return nil, domain.Errorf(domain.CodeBlocked, "challenge not allowed between these players")
	}

	if !b.limiter.TryConsume(in.ChallengerID) {
		return nil, domain.Errorf(domain.CodeRateLimited, "too many challenges, try again shortly")
	}

	now := b.now()
	c := &domain.Challenge{
		ID:             b.newID(),
		ChallengerID:   in.ChallengerID,
		ChallengerName: in.ChallengerName,
		ChallengedID:   in.ChallengedID,
		ChallengedName: in.ChallengedName,
		ScopeID:        in.ScopeID,
		Status:         domain.ChallengePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := b.store.InsertChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}

	slog.Info("Challenge created",
		"challenge_id", c.ID,
		"challenger_id", c.ChallengerID,
		"challenged_id", c.ChallengedID)
	b.publish(c)
	return c, nil
}

// Get returns a challenge the player is part of.
func (b *Broker) Get(ctx context.Context, id, playerID string) (*domain.Challenge, error) {
	c, err := b.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	if c == nil || (playerID != "" && !c.Involves(playerID)) {
		return nil, domain.Errorf(domain.CodeNotFound, "challenge %s not found", id)
	}
	return c, nil
}

// ListForPlayer returns the player's challenges, newest first.
// An empty status matches every status.
func (b *Broker) ListForPlayer(ctx context.Context, playerID string, status domain.ChallengeStatus) ([]domain.Challenge, error) {
	list, err := b.store.ListChallengesForPlayer(ctx, playerID, status)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	if list == nil {
		list = []domain.Challenge{}
	}
	return list, nil
}

// Response is the result of resolving a challenge.
type Response struct {
	Challenge *domain.Challenge   `json:"challenge"`
	Session   *domain.DuelSession `json:"session,omitempty"`
}

// Respond accepts or declines a pending challenge on behalf of the challenged player.
// Exactly one terminal status is ever recorded; a caller that loses the race
// gets a Conflict error and should re-read the challenge.
func (b *Broker) Respond(ctx context.Context, id, responderID string, accept bool) (_ *Response, err error) {
	ctx, span := tracer.Start(ctx, "challenge.Respond")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(attribute.String("challenge_id", id), attribute.Bool("accept", accept))

	c, err := b.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("respond to challenge: %w", err)
	}
	if c == nil {
		return nil, domain.Errorf(domain.CodeNotFound, "challenge %s not found", id)
	}
	if responderID != c.ChallengedID {
		return nil, domain.Errorf(domain.CodeValidation, "only the challenged player can respond")
	}
	if c.Status != domain.ChallengePending {
		return nil, domain.Errorf(domain.CodeConflict, "challenge already %s", c.Status)
	}

	now := b.now()
	if c.IsStale(now, b.ttl) {
		if _, err := b.transition(ctx, c, domain.ChallengeExpired, now); err != nil {
			return nil, err
		}
		return nil, domain.Errorf(domain.CodeConflict, "challenge expired")
	}

	to := domain.ChallengeDeclined
	if accept {
		to = domain.ChallengeAccepted
	}
	c, err = b.transition(ctx, c, to, now)
	if err != nil {
		return nil, err
	}

	slog.Info("Challenge resolved", "challenge_id", c.ID, "status", c.Status)

	resp := &Response{Challenge: c}
	if accept && b.sessions != nil {
		sess, err := b.sessions.CreateFromChallenge(ctx, c)
		if err != nil {
			return resp, fmt.Errorf("open duel session: %w", err)
		}
		resp.Session = sess
	}
	return resp, nil
}

// OpenSession returns the duel session of an accepted challenge, creating it
// if needed. Either participant may call it.
func (b *Broker) OpenSession(ctx context.Context, id, playerID string) (*domain.DuelSession, error) {
	c, err := b.Get(ctx, id, playerID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.ChallengeAccepted {
		return nil, domain.Errorf(domain.CodeConflict, "challenge is %s, not accepted", c.Status)
	}
	if b.sessions == nil {
		return nil, errors.New("open duel session: no session creator configured")
	}
	return b.sessions.CreateFromChallenge(ctx, c)
}

// ExpireStale expires every pending challenge whose lifetime has elapsed at now.
// It is safe to run concurrently with Respond and with itself; challenges
// resolved by someone else in the meantime are skipped.
func (b *Broker) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := b.store.ListStaleChallenges(ctx, now.Add(-b.ttl))
	if err != nil {
		return 0, fmt.Errorf("list stale challenges: %w", err)
	}

	expired := 0
	var errs []error
	for i := range stale {
		_, err := b.transition(ctx, &stale[i], domain.ChallengeExpired, now)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		default:
			errs = append(errs, err)
		}
	}

	if expired > 0 {
		slog.Info("Expired stale challenges", "count", expired)
	}
	return expired, errors.Join(errs...)
}

// transition CASes c from pending to `to` and publishes the result.
func (b *Broker) transition(ctx context.Context, c *domain.Challenge, to domain.ChallengeStatus, at time.Time) (*domain.Challenge, error) {
	err := b.store.TransitionChallenge(ctx, c.ID, domain.ChallengePending, to, at)
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, domain.Wrap(domain.CodeConflict, "challenge already resolved", err)
	case errors.Is(err, store.ErrNotFound):
		return nil, domain.Errorf(domain.CodeNotFound, "challenge %s not found", c.ID)
	case err != nil:
		return nil, fmt.Errorf("transition challenge: %w", err)
	}

	updated := *c
	updated.Status = to
	updated.UpdatedAt = at
	b.publish(&updated)
	return &updated, nil
}

func (b *Broker) publish(c *domain.Challenge) {
	b.bus.Publish(notify.Change{
		RecordType:   notify.RecordChallenge,
		Op:           notify.OpUpsert,
		ID:           c.ID,
		ScopeID:      c.ScopeID,
		Participants: []string{c.ChallengerID, c.ChallengedID},
		At:           c.UpdatedAt,
		Payload:      c,
	})
}

// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
)

var (
	// ErrNotFound is returned by conditional updates when the row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional update matched no row because
	// the row's current state differs from the expected state.
	ErrConflict = errors.New("optimistic lock failed: state does not match expected")
)

// PresenceStore persists lobby presence records.
type PresenceStore interface {
	// UpsertPresence creates or refreshes a presence record.
	UpsertPresence(ctx context.Context, rec *domain.PresenceRecord) error

	// DeletePresence removes a record. Returns false if none existed.
	DeletePresence(ctx context.Context, playerID string) (bool, error)

	// GetPresence retrieves a record by player ID. Returns nil if absent.
	GetPresence(ctx context.Context, playerID string) (*domain.PresenceRecord, error)

	// ListPresence returns records in scope seen at or after since.
	// An empty groupID matches every group; excludeID is omitted from the result.
	ListPresence(ctx context.Context, scopeID, groupID, excludeID string, since time.Time) ([]domain.PresenceRecord, error)

	// DeleteStalePresence removes and returns records last seen before the threshold.
	DeleteStalePresence(ctx context.Context, before time.Time) ([]domain.PresenceRecord, error)
}

// BlockStore persists directional block relations.
type BlockStore interface {
	// InsertBlock stores a relation. Re-blocking is a no-op.
	InsertBlock(ctx context.Context, rel *domain.BlockRelation) error

	// DeleteBlock removes a relation. Returns false if none existed.
	DeleteBlock(ctx context.Context, blockerID, blockedID string) (bool, error)

	// HasBlock reports whether blockerID has blocked blockedID.
	HasBlock(ctx context.Context, blockerID, blockedID string) (bool, error)

	// ListBlocks returns every relation created by blockerID.
	ListBlocks(ctx context.Context, blockerID string) ([]domain.BlockRelation, error)
}

// ChallengeStore persists challenge invitations.
type ChallengeStore interface {
	// InsertChallenge stores a new challenge.
	InsertChallenge(ctx context.Context, c *domain.Challenge) error

	// GetChallenge retrieves a challenge by ID. Returns nil if absent.
	GetChallenge(ctx context.Context, id string) (*domain.Challenge, error)

	// TransitionChallenge moves a challenge from one status to another only if
	// its current status equals from. Returns ErrConflict or ErrNotFound otherwise.
	TransitionChallenge(ctx context.Context, id string, from, to domain.ChallengeStatus, at time.Time) error

	// ListStaleChallenges returns pending challenges created at or before the threshold.
	ListStaleChallenges(ctx context.Context, createdAtOrBefore time.Time) ([]domain.Challenge, error)

	// ListChallengesForPlayer returns challenges involving playerID, newest first.
	// An empty status matches every status.
	ListChallengesForPlayer(ctx context.Context, playerID string, status domain.ChallengeStatus) ([]domain.Challenge, error)
}

// SessionStore persists duel sessions.
type SessionStore interface {
	// InsertSession stores a new session. Returns ErrConflict if a session for
	// the same challenge already exists.
	InsertSession(ctx context.Context, s *domain.DuelSession) error

	// GetSession retrieves a session by ID. Returns nil if absent.
	GetSession(ctx context.Context, id string) (*domain.DuelSession, error)

	// GetSessionByChallenge retrieves the session opened from a challenge. Returns nil if absent.
	GetSessionByChallenge(ctx context.Context, challengeID string) (*domain.DuelSession, error)

	// ListActiveSessionsForPlayer returns unfinished sessions involving playerID.
	ListActiveSessionsForPlayer(ctx context.Context, playerID string) ([]domain.DuelSession, error)

	// MarkReady sets a side's ready flag while the session is created, moving
	// it to ready_wait in the same statement when the other side is ready too.
	MarkReady(ctx context.Context, id string, side domain.Side, at time.Time) error

	// TransitionSession moves a session to status to only if its current status
	// is one of from.
	TransitionSession(ctx context.Context, id string, from []domain.SessionStatus, to domain.SessionStatus, at time.Time) error

	// StartRound moves a countdown session to drawing and sets its round start
	// time, only if the round start time is still unset.
	StartRound(ctx context.Context, id string, startedAt time.Time) error

	// RecordSubmission advances a side's prompt index from promptIndex by one and
	// sets its score, only while drawing, only if the index still equals
	// promptIndex, never lowering the score, and only if the round started
	// after roundStartedAfter.
	RecordSubmission(ctx context.Context, id string, side domain.Side, promptIndex, score int, roundStartedAfter, at time.Time) error

	// FinishSession moves any unfinished session to finished.
	// Returns false if it was already finished.
	FinishSession(ctx context.Context, id string, at time.Time) (bool, error)

	// ListOverdueSessions returns drawing sessions whose round started at or before the threshold.
	ListOverdueSessions(ctx context.Context, startedAtOrBefore time.Time) ([]domain.DuelSession, error)
}

// Repository is the full persistence surface of the service.
type Repository interface {
	PresenceStore
	BlockStore
	ChallengeStore
	SessionStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

package domain

import (
	"strings"
	"time"
)

// ChallengeStatus is the lifecycle state of a challenge.
type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "pending"
	ChallengeAccepted ChallengeStatus = "accepted"
	ChallengeDeclined ChallengeStatus = "declined"
	ChallengeExpired  ChallengeStatus = "expired"
)

// IsTerminal reports whether the status can no longer change.
func (s ChallengeStatus) IsTerminal() bool {
	return s == ChallengeAccepted || s == ChallengeDeclined || s == ChallengeExpired
}

// ParseChallengeStatus converts a label to a status. Unknown labels return "".
func ParseChallengeStatus(label string) ChallengeStatus {
	switch ChallengeStatus(strings.ToLower(strings.TrimSpace(label))) {
	case ChallengePending:
		return ChallengePending
	case ChallengeAccepted:
		return ChallengeAccepted
	case ChallengeDeclined:
		return ChallengeDeclined
	case ChallengeExpired:
		return ChallengeExpired
	default:
		return ""
	}
}

// Challenge is a proposed duel between two players.
type Challenge struct {
	ID             string          `json:"id"`
	ChallengerID   string          `json:"challenger_id"`
	ChallengerName string          `json:"challenger_name"`
	ChallengedID   string          `json:"challenged_id"`
	ChallengedName string          `json:"challenged_name"`
	ScopeID        string          `json:"scope_id"`
	Status         ChallengeStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ExpiresAt returns when a pending challenge lapses.
func (c *Challenge) ExpiresAt(ttl time.Duration) time.Time {
	return c.CreatedAt.Add(ttl)
}

// IsStale reports whether a pending challenge is due for expiry at now.
func (c *Challenge) IsStale(now time.Time, ttl time.Duration) bool {
	return c.Status == ChallengePending && !now.Before(c.ExpiresAt(ttl))
}

// Involves reports whether playerID is either side of the challenge.
func (c *Challenge) Involves(playerID string) bool {
	return c.ChallengerID == playerID || c.ChallengedID == playerID
}

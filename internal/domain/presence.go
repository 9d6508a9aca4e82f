// Package domain contains core domain types for the sketch duel service.
package domain

import (
	"time"
)

// PresenceRecord is a player's liveness signal in a lobby scope.
type PresenceRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	GroupID     string    `json:"group_id"`
	ScopeID     string    `json:"scope_id"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// IsOnline reports whether the record was refreshed within ttl of now.
func (p *PresenceRecord) IsOnline(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.LastSeenAt) <= ttl
}

// ExpiresIn returns the time until the record goes stale.
// Returns 0 if it already has.
func (p *PresenceRecord) ExpiresIn(now time.Time, ttl time.Duration) time.Duration {
	left := p.LastSeenAt.Add(ttl).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

package domain

import "time"

// BlockRelation records that BlockerID does not want contact from BlockedID.
// It is one-directional.
type BlockRelation struct {
	BlockerID   string    `json:"blocker_id"`
	BlockedID   string    `json:"blocked_id"`
	BlockedName string    `json:"blocked_name,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Package presence tracks which players are online in a lobby scope.
package presence

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/notify"
	"github.com/ashureev/sketch-duel/internal/store"
)

// DefaultTTL is how long a record stays online without a heartbeat.
const DefaultTTL = 120 * time.Second

// Registry maintains heartbeat-driven presence records.
type Registry struct {
	store store.PresenceStore
	bus   notify.Publisher
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the staleness window.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a new Registry.
func NewRegistry(s store.PresenceStore, bus notify.Publisher, opts ...Option) *Registry {
	if bus == nil {
		bus = notify.Nop{}
	}
	r := &Registry{store: s, bus: bus, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the staleness window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Heartbeat creates or refreshes the caller's presence record.
func (r *Registry) Heartbeat(ctx context.Context, id, displayName, groupID, scopeID string) (*domain.PresenceRecord, error) {
	id = strings.TrimSpace(id)
	scopeID = strings.TrimSpace(scopeID)
	if id == "" {
		return nil, domain.Errorf(domain.CodeValidation, "player id is required")
	}
	if scopeID == "" {
		return nil, domain.Errorf(domain.CodeValidation, "scope id is required")
	}

	rec := &domain.PresenceRecord{
		ID:          id,
		DisplayName: strings.TrimSpace(displayName),
		GroupID:     strings.TrimSpace(groupID),
		ScopeID:     scopeID,
		LastSeenAt:  r.now(),
	}
	if err := r.store.UpsertPresence(ctx, rec); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	r.bus.Publish(notify.Change{
		RecordType:   notify.RecordPresence,
		Op:           notify.OpUpsert,
		ID:           rec.ID,
		ScopeID:      rec.ScopeID,
		Participants: []string{rec.ID},
		At:           rec.LastSeenAt,
		Payload:      rec,
	})
	return rec, nil
}

// Leave removes the caller's record. Removing an absent record is a no-op.
func (r *Registry) Leave(ctx context.Context, id string) error {
	rec, err := r.store.GetPresence(ctx, id)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	if rec == nil {
		return nil
	}

	removed, err := r.store.DeletePresence(ctx, id)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	if removed {
		r.publishDelete(*rec)
	}
	return nil
}

// IsOnline reports whether id has a live record in scopeID.
func (r *Registry) IsOnline(ctx context.Context, id, scopeID string) (bool, error) {
	rec, err := r.store.GetPresence(ctx, id)
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}
	if rec == nil || rec.ScopeID != scopeID {
		return false, nil
	}
	return rec.IsOnline(r.now(), r.ttl), nil
}

// ListOnline returns a lazy view of live records in scopeID, excluding excludeID.
// An empty groupID matches every group. Each range over the sequence runs a
// fresh query, so the sequence can be iterated more than once.
func (r *Registry) ListOnline(ctx context.Context, scopeID, groupID, excludeID string) iter.Seq2[domain.PresenceRecord, error] {
	return func(yield func(domain.PresenceRecord, error) bool) {
		since := r.now().Add(-r.ttl)
		recs, err := r.store.ListPresence(ctx, scopeID, groupID, excludeID, since)
		if err != nil {
			yield(domain.PresenceRecord{}, fmt.Errorf("list presence: %w", err))
			return
		}
		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Online collects ListOnline into a slice.
func (r *Registry) Online(ctx context.Context, scopeID, groupID, excludeID string) ([]domain.PresenceRecord, error) {
	out := []domain.PresenceRecord{}
	for rec, err := range r.ListOnline(ctx, scopeID, groupID, excludeID) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Prune deletes records older than the TTL and returns how many were removed.
func (r *Registry) Prune(ctx context.Context) (int, error) {
	stale, err := r.store.DeleteStalePresence(ctx, r.now().Add(-r.ttl))
	if err != nil {
		return 0, fmt.Errorf("prune presence: %w", err)
	}
	for _, rec := range stale {
		r.publishDelete(rec)
	}
	if len(stale) > 0 {
		slog.Info("Pruned stale presence records", "count", len(stale))
	}
	return len(stale), nil
}

func (r *Registry) publishDelete(rec domain.PresenceRecord) {
	r.bus.Publish(notify.Change{
		RecordType:   notify.RecordPresence,
		Op:           notify.OpDelete,
		ID:           rec.ID,
		ScopeID:      rec.ScopeID,
		Participants: []string{rec.ID},
		At:           r.now(),
	})
}

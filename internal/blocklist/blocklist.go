// Package blocklist manages one-directional player blocks.
package blocklist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/notify"
	"github.com/ashureev/sketch-duel/internal/store"
)

// Service records and queries block relations.
type Service struct {
	store store.BlockStore
	bus   notify.Publisher
	now   func() time.Time
}

// NewService creates a new block list service.
func NewService(s store.BlockStore, bus notify.Publisher) *Service {
	if bus == nil {
		bus = notify.Nop{}
	}
	return &Service{store: s, bus: bus, now: time.Now}
}

// Block records that blockerID no longer accepts contact from blockedID.
// Blocking the same player twice is a no-op.
func (s *Service) Block(ctx context.Context, blockerID, blockedID, blockedName, reason string) error {
	blockerID = strings.TrimSpace(blockerID)
	blockedID = strings.TrimSpace(blockedID)
	if blockerID == "" || blockedID == "" {
		return domain.Errorf(domain.CodeValidation, "blocker and blocked ids are required")
	}
	if blockerID == blockedID {
		return domain.Errorf(domain.CodeValidation, "cannot block yourself")
	}

	rel := &domain.BlockRelation{
		BlockerID:   blockerID,
		BlockedID:   blockedID,
		BlockedName: strings.TrimSpace(blockedName),
		Reason:      strings.TrimSpace(reason),
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertBlock(ctx, rel); err != nil {
		return fmt.Errorf("block player: %w", err)
	}

	s.publish(notify.OpUpsert, blockerID, blockedID)
	return nil
}

// Unblock removes a relation. Removing an absent relation is a no-op.
func (s *Service) Unblock(ctx context.Context, blockerID, blockedID string) error {
	removed, err := s.store.DeleteBlock(ctx, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("unblock player: %w", err)
	}
	if removed {
		s.publish(notify.OpDelete, blockerID, blockedID)
	}
	return nil
}

// IsBlocked reports whether blockedID has been blocked by byID.
func (s *Service) IsBlocked(ctx context.Context, blockedID, byID string) (bool, error) {
	ok, err := s.store.HasBlock(ctx, byID, blockedID)
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return ok, nil
}

// EitherBlocked reports whether a block exists in either direction between a and b.
func (s *Service) EitherBlocked(ctx context.Context, a, b string) (bool, error) {
	if ok, err := s.IsBlocked(ctx, a, b); err != nil || ok {
		return ok, err
	}
	return s.IsBlocked(ctx, b, a)
}

// ListBlocked returns the players blockerID has blocked.
func (s *Service) ListBlocked(ctx context.Context, blockerID string) ([]domain.BlockRelation, error) {
	rels, err := s.store.ListBlocks(ctx, blockerID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	if rels == nil {
		rels = []domain.BlockRelation{}
	}
	return rels, nil
}

// Only the blocker is told; the blocked player is not notified.
func (s *Service) publish(op notify.Op, blockerID, blockedID string) {
	s.bus.Publish(notify.Change{
		RecordType:   notify.RecordBlock,
		Op:           op,
		ID:           blockerID + ":" + blockedID,
		Participants: []string{blockerID},
		At:           s.now(),
	})
}

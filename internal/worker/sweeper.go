// Package worker runs periodic maintenance sweeps.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// ChallengeExpirer expires pending challenges past their lifetime.
type ChallengeExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// PresencePruner removes presence records past their TTL.
type PresencePruner interface {
	Prune(ctx context.Context) (int, error)
}

// RoundFinisher finishes drawing rounds whose time ran out.
type RoundFinisher interface {
	FinishOverdue(ctx context.Context, now time.Time) (int, error)
}

// LimiterPruner forgets idle rate limiter senders.
type LimiterPruner interface {
	Prune() int
}

// Intervals sets how often each sweep runs.
type Intervals struct {
	ChallengeExpiry time.Duration
	PresencePrune   time.Duration
	OverdueRounds   time.Duration
	LimiterPrune    time.Duration
}

// DefaultIntervals returns the standard sweep cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		ChallengeExpiry: 5 * time.Second,
		PresencePrune:   30 * time.Second,
		OverdueRounds:   5 * time.Second,
		LimiterPrune:    time.Minute,
	}
}

// Sweeper holds the sweep targets. Nil targets are skipped.
type Sweeper struct {
	Challenges ChallengeExpirer
	Presence   PresencePruner
	Rounds     RoundFinisher
	Limiter    LimiterPruner
	Now        func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ExpireChallenges runs one challenge expiry sweep.
func (s *Sweeper) ExpireChallenges(ctx context.Context) {
	if s.Challenges == nil {
		return
	}
	if _, err := s.Challenges.ExpireStale(ctx, s.now()); err != nil {
		slog.Error("Sweep failed to expire challenges", "error", err)
	}
}

// PrunePresence runs one presence prune.
func (s *Sweeper) PrunePresence(ctx context.Context) {
	if s.Presence == nil {
		return
	}
	if _, err := s.Presence.Prune(ctx); err != nil {
		slog.Error("Sweep failed to prune presence", "error", err)
	}
}

// FinishRounds runs one overdue round sweep.
func (s *Sweeper) FinishRounds(ctx context.Context) {
	if s.Rounds == nil {
		return
	}
	if _, err := s.Rounds.FinishOverdue(ctx, s.now()); err != nil {
		slog.Error("Sweep failed to finish overdue rounds", "error", err)
	}
}

// PruneLimiter runs one rate limiter eviction.
func (s *Sweeper) PruneLimiter(context.Context) {
	if s.Limiter == nil {
		return
	}
	if tracked := s.Limiter.Prune(); tracked > 0 {
		slog.Debug("Rate limiter pruned", "tracked_senders", tracked)
	}
}

// RunOnce runs every sweep a single time.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.ExpireChallenges(ctx)
	s.PrunePresence(ctx)
	s.FinishRounds(ctx)
	s.PruneLimiter(ctx)
}

// Start schedules every sweep on its interval and returns the running scheduler.
// Jobs run in singleton mode so a slow sweep never overlaps itself.
// The caller must call Shutdown on the returned scheduler.
func Start(ctx context.Context, s *Sweeper, iv Intervals) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"challenge-expiry", iv.ChallengeExpiry, s.ExpireChallenges},
		{"presence-prune", iv.PresencePrune, s.PrunePresence},
		{"overdue-rounds", iv.OverdueRounds, s.FinishRounds},
		{"limiter-prune", iv.LimiterPrune, s.PruneLimiter},
	}

	for _, job := range jobs {
		if job.interval <= 0 {
			continue
		}
		run := job.run
		_, err := sched.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() { run(ctx) }),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	sched.Start()
	slog.Info("Sweep worker started",
		"challenge_expiry", iv.ChallengeExpiry,
		"presence_prune", iv.PresencePrune,
		"overdue_rounds", iv.OverdueRounds,
		"limiter_prune", iv.LimiterPrune)
	return sched, nil
}

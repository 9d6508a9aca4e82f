package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingExpirer struct {
	calls atomic.Int32
	err   error
}

func (c *countingExpirer) ExpireStale(context.Context, time.Time) (int, error) {
	c.calls.Add(1)
	return 0, c.err
}

type countingPruner struct{ calls atomic.Int32 }

func (c *countingPruner) Prune(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

type countingFinisher struct {
	calls atomic.Int32
	seen  atomic.Value
}

func (c *countingFinisher) FinishOverdue(_ context.Context, now time.Time) (int, error) {
	c.calls.Add(1)
	c.seen.Store(now)
	return 1, nil
}

type countingLimiter struct{ calls atomic.Int32 }

func (c *countingLimiter) Prune() int {
	c.calls.Add(1)
	return 0
}

func TestRunOnceCallsEverySweep(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := &countingExpirer{err: errors.New("boom")}
	pres := &countingPruner{}
	rounds := &countingFinisher{}
	lim := &countingLimiter{}

	s := &Sweeper{Challenges: exp, Presence: pres, Rounds: rounds, Limiter: lim, Now: func() time.Time { return fixed }}
	s.RunOnce(context.Background())

	if exp.calls.Load() != 1 || pres.calls.Load() != 1 || rounds.calls.Load() != 1 || lim.calls.Load() != 1 {
		t.Fatalf("calls = %d/%d/%d/%d, want 1 each",
			exp.calls.Load(), pres.calls.Load(), rounds.calls.Load(), lim.calls.Load())
	}
	if got := rounds.seen.Load().(time.Time); !got.Equal(fixed) {
		t.Fatalf("FinishOverdue saw %v, want %v", got, fixed)
	}
}

func TestRunOnceSkipsNilTargets(t *testing.T) {
	(&Sweeper{}).RunOnce(context.Background())
}

func TestStartSchedulesJobs(t *testing.T) {
	exp := &countingExpirer{}
	s := &Sweeper{Challenges: exp}

	sched, err := Start(context.Background(), s, Intervals{ChallengeExpiry: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := len(sched.Jobs()); n != 1 {
		t.Fatalf("jobs = %d, want 1", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for exp.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := sched.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if exp.calls.Load() == 0 {
		t.Fatal("challenge expiry job never ran")
	}
}

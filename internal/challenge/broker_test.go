package challenge

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/sketch-duel/internal/blocklist"
	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/notify"
	"github.com/ashureev/sketch-duel/internal/presence"
	"github.com/ashureev/sketch-duel/internal/ratelimit"
	"github.com/ashureev/sketch-duel/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeSessions struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSessions) CreateFromChallenge(_ context.Context, c *domain.Challenge) (*domain.DuelSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c.ID)
	return &domain.DuelSession{ID: "session-" + c.ID, ChallengeID: c.ID, Status: domain.SessionCreated}, nil
}

type fixture struct {
	broker   *Broker
	repo     *store.SQLiteStore
	presence *presence.Registry
	blocks   *blocklist.Service
	sessions *fakeSessions
	clock    *testClock
	bus      *notify.Bus
	start    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "challenge.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &testClock{t: start}
	bus := notify.NewBus()
	reg := presence.NewRegistry(repo, bus, presence.WithClock(clock.Now))
	blocks := blocklist.NewService(repo, bus)
	sessions := &fakeSessions{}
	limiter := ratelimit.New(5, time.Minute).WithClock(clock.Now)

	b := NewBroker(Deps{
		Store:    repo,
		Presence: reg,
		Blocks:   blocks,
		Limiter:  limiter,
		Sessions: sessions,
		Bus:      bus,
	}, WithClock(clock.Now))

	f := &fixture{broker: b, repo: repo, presence: reg, blocks: blocks, sessions: sessions, clock: clock, bus: bus, start: start}
	for _, id := range []string{"alice", "bob", "carol"} {
		if _, err := reg.Heartbeat(context.Background(), id, id, "", "lobby"); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func input(from, to string) CreateInput {
	return CreateInput{ChallengerID: from, ChallengerName: from, ChallengedID: to, ChallengedName: to, ScopeID: "lobby"}
}

func TestCreateStoresPendingChallenge(t *testing.T) {
	f := newFixture(t)

	var notified []string
	f.bus.Subscribe(notify.RecordChallenge, notify.Filter{ParticipantID: "bob"}, func(c notify.Change) {
		notified = append(notified, c.ID)
	})

	c, err := f.broker.Create(context.Background(), input("alice", "bob"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.Status != domain.ChallengePending || c.ID == "" {
		t.Fatalf("Create() = %+v", c)
	}
	if len(notified) != 1 || notified[0] != c.ID {
		t.Fatalf("notified = %v, want [%s]", notified, c.ID)
	}
}

func TestCreatePreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.broker.Create(ctx, input("alice", "alice"))
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("error = %v, want validation", err)
		}
		in := input("alice", "bob")
		in.ScopeID = ""
		if _, err := f.broker.Create(ctx, in); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("error = %v, want validation", err)
		}
	})

	t.Run("target offline", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.broker.Create(ctx, input("alice", "dave")); !errors.Is(err, domain.ErrTargetOffline) {
			t.Fatalf("error = %v, want target offline", err)
		}
		f.clock.Set(f.start.Add(presence.DefaultTTL + time.Second))
		if _, err := f.broker.Create(ctx, input("alice", "bob")); !errors.Is(err, domain.ErrTargetOffline) {
			t.Fatalf("stale target error = %v, want target offline", err)
		}
	})

	t.Run("blocked either direction", func(t *testing.T) {
		f := newFixture(t)
		if err := f.blocks.Block(ctx, "bob", "alice", "alice", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := f.broker.Create(ctx, input("alice", "bob")); !errors.Is(err, domain.ErrBlocked) {
			t.Fatalf("error = %v, want blocked", err)
		}
		if _, err := f.broker.Create(ctx, input("bob", "alice")); !errors.Is(err, domain.ErrBlocked) {
			t.Fatalf("reverse error = %v, want blocked", err)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		f := newFixture(t)
		for i := range 5 {
			if _, err := f.broker.Create(ctx, input("alice", "bob")); err != nil {
				t.Fatalf("create %d error = %v", i+1, err)
			}
		}
		if _, err := f.broker.Create(ctx, input("alice", "bob")); !errors.Is(err, domain.ErrRateLimited) {
			t.Fatalf("6th error = %v, want rate limited", err)
		}
		list, _ := f.broker.ListForPlayer(ctx, "alice", domain.ChallengePending)
		if len(list) != 5 {
			t.Fatalf("pending challenges = %d, want 5", len(list))
		}
	})
}

func TestAcceptOpensSessionAndBlocksLaterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.broker.Create(ctx, input("alice", "bob"))
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Set(f.start.Add(10 * time.Second))
	resp, err := f.broker.Respond(ctx, c.ID, "bob", true)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if resp.Challenge.Status != domain.ChallengeAccepted || resp.Session == nil {
		t.Fatalf("Respond() = %+v", resp)
	}

	n, err := f.broker.ExpireStale(ctx, f.start.Add(31*time.Second))
	if err != nil || n != 0 {
		t.Fatalf("ExpireStale() = %d, %v; want 0, nil", n, err)
	}

	got, _ := f.broker.Get(ctx, c.ID, "alice")
	if got.Status != domain.ChallengeAccepted {
		t.Fatalf("status = %s, want accepted", got.Status)
	}

	sess, err := f.broker.OpenSession(ctx, c.ID, "alice")
	if err != nil || sess.ChallengeID != c.ID {
		t.Fatalf("OpenSession() = %+v, %v", sess, err)
	}
}

func TestRespondRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.broker.Create(ctx, input("alice", "bob"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.broker.Respond(ctx, "missing", "bob", true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing error = %v, want not found", err)
	}
	if _, err := f.broker.Respond(ctx, c.ID, "alice", true); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("challenger respond error = %v, want validation", err)
	}

	resp, err := f.broker.Respond(ctx, c.ID, "bob", false)
	if err != nil || resp.Challenge.Status != domain.ChallengeDeclined || resp.Session != nil {
		t.Fatalf("decline = %+v, %v", resp, err)
	}
	if _, err := f.broker.Respond(ctx, c.ID, "bob", true); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second respond error = %v, want conflict", err)
	}
	if len(f.sessions.calls) != 0 {
		t.Fatalf("declined challenge opened a session")
	}
	if _, err := f.broker.OpenSession(ctx, c.ID, "bob"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("OpenSession(declined) error = %v, want conflict", err)
	}
	if _, err := f.broker.Get(ctx, c.ID, "carol"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("outsider Get() error = %v, want not found", err)
	}
}

func TestRespondAfterExpiryExpiresAndConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.broker.Create(ctx, input("alice", "bob"))
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Set(f.start.Add(DefaultTTL))

	if _, err := f.broker.Respond(ctx, c.ID, "bob", true); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Respond() error = %v, want conflict", err)
	}
	got, _ := f.broker.Get(ctx, c.ID, "")
	if got.Status != domain.ChallengeExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestExpireStaleIsReentrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, to := range []string{"bob", "carol"} {
		if _, err := f.broker.Create(ctx, input("alice", to)); err != nil {
			t.Fatal(err)
		}
	}
	now := f.start.Add(DefaultTTL)

	n, err := f.broker.ExpireStale(ctx, now.Add(-time.Millisecond))
	if err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v; want 0", n, err)
	}
	n, err = f.broker.ExpireStale(ctx, now)
	if err != nil || n != 2 {
		t.Fatalf("sweep = %d, %v; want 2", n, err)
	}
	n, err = f.broker.ExpireStale(ctx, now)
	if err != nil || n != 0 {
		t.Fatalf("repeat sweep = %d, %v; want 0", n, err)
	}
}

func TestConcurrentRespondAndExpireRecordOneTerminalStatus(t *testing.T) {
	for i := range 10 {
		f := newFixture(t)
		ctx := context.Background()

		c, err := f.broker.Create(ctx, input("alice", "bob"))
		if err != nil {
			t.Fatal(err)
		}
		// Still pending for Respond, but already stale for the sweep.
		f.clock.Set(f.start.Add(DefaultTTL - time.Millisecond))

		var wg sync.WaitGroup
		var respondErr error
		var expired int
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, respondErr = f.broker.Respond(ctx, c.ID, "bob", true)
		}()
		go func() {
			defer wg.Done()
			expired, _ = f.broker.ExpireStale(ctx, f.start.Add(DefaultTTL))
		}()
		wg.Wait()

		got, _ := f.broker.Get(ctx, c.ID, "")
		switch got.Status {
		case domain.ChallengeAccepted:
			if respondErr != nil || expired != 0 {
				t.Fatalf("run %d: accepted but respondErr=%v expired=%d", i, respondErr, expired)
			}
		case domain.ChallengeExpired:
			if !errors.Is(respondErr, domain.ErrConflict) || expired != 1 {
				t.Fatalf("run %d: expired but respondErr=%v expired=%d", i, respondErr, expired)
			}
		default:
			t.Fatalf("run %d: status = %s", i, got.Status)
		}
	}
}

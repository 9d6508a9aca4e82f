package presence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/notify"
	"github.com/ashureev/sketch-duel/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newRegistry(t *testing.T) (*Registry, *clock, *notify.Bus) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "presence.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	bus := notify.NewBus()
	return NewRegistry(s, bus, WithClock(c.Now)), c, bus
}

func TestHeartbeatValidatesInput(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	if _, err := r.Heartbeat(ctx, "", "Alice", "", "lobby"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing id error = %v, want validation", err)
	}
	if _, err := r.Heartbeat(ctx, "alice", "Alice", "", " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing scope error = %v, want validation", err)
	}
}

func TestListOnlineExcludesCallerAndStaleRecords(t *testing.T) {
	r, c, _ := newRegistry(t)
	ctx := context.Background()

	mustHeartbeat(t, r, "carol", "g1")
	c.Advance(100 * time.Second)
	mustHeartbeat(t, r, "alice", "g1")
	mustHeartbeat(t, r, "bob", "g2")
	c.Advance(30 * time.Second)

	got, err := r.Online(ctx, "lobby", "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "bob" {
		t.Fatalf("Online() = %+v, want only bob", got)
	}

	got, err = r.Online(ctx, "lobby", "g1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "alice" {
		t.Fatalf("Online(g1) = %+v, want only alice", got)
	}
}

func TestListOnlineIsRestartable(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	seq := r.ListOnline(ctx, "lobby", "", "")
	mustHeartbeat(t, r, "alice", "")

	count := func() int {
		n := 0
		for _, err := range seq {
			if err != nil {
				t.Fatal(err)
			}
			n++
		}
		return n
	}
	if n := count(); n != 1 {
		t.Fatalf("first range = %d, want 1", n)
	}
	mustHeartbeat(t, r, "bob", "")
	if n := count(); n != 2 {
		t.Fatalf("second range = %d, want 2", n)
	}
}

func TestLeaveIsIdempotentAndPublishes(t *testing.T) {
	r, _, bus := newRegistry(t)
	ctx := context.Background()

	var ops []notify.Op
	bus.Subscribe(notify.RecordPresence, notify.Filter{ScopeID: "lobby"}, func(c notify.Change) {
		ops = append(ops, c.Op)
	})

	mustHeartbeat(t, r, "alice", "")
	if err := r.Leave(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := r.Leave(ctx, "alice"); err != nil {
		t.Fatalf("second Leave() error = %v", err)
	}

	if len(ops) != 2 || ops[0] != notify.OpUpsert || ops[1] != notify.OpDelete {
		t.Fatalf("ops = %v, want [upsert delete]", ops)
	}
	online, _ := r.IsOnline(ctx, "alice", "lobby")
	if online {
		t.Fatal("alice should be offline after leaving")
	}
}

func TestPruneRemovesExpiredRecords(t *testing.T) {
	r, c, _ := newRegistry(t)
	ctx := context.Background()

	mustHeartbeat(t, r, "alice", "")
	c.Advance(DefaultTTL + time.Second)
	mustHeartbeat(t, r, "bob", "")

	n, err := r.Prune(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Prune() = %d, want 1", n)
	}
	if ok, _ := r.IsOnline(ctx, "bob", "lobby"); !ok {
		t.Fatal("bob should remain online")
	}
	if ok, _ := r.IsOnline(ctx, "bob", "elsewhere"); ok {
		t.Fatal("bob is not online in another scope")
	}
}

func mustHeartbeat(t *testing.T, r *Registry, id, group string) {
	t.Helper()
	if _, err := r.Heartbeat(context.Background(), id, id, group, "lobby"); err != nil {
		t.Fatalf("Heartbeat(%s) error = %v", id, err)
	}
}

package blocklist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/notify"
	"github.com/ashureev/sketch-duel/internal/store"
)

func newService(t *testing.T) (*Service, *notify.Bus) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "blocks.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	bus := notify.NewBus()
	return NewService(s, bus), bus
}

func TestBlockIsDirectional(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if err := svc.Block(ctx, "alice", "bob", "Bob", "spam"); err != nil {
		t.Fatal(err)
	}

	blocked, err := svc.IsBlocked(ctx, "bob", "alice")
	if err != nil || !blocked {
		t.Fatalf("IsBlocked(bob, alice) = %v, %v; want true", blocked, err)
	}
	blocked, err = svc.IsBlocked(ctx, "alice", "bob")
	if err != nil || blocked {
		t.Fatalf("IsBlocked(alice, bob) = %v, %v; want false", blocked, err)
	}

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		either, err := svc.EitherBlocked(ctx, pair[0], pair[1])
		if err != nil || !either {
			t.Fatalf("EitherBlocked(%s, %s) = %v, %v; want true", pair[0], pair[1], either, err)
		}
	}
}

func TestBlockRejectsSelf(t *testing.T) {
	svc, _ := newService(t)
	if err := svc.Block(context.Background(), "alice", "alice", "", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Block(self) error = %v, want validation", err)
	}
}

func TestUnblockAndList(t *testing.T) {
	svc, bus := newService(t)
	ctx := context.Background()

	var seen []notify.Change
	bus.Subscribe(notify.RecordBlock, notify.Filter{ParticipantID: "alice"}, func(c notify.Change) {
		seen = append(seen, c)
	})

	if err := svc.Block(ctx, "alice", "bob", "Bob", ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.Block(ctx, "alice", "carol", "Carol", ""); err != nil {
		t.Fatal(err)
	}

	list, err := svc.ListBlocked(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("ListBlocked() len = %d, want 2", len(list))
	}

	if err := svc.Unblock(ctx, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Unblock(ctx, "alice", "bob"); err != nil {
		t.Fatalf("second Unblock() error = %v", err)
	}
	if blocked, _ := svc.IsBlocked(ctx, "bob", "alice"); blocked {
		t.Fatal("bob should be unblocked")
	}
	if len(seen) != 3 {
		t.Fatalf("changes = %d, want 3", len(seen))
	}
}

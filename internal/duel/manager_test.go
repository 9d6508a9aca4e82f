package duel

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/sketch-duel/internal/classifier"
	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/notify"
	"github.com/ashureev/sketch-duel/internal/presence"
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

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// wordClassifier answers with whatever word guess returns.
type wordClassifier struct {
	mu    sync.Mutex
	guess func() string
	err   error
	calls int
}

func (w *wordClassifier) Classify(context.Context, []byte, []string) (*classifier.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return nil, w.err
	}
	label := w.guess()
	return &classifier.Result{MainGuess: label, Guesses: []classifier.Guess{{Label: label, Confidence: 0.8}}}, nil
}

type fixture struct {
	mgr      *Manager
	clock    *testClock
	bus      *notify.Bus
	presence *presence.Registry
	clf      *wordClassifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "duel.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	bus := notify.NewBus()
	reg := presence.NewRegistry(repo, bus, presence.WithClock(clock.Now))
	clf := &wordClassifier{guess: func() string { return "nothing" }}
	mgr := NewManager(repo, reg, clf, bus, Config{}, WithClock(clock.Now))
	return &fixture{mgr: mgr, clock: clock, bus: bus, presence: reg, clf: clf}
}

func acceptedChallenge(id string) *domain.Challenge {
	return &domain.Challenge{
		ID:             id,
		ChallengerID:   "alice",
		ChallengerName: "Alice",
		ChallengedID:   "bob",
		ChallengedName: "Bob",
		ScopeID:        "lobby",
		Status:         domain.ChallengeAccepted,
	}
}

// drawingSession creates a session and drives it into drawing.
func (f *fixture) drawingSession(t *testing.T, challengeID string) *domain.DuelSession {
	t.Helper()
	ctx := context.Background()
	s, err := f.mgr.CreateFromChallenge(ctx, acceptedChallenge(challengeID))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"alice", "bob"} {
		if _, err := f.mgr.MarkReady(ctx, s.ID, p); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.mgr.Start(ctx, s.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(DefaultCountdown)
	s, err = f.mgr.BeginRound(ctx, s.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.SessionDrawing {
		t.Fatalf("status = %s, want drawing", s.Status)
	}
	return s
}

func (f *fixture) expectedWord(t *testing.T, s *domain.DuelSession, idx int) string {
	t.Helper()
	w, ok := f.mgr.Vocabulary().Word(s.PromptOrder[idx])
	if !ok {
		t.Fatalf("prompt %d has no word", idx)
	}
	return w
}

func TestCreateFromChallengeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := acceptedChallenge("c1")

	var wg sync.WaitGroup
	sessions := make([]*domain.DuelSession, 4)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.mgr.CreateFromChallenge(ctx, c)
			if err != nil {
				t.Errorf("CreateFromChallenge() error = %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		if s == nil || s.ID != sessions[0].ID {
			t.Fatalf("sessions differ: %+v vs %+v", s, sessions[0])
		}
		if !slices.Equal(s.PromptOrder, sessions[0].PromptOrder) {
			t.Fatal("prompt order differs between reads")
		}
	}
	if len(sessions[0].PromptOrder) != DefaultPromptCount {
		t.Fatalf("prompt order len = %d, want %d", len(sessions[0].PromptOrder), DefaultPromptCount)
	}

	pending := acceptedChallenge("c2")
	pending.Status = domain.ChallengePending
	if _, err := f.mgr.CreateFromChallenge(ctx, pending); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("pending challenge error = %v, want conflict", err)
	}
}

func TestReadyStartBeginProgression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.CreateFromChallenge(ctx, acceptedChallenge("c1"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.mgr.Start(ctx, s.ID, "alice"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Start() before ready error = %v, want conflict", err)
	}
	if _, err := f.mgr.MarkReady(ctx, s.ID, "carol"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("outsider MarkReady() error = %v, want not found", err)
	}

	s, _ = f.mgr.MarkReady(ctx, s.ID, "alice")
	if s.Status != domain.SessionCreated || !s.Player1Ready {
		t.Fatalf("after alice ready: %+v", s)
	}
	s, _ = f.mgr.MarkReady(ctx, s.ID, "bob")
	if s.Status != domain.SessionReadyWait {
		t.Fatalf("status = %s, want ready_wait", s.Status)
	}

	if _, err := f.mgr.BeginRound(ctx, s.ID, "alice"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("BeginRound() before countdown error = %v, want conflict", err)
	}

	s, err = f.mgr.Start(ctx, s.ID, "alice")
	if err != nil || s.Status != domain.SessionCountdown {
		t.Fatalf("Start() = %+v, %v", s, err)
	}
	s, err = f.mgr.Start(ctx, s.ID, "bob")
	if err != nil || s.Status != domain.SessionCountdown {
		t.Fatalf("second Start() = %+v, %v", s, err)
	}
}

func TestBeginRoundSetsStartTimeOnce(t *testing.T) {
	f := newFixture(t)
	s := f.drawingSession(t, "c1")
	first := *s.RoundStartTime

	f.clock.Advance(2 * time.Second)
	again, err := f.mgr.BeginRound(context.Background(), s.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !again.RoundStartTime.Equal(first) {
		t.Fatalf("round start changed from %v to %v", first, *again.RoundStartTime)
	}
	if got := f.mgr.Remaining(again, f.clock.Now()); got != DefaultRoundDuration-2*time.Second {
		t.Fatalf("Remaining() = %v", got)
	}
}

func TestConcurrentBeginRoundAgreesOnStartTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.mgr.CreateFromChallenge(ctx, acceptedChallenge("c1"))
	f.mgr.MarkReady(ctx, s.ID, "alice")
	f.mgr.MarkReady(ctx, s.ID, "bob")
	f.mgr.Start(ctx, s.ID, "alice")

	var wg sync.WaitGroup
	results := make([]*domain.DuelSession, 2)
	for i, p := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			r, err := f.mgr.BeginRound(ctx, s.ID, p)
			if err != nil {
				t.Errorf("BeginRound(%s) error = %v", p, err)
				return
			}
			results[i] = r
		}(i, p)
	}
	wg.Wait()

	if results[0] == nil || results[1] == nil {
		t.Fatal("missing result")
	}
	if !results[0].RoundStartTime.Equal(*results[1].RoundStartTime) {
		t.Fatalf("start times differ: %v vs %v", results[0].RoundStartTime, results[1].RoundStartTime)
	}
}

func TestSubmitDrawingScoresAndAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.drawingSession(t, "c1")

	word := f.expectedWord(t, s, 0)
	f.clf.guess = func() string { return word }

	res, err := f.mgr.SubmitDrawing(ctx, SubmitInput{SessionID: s.ID, PlayerID: "alice", PromptIndex: 0, Image: []byte("png")})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsCorrect || res.GuessedLabel != word || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}

	f.clf.guess = func() string { return "definitely wrong" }
	res, err = f.mgr.SubmitDrawing(ctx, SubmitInput{SessionID: s.ID, PlayerID: "alice", PromptIndex: 1, Image: []byte("png")})
	if err != nil || res.IsCorrect {
		t.Fatalf("wrong guess result = %+v, %v", res, err)
	}

	got, _ := f.mgr.Get(ctx, s.ID, "alice")
	if got.Player1Score != 1 || got.Player1Index != 2 || got.Player2Index != 0 {
		t.Fatalf("session = %+v", got)
	}
}

func TestSubmitDrawingDuplicateDoesNotDoubleScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.drawingSession(t, "c1")

	word := f.expectedWord(t, s, 0)
	f.clf.guess = func() string { return word }

	in := SubmitInput{SessionID: s.ID, PlayerID: "bob", PromptIndex: 0, Image: []byte("png")}
	var wg sync.WaitGroup
	results := make([]*domain.SubmissionResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.mgr.SubmitDrawing(ctx, in)
			if err != nil {
				t.Errorf("SubmitDrawing() error = %v", err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	scored := 0
	for _, r := range results {
		if r != nil && !r.Duplicate {
			scored++
		}
	}
	if scored != 1 {
		t.Fatalf("non-duplicate results = %d, want 1", scored)
	}
	got, _ := f.mgr.Get(ctx, s.ID, "")
	if got.Player2Score != 1 || got.Player2Index != 1 {
		t.Fatalf("player2 score=%d index=%d, want 1 and 1", got.Player2Score, got.Player2Index)
	}
}

func TestSubmitDrawingClassifierFailureIsUnresolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.drawingSession(t, "c1")
	f.clf.err = domain.Errorf(domain.CodeClassifierUnavailable, "down")

	res, err := f.mgr.SubmitDrawing(ctx, SubmitInput{SessionID: s.ID, PlayerID: "alice", PromptIndex: 0, Image: []byte("png")})
	if err != nil {
		t.Fatalf("SubmitDrawing() error = %v", err)
	}
	if !res.Unresolved || res.IsCorrect {
		t.Fatalf("result = %+v, want unresolved", res)
	}
	got, _ := f.mgr.Get(ctx, s.ID, "")
	if got.Status != domain.SessionDrawing || got.Player1Index != 1 || got.Player1Score != 0 {
		t.Fatalf("session = %+v", got)
	}
}

func TestSubmitDrawingRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.drawingSession(t, "c1")

	cases := []struct {
		name string
		in   SubmitInput
		want error
	}{
		{"no image", SubmitInput{SessionID: s.ID, PlayerID: "alice"}, domain.ErrValidation},
		{"outsider", SubmitInput{SessionID: s.ID, PlayerID: "carol", Image: []byte("x")}, domain.ErrNotFound},
		{"out of range", SubmitInput{SessionID: s.ID, PlayerID: "alice", PromptIndex: 99, Image: []byte("x")}, domain.ErrValidation},
		{"skipping ahead", SubmitInput{SessionID: s.ID, PlayerID: "alice", PromptIndex: 3, Image: []byte("x")}, domain.ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.mgr.SubmitDrawing(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSubmitAfterRoundElapsedFinishesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.drawingSession(t, "c1")

	f.clock.Advance(DefaultRoundDuration)
	_, err := f.mgr.SubmitDrawing(ctx, SubmitInput{SessionID: s.ID, PlayerID: "alice", PromptIndex: 0, Image: []byte("x")})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("error = %v, want conflict", err)
	}
	got, _ := f.mgr.Get(ctx, s.ID, "")
	if got.Status != domain.SessionFinished {
		t.Fatalf("status = %s, want finished", got.Status)
	}
	if f.clf.calls != 0 {
		t.Fatal("classifier should not be called after the round ended")
	}
}

func TestSlowClassifierCannotScoreAfterRoundEnds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.drawingSession(t, "c1")

	word := f.expectedWord(t, s, 0)
	f.clock.Advance(DefaultRoundDuration - time.Second)
	f.clf.guess = func() string {
		f.clock.Advance(5 * time.Second)
		return word
	}

	_, err := f.mgr.SubmitDrawing(ctx, SubmitInput{SessionID: s.ID, PlayerID: "alice", PromptIndex: 0, Image: []byte("png")})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("error = %v, want conflict", err)
	}

	got, _ := f.mgr.Get(ctx, s.ID, "")
	if got.Status != domain.SessionFinished {
		t.Fatalf("status = %s, want finished", got.Status)
	}
	if got.Player1Score != 0 || got.Player1Index != 0 {
		t.Fatalf("late drawing recorded: score=%d index=%d", got.Player1Score, got.Player1Index)
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.drawingSession(t, "c1")

	var terminal int
	f.bus.Subscribe(notify.RecordSession, notify.Filter{ParticipantID: "bob"}, func(c notify.Change) {
		if p, ok := c.Payload.(SessionChange); ok && p.Outcome != nil {
			terminal++
		}
	})

	for range 3 {
		got, err := f.mgr.EndSession(ctx, s.ID, "alice")
		if err != nil || got.Status != domain.SessionFinished {
			t.Fatalf("EndSession() = %+v, %v", got, err)
		}
	}
	if terminal != 1 {
		t.Fatalf("terminal notifications = %d, want 1", terminal)
	}

	out, err := f.mgr.Outcome(ctx, s.ID, "bob")
	if err != nil || out.Winner != domain.SideTie {
		t.Fatalf("Outcome() = %+v, %v", out, err)
	}
}

func TestLeaveFromReadyWaitFinishesAndNotifiesOpponent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.presence.Heartbeat(ctx, "alice", "Alice", "", "lobby"); err != nil {
		t.Fatal(err)
	}
	s, _ := f.mgr.CreateFromChallenge(ctx, acceptedChallenge("c1"))
	f.mgr.MarkReady(ctx, s.ID, "alice")
	f.mgr.MarkReady(ctx, s.ID, "bob")

	var outcome *domain.Outcome
	f.bus.Subscribe(notify.RecordSession, notify.Filter{ParticipantID: "bob"}, func(c notify.Change) {
		if p, ok := c.Payload.(SessionChange); ok && p.Outcome != nil {
			outcome = p.Outcome
		}
	})

	got, err := f.mgr.Leave(ctx, s.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionFinished || got.Player1Score != 0 || got.Player2Score != 0 {
		t.Fatalf("session = %+v", got)
	}
	if outcome == nil || outcome.Winner != domain.SideTie {
		t.Fatalf("bob's terminal notification outcome = %+v", outcome)
	}
	if online, _ := f.presence.IsOnline(ctx, "alice", "lobby"); online {
		t.Fatal("alice's presence should be released")
	}
	if _, err := f.mgr.MarkReady(ctx, s.ID, "bob"); err != nil {
		t.Fatalf("MarkReady() on finished session error = %v", err)
	}
	again, _ := f.mgr.Get(ctx, s.ID, "")
	if again.Status != domain.SessionFinished {
		t.Fatal("finished must be absorbing")
	}
}

func TestFinishOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.drawingSession(t, "c1")

	n, err := f.mgr.FinishOverdue(ctx, f.clock.Now().Add(DefaultRoundDuration-time.Second))
	if err != nil || n != 0 {
		t.Fatalf("early FinishOverdue() = %d, %v", n, err)
	}
	n, err = f.mgr.FinishOverdue(ctx, f.clock.Now().Add(DefaultRoundDuration))
	if err != nil || n != 1 {
		t.Fatalf("FinishOverdue() = %d, %v; want 1", n, err)
	}
	if _, err := f.mgr.Outcome(ctx, s.ID, ""); err != nil {
		t.Fatalf("Outcome() error = %v", err)
	}
	active, _ := f.mgr.ActiveForPlayer(ctx, "alice")
	if len(active) != 0 {
		t.Fatalf("active sessions = %d, want 0", len(active))
	}
}

func TestOutcomeRequiresFinished(t *testing.T) {
	f := newFixture(t)
	s := f.drawingSession(t, "c1")
	if _, err := f.mgr.Outcome(context.Background(), s.ID, "alice"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Outcome() error = %v, want conflict", err)
	}
	if _, err := f.mgr.Outcome(context.Background(), "missing", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Outcome(missing) error = %v, want not found", err)
	}
}

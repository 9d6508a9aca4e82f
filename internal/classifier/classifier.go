// Package classifier talks to the external drawing classifier.
package classifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
)

// Guess is one candidate label.
type Guess struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Result is the classifier verdict for a drawing.
type Result struct {
	Guesses   []Guess `json:"guesses"`
	MainGuess string  `json:"main_guess"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// Top returns the main guess and its confidence. When the main guess is empty
// the highest-confidence guess is used.
func (r *Result) Top() (string, float64) {
	if r == nil {
		return "", 0
	}
	var best Guess
	for _, g := range r.Guesses {
		if r.MainGuess != "" && g.Label == r.MainGuess {
			return g.Label, g.Confidence
		}
		if g.Confidence > best.Confidence || best.Label == "" {
			best = g
		}
	}
	if r.MainGuess != "" {
		return r.MainGuess, 0
	}
	return best.Label, best.Confidence
}

// Classifier labels a rendered drawing against a vocabulary.
type Classifier interface {
	Classify(ctx context.Context, image []byte, vocabulary []string) (*Result, error)
}

// Disabled is used when no classifier address is configured.
type Disabled struct{}

// Classify always fails with ClassifierUnavailable.
func (Disabled) Classify(context.Context, []byte, []string) (*Result, error) {
	return nil, domain.Errorf(domain.CodeClassifierUnavailable, "classifier not configured")
}

// Retrying wraps a Classifier with a per-attempt timeout and exponential backoff.
type Retrying struct {
	Inner     Classifier
	Attempts  int
	BaseDelay time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NewRetrying wraps inner with 3 attempts, 200ms base delay and the given timeout.
func NewRetrying(inner Classifier, timeout time.Duration) *Retrying {
	return &Retrying{
		Inner:     inner,
		Attempts:  3,
		BaseDelay: 200 * time.Millisecond,
		Timeout:   timeout,
		Logger:    slog.Default(),
	}
}

// Classify calls Inner until it succeeds or attempts run out.
// The final error is always a ClassifierUnavailable domain error.
func (r *Retrying) Classify(ctx context.Context, image []byte, vocabulary []string) (*Result, error) {
	attempts := max(r.Attempts, 1)
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for i := range attempts {
		res, err := r.attempt(ctx, image, vocabulary)
		if err == nil {
			return res, nil
		}
		lastErr = err

		// Not configured; retrying cannot help.
		if errors.Is(err, domain.ErrClassifierUnavailable) {
			break
		}
		if ctx.Err() != nil || i == attempts-1 {
			break
		}

		delay := r.BaseDelay * time.Duration(1<<i)
		logger.Warn("Classifier call failed, retrying",
			"attempt", i+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, domain.Wrap(domain.CodeClassifierUnavailable, "classifier call cancelled", ctx.Err())
		case <-time.After(delay):
		}
	}
	if errors.Is(lastErr, domain.ErrClassifierUnavailable) {
		return nil, lastErr
	}
	return nil, domain.Wrap(domain.CodeClassifierUnavailable, "classifier call failed", lastErr)
}

func (r *Retrying) attempt(ctx context.Context, image []byte, vocabulary []string) (*Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	return r.Inner.Classify(ctx, image, vocabulary)
}

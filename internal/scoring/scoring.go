// Package scoring decides correctness, running scores, and duel rewards.
// It performs no I/O.
package scoring

import (
	"strings"

	"github.com/ashureev/sketch-duel/internal/domain"
	"golang.org/x/text/cases"
)

// Reward tiers.
const (
	RewardWin       = 50
	RewardTie       = 25
	RewardLoss      = 15
	RewardBonus     = 10
	BonusThreshold  = 5
	PointsPerPrompt = 1
)

var fold = cases.Fold()

// Evaluate reports whether the classifier label names the expected word.
// Comparison ignores surrounding whitespace and case.
func Evaluate(expected, label string) bool {
	e := strings.TrimSpace(expected)
	l := strings.TrimSpace(label)
	if e == "" || l == "" {
		return false
	}
	return fold.String(e) == fold.String(l)
}

// DeltaFor returns the score increment for a verdict.
func DeltaFor(correct bool) int {
	if correct {
		return PointsPerPrompt
	}
	return 0
}

// Scores is a pair of running scores.
type Scores struct {
	Player1 int
	Player2 int
}

// Of returns the score of side, or zero for an unknown side.
func (s Scores) Of(side domain.Side) int {
	switch side {
	case domain.SidePlayer1:
		return s.Player1
	case domain.SidePlayer2:
		return s.Player2
	}
	return 0
}

// ScoresOf reads the running scores of a session.
func ScoresOf(s *domain.DuelSession) Scores {
	return Scores{Player1: s.Player1Score, Player2: s.Player2Score}
}

// ApplyScoreDelta returns scores with delta added to side.
// Negative deltas and unknown sides leave the scores unchanged.
func ApplyScoreDelta(scores Scores, side domain.Side, delta int) Scores {
	if delta <= 0 {
		return scores
	}
	switch side {
	case domain.SidePlayer1:
		scores.Player1 += delta
	case domain.SidePlayer2:
		scores.Player2 += delta
	}
	return scores
}

// ComputeOutcome determines the winner and rewards of a session.
func ComputeOutcome(s *domain.DuelSession) domain.Outcome {
	scores := ScoresOf(s)
	out := domain.Outcome{
		Player1Score: scores.Player1,
		Player2Score: scores.Player2,
	}

	switch {
	case scores.Player1 > scores.Player2:
		out.Winner = domain.SidePlayer1
		out.WinnerID = s.Player1ID
		out.Player1Reward, out.Player2Reward = RewardWin, RewardLoss
	case scores.Player2 > scores.Player1:
		out.Winner = domain.SidePlayer2
		out.WinnerID = s.Player2ID
		out.Player1Reward, out.Player2Reward = RewardLoss, RewardWin
	default:
		out.Winner = domain.SideTie
		out.Player1Reward, out.Player2Reward = RewardTie, RewardTie
	}

	out.Player1Reward += bonus(scores.Player1)
	out.Player2Reward += bonus(scores.Player2)
	return out
}

func bonus(score int) int {
	if score >= BonusThreshold {
		return RewardBonus
	}
	return 0
}

package domain

import (
	"time"
)

// SessionStatus is the state of a duel session. Transitions only move forward.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionReadyWait SessionStatus = "ready_wait"
	SessionCountdown SessionStatus = "countdown"
	SessionDrawing   SessionStatus = "drawing"
	SessionFinished  SessionStatus = "finished"
)

var sessionRank = map[SessionStatus]int{
	SessionCreated:   0,
	SessionReadyWait: 1,
	SessionCountdown: 2,
	SessionDrawing:   3,
	SessionFinished:  4,
}

// Rank orders statuses along the state machine. Unknown statuses rank -1.
func (s SessionStatus) Rank() int {
	if r, ok := sessionRank[s]; ok {
		return r
	}
	return -1
}

// Side identifies one of the two duel seats.
type Side string

const (
	SidePlayer1 Side = "player1"
	SidePlayer2 Side = "player2"
	SideTie     Side = "tie"
)

// DuelSession is the persisted state of an accepted challenge being played.
type DuelSession struct {
	ID           string        `json:"id"`
	ChallengeID  string        `json:"challenge_id"`
	Player1ID    string        `json:"player1_id"`
	Player1Name  string        `json:"player1_name"`
	Player2ID    string        `json:"player2_id"`
	Player2Name  string        `json:"player2_name"`
	ScopeID      string        `json:"scope_id"`
	Status       SessionStatus `json:"status"`
	Player1Score int           `json:"player1_score"`
	Player2Score int           `json:"player2_score"`
	Player1Index int           `json:"player1_index"`
	Player2Index int           `json:"player2_index"`
	Player1Ready bool          `json:"player1_ready"`
	Player2Ready bool          `json:"player2_ready"`
	// PromptOrder holds prompt word IDs. Fixed at creation.
	PromptOrder    []string   `json:"prompt_order"`
	RoundStartTime *time.Time `json:"round_start_time,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SideOf returns the seat held by playerID, or false if not a participant.
func (s *DuelSession) SideOf(playerID string) (Side, bool) {
	switch playerID {
	case s.Player1ID:
		return SidePlayer1, true
	case s.Player2ID:
		return SidePlayer2, true
	default:
		return "", false
	}
}

// Participants returns both player IDs.
func (s *DuelSession) Participants() []string {
	return []string{s.Player1ID, s.Player2ID}
}

// IndexOf returns the prompt cursor for a side.
func (s *DuelSession) IndexOf(side Side) int {
	if side == SidePlayer2 {
		return s.Player2Index
	}
	return s.Player1Index
}

// ScoreOf returns the running score for a side.
func (s *DuelSession) ScoreOf(side Side) int {
	if side == SidePlayer2 {
		return s.Player2Score
	}
	return s.Player1Score
}

// IsFinished reports whether the session reached its absorbing state.
func (s *DuelSession) IsFinished() bool {
	return s.Status == SessionFinished
}

// Remaining returns the drawing time left at now.
// An unstarted round reports the full duration.
func (s *DuelSession) Remaining(now time.Time, roundDuration time.Duration) time.Duration {
	if s.RoundStartTime == nil {
		return roundDuration
	}
	left := roundDuration - now.Sub(*s.RoundStartTime)
	if left < 0 {
		return 0
	}
	return left
}

// SubmissionResult is the transient verdict on one drawing.
type SubmissionResult struct {
	PlayerID     string  `json:"player_id"`
	PromptIndex  int     `json:"prompt_index"`
	ExpectedWord string  `json:"expected_word"`
	GuessedLabel string  `json:"guessed_label"`
	Confidence   float64 `json:"confidence"`
	IsCorrect    bool    `json:"is_correct"`
	// Score is the submitter's running score after this drawing.
	Score int `json:"score"`
	// Unresolved is set when the classifier could not produce a verdict.
	Unresolved bool `json:"unresolved,omitempty"`
	// Duplicate is set when the prompt was already submitted.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Outcome is the final result of a finished session.
type Outcome struct {
	Winner        Side   `json:"winner"`
	WinnerID      string `json:"winner_id,omitempty"`
	Player1Score  int    `json:"player1_score"`
	Player2Score  int    `json:"player2_score"`
	Player1Reward int    `json:"player1_reward"`
	Player2Reward int    `json:"player2_reward"`
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
	"github.com/ashureev/sketch-duel/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while a conditional update holds the write lock.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy()}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

var _ Repository = (*SQLiteStore)(nil)

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS presence (
		player_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		scope_id TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_presence_scope ON presence(scope_id, last_seen_at);

	CREATE TABLE IF NOT EXISTS blocks (
		blocker_id TEXT NOT NULL,
		blocked_id TEXT NOT NULL,
		blocked_name TEXT NOT NULL DEFAULT '',
		reason TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (blocker_id, blocked_id)
	);

	CREATE TABLE IF NOT EXISTS challenges (
		id TEXT PRIMARY KEY,
		challenger_id TEXT NOT NULL,
		challenger_name TEXT NOT NULL,
		challenged_id TEXT NOT NULL,
		challenged_name TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_challenges_pending ON challenges(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_challenges_challenger ON challenges(challenger_id);
	CREATE INDEX IF NOT EXISTS idx_challenges_challenged ON challenges(challenged_id);

	CREATE TABLE IF NOT EXISTS duel_sessions (
		id TEXT PRIMARY KEY,
		challenge_id TEXT NOT NULL UNIQUE,
		player1_id TEXT NOT NULL,
		player1_name TEXT NOT NULL,
		player2_id TEXT NOT NULL,
		player2_name TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		status TEXT NOT NULL,
		player1_score INTEGER NOT NULL DEFAULT 0,
		player2_score INTEGER NOT NULL DEFAULT 0,
		player1_index INTEGER NOT NULL DEFAULT 0,
		player2_index INTEGER NOT NULL DEFAULT 0,
		player1_ready INTEGER NOT NULL DEFAULT 0,
		player2_ready INTEGER NOT NULL DEFAULT 0,
		prompt_order TEXT NOT NULL,
		prompt_count INTEGER NOT NULL,
		round_start_time INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON duel_sessions(status, round_start_time);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// exec runs a write statement, retrying on lock contention.
func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := shared.RetryOnBusy(ctx, s.retry, op, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// execConditional runs a conditional update and reports whether a row changed.
func (s *SQLiteStore) execConditional(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.exec(ctx, op, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// missOrConflict distinguishes a missing row from a lost conditional update.
func (s *SQLiteStore) missOrConflict(ctx context.Context, table, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check %s existence: %w", table, err)
	}
	return ErrConflict
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- presence ---

// UpsertPresence creates or refreshes a presence record.
func (s *SQLiteStore) UpsertPresence(ctx context.Context, rec *domain.PresenceRecord) error {
	query := `
	INSERT INTO presence (player_id, display_name, group_id, scope_id, last_seen_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(player_id) DO UPDATE SET
		display_name = excluded.display_name,
		group_id = excluded.group_id,
		scope_id = excluded.scope_id,
		last_seen_at = excluded.last_seen_at`

	_, err := s.exec(ctx, "upsert presence", query,
		rec.ID, rec.DisplayName, rec.GroupID, rec.ScopeID, toMillis(rec.LastSeenAt))
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// DeletePresence removes a presence record.
func (s *SQLiteStore) DeletePresence(ctx context.Context, playerID string) (bool, error) {
	return s.execConditional(ctx, "delete presence", `DELETE FROM presence WHERE player_id = ?`, playerID)
}

// GetPresence retrieves a presence record.
func (s *SQLiteStore) GetPresence(ctx context.Context, playerID string) (*domain.PresenceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT player_id, display_name, group_id, scope_id, last_seen_at
		FROM presence WHERE player_id = ?`, playerID)

	rec, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan presence row: %w", err)
	}
	return rec, nil
}

// ListPresence returns live records in a scope.
func (s *SQLiteStore) ListPresence(ctx context.Context, scopeID, groupID, excludeID string, since time.Time) ([]domain.PresenceRecord, error) {
	query := `
		SELECT player_id, display_name, group_id, scope_id, last_seen_at
		FROM presence
		WHERE scope_id = ? AND last_seen_at >= ? AND player_id != ?`
	args := []any{scopeID, toMillis(since), excludeID}
	if groupID != "" {
		query += ` AND group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY display_name, player_id`

	return s.queryPresence(ctx, "list presence", query, args...)
}

// DeleteStalePresence removes and returns records last seen before the threshold.
func (s *SQLiteStore) DeleteStalePresence(ctx context.Context, before time.Time) ([]domain.PresenceRecord, error) {
	query := `
		DELETE FROM presence WHERE last_seen_at < ?
		RETURNING player_id, display_name, group_id, scope_id, last_seen_at`

	var out []domain.PresenceRecord
	err := shared.RetryOnBusy(ctx, s.retry, "delete stale presence", func() error {
		recs, err := s.queryPresence(ctx, "delete stale presence", query, toMillis(before))
		out = recs
		return err
	})
	return out, err
}

func (s *SQLiteStore) queryPresence(ctx context.Context, op, query string, args ...any) ([]domain.PresenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close presence rows", "error", closeErr)
		}
	}()

	var out []domain.PresenceRecord
	for rows.Next() {
		rec, err := scanPresence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan presence row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return out, nil
}

func scanPresence(row rowScanner) (*domain.PresenceRecord, error) {
	var rec domain.PresenceRecord
	var lastSeen int64
	if err := row.Scan(&rec.ID, &rec.DisplayName, &rec.GroupID, &rec.ScopeID, &lastSeen); err != nil {
		return nil, err
	}
	rec.LastSeenAt = fromMillis(lastSeen)
	return &rec, nil
}

// --- blocks ---

// InsertBlock stores a block relation.
func (s *SQLiteStore) InsertBlock(ctx context.Context, rel *domain.BlockRelation) error {
	query := `
	INSERT INTO blocks (blocker_id, blocked_id, blocked_name, reason, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(blocker_id, blocked_id) DO NOTHING`

	var reason any
	if rel.Reason != "" {
		reason = rel.Reason
	}

	_, err := s.exec(ctx, "insert block", query,
		rel.BlockerID, rel.BlockedID, rel.BlockedName, reason, toMillis(rel.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

// DeleteBlock removes a block relation.
func (s *SQLiteStore) DeleteBlock(ctx context.Context, blockerID, blockedID string) (bool, error) {
	return s.execConditional(ctx, "delete block",
		`DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
}

// HasBlock reports whether blockerID has blocked blockedID.
func (s *SQLiteStore) HasBlock(ctx context.Context, blockerID, blockedID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query block: %w", err)
	}
	return true, nil
}

// ListBlocks returns relations created by blockerID.
func (s *SQLiteStore) ListBlocks(ctx context.Context, blockerID string) ([]domain.BlockRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blocker_id, blocked_id, blocked_name, reason, created_at
		FROM blocks WHERE blocker_id = ? ORDER BY created_at`, blockerID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close block rows", "error", closeErr)
		}
	}()

	var out []domain.BlockRelation
	for rows.Next() {
		var rel domain.BlockRelation
		var reason sql.NullString
		var createdAt int64
		if err := rows.Scan(&rel.BlockerID, &rel.BlockedID, &rel.BlockedName, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		rel.Reason = reason.String
		rel.CreatedAt = fromMillis(createdAt)
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}

// --- challenges ---

const challengeColumns = `id, challenger_id, challenger_name, challenged_id, challenged_name,
	scope_id, status, created_at, updated_at`

// InsertChallenge stores a new challenge.
func (s *SQLiteStore) InsertChallenge(ctx context.Context, c *domain.Challenge) error {
	query := `INSERT INTO challenges (` + challengeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, "insert challenge", query,
		c.ID, c.ChallengerID, c.ChallengerName, c.ChallengedID, c.ChallengedName,
		c.ScopeID, string(c.Status), toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// GetChallenge retrieves a challenge by ID.
func (s *SQLiteStore) GetChallenge(ctx context.Context, id string) (*domain.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = ?`, id)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan challenge row: %w", err)
	}
	return c, nil
}

// TransitionChallenge performs a compare-and-swap on the challenge status.
func (s *SQLiteStore) TransitionChallenge(ctx context.Context, id string, from, to domain.ChallengeStatus, at time.Time) error {
	changed, err := s.execConditional(ctx, "transition challenge",
		`UPDATE challenges SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMillis(at), id, string(from))
	if err != nil {
		return err
	}
	if !changed {
		return s.missOrConflict(ctx, "challenges", id)
	}
	return nil
}

// ListStaleChallenges returns pending challenges created at or before the threshold.
func (s *SQLiteStore) ListStaleChallenges(ctx context.Context, createdAtOrBefore time.Time) ([]domain.Challenge, error) {
	return s.queryChallenges(ctx, "list stale challenges",
		`SELECT `+challengeColumns+` FROM challenges
		WHERE status = ? AND created_at <= ? ORDER BY created_at`,
		string(domain.ChallengePending), toMillis(createdAtOrBefore))
}

// ListChallengesForPlayer returns challenges involving playerID.
func (s *SQLiteStore) ListChallengesForPlayer(ctx context.Context, playerID string, status domain.ChallengeStatus) ([]domain.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges
		WHERE (challenger_id = ? OR challenged_id = ?)`
	args := []any{playerID, playerID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT 100`
	return s.queryChallenges(ctx, "list player challenges", query, args...)
}

func (s *SQLiteStore) queryChallenges(ctx context.Context, op, query string, args ...any) ([]domain.Challenge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close challenge rows", "error", closeErr)
		}
	}()

	var out []domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge row: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate challenges: %w", err)
	}
	return out, nil
}

func scanChallenge(row rowScanner) (*domain.Challenge, error) {
	var c domain.Challenge
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ID, &c.ChallengerID, &c.ChallengerName, &c.ChallengedID, &c.ChallengedName,
		&c.ScopeID, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = domain.ChallengeStatus(status)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// --- duel sessions ---

const sessionColumns = `id, challenge_id, player1_id, player1_name, player2_id, player2_name,
	scope_id, status, player1_score, player2_score, player1_index, player2_index,
	player1_ready, player2_ready, prompt_order, round_start_time, created_at, updated_at`

// sideColumns maps a side to its index, score and ready columns.
var sideColumns = map[domain.Side][3]string{
	domain.SidePlayer1: {"player1_index", "player1_score", "player1_ready"},
	domain.SidePlayer2: {"player2_index", "player2_score", "player2_ready"},
}

// InsertSession stores a new duel session.
func (s *SQLiteStore) InsertSession(ctx context.Context, sess *domain.DuelSession) error {
	order, err := json.Marshal(sess.PromptOrder)
	if err != nil {
		return fmt.Errorf("encode prompt order: %w", err)
	}

	var roundStart any
	if sess.RoundStartTime != nil {
		roundStart = toMillis(*sess.RoundStartTime)
	}

	query := `INSERT INTO duel_sessions (` + sessionColumns + `, prompt_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.exec(ctx, "insert session", query,
		sess.ID, sess.ChallengeID, sess.Player1ID, sess.Player1Name, sess.Player2ID, sess.Player2Name,
		sess.ScopeID, string(sess.Status), sess.Player1Score, sess.Player2Score,
		sess.Player1Index, sess.Player2Index, sess.Player1Ready, sess.Player2Ready,
		string(order), roundStart, toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt),
		len(sess.PromptOrder))
	if err != nil {
		if shared.IsConstraintError(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.DuelSession, error) {
	return s.getSessionWhere(ctx, "id", id)
}

// GetSessionByChallenge retrieves the session opened from a challenge.
func (s *SQLiteStore) GetSessionByChallenge(ctx context.Context, challengeID string) (*domain.DuelSession, error) {
	return s.getSessionWhere(ctx, "challenge_id", challengeID)
}

func (s *SQLiteStore) getSessionWhere(ctx context.Context, column, value string) (*domain.DuelSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM duel_sessions WHERE `+column+` = ?`, value)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListActiveSessionsForPlayer returns unfinished sessions involving playerID.
func (s *SQLiteStore) ListActiveSessionsForPlayer(ctx context.Context, playerID string) ([]domain.DuelSession, error) {
	return s.querySessions(ctx, "list active sessions",
		`SELECT `+sessionColumns+` FROM duel_sessions
		WHERE (player1_id = ? OR player2_id = ?) AND status != ?
		ORDER BY created_at DESC`,
		playerID, playerID, string(domain.SessionFinished))
}

// MarkReady sets a side's ready flag and advances to ready_wait once both are set.
func (s *SQLiteStore) MarkReady(ctx context.Context, id string, side domain.Side, at time.Time) error {
	cols, ok := sideColumns[side]
	if !ok {
		return fmt.Errorf("mark ready: unknown side %q", side)
	}
	other := sideColumns[domain.SidePlayer2][2]
	if side == domain.SidePlayer2 {
		other = sideColumns[domain.SidePlayer1][2]
	}

	// SET expressions read the pre-update row, so the other side's flag is
	// evaluated atomically with this side's write.
	query := fmt.Sprintf(`UPDATE duel_sessions SET
			%[1]s = 1,
			status = CASE WHEN %[2]s = 1 THEN ? ELSE status END,
			updated_at = ?
		WHERE id = ? AND status = ?`, cols[2], other)

	changed, err := s.execConditional(ctx, "mark ready", query,
		string(domain.SessionReadyWait), toMillis(at), id, string(domain.SessionCreated))
	if err != nil {
		return err
	}
	if !changed {
		return s.missOrConflict(ctx, "duel_sessions", id)
	}
	return nil
}

// TransitionSession performs a compare-and-swap on the session status.
func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, from []domain.SessionStatus, to domain.SessionStatus, at time.Time) error {
	if len(from) == 0 {
		return fmt.Errorf("transition session: no source status")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{string(to), toMillis(at), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	changed, err := s.execConditional(ctx, "transition session",
		`UPDATE duel_sessions SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return err
	}
	if !changed {
		return s.missOrConflict(ctx, "duel_sessions", id)
	}
	return nil
}

// StartRound sets the round start time exactly once.
func (s *SQLiteStore) StartRound(ctx context.Context, id string, startedAt time.Time) error {
	changed, err := s.execConditional(ctx, "start round",
		`UPDATE duel_sessions SET status = ?, round_start_time = ?, updated_at = ?
		WHERE id = ? AND status = ? AND round_start_time IS NULL`,
		string(domain.SessionDrawing), toMillis(startedAt), toMillis(startedAt),
		id, string(domain.SessionCountdown))
	if err != nil {
		return err
	}
	if !changed {
		return s.missOrConflict(ctx, "duel_sessions", id)
	}
	return nil
}

// RecordSubmission advances a side's index and sets its score atomically.
// The write misses once the round started at or before roundStartedAfter.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, id string, side domain.Side, promptIndex, score int, roundStartedAfter, at time.Time) error {
	cols, ok := sideColumns[side]
	if !ok {
		return fmt.Errorf("record submission: unknown side %q", side)
	}

	query := fmt.Sprintf(`UPDATE duel_sessions SET
			%[1]s = %[1]s + 1,
			%[2]s = ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND %[1]s = ? AND %[1]s < prompt_count
			AND %[2]s <= ?
			AND round_start_time IS NOT NULL AND round_start_time > ?`, cols[0], cols[1])

	changed, err := s.execConditional(ctx, "record submission", query,
		score, toMillis(at), id, string(domain.SessionDrawing), promptIndex,
		score, toMillis(roundStartedAfter))
	if err != nil {
		return err
	}
	if !changed {
		return s.missOrConflict(ctx, "duel_sessions", id)
	}
	return nil
}

// FinishSession moves an unfinished session to finished.
func (s *SQLiteStore) FinishSession(ctx context.Context, id string, at time.Time) (bool, error) {
	changed, err := s.execConditional(ctx, "finish session",
		`UPDATE duel_sessions SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		string(domain.SessionFinished), toMillis(at), id, string(domain.SessionFinished))
	if err != nil {
		return false, err
	}
	if !changed {
		if err := s.missOrConflict(ctx, "duel_sessions", id); errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListOverdueSessions returns drawing sessions whose round started at or before the threshold.
func (s *SQLiteStore) ListOverdueSessions(ctx context.Context, startedAtOrBefore time.Time) ([]domain.DuelSession, error) {
	return s.querySessions(ctx, "list overdue sessions",
		`SELECT `+sessionColumns+` FROM duel_sessions
		WHERE status = ? AND round_start_time IS NOT NULL AND round_start_time <= ?`,
		string(domain.SessionDrawing), toMillis(startedAtOrBefore))
}

func (s *SQLiteStore) querySessions(ctx context.Context, op, query string, args ...any) ([]domain.DuelSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []domain.DuelSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func scanSession(row rowScanner) (*domain.DuelSession, error) {
	var sess domain.DuelSession
	var status, order string
	var roundStart sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&sess.ID, &sess.ChallengeID, &sess.Player1ID, &sess.Player1Name, &sess.Player2ID, &sess.Player2Name,
		&sess.ScopeID, &status, &sess.Player1Score, &sess.Player2Score, &sess.Player1Index, &sess.Player2Index,
		&sess.Player1Ready, &sess.Player2Ready, &order, &roundStart, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(order), &sess.PromptOrder); err != nil {
		return nil, fmt.Errorf("decode prompt order: %w", err)
	}
	sess.Status = domain.SessionStatus(status)
	if roundStart.Valid {
		ts := fromMillis(roundStart.Int64)
		sess.RoundStartTime = &ts
	}
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return &sess, nil
}

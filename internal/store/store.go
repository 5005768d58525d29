// Package store persists tasks, sessions, iterations, decisions, budget
// counters, breakpoints and checkpoints in sqlite. Iterations and decisions
// are append-only; the active-session claim on tasks guarantees at most one
// live session per task even across concurrent writers.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/paths"
)

type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrSessionActive indicates another session already holds the task's claim.
var ErrSessionActive = errors.New("session already active for task")

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	stmts := []string{`
CREATE TABLE IF NOT EXISTS tasks (
  task_id TEXT PRIMARY KEY,
  description TEXT NOT NULL,
  status TEXT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  max_turns INTEGER NOT NULL DEFAULT 20,
  artifacts_root TEXT NOT NULL,
  active_session_id TEXT,
  failure_reason TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`, `
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
  agent_token TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  started_at TEXT NOT NULL,
  last_active_at TEXT NOT NULL
);
`, `
CREATE TABLE IF NOT EXISTS iterations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
  task_id TEXT NOT NULL,
  prompt TEXT NOT NULL,
  raw_output BLOB NOT NULL,
  outcome_kind TEXT NOT NULL,
  turns_used INTEGER NOT NULL DEFAULT 0,
  input_tokens INTEGER NOT NULL DEFAULT 0,
  cache_write_tokens INTEGER NOT NULL DEFAULT 0,
  cache_read_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  cost_usd REAL NOT NULL DEFAULT 0,
  denied_json TEXT NOT NULL DEFAULT '[]',
  quality_score INTEGER,
  quality_unavailable INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);
`, `
CREATE TABLE IF NOT EXISTS decisions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  iteration_id INTEGER,
  outcome TEXT NOT NULL,
  reason TEXT NOT NULL,
  confidence INTEGER NOT NULL DEFAULT 0,
  usage_ratio REAL NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  thresholds_json TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL
);
`, `
CREATE TABLE IF NOT EXISTS budget (
  session_id TEXT PRIMARY KEY REFERENCES sessions(session_id) ON DELETE CASCADE,
  input_tokens INTEGER NOT NULL DEFAULT 0,
  cache_write_tokens INTEGER NOT NULL DEFAULT 0,
  cache_read_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL
);
`, `
CREATE TABLE IF NOT EXISTS breakpoints (
  breakpoint_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  trigger_kind TEXT NOT NULL,
  context_json TEXT NOT NULL DEFAULT '{}',
  directive TEXT,
  note TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  resolved_at TEXT
);
`, `
CREATE TABLE IF NOT EXISTS checkpoints (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  budget_json TEXT NOT NULL DEFAULT '{}',
  reason TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
`}
	for _, q := range stmts {
		if _, err := tx.Exec(q); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateTask inserts a task or returns the existing row for the same id.
// The boolean reports whether the task already existed.
func (s *Store) CreateTask(r *api.CreateTaskRequest, defMaxRetries, defMaxTurns int) (*api.Task, bool, error) {
	artifactsRoot, aerr := paths.RunsDir(r.TaskID)
	if aerr != nil {
		return nil, false, aerr
	}
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defMaxRetries
	}
	maxTurns := r.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defMaxTurns
	}

	createdAt := now()
	_, err := s.db.Exec(
		`INSERT INTO tasks (task_id, description, status, retry_count, max_retries, max_turns, artifacts_root, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Description, api.TaskPending, maxRetries, maxTurns, artifactsRoot, createdAt, createdAt,
	)
	if err == nil {
		t, err := s.GetTask(r.TaskID)
		return t, false, err
	}
	if !isUniqueConstraintError(err) {
		return nil, false, err
	}
	t, getErr := s.GetTask(r.TaskID)
	return t, true, getErr
}

const taskCols = `task_id, description, status, retry_count, max_retries, max_turns, artifacts_root, active_session_id, failure_reason, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*api.Task, error) {
	var t api.Task
	var active sql.NullString
	if err := row.Scan(&t.TaskID, &t.Description, &t.Status, &t.RetryCount, &t.MaxRetries, &t.MaxTurns, &t.ArtifactsRoot, &active, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if active.Valid {
		v := active.String
		t.ActiveSessionID = &v
	}
	return &t, nil
}

func (s *Store) GetTask(taskID string) (*api.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks returns tasks ordered newest first. If limit <= 0, return all.
func (s *Store) ListTasks(limit int) ([]*api.Task, error) {
	q := `SELECT ` + taskCols + ` FROM tasks ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasksByStatus returns tasks in the given status, oldest first, so the
// orchestrator resumes work in submission order.
func (s *Store) ListTasksByStatus(status api.TaskStatus) ([]*api.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskCols+` FROM tasks WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus sets status (and updated_at), retrying on SQLITE_BUSY so
// transient contention never leaves a task stuck.
func (s *Store) UpdateTaskStatus(taskID string, status api.TaskStatus) error {
	return s.busyRetry(func() error {
		res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`, status, now(), taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FinishTask sets a terminal status together with the human-readable reason
// derived from the last decision.
func (s *Store) FinishTask(taskID string, status api.TaskStatus, reason string) error {
	return s.busyRetry(func() error {
		_, err := s.db.Exec(`UPDATE tasks SET status = ?, failure_reason = ?, updated_at = ? WHERE task_id = ?`, status, reason, now(), taskID)
		return err
	})
}

// IncrementRetryCount bumps the task retry counter and returns the new value.
func (s *Store) IncrementRetryCount(taskID string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`UPDATE tasks SET retry_count = retry_count + 1, updated_at = ? WHERE task_id = ?`, now(), taskID); err != nil {
		return 0, err
	}
	var v int
	if err := tx.QueryRow(`SELECT retry_count FROM tasks WHERE task_id = ?`, taskID).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return v, nil
}

// IsTaskCancelled reports whether a task is currently cancelled.
// Returns ErrNotFound if the task can't be found.
func (s *Store) IsTaskCancelled(taskID string) (bool, error) {
	row := s.db.QueryRow(`SELECT status FROM tasks WHERE task_id = ?`, taskID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return status == string(api.TaskCancelled), nil
}

// CancelTask sets status to 'cancelled' if the task exists and is not already
// terminal. Returns true if the status was changed.
func (s *Store) CancelTask(taskID string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`SELECT status FROM tasks WHERE task_id = ?`, taskID)
	var status api.TaskStatus
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	if status.Terminal() {
		return false, tx.Commit()
	}

	if _, err := tx.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`, api.TaskCancelled, now(), taskID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// CreateSession inserts a session row and claims the task's active-session
// slot in the same transaction. If another session already holds the claim,
// nothing is persisted and ErrSessionActive is returned.
func (s *Store) CreateSession(sess *api.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow(`SELECT 1 FROM tasks WHERE task_id = ?`, sess.TaskID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	ts := now()
	if sess.StartedAt == "" {
		sess.StartedAt = ts
	}
	sess.LastActiveAt = ts
	if sess.State == "" {
		sess.State = api.SessionInitializing
	}
	if _, err := tx.Exec(
		`INSERT INTO sessions (session_id, task_id, agent_token, state, started_at, last_active_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.TaskID, sess.AgentToken, sess.State, sess.StartedAt, sess.LastActiveAt,
	); err != nil {
		return err
	}

	res, err := tx.Exec(`UPDATE tasks SET active_session_id = ?, updated_at = ? WHERE task_id = ? AND active_session_id IS NULL`, sess.SessionID, ts, sess.TaskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// another live session holds the claim; roll back our insert
		_ = tx.Rollback()
		return ErrSessionActive
	}
	return tx.Commit()
}

func (s *Store) GetSession(sessionID string) (*api.Session, error) {
	row := s.db.QueryRow(`SELECT session_id, task_id, agent_token, state, started_at, last_active_at FROM sessions WHERE session_id = ?`, sessionID)
	var sess api.Session
	if err := row.Scan(&sess.SessionID, &sess.TaskID, &sess.AgentToken, &sess.State, &sess.StartedAt, &sess.LastActiveAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// LatestSession returns the task's most recently started session.
func (s *Store) LatestSession(taskID string) (*api.Session, error) {
	row := s.db.QueryRow(`SELECT session_id, task_id, agent_token, state, started_at, last_active_at FROM sessions WHERE task_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, taskID)
	var sess api.Session
	if err := row.Scan(&sess.SessionID, &sess.TaskID, &sess.AgentToken, &sess.State, &sess.StartedAt, &sess.LastActiveAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) UpdateSessionState(sessionID string, state api.SessionState) error {
	return s.busyRetry(func() error {
		res, err := s.db.Exec(`UPDATE sessions SET state = ?, last_active_at = ? WHERE session_id = ?`, state, now(), sessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetSessionToken records the agent-side resumption token once the first
// exchange reveals it.
func (s *Store) SetSessionToken(sessionID, token string) error {
	return s.busyRetry(func() error {
		_, err := s.db.Exec(`UPDATE sessions SET agent_token = ?, last_active_at = ? WHERE session_id = ?`, token, now(), sessionID)
		return err
	})
}

// ReleaseSession moves a session to a final state and releases the task's
// claim if this session holds it. Safe to call more than once.
func (s *Store) ReleaseSession(taskID, sessionID string, state api.SessionState) error {
	return s.busyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(`UPDATE sessions SET state = ?, last_active_at = ? WHERE session_id = ?`, state, now(), sessionID); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE tasks SET active_session_id = NULL, updated_at = ? WHERE task_id = ? AND active_session_id = ?`, now(), taskID, sessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// AppendIteration records one finished exchange. Rows are never updated.
func (s *Store) AppendIteration(it *api.Iteration) (int64, error) {
	denied, err := json.Marshal(it.DeniedOperations)
	if err != nil {
		return 0, err
	}
	var quality sql.NullInt64
	if it.QualityScore != nil {
		quality = sql.NullInt64{Int64: int64(*it.QualityScore), Valid: true}
	}
	createdAt := it.CreatedAt
	if createdAt == "" {
		createdAt = now()
	}
	res, err := s.db.Exec(
		`INSERT INTO iterations (session_id, task_id, prompt, raw_output, outcome_kind, turns_used, input_tokens, cache_write_tokens, cache_read_tokens, output_tokens, cost_usd, denied_json, quality_score, quality_unavailable, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.SessionID, it.TaskID, it.Prompt, []byte(it.RawOutput), it.OutcomeKind, it.TurnsUsed,
		it.Usage.Input, it.Usage.CacheWrite, it.Usage.CacheRead, it.Usage.Output,
		it.CostUSD, string(denied), quality, boolToInt(it.QualityUnavailable), it.DurationMS, createdAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const iterCols = `id, session_id, task_id, prompt, raw_output, outcome_kind, turns_used, input_tokens, cache_write_tokens, cache_read_tokens, output_tokens, cost_usd, denied_json, quality_score, quality_unavailable, duration_ms, created_at`

func scanIteration(row interface{ Scan(...any) error }) (*api.Iteration, error) {
	var it api.Iteration
	var raw []byte
	var denied string
	var quality sql.NullInt64
	var unavailable int
	if err := row.Scan(&it.ID, &it.SessionID, &it.TaskID, &it.Prompt, &raw, &it.OutcomeKind, &it.TurnsUsed,
		&it.Usage.Input, &it.Usage.CacheWrite, &it.Usage.CacheRead, &it.Usage.Output,
		&it.CostUSD, &denied, &quality, &unavailable, &it.DurationMS, &it.CreatedAt); err != nil {
		return nil, err
	}
	it.RawOutput = string(raw)
	if denied != "" {
		_ = json.Unmarshal([]byte(denied), &it.DeniedOperations)
	}
	if quality.Valid {
		v := int(quality.Int64)
		it.QualityScore = &v
	}
	it.QualityUnavailable = unavailable != 0
	return &it, nil
}

// ListIterations returns iterations for a task, oldest first. If limit > 0
// only the most recent `limit` rows are returned (still oldest first).
func (s *Store) ListIterations(taskID string, limit int) ([]*api.Iteration, error) {
	q := `SELECT ` + iterCols + ` FROM iterations WHERE task_id = ? ORDER BY id ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		q = `SELECT ` + iterCols + ` FROM (SELECT ` + iterCols + ` FROM iterations WHERE task_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id ASC`
		rows, err = s.db.Query(q, taskID, limit)
	} else {
		rows, err = s.db.Query(q, taskID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) GetIteration(id int64) (*api.Iteration, error) {
	row := s.db.QueryRow(`SELECT `+iterCols+` FROM iterations WHERE id = ?`, id)
	it, err := scanIteration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

// IterationStats counts prior exchanges for the history term of the
// confidence engine: total recorded iterations and how many succeeded.
func (s *Store) IterationStats(taskID string) (total int, succeeded int, err error) {
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome_kind = ? THEN 1 ELSE 0 END), 0) FROM iterations WHERE task_id = ?`, api.OutcomeSuccess, taskID)
	if err := row.Scan(&total, &succeeded); err != nil {
		return 0, 0, err
	}
	return total, succeeded, nil
}

// RecordDecision appends one decision row. Callers persist the decision
// before executing the action it authorizes.
func (s *Store) RecordDecision(d *api.Decision) (int64, error) {
	createdAt := d.CreatedAt
	if createdAt == "" {
		createdAt = now()
	}
	var iterID sql.NullInt64
	if d.IterationID != nil {
		iterID = sql.NullInt64{Int64: *d.IterationID, Valid: true}
	}
	thresholds := d.Thresholds
	if thresholds == "" {
		thresholds = "{}"
	}
	res, err := s.db.Exec(
		`INSERT INTO decisions (task_id, iteration_id, outcome, reason, confidence, usage_ratio, retry_count, thresholds_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.TaskID, iterID, d.Outcome, d.Reason, d.Confidence, d.UsageRatio, d.RetryCount, thresholds, createdAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const decisionCols = `id, task_id, iteration_id, outcome, reason, confidence, usage_ratio, retry_count, thresholds_json, created_at`

func scanDecision(row interface{ Scan(...any) error }) (*api.Decision, error) {
	var d api.Decision
	var iterID sql.NullInt64
	if err := row.Scan(&d.ID, &d.TaskID, &iterID, &d.Outcome, &d.Reason, &d.Confidence, &d.UsageRatio, &d.RetryCount, &d.Thresholds, &d.CreatedAt); err != nil {
		return nil, err
	}
	if iterID.Valid {
		v := iterID.Int64
		d.IterationID = &v
	}
	return &d, nil
}

func (s *Store) LatestDecision(taskID string) (*api.Decision, error) {
	row := s.db.QueryRow(`SELECT `+decisionCols+` FROM decisions WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *Store) ListDecisions(taskID string, limit int) ([]*api.Decision, error) {
	q := `SELECT ` + decisionCols + ` FROM decisions WHERE task_id = ? ORDER BY id ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, taskID, limit)
	} else {
		rows, err = s.db.Query(q, taskID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddUsage accumulates one per-call token report into the session's counters
// and returns the new cumulative totals. Counters only ever grow; a fresh
// session id starts from zero.
func (s *Store) AddUsage(sessionID string, u api.TokenUsage) (api.TokenUsage, error) {
	var cum api.TokenUsage
	err := s.busyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(
			`INSERT INTO budget (session_id, input_tokens, cache_write_tokens, cache_read_tokens, output_tokens, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
			   input_tokens = input_tokens + excluded.input_tokens,
			   cache_write_tokens = cache_write_tokens + excluded.cache_write_tokens,
			   cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
			   output_tokens = output_tokens + excluded.output_tokens,
			   updated_at = excluded.updated_at`,
			sessionID, u.Input, u.CacheWrite, u.CacheRead, u.Output, now(),
		); err != nil {
			return err
		}
		row := tx.QueryRow(`SELECT input_tokens, cache_write_tokens, cache_read_tokens, output_tokens FROM budget WHERE session_id = ?`, sessionID)
		if err := row.Scan(&cum.Input, &cum.CacheWrite, &cum.CacheRead, &cum.Output); err != nil {
			return err
		}
		return tx.Commit()
	})
	return cum, err
}

// GetUsage returns cumulative counters for a session; a session with no
// recorded calls reports zero usage.
func (s *Store) GetUsage(sessionID string) (api.TokenUsage, error) {
	var cum api.TokenUsage
	row := s.db.QueryRow(`SELECT input_tokens, cache_write_tokens, cache_read_tokens, output_tokens FROM budget WHERE session_id = ?`, sessionID)
	if err := row.Scan(&cum.Input, &cum.CacheWrite, &cum.CacheRead, &cum.Output); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.TokenUsage{}, nil
		}
		return api.TokenUsage{}, err
	}
	return cum, nil
}

func (s *Store) CreateBreakpoint(bp *api.Breakpoint) error {
	createdAt := bp.CreatedAt
	if createdAt == "" {
		createdAt = now()
	}
	_, err := s.db.Exec(
		`INSERT INTO breakpoints (breakpoint_id, task_id, trigger_kind, context_json, note, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		bp.BreakpointID, bp.TaskID, bp.Trigger, bp.Context, bp.Note, createdAt,
	)
	return err
}

const bpCols = `breakpoint_id, task_id, trigger_kind, context_json, directive, note, created_at, COALESCE(resolved_at, '')`

func scanBreakpoint(row interface{ Scan(...any) error }) (*api.Breakpoint, error) {
	var bp api.Breakpoint
	var directive sql.NullString
	if err := row.Scan(&bp.BreakpointID, &bp.TaskID, &bp.Trigger, &bp.Context, &directive, &bp.Note, &bp.CreatedAt, &bp.ResolvedAt); err != nil {
		return nil, err
	}
	if directive.Valid {
		d := api.Directive(directive.String)
		bp.Directive = &d
	}
	return &bp, nil
}

func (s *Store) GetBreakpoint(breakpointID string) (*api.Breakpoint, error) {
	row := s.db.QueryRow(`SELECT `+bpCols+` FROM breakpoints WHERE breakpoint_id = ?`, breakpointID)
	bp, err := scanBreakpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return bp, err
}

// OpenBreakpoint returns the task's unresolved breakpoint, if any.
func (s *Store) OpenBreakpoint(taskID string) (*api.Breakpoint, error) {
	row := s.db.QueryRow(`SELECT `+bpCols+` FROM breakpoints WHERE task_id = ? AND directive IS NULL ORDER BY created_at DESC LIMIT 1`, taskID)
	bp, err := scanBreakpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return bp, err
}

// LatestBreakpoint returns the task's newest breakpoint, resolved or not.
func (s *Store) LatestBreakpoint(taskID string) (*api.Breakpoint, error) {
	row := s.db.QueryRow(`SELECT `+bpCols+` FROM breakpoints WHERE task_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID)
	bp, err := scanBreakpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return bp, err
}

// ResolveBreakpoint records the human directive. Returns true when this call
// resolved it, false when it was already resolved.
func (s *Store) ResolveBreakpoint(breakpointID string, directive api.Directive, note string) (bool, error) {
	if !api.ValidDirective(directive) {
		return false, fmt.Errorf("invalid directive %q", directive)
	}
	res, err := s.db.Exec(
		`UPDATE breakpoints SET directive = ?, note = ?, resolved_at = ? WHERE breakpoint_id = ? AND directive IS NULL`,
		directive, note, now(), breakpointID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, gerr := s.GetBreakpoint(breakpointID); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) RecordCheckpoint(cp *api.Checkpoint) (int64, error) {
	createdAt := cp.CreatedAt
	if createdAt == "" {
		createdAt = now()
	}
	res, err := s.db.Exec(
		`INSERT INTO checkpoints (task_id, session_id, retry_count, budget_json, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cp.TaskID, cp.SessionID, cp.RetryCount, cp.Budget, cp.Reason, createdAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) LatestCheckpoint(taskID string) (*api.Checkpoint, error) {
	row := s.db.QueryRow(`SELECT id, task_id, session_id, retry_count, budget_json, reason, created_at FROM checkpoints WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID)
	var cp api.Checkpoint
	if err := row.Scan(&cp.ID, &cp.TaskID, &cp.SessionID, &cp.RetryCount, &cp.Budget, &cp.Reason, &cp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cp, nil
}

// ReconcileInFlight recovers from a daemon crash: any session still marked
// live is moved to error, claims are released, and tasks caught mid-run are
// put back to pending so the orchestrator re-runs them from their last
// checkpoint. Idempotent. Returns the ids of tasks reset to pending.
func (s *Store) ReconcileInFlight() ([]string, error) {
	const crashNote = "crash recovery: krypton restart"
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`UPDATE sessions SET state = ?, last_active_at = ? WHERE state IN (?, ?, ?)`,
		api.SessionError, now(), api.SessionInitializing, api.SessionReady, api.SessionBusy,
	); err != nil {
		return nil, err
	}

	rows, err := tx.Query(`SELECT task_id FROM tasks WHERE status = ?`, api.TaskRunning)
	if err != nil {
		return nil, err
	}
	var reset []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		reset = append(reset, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		`UPDATE tasks SET status = ?, active_session_id = NULL, failure_reason = ?, updated_at = ? WHERE status = ?`,
		api.TaskPending, crashNote, now(), api.TaskRunning,
	); err != nil {
		return nil, err
	}
	// escalated tasks keep their status; their claims must still drop
	if _, err := tx.Exec(
		`UPDATE tasks SET active_session_id = NULL, updated_at = ? WHERE active_session_id IS NOT NULL`,
		now(),
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reset, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("store(%p)", s)
}

const busyRetries = 5

// busyRetry retries fn on SQLITE_BUSY with exponential backoff.
func (s *Store) busyRetry(fn func() error) error {
	var lastErr error
	for i := 0; i < busyRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isSqliteBusy(lastErr) {
			return lastErr
		}
		time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
	}
	return lastErr
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "database is locked" || msg == "database is busy" || strings.Contains(msg, "SQLITE_BUSY")
}

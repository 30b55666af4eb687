// Package store is the system of record for tasks. All phase transitions go
// through RecordOutcome or Block inside a single SQLite transaction, so a
// task snapshot read elsewhere can only ever be stale, never torn.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/paths"
	"github.com/throw-if-null/covalent/internal/phase"
	"github.com/throw-if-null/covalent/internal/policy"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateTask = errors.New("task already exists")
	ErrTaskTerminal  = errors.New("task is terminal")
	// ErrStaleTask means the task's phase changed after the caller read it.
	// Callers re-fetch and retry.
	ErrStaleTask = errors.New("stale task phase")
	// ErrInvariant marks a state machine violation. It is never retried.
	ErrInvariant = errors.New("invariant violation")
)

const defaultMaxIterations = 5

type Store struct {
	db            *sql.DB
	policy        policy.Policy
	maxIterations int
}

type Options struct {
	// Policy decides verdicts inside RecordOutcome. Zero value means the
	// default pushback policy.
	Policy policy.Policy
	// DefaultMaxIterations applies to tasks created without an explicit
	// budget. Zero means 5.
	DefaultMaxIterations int
}

func New(db *sql.DB, opts Options) *Store {
	p := opts.Policy
	if p.ReviewPassThreshold == 0 {
		p = policy.Default()
	}
	maxIter := opts.DefaultMaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	return &Store{db: db, policy: p, maxIterations: maxIter}
}

// Open opens (creating if needed) the task database at path and applies the
// pragmas the engine relies on.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
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
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
  task_id TEXT PRIMARY KEY,
  prompt TEXT NOT NULL,
  phase TEXT NOT NULL,
  iteration INTEGER NOT NULL DEFAULT 0,
  max_iterations INTEGER NOT NULL DEFAULT 5,
  depends_on TEXT NOT NULL DEFAULT '[]',
  pushback TEXT NOT NULL DEFAULT '',
  blocked_reason TEXT NOT NULL DEFAULT '',
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS artifacts (
  task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
  phase TEXT NOT NULL,
  payload TEXT NOT NULL,
  score REAL,
  iteration INTEGER NOT NULL,
  recorded_at TEXT NOT NULL,
  PRIMARY KEY (task_id, phase)
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
  seq INTEGER NOT NULL,
  phase TEXT NOT NULL,
  status TEXT NOT NULL,
  verdict TEXT NOT NULL,
  to_phase TEXT NOT NULL,
  score REAL,
  diagnostics TEXT NOT NULL DEFAULT '',
  iteration INTEGER NOT NULL,
  recorded_at TEXT NOT NULL,
  UNIQUE (task_id, seq)
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateTask inserts a new task in the plan phase. A missing id is
// generated; declared dependencies must already exist.
func (s *Store) CreateTask(ctx context.Context, r *api.CreateTaskRequest) (*api.Task, error) {
	id := r.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	if err := paths.ValidateTaskID(id); err != nil {
		return nil, err
	}
	maxIter := r.MaxIterations
	if maxIter <= 0 {
		maxIter = s.maxIterations
	}
	depsJSON, err := json.Marshal(append([]string{}, r.DependsOn...))
	if err != nil {
		return nil, err
	}

	createdAt := now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, dep := range r.DependsOn {
		if dep == id {
			return nil, fmt.Errorf("task %s depends on itself", id)
		}
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE task_id = ?`, dep).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("dependency %q: %w", dep, ErrNotFound)
			}
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (task_id, prompt, phase, iteration, max_iterations, depends_on, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		id, r.Prompt, string(phase.Plan), maxIter, string(depsJSON), createdAt, createdAt,
	); err != nil {
		if isUniqueConstraintError(err) {
			return nil, fmt.Errorf("task %s: %w", id, ErrDuplicateTask)
		}
		return nil, err
	}

	task, err := getTaskTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns a full snapshot including artifacts and history.
func (s *Store) GetTask(ctx context.Context, taskID string) (*api.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	task, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

// Phase returns just the task's current phase.
func (s *Store) Phase(ctx context.Context, taskID string) (phase.Phase, error) {
	var p string
	if err := s.db.QueryRowContext(ctx, `SELECT phase FROM tasks WHERE task_id = ?`, taskID).Scan(&p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return phase.Phase(p), nil
}

// ListFilter narrows ListTasks. Zero value lists everything.
type ListFilter struct {
	Phase phase.Phase
	Limit int
}

// ListTasks returns task rows newest first, without artifacts or history.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]*api.Task, error) {
	q := `SELECT task_id, prompt, phase, iteration, max_iterations, depends_on, pushback, blocked_reason, created_at, updated_at FROM tasks`
	args := []any{}
	if f.Phase != "" {
		q += ` WHERE phase = ?`
		args = append(args, string(f.Phase))
	}
	q += ` ORDER BY created_at DESC, task_id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ResumableTasks returns ids of tasks in an executable phase, oldest first.
// The scheduler re-admits them after a restart.
func (s *Store) ResumableTasks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id FROM tasks WHERE phase IN (?, ?, ?, ?) ORDER BY created_at ASC, task_id ASC`,
		string(phase.Plan), string(phase.Code), string(phase.Test), string(phase.Review),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequestCancel flags a task for cooperative cancellation. Returns true if
// the flag changed; terminal tasks are left untouched.
func (s *Store) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	var changed bool
	err := s.withBusyRetry(func() error {
		changed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var p string
		var flagged int
		if err := tx.QueryRowContext(ctx, `SELECT phase, cancel_requested FROM tasks WHERE task_id = ?`, taskID).Scan(&p, &flagged); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if phase.Terminal(phase.Phase(p)) || flagged != 0 {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE task_id = ?`, now(), taskID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// CancelRequested reports whether an operator asked the task to stop.
func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flagged int
	if err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE task_id = ?`, taskID).Scan(&flagged); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return flagged != 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*api.Task, error) {
	var task api.Task
	var p, deps string
	if err := row.Scan(&task.TaskID, &task.Prompt, &p, &task.Iteration, &task.MaxIterations, &deps, &task.Pushback, &task.BlockedReason, &task.CreatedAt, &task.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	task.Phase = phase.Phase(p)
	if err := json.Unmarshal([]byte(deps), &task.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on for %s: %w", task.TaskID, err)
	}
	if len(task.DependsOn) == 0 {
		task.DependsOn = nil
	}
	return &task, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*api.Task, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT task_id, prompt, phase, iteration, max_iterations, depends_on, pushback, blocked_reason, created_at, updated_at FROM tasks WHERE task_id = ?`,
		taskID)
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	arts, err := artifactsTx(ctx, tx, taskID, nil)
	if err != nil {
		return nil, err
	}
	if len(arts) > 0 {
		task.Artifacts = make(map[string]api.Artifact, len(arts))
		for _, a := range arts {
			task.Artifacts[string(a.Phase)] = a
		}
	}

	hrows, err := tx.QueryContext(ctx,
		`SELECT seq, phase, status, verdict, to_phase, score, diagnostics, iteration, recorded_at FROM history WHERE task_id = ? ORDER BY seq ASC`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()
	for hrows.Next() {
		var h api.HistoryEntry
		var hp, verdict, to string
		var score sql.NullFloat64
		if err := hrows.Scan(&h.Seq, &hp, &h.Status, &verdict, &to, &score, &h.Diagnostics, &h.Iteration, &h.RecordedAt); err != nil {
			return nil, err
		}
		h.Phase = phase.Phase(hp)
		h.Verdict = phase.Verdict(verdict)
		h.ToPhase = phase.Phase(to)
		if score.Valid {
			v := score.Float64
			h.Score = &v
		}
		task.History = append(task.History, h)
	}
	if err := hrows.Err(); err != nil {
		return nil, err
	}
	return task, nil
}

// artifactsTx loads artifacts for a task. A nil only set loads all phases;
// otherwise rows are returned in the given order.
func artifactsTx(ctx context.Context, tx *sql.Tx, taskID string, only []phase.Phase) ([]api.Artifact, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT phase, payload, score, iteration, recorded_at FROM artifacts WHERE task_id = ?`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byPhase := map[phase.Phase]api.Artifact{}
	for rows.Next() {
		var a api.Artifact
		var p string
		var score sql.NullFloat64
		if err := rows.Scan(&p, &a.Payload, &score, &a.Iteration, &a.RecordedAt); err != nil {
			return nil, err
		}
		a.Phase = phase.Phase(p)
		if score.Valid {
			v := score.Float64
			a.Score = &v
		}
		byPhase[a.Phase] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if only == nil {
		out := make([]api.Artifact, 0, len(byPhase))
		for _, p := range []phase.Phase{phase.Plan, phase.Code, phase.Test, phase.Review} {
			if a, ok := byPhase[p]; ok {
				out = append(out, a)
			}
		}
		return out, nil
	}
	out := make([]api.Artifact, 0, len(only))
	for _, p := range only {
		if a, ok := byPhase[p]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "UNIQUE constraint failed: tasks.task_id" ||
		msg == "constraint failed: UNIQUE constraint failed: tasks.task_id" ||
		(msg != "" && contains(msg, "UNIQUE constraint failed"))
}

func contains(s, substr string) bool {
	if substr == "" {
		return true
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "database is locked" || msg == "database is busy" || contains(msg, "SQLITE_BUSY")
}

// withBusyRetry reruns fn on transient SQLITE_BUSY failures with a short
// exponential sleep, the same way concurrent writers are handled elsewhere.
func (s *Store) withBusyRetry(fn func() error) error {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/phase"
)

// Transition describes one committed state change.
type Transition struct {
	// Task is the post-transition snapshot.
	Task      *api.Task
	From      phase.Phase
	To        phase.Phase
	Verdict   phase.Verdict
	Iteration int
	Seq       int
	// Pushback is the diagnostics carried into the next code attempt.
	// Empty unless the verdict was fail.
	Pushback string
}

// RecordOutcome applies a phase outcome to a task. The verdict and next
// phase are decided inside the same transaction that writes them, so two
// racing callers can never both advance the task.
//
// Errors: ErrNotFound, ErrTaskTerminal for tasks already finished,
// ErrStaleTask when the task is no longer in ph, ErrInvariant for outcomes
// reported against a non-executable phase.
func (s *Store) RecordOutcome(ctx context.Context, taskID string, ph phase.Phase, out api.PhaseOutcome) (*Transition, error) {
	if !phase.Executable(ph) {
		return nil, fmt.Errorf("record outcome for phase %q: %w", ph, ErrInvariant)
	}
	if out.Status != api.OutcomeSuccess && out.Status != api.OutcomeFailure {
		return nil, fmt.Errorf("record outcome status %q: %w", out.Status, ErrInvariant)
	}

	var tr *Transition
	err := s.withBusyRetry(func() error {
		var err error
		tr, err = s.recordOutcomeOnce(ctx, taskID, ph, out)
		return err
	})
	return tr, err
}

func (s *Store) recordOutcomeOnce(ctx context.Context, taskID string, ph phase.Phase, out api.PhaseOutcome) (*Transition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, iteration, maxIter, err := taskStateTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if phase.Terminal(cur) {
		return nil, fmt.Errorf("task %s in phase %s: %w", taskID, cur, ErrTaskTerminal)
	}
	if cur != ph {
		return nil, fmt.Errorf("task %s is in %s, not %s: %w", taskID, cur, ph, ErrStaleTask)
	}

	verdict := s.policy.Decide(ph, iteration, maxIter, out)
	next, err := phase.Next(ph, verdict)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvariant)
	}

	newIteration := iteration
	if verdict == phase.VerdictFail || verdict == phase.VerdictEscalate {
		newIteration++
	}

	pushback := ""
	blockedReason := ""
	switch verdict {
	case phase.VerdictFail:
		pushback = s.policy.Pushback(ph, out)
	case phase.VerdictBlock:
		blockedReason = s.policy.Pushback(ph, out)
	}

	recordedAt := now()

	if out.Payload != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (task_id, phase, payload, score, iteration, recorded_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (task_id, phase) DO UPDATE SET payload = excluded.payload, score = excluded.score, iteration = excluded.iteration, recorded_at = excluded.recorded_at`,
			taskID, string(ph), out.Payload, nullableScore(out.Score), newIteration, recordedAt,
		); err != nil {
			return nil, err
		}
	}

	seq, err := appendHistoryTx(ctx, tx, historyRow{
		taskID:      taskID,
		phase:       ph,
		status:      string(out.Status),
		verdict:     verdict,
		toPhase:     next,
		score:       out.Score,
		diagnostics: out.Diagnostics,
		iteration:   newIteration,
		recordedAt:  recordedAt,
	})
	if err != nil {
		return nil, err
	}

	// A fail verdict overwrites the pushback for the next code attempt; a
	// successful code attempt consumed the one it was handed. Every other
	// verdict leaves the column untouched.
	setPushback := verdict == phase.VerdictFail || (ph == phase.Code && verdict == phase.VerdictPass)
	if setPushback {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET phase = ?, iteration = ?, pushback = ?, blocked_reason = ?, updated_at = ? WHERE task_id = ? AND phase = ?`,
			string(next), newIteration, pushback, blockedReason, recordedAt, taskID, string(ph),
		); err != nil {
			return nil, err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET phase = ?, iteration = ?, blocked_reason = ?, updated_at = ? WHERE task_id = ? AND phase = ?`,
			string(next), newIteration, blockedReason, recordedAt, taskID, string(ph),
		); err != nil {
			return nil, err
		}
	}

	task, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Transition{
		Task:      task,
		From:      ph,
		To:        next,
		Verdict:   verdict,
		Iteration: newIteration,
		Seq:       seq,
		Pushback:  pushback,
	}, nil
}

// Block moves a task from ph to blocked without consulting the policy.
// The runner uses it for infrastructure failures and operator cancellation,
// neither of which is a phase outcome. The iteration counter is untouched.
func (s *Store) Block(ctx context.Context, taskID string, ph phase.Phase, reason string) (*Transition, error) {
	if !phase.Executable(ph) {
		return nil, fmt.Errorf("block from phase %q: %w", ph, ErrInvariant)
	}

	var tr *Transition
	err := s.withBusyRetry(func() error {
		var err error
		tr, err = s.blockOnce(ctx, taskID, ph, reason)
		return err
	})
	return tr, err
}

func (s *Store) blockOnce(ctx context.Context, taskID string, ph phase.Phase, reason string) (*Transition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, iteration, _, err := taskStateTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if phase.Terminal(cur) {
		return nil, fmt.Errorf("task %s in phase %s: %w", taskID, cur, ErrTaskTerminal)
	}
	if cur != ph {
		return nil, fmt.Errorf("task %s is in %s, not %s: %w", taskID, cur, ph, ErrStaleTask)
	}

	recordedAt := now()

	seq, err := appendHistoryTx(ctx, tx, historyRow{
		taskID:      taskID,
		phase:       ph,
		status:      string(api.OutcomeFailure),
		verdict:     phase.VerdictBlock,
		toPhase:     phase.Blocked,
		diagnostics: reason,
		iteration:   iteration,
		recordedAt:  recordedAt,
	})
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET phase = ?, blocked_reason = ?, updated_at = ? WHERE task_id = ? AND phase = ?`,
		string(phase.Blocked), reason, recordedAt, taskID, string(ph),
	); err != nil {
		return nil, err
	}

	task, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Transition{
		Task:      task,
		From:      ph,
		To:        phase.Blocked,
		Verdict:   phase.VerdictBlock,
		Iteration: iteration,
		Seq:       seq,
	}, nil
}

type historyRow struct {
	taskID      string
	phase       phase.Phase
	status      string
	verdict     phase.Verdict
	toPhase     phase.Phase
	score       *float64
	diagnostics string
	iteration   int
	recordedAt  string
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, h historyRow) (int, error) {
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM history WHERE task_id = ?`, h.taskID).Scan(&seq); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (task_id, seq, phase, status, verdict, to_phase, score, diagnostics, iteration, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.taskID, seq, string(h.phase), h.status, string(h.verdict), string(h.toPhase), nullableScore(h.score), h.diagnostics, h.iteration, h.recordedAt,
	); err != nil {
		return 0, err
	}
	return seq, nil
}

func taskStateTx(ctx context.Context, tx *sql.Tx, taskID string) (phase.Phase, int, int, error) {
	var p string
	var iteration, maxIter int
	if err := tx.QueryRowContext(ctx, `SELECT phase, iteration, max_iterations FROM tasks WHERE task_id = ?`, taskID).Scan(&p, &iteration, &maxIter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, 0, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return "", 0, 0, err
	}
	return phase.Phase(p), iteration, maxIter, nil
}

func nullableScore(score *float64) any {
	if score == nil {
		return nil
	}
	return *score
}

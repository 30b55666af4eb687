package store

import (
	"context"
	"fmt"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/phase"
)

// PhaseView assembles the slice of task state a phase is allowed to see.
// This is the only read path handed to executors; anything not selected
// here cannot leak into an agent context.
//
// Per-phase read sets: plan sees nothing, code sees the plan artifact plus
// any pushback, test sees the plan artifact, review sees plan and test.
func (s *Store) PhaseView(ctx context.Context, taskID string, ph phase.Phase) (*api.PhaseView, error) {
	readSet, err := phase.ReadSet(ph)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvariant)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	task, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}

	arts, err := artifactsTx(ctx, tx, taskID, readSet)
	if err != nil {
		return nil, err
	}

	view := &api.PhaseView{
		TaskID:        task.TaskID,
		Phase:         ph,
		Prompt:        task.Prompt,
		Iteration:     task.Iteration,
		MaxIterations: task.MaxIterations,
		Artifacts:     arts,
		Attempt:       len(task.History) + 1,
	}
	if ph == phase.Code {
		view.Pushback = task.Pushback
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return view, nil
}

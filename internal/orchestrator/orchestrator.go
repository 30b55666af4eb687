// Package orchestrator drives a single task through the pipeline until it
// reaches a terminal phase. The orchestrator never interprets outcomes
// itself; it asks the runner to execute the stored phase and reacts to the
// committed transition, so a task can resume from its stored phase after a
// crash with no extra bookkeeping.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/throw-if-null/covalent/internal/events"
	"github.com/throw-if-null/covalent/internal/metrics"
	"github.com/throw-if-null/covalent/internal/phase"
	"github.com/throw-if-null/covalent/internal/runner"
	"github.com/throw-if-null/covalent/internal/store"
	"github.com/throw-if-null/covalent/internal/telemetry"
)

// cancelledReason is the blocked reason recorded when an operator stops a
// task. The run loop checks the flag between phases only; an in-flight
// executor result is discarded by the terminal check in the store.
const cancelledReason = "cancelled by operator"

type Orchestrator struct {
	store  *store.Store
	runner *runner.Runner
	bus    *events.Bus
	logger *zap.Logger
}

func New(st *store.Store, r *runner.Runner, bus *events.Bus, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{store: st, runner: r, bus: bus, logger: logger}
}

// RunTask runs the task's phases in order until the task is terminal,
// the context is cancelled, or an operator cancel is observed. It returns
// the phase the task was left in.
func (o *Orchestrator) RunTask(ctx context.Context, taskID string) (phase.Phase, error) {
	start, err := o.store.Phase(ctx, taskID)
	if err != nil {
		return "", err
	}

	ctx, span := telemetry.StartTaskSpan(ctx, taskID, string(start))
	defer span.End()

	final, err := o.run(ctx, taskID)
	if err != nil {
		telemetry.FailSpan(span, err)
		return final, err
	}
	span.SetAttributes(attribute.String("task.final_phase", string(final)))
	return final, nil
}

func (o *Orchestrator) run(ctx context.Context, taskID string) (phase.Phase, error) {
	for {
		cur, err := o.store.Phase(ctx, taskID)
		if err != nil {
			return "", err
		}
		if phase.Terminal(cur) {
			return cur, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		cancelled, err := o.store.CancelRequested(ctx, taskID)
		if err != nil {
			return "", err
		}
		if cancelled {
			tr, err := o.store.Block(ctx, taskID, cur, cancelledReason)
			if err != nil {
				if errors.Is(err, store.ErrStaleTask) || errors.Is(err, store.ErrTaskTerminal) {
					continue
				}
				return "", err
			}
			o.logger.Info("task cancelled", zap.String("task_id", taskID), zap.String("phase", string(cur)))
			o.noteTransition(tr)
			return phase.Blocked, nil
		}

		tr, err := o.runner.RunPhase(ctx, taskID, cur)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return "", ctx.Err()
			case errors.Is(err, runner.ErrCancelled):
				// The runner discarded an in-flight result; the next pass
				// observes the cancel flag and blocks the task.
				continue
			case errors.Is(err, store.ErrStaleTask) || errors.Is(err, store.ErrTaskTerminal):
				// Another writer moved the task; re-read and react.
				continue
			case errors.Is(err, store.ErrNotFound):
				return "", err
			case errors.Is(err, store.ErrInvariant):
				o.logger.DPanic("state machine invariant violated",
					zap.String("task_id", taskID),
					zap.String("phase", string(cur)),
					zap.Error(err))
				return "", err
			default:
				// Executor unavailability or another infrastructure
				// failure. The task blocks with the cause; the iteration
				// counter is untouched.
				btr, berr := o.store.Block(ctx, taskID, cur, err.Error())
				if berr != nil {
					if errors.Is(berr, store.ErrStaleTask) || errors.Is(berr, store.ErrTaskTerminal) {
						continue
					}
					return "", berr
				}
				o.logger.Warn("task blocked",
					zap.String("task_id", taskID),
					zap.String("phase", string(cur)),
					zap.Error(err))
				o.noteTransition(btr)
				return phase.Blocked, nil
			}
		}

		o.noteTransition(tr)
	}
}

// noteTransition publishes events and transition metrics for a committed
// transition. Event delivery is fire and forget; a failed or slow consumer
// never affects the pipeline.
func (o *Orchestrator) noteTransition(tr *store.Transition) {
	metrics.RecordTransition(string(tr.From), string(tr.To))
	if tr.Verdict == phase.VerdictFail {
		metrics.Pushbacks.WithLabelValues(string(tr.From)).Inc()
	}

	o.bus.Publish(events.PhaseChanged(tr.Task.TaskID, tr.From, tr.To, tr.Iteration))

	switch tr.To {
	case phase.Completed:
		metrics.RecordTerminal(string(tr.To))
		o.bus.Publish(events.Completed(tr.Task.TaskID))
	case phase.Escalated:
		metrics.RecordTerminal(string(tr.To))
		o.bus.Publish(events.Escalated(tr.Task.TaskID,
			fmt.Sprintf("iteration budget exhausted (%d/%d)", tr.Iteration, tr.Task.MaxIterations)))
	case phase.Blocked:
		metrics.RecordTerminal(string(tr.To))
		o.bus.Publish(events.Blocked(tr.Task.TaskID, tr.Task.BlockedReason))
	}
}

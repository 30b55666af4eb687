// Package runner executes one phase of one task: it assembles the phase
// view, invokes the agent executor with a deadline, and records the outcome.
// Each successful call performs exactly one executor invocation (plus
// unavailability retries) and exactly one store write.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/executor"
	"github.com/throw-if-null/covalent/internal/metrics"
	"github.com/throw-if-null/covalent/internal/paths"
	"github.com/throw-if-null/covalent/internal/phase"
	"github.com/throw-if-null/covalent/internal/store"
	"github.com/throw-if-null/covalent/internal/telemetry"
)

// ErrCancelled reports that an operator cancel was observed and the
// executor's result was discarded instead of recorded.
var ErrCancelled = errors.New("task cancelled")

type Runner struct {
	store    *store.Store
	exec     executor.Executor
	timeouts map[phase.Phase]time.Duration

	retryAttempts int
	retryBackoff  time.Duration

	logger *zap.Logger
}

type Options struct {
	// Timeouts bounds each phase invocation. A missing or zero entry means
	// no deadline.
	Timeouts map[phase.Phase]time.Duration
	// RetryAttempts is how many times an unavailable executor is retried
	// before giving up. Zero means 3.
	RetryAttempts int
	// RetryBackoff is the initial backoff between retries. Zero means 250ms.
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

func New(st *store.Store, exec executor.Executor, opts Options) *Runner {
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	bo := opts.RetryBackoff
	if bo <= 0 {
		bo = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:         st,
		exec:          exec,
		timeouts:      opts.Timeouts,
		retryAttempts: attempts,
		retryBackoff:  bo,
		logger:        logger,
	}
}

// RunPhase runs the task's current phase once and records the result.
//
// A deadline overrun is recorded as a failure outcome with timeout
// diagnostics, so the policy treats it like any other failed invocation.
// Executor unavailability, after retries, is returned as an error wrapping
// executor.ErrUnavailable; the caller decides to block. Context
// cancellation is returned without any store write so the task can resume
// after a restart.
func (r *Runner) RunPhase(ctx context.Context, taskID string, ph phase.Phase) (*store.Transition, error) {
	view, err := r.store.PhaseView(ctx, taskID, ph)
	if err != nil {
		return nil, err
	}

	logDir, err := paths.RunDir(taskID, string(ph), view.Attempt)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartPhaseSpan(ctx, taskID, string(ph), view.Iteration)
	defer span.End()

	timeout := r.timeouts[ph]
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	out, execErr := r.execute(runCtx, executor.Request{View: *view, LogDir: logDir})
	elapsed := time.Since(start)

	switch {
	case execErr == nil:
		// fall through to record

	case ctx.Err() != nil:
		// Daemon shutdown or operator stop. Nothing is written; the task
		// stays in its current phase and is resumable.
		telemetry.FailSpan(span, ctx.Err())
		return nil, ctx.Err()

	case errors.Is(execErr, context.DeadlineExceeded):
		metrics.ObservePhase(string(ph), "timeout", elapsed)
		r.logger.Warn("phase timed out",
			zap.String("task_id", taskID),
			zap.String("phase", string(ph)),
			zap.Duration("timeout", timeout))
		out = &api.PhaseOutcome{
			Status:      api.OutcomeFailure,
			Diagnostics: fmt.Sprintf("timeout after %s", timeout),
		}

	case errors.Is(execErr, executor.ErrUnavailable):
		metrics.ObservePhase(string(ph), "unavailable", elapsed)
		telemetry.FailSpan(span, execErr)
		return nil, fmt.Errorf("task %s phase %s: %w", taskID, ph, execErr)

	default:
		// Configuration or I/O problems are not phase outcomes.
		telemetry.FailSpan(span, execErr)
		return nil, fmt.Errorf("task %s phase %s: %w", taskID, ph, execErr)
	}

	if execErr == nil {
		metrics.ObservePhase(string(ph), string(out.Status), elapsed)
	}

	// An operator cancel observed here discards the outcome entirely; the
	// task blocks from its current phase instead of advancing.
	cancelled, err := r.store.CancelRequested(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if cancelled {
		r.logger.Info("discarding phase result after cancel request",
			zap.String("task_id", taskID),
			zap.String("phase", string(ph)))
		return nil, ErrCancelled
	}

	tr, err := r.store.RecordOutcome(ctx, taskID, ph, *out)
	if err != nil {
		telemetry.FailSpan(span, err)
		return nil, err
	}

	r.logger.Info("phase recorded",
		zap.String("task_id", taskID),
		zap.String("phase", string(ph)),
		zap.String("verdict", string(tr.Verdict)),
		zap.String("to", string(tr.To)),
		zap.Int("iteration", tr.Iteration),
		zap.Duration("elapsed", elapsed))

	return tr, nil
}

// execute invokes the agent, retrying unavailability with exponential
// backoff. Any other failure is permanent.
func (r *Runner) execute(ctx context.Context, req executor.Request) (*api.PhaseOutcome, error) {
	var out *api.PhaseOutcome
	op := func() error {
		var err error
		out, err = r.exec.Execute(ctx, req)
		if err == nil {
			return nil
		}
		if errors.Is(err, executor.ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		metrics.ExecutorRetries.Inc()
		r.logger.Warn("executor unavailable, retrying",
			zap.String("task_id", req.View.TaskID),
			zap.String("phase", string(req.View.Phase)),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryBackoff

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.retryAttempts)), ctx), notify)
	if err != nil {
		return nil, err
	}
	return out, nil
}

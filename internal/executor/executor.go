// Package executor is the boundary between the engine and the agents that do
// phase work. The engine hands an executor a phase-scoped view and gets an
// outcome back; it never looks inside the payloads.
package executor

import (
	"context"
	"errors"

	"github.com/throw-if-null/covalent/internal/api"
)

// ErrUnavailable marks infrastructure trouble reaching the agent (process
// would not start, endpoint down). The runner retries these; they never count
// against a task's iteration budget.
var ErrUnavailable = errors.New("executor unavailable")

// Request is one phase invocation. LogDir, when set, receives the raw agent
// output for the invocation.
type Request struct {
	View   api.PhaseView
	LogDir string
}

type Executor interface {
	Execute(ctx context.Context, req Request) (*api.PhaseOutcome, error)
}

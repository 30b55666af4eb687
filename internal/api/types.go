// Package api holds the wire types shared by the daemon, the HTTP server and
// the CLI client. Timestamps travel as RFC3339Nano strings.
package api

import "github.com/throw-if-null/covalent/internal/phase"

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 7717
)

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

type Task struct {
	TaskID        string              `json:"task_id"`
	Prompt        string              `json:"prompt"`
	Phase         phase.Phase         `json:"phase"`
	Iteration     int                 `json:"iteration"`
	MaxIterations int                 `json:"max_iterations"`
	DependsOn     []string            `json:"depends_on,omitempty"`
	Pushback      string              `json:"pushback,omitempty"`
	BlockedReason string              `json:"blocked_reason,omitempty"`
	CreatedAt     string              `json:"created_at"`
	UpdatedAt     string              `json:"updated_at"`
	Artifacts     map[string]Artifact `json:"artifacts,omitempty"`
	History       []HistoryEntry      `json:"history,omitempty"`
}

// Artifact is the latest payload a phase produced for a task. The engine
// never interprets Payload; Score is set only when the producing agent
// reported one (review verdicts carry it).
type Artifact struct {
	Phase      phase.Phase `json:"phase"`
	Payload    string      `json:"payload"`
	Score      *float64    `json:"score,omitempty"`
	Iteration  int         `json:"iteration"`
	RecordedAt string      `json:"recorded_at"`
}

// HistoryEntry records one recorded outcome: which phase ran, what it
// reported, the verdict applied and the phase the task moved to.
type HistoryEntry struct {
	Seq         int           `json:"seq"`
	Phase       phase.Phase   `json:"phase"`
	Status      OutcomeStatus `json:"status"`
	Verdict     phase.Verdict `json:"verdict"`
	ToPhase     phase.Phase   `json:"to_phase"`
	Score       *float64      `json:"score,omitempty"`
	Diagnostics string        `json:"diagnostics,omitempty"`
	Iteration   int           `json:"iteration"`
	RecordedAt  string        `json:"recorded_at"`
}

// PhaseOutcome is what a phase execution reports back to the engine.
type PhaseOutcome struct {
	Status      OutcomeStatus `json:"status"`
	Payload     string        `json:"payload"`
	Score       *float64      `json:"score,omitempty"`
	Diagnostics string        `json:"diagnostics,omitempty"`
}

type CreateTaskRequest struct {
	TaskID        string   `json:"task_id,omitempty"`
	Prompt        string   `json:"prompt"`
	DependsOn     []string `json:"depends_on,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// PhaseView is the phase-scoped slice of a task handed to an executor. It
// carries only the artifacts the executing phase is allowed to read.
type PhaseView struct {
	TaskID        string      `json:"task_id"`
	Phase         phase.Phase `json:"phase"`
	Prompt        string      `json:"prompt"`
	Iteration     int         `json:"iteration"`
	MaxIterations int         `json:"max_iterations"`
	Artifacts     []Artifact  `json:"artifacts"`
	Pushback      string      `json:"pushback,omitempty"`
	Attempt       int         `json:"attempt"`
}

type TaskEvent struct {
	Type       string      `json:"type"`
	TaskID     string      `json:"task_id"`
	FromPhase  phase.Phase `json:"from_phase,omitempty"`
	ToPhase    phase.Phase `json:"to_phase,omitempty"`
	Iteration  int         `json:"iteration,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	RecordedAt string      `json:"recorded_at"`
}

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/phase"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	td, err := os.MkdirTemp("", "covalent-test-")
	if err != nil {
		t.Fatalf("tmpdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(td) })

	db, err := Open(filepath.Join(td, "covalent.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := New(db, Options{})
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestInitAndCreateTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &api.CreateTaskRequest{TaskID: "task-1", Prompt: "do something"}
	task, err := s.CreateTask(ctx, r)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.TaskID != r.TaskID {
		t.Fatalf("task id mismatch")
	}
	if task.Prompt != r.Prompt {
		t.Fatalf("prompt mismatch")
	}
	if task.Phase != phase.Plan {
		t.Fatalf("new task phase = %s, want plan", task.Phase)
	}
	if task.Iteration != 0 {
		t.Fatalf("new task iteration = %d, want 0", task.Iteration)
	}
	if task.MaxIterations != 5 {
		t.Fatalf("max iterations not defaulted: %d", task.MaxIterations)
	}
	if task.CreatedAt == "" || task.UpdatedAt == "" {
		t.Fatalf("timestamps not set")
	}
	if len(task.History) != 0 {
		t.Fatalf("new task has history: %d entries", len(task.History))
	}

	// Second create with the same id is rejected.
	_, err = s.CreateTask(ctx, r)
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate create: got %v, want ErrDuplicateTask", err)
	}
}

func TestCreateTaskGeneratesID(t *testing.T) {
	s := newTestStore(t)

	task, err := s.CreateTask(context.Background(), &api.CreateTaskRequest{Prompt: "auto id"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.TaskID == "" {
		t.Fatalf("expected generated task id")
	}
	got, err := s.GetTask(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Prompt != "auto id" {
		t.Fatalf("prompt mismatch: %q", got.Prompt)
	}
}

func TestCreateTaskRejectsBadID(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"has space", "../escape", "a/b"} {
		if _, err := s.CreateTask(context.Background(), &api.CreateTaskRequest{TaskID: id, Prompt: "p"}); err == nil {
			t.Fatalf("id %q accepted", id)
		}
	}
}

func TestCreateTaskDependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, &api.CreateTaskRequest{TaskID: "dep-1", Prompt: "first"}); err != nil {
		t.Fatalf("create dep: %v", err)
	}

	// Unknown dependency is rejected.
	_, err := s.CreateTask(ctx, &api.CreateTaskRequest{TaskID: "child", Prompt: "p", DependsOn: []string{"nope"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown dep: got %v, want ErrNotFound", err)
	}

	// Self-dependency is rejected.
	if _, err := s.CreateTask(ctx, &api.CreateTaskRequest{TaskID: "selfish", Prompt: "p", DependsOn: []string{"selfish"}}); err == nil {
		t.Fatalf("self dependency accepted")
	}

	task, err := s.CreateTask(ctx, &api.CreateTaskRequest{TaskID: "child", Prompt: "p", DependsOn: []string{"dep-1"}})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if len(task.DependsOn) != 1 || task.DependsOn[0] != "dep-1" {
		t.Fatalf("depends_on = %v", task.DependsOn)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"list-a", "list-b", "list-c"} {
		if _, err := s.CreateTask(ctx, &api.CreateTaskRequest{TaskID: id, Prompt: "p"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	all, err := s.ListTasks(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d tasks, want 3", len(all))
	}

	limited, err := s.ListTasks(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("got %d tasks, want 2", len(limited))
	}

	// Move list-a out of plan, then filter by phase.
	if _, err := s.RecordOutcome(ctx, "list-a", phase.Plan, api.PhaseOutcome{Status: api.OutcomeSuccess, Payload: "plan"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	planned, err := s.ListTasks(ctx, ListFilter{Phase: phase.Plan})
	if err != nil {
		t.Fatalf("list planned: %v", err)
	}
	if len(planned) != 2 {
		t.Fatalf("got %d plan tasks, want 2", len(planned))
	}
	coding, err := s.ListTasks(ctx, ListFilter{Phase: phase.Code})
	if err != nil {
		t.Fatalf("list coding: %v", err)
	}
	if len(coding) != 1 || coding[0].TaskID != "list-a" {
		t.Fatalf("code filter = %v", coding)
	}
}

func TestResumableTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, &api.CreateTaskRequest{TaskID: "resume-1", Prompt: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateTask(ctx, &api.CreateTaskRequest{TaskID: "resume-2", Prompt: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Drive resume-2 to a terminal phase.
	if _, err := s.Block(ctx, "resume-2", phase.Plan, "operator"); err != nil {
		t.Fatalf("block: %v", err)
	}

	ids, err := s.ResumableTasks(ctx)
	if err != nil {
		t.Fatalf("resumable: %v", err)
	}
	if len(ids) != 1 || ids[0] != "resume-1" {
		t.Fatalf("resumable = %v, want [resume-1]", ids)
	}
}

func TestRequestCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, &api.CreateTaskRequest{TaskID: "cancel-1", Prompt: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	flagged, err := s.CancelRequested(ctx, "cancel-1")
	if err != nil {
		t.Fatalf("cancel requested: %v", err)
	}
	if flagged {
		t.Fatalf("fresh task already flagged")
	}

	changed, err := s.RequestCancel(ctx, "cancel-1")
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if !changed {
		t.Fatalf("expected cancel flag to change")
	}

	// Second request is a no-op.
	changed, err = s.RequestCancel(ctx, "cancel-1")
	if err != nil {
		t.Fatalf("request cancel again: %v", err)
	}
	if changed {
		t.Fatalf("second cancel reported a change")
	}

	flagged, err = s.CancelRequested(ctx, "cancel-1")
	if err != nil {
		t.Fatalf("cancel requested: %v", err)
	}
	if !flagged {
		t.Fatalf("cancel flag not set")
	}

	// Terminal tasks are left untouched.
	if _, err := s.Block(ctx, "cancel-1", phase.Plan, "stopped"); err != nil {
		t.Fatalf("block: %v", err)
	}
	changed, err = s.RequestCancel(ctx, "cancel-1")
	if err != nil {
		t.Fatalf("request cancel terminal: %v", err)
	}
	if changed {
		t.Fatalf("terminal task cancel reported a change")
	}

	if _, err := s.RequestCancel(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown: got %v, want ErrNotFound", err)
	}
}

// Package server exposes the HTTP control plane: task submission, status,
// phase-scoped views, run logs, the event feed and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/events"
	"github.com/throw-if-null/covalent/internal/paths"
	"github.com/throw-if-null/covalent/internal/phase"
	"github.com/throw-if-null/covalent/internal/store"
)

// maximum number of bytes we'll allow reading for a run log
const maxLogBytes = 5 << 20 // 5 MiB

// TaskStore is the read surface the server needs.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*api.Task, error)
	ListTasks(ctx context.Context, f store.ListFilter) ([]*api.Task, error)
	PhaseView(ctx context.Context, taskID string, ph phase.Phase) (*api.PhaseView, error)
}

// TaskScheduler is the write surface: submission and cancellation go
// through the scheduler so events and admission stay consistent.
type TaskScheduler interface {
	Submit(ctx context.Context, req *api.CreateTaskRequest) (*api.Task, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
}

type Server struct {
	store    TaskStore
	sched    TaskScheduler
	bus      *events.Bus
	repoRoot string
	logger   *zap.Logger
}

func NewServer(st TaskStore, sched TaskScheduler, bus *events.Bus, repoRoot string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: st, sched: sched, bus: bus, repoRoot: repoRoot, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("GET /v1/tasks/{task_id}/history", s.handleGetHistory)
	mux.HandleFunc("GET /v1/tasks/{task_id}/view", s.handleGetView)
	mux.HandleFunc("POST /v1/tasks/{task_id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /v1/tasks/{task_id}/logs", s.handleGetTaskLogs)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	if req.TaskID != "" {
		if err := paths.ValidateTaskID(req.TaskID); err != nil {
			http.Error(w, "invalid task_id", http.StatusBadRequest)
			return
		}
	}

	task, err := s.sched.Submit(r.Context(), &req)
	if errors.Is(err, store.ErrDuplicateTask) {
		http.Error(w, "task already exists", http.StatusConflict)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown dependency", http.StatusBadRequest)
		return
	}
	if errors.Is(err, paths.ErrInvalidTaskID) {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}

	history := task.History
	if history == nil {
		history = []api.HistoryEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(history)
}

func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}
	ph, err := phase.Parse(r.URL.Query().Get("phase"))
	if err != nil {
		http.Error(w, "invalid phase", http.StatusBadRequest)
		return
	}

	view, err := s.store.PhaseView(r.Context(), taskID, ph)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrInvariant) {
		http.Error(w, "phase has no view", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "failed to build view", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	if v := q.Get("phase"); v != "" {
		ph, err := phase.Parse(v)
		if err != nil {
			http.Error(w, "invalid phase", http.StatusBadRequest)
			return
		}
		f.Phase = ph
	}

	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*api.Task{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tasks)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	changed, err := s.sched.Cancel(r.Context(), taskID)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to cancel task", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	if changed {
		_, _ = w.Write([]byte("cancelled"))
		return
	}
	_, _ = w.Write([]byte("no-op"))
}

func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetTask(r.Context(), taskID); isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	ph, err := phase.Parse(q.Get("phase"))
	if err != nil || !phase.Executable(ph) {
		http.Error(w, "invalid phase", http.StatusBadRequest)
		return
	}

	attempt := 0
	if v := q.Get("attempt"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 1 {
			http.Error(w, "invalid attempt", http.StatusBadRequest)
			return
		}
		attempt = n
	}
	if attempt == 0 {
		attempt, err = s.latestAttempt(taskID, ph)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
	}

	rel, err := paths.RunDir(taskID, string(ph), attempt)
	if err != nil {
		http.Error(w, "invalid attempt", http.StatusBadRequest)
		return
	}
	dir, err := paths.SafeJoin(s.repoRoot, rel)
	if err != nil {
		http.Error(w, "invalid attempt", http.StatusBadRequest)
		return
	}

	logPath := filepath.Join(dir, "log.txt")
	// hard cap: avoid reading extremely large logs into memory
	if fi, serr := os.Stat(logPath); serr == nil {
		if fi.Size() > maxLogBytes {
			http.Error(w, "log too large", http.StatusRequestEntityTooLarge)
			return
		}
	}

	b, err := os.ReadFile(logPath)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read log", http.StatusInternalServerError)
		return
	}

	logText := string(b)
	if v := q.Get("tail"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 0 {
			http.Error(w, "invalid tail", http.StatusBadRequest)
			return
		}
		logText = tailLines(logText, n)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Covalent-Phase", string(ph))
	w.Header().Set("X-Covalent-Attempt", strconv.Itoa(attempt))
	_, _ = w.Write([]byte(logText))
}

// latestAttempt finds the highest numbered run directory for a phase.
func (s *Server) latestAttempt(taskID string, ph phase.Phase) (int, error) {
	runs, err := paths.RunsDir(taskID)
	if err != nil {
		return 0, err
	}
	dir, err := paths.SafeJoin(s.repoRoot, filepath.Join(runs, string(ph)))
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	var seqs []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n > 0 {
			seqs = append(seqs, n)
		}
	}
	if len(seqs) == 0 {
		return 0, os.ErrNotExist
	}
	sort.Ints(seqs)
	return seqs[len(seqs)-1], nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	taskID := q.Get("task")
	if taskID != "" {
		if err := paths.ValidateTaskID(taskID); err != nil {
			http.Error(w, "invalid task", http.StatusBadRequest)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.bus.Recent(limit, taskID))
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

func tailLines(s string, n int) string {
	if n == 0 {
		return ""
	}
	// Normalize to \n lines; treat Windows newlines too.
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	// If file ends with newline, Split will include a trailing empty.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if n >= len(lines) {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

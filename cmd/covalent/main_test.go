package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func setupStub() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			limit := r.URL.Query().Get("limit")
			tasks := []map[string]string{}
			for i := 1; i <= 3; i++ {
				tasks = append(tasks, map[string]string{"task_id": fmt.Sprintf("task-%d", i), "phase": "plan"})
			}
			if limit == "2" {
				tasks = tasks[:2]
			}
			_ = json.NewEncoder(w).Encode(tasks)
			return
		}
		if r.Method == "POST" {
			body, _ := io.ReadAll(r.Body)
			var req map[string]any
			if err := json.Unmarshal(body, &req); err != nil {
				w.WriteHeader(400)
				return
			}
			if req["prompt"] == "" {
				w.WriteHeader(400)
				return
			}
			w.WriteHeader(202)
			_, _ = w.Write([]byte(`{"task_id":"task-9","phase":"plan"}`))
			return
		}
		w.WriteHeader(405)
	})

	mux.HandleFunc("/v1/tasks/task-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"task_id":"task-1","phase":"code","iteration":1}`))
	})
	mux.HandleFunc("/v1/tasks/task-1/history", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"seq":1,"phase":"plan","verdict":"pass"}]`))
	})
	mux.HandleFunc("/v1/tasks/task-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(405)
			return
		}
		_, _ = w.Write([]byte("cancelled"))
	})
	mux.HandleFunc("/v1/tasks/task-1/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("phase") != "test" {
			w.WriteHeader(400)
			return
		}
		if r.URL.Query().Get("tail") == "2" {
			_, _ = w.Write([]byte("two\nthree"))
			return
		}
		_, _ = w.Write([]byte("one\ntwo\nthree\n"))
	})
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("task") == "task-1" {
			_, _ = w.Write([]byte(`[{"type":"task.completed","task_id":"task-1"}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	return httptest.NewServer(mux)
}

func runCLI(t *testing.T, ts *httptest.Server, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, ts.Client(), ts.URL, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestSubmitStatusHistory(t *testing.T) {
	ts := setupStub()
	defer ts.Close()

	code, out, errOut := runCLI(t, ts, "submit", "--prompt", "add pagination")
	if code != 0 {
		t.Fatalf("submit exit %d, stderr=%s", code, errOut)
	}
	var created map[string]any
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("submit output not json: %v; out=%s", err, out)
	}
	if created["task_id"] != "task-9" {
		t.Fatalf("unexpected submit body: %v", created)
	}

	code, out, _ = runCLI(t, ts, "status", "task-1")
	if code != 0 {
		t.Fatalf("status exit %d", code)
	}
	if !strings.Contains(out, `"phase":"code"`) {
		t.Fatalf("unexpected status output: %s", out)
	}

	code, out, _ = runCLI(t, ts, "history", "task-1")
	if code != 0 {
		t.Fatalf("history exit %d", code)
	}
	var hist []map[string]any
	if err := json.Unmarshal([]byte(out), &hist); err != nil || len(hist) != 1 {
		t.Fatalf("unexpected history output: %s", out)
	}
}

func TestSubmitRequiresPrompt(t *testing.T) {
	ts := setupStub()
	defer ts.Close()

	code, _, _ := runCLI(t, ts, "submit")
	if code != 2 {
		t.Fatalf("expected exit 2 without prompt, got %d", code)
	}
}

func TestListWithLimit(t *testing.T) {
	ts := setupStub()
	defer ts.Close()

	code, out, _ := runCLI(t, ts, "list")
	if code != 0 {
		t.Fatalf("list exit %d", code)
	}
	var tasks []map[string]any
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("unmarshal list: %v; out=%s", err, out)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}

	code, out, _ = runCLI(t, ts, "list", "--limit", "2")
	if code != 0 {
		t.Fatalf("list limit exit %d", code)
	}
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("unmarshal list limit: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestCancelAndLogs(t *testing.T) {
	ts := setupStub()
	defer ts.Close()

	code, out, _ := runCLI(t, ts, "cancel", "task-1")
	if code != 0 {
		t.Fatalf("cancel exit %d", code)
	}
	if strings.TrimSpace(out) != "cancelled" {
		t.Fatalf("unexpected cancel output: %q", out)
	}

	code, out, _ = runCLI(t, ts, "logs", "task-1", "--phase", "test")
	if code != 0 {
		t.Fatalf("logs exit %d", code)
	}
	if !strings.Contains(out, "one\ntwo\nthree") {
		t.Fatalf("unexpected logs output: %q", out)
	}

	code, out, _ = runCLI(t, ts, "logs", "task-1", "--phase", "test", "--tail", "2")
	if code != 0 {
		t.Fatalf("logs tail exit %d", code)
	}
	if !strings.Contains(out, "two\nthree") || strings.Contains(out, "one") {
		t.Fatalf("unexpected tail output: %q", out)
	}

	// logs without --phase is a usage error
	code, _, _ = runCLI(t, ts, "logs", "task-1")
	if code != 2 {
		t.Fatalf("expected exit 2 without phase, got %d", code)
	}
}

func TestEventsFilter(t *testing.T) {
	ts := setupStub()
	defer ts.Close()

	code, out, _ := runCLI(t, ts, "events", "--task", "task-1")
	if code != 0 {
		t.Fatalf("events exit %d", code)
	}
	var evs []map[string]any
	if err := json.Unmarshal([]byte(out), &evs); err != nil || len(evs) != 1 {
		t.Fatalf("unexpected events output: %s", out)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	ts := setupStub()
	defer ts.Close()

	// unknown task id hits the stub's 404
	code, _, errOut := runCLI(t, ts, "status", "nope")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut, "request failed") {
		t.Fatalf("expected request failure on stderr, got: %s", errOut)
	}
}

func TestUnknownSubcommand(t *testing.T) {
	ts := setupStub()
	defer ts.Close()

	code, _, errOut := runCLI(t, ts, "frobnicate")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut, "usage:") {
		t.Fatalf("expected usage on stderr, got: %s", errOut)
	}
}

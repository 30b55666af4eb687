package paths_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/throw-if-null/covalent/internal/paths"
)

func TestValidateTaskIDGood(t *testing.T) {
	good := []string{"task-1", "a", "A0._-"}
	for _, s := range good {
		if err := paths.ValidateTaskID(s); err != nil {
			t.Fatalf("expected valid for %q, got %v", s, err)
		}
	}
}

func TestValidateTaskIDBad(t *testing.T) {
	bad := []string{"", "a/b", "a\\b", "../x", "..\\x", "/abs", "C:\\x", "a b", strings.Repeat("a", 65)}
	for _, s := range bad {
		if err := paths.ValidateTaskID(s); err == nil {
			t.Fatalf("expected invalid for %q", s)
		}
	}
}

func TestRunsDir(t *testing.T) {
	d, err := paths.RunsDir("task-1")
	if err != nil {
		t.Fatalf("runs dir: %v", err)
	}
	if d != ".covalent/runs/task-1" {
		t.Fatalf("unexpected runs dir: %q", d)
	}
	if _, err := paths.RunsDir("../evil"); err == nil {
		t.Fatalf("expected error for traversal id")
	}
}

func TestRunDir(t *testing.T) {
	d, err := paths.RunDir("task-1", "test", 3)
	if err != nil {
		t.Fatalf("run dir: %v", err)
	}
	if d != ".covalent/runs/task-1/test/3" {
		t.Fatalf("unexpected run dir: %q", d)
	}
	if _, err := paths.RunDir("task-1", "", 1); err == nil {
		t.Fatalf("expected error for empty phase")
	}
	if _, err := paths.RunDir("task-1", "a/b", 1); err == nil {
		t.Fatalf("expected error for phase with separator")
	}
	if _, err := paths.RunDir("task-1", "test", 0); err == nil {
		t.Fatalf("expected error for seq 0")
	}
}

func TestSafeJoinInsideRoot(t *testing.T) {
	root := t.TempDir()
	got, err := paths.SafeJoin(root, filepath.Join(".covalent", "runs", "t1"))
	if err != nil {
		t.Fatalf("safe join: %v", err)
	}
	absRoot, _ := filepath.Abs(root)
	if !strings.HasPrefix(got, absRoot) {
		t.Fatalf("result %q escapes root %q", got, absRoot)
	}
}

func TestSafeJoinRejectsEscape(t *testing.T) {
	root := t.TempDir()
	if _, err := paths.SafeJoin(root, filepath.Join("..", "outside")); err == nil {
		t.Fatalf("expected escape error")
	}
	if _, err := paths.SafeJoin(root, "/abs/path"); err == nil {
		t.Fatalf("expected absolute path error")
	}
}

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/phase"
)

// exitUnavailable is the sysexits EX_TEMPFAIL code. Agents exit with it to
// signal a transient condition worth retrying.
const exitUnavailable = 75

// CommandRunner abstracts running external commands so tests can inject fakes.
type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string, env []string, stdin io.Reader, stdout, stderr io.Writer) (exitCode int, err error)
}

// RealCommandRunner runs commands using os/exec.
type RealCommandRunner struct{}

func (r *RealCommandRunner) Run(ctx context.Context, dir string, argv []string, env []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 {
		return -1, nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	// derive exit code if possible
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus(), err
		}
	}
	// could be context cancellation or other failures
	return -1, err
}

// Command invokes one external agent process per phase. The phase view is
// written to the agent's stdin as JSON; the agent reports its outcome as a
// JSON object on the last stdout line. A non-zero exit without a parseable
// outcome is a phase failure, exit 75 or a process start error is
// unavailability.
type Command struct {
	runner   CommandRunner
	commands map[phase.Phase][]string
	repoRoot string
	logger   *zap.Logger
}

func NewCommand(repoRoot string, commands map[phase.Phase][]string, runner CommandRunner, logger *zap.Logger) *Command {
	if runner == nil {
		runner = &RealCommandRunner{}
	}
	return &Command{
		runner:   runner,
		commands: commands,
		repoRoot: repoRoot,
		logger:   logger.Named("executor"),
	}
}

func (c *Command) Execute(ctx context.Context, req Request) (*api.PhaseOutcome, error) {
	argv := c.commands[req.View.Phase]
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command configured for phase %s", req.View.Phase)
	}

	input, err := json.Marshal(req.View)
	if err != nil {
		return nil, fmt.Errorf("marshal phase view: %w", err)
	}

	var stdout, stderr bytes.Buffer
	outW := io.Writer(&stdout)
	errW := io.Writer(&stderr)
	if req.LogDir != "" {
		if f, ferr := openLog(req.LogDir); ferr == nil {
			defer f.Close()
			outW = io.MultiWriter(&stdout, f)
			errW = io.MultiWriter(&stderr, f)
		} else {
			c.logger.Warn("open run log", zap.String("dir", req.LogDir), zap.Error(ferr))
		}
	}

	env := []string{
		"COVALENT_TASK_ID=" + req.View.TaskID,
		"COVALENT_PHASE=" + string(req.View.Phase),
		"COVALENT_ITERATION=" + strconv.Itoa(req.View.Iteration),
	}

	exit, runErr := c.runner.Run(ctx, c.repoRoot, argv, env, bytes.NewReader(input), outW, errW)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil && exit < 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, runErr)
	}
	if exit == exitUnavailable {
		return nil, fmt.Errorf("%w: agent exited with %d", ErrUnavailable, exit)
	}

	if out, ok := parseOutcome(stdout.Bytes()); ok {
		return out, nil
	}
	if exit == 0 {
		return &api.PhaseOutcome{Status: api.OutcomeSuccess, Payload: strings.TrimSpace(stdout.String())}, nil
	}
	return &api.PhaseOutcome{
		Status:      api.OutcomeFailure,
		Diagnostics: fmt.Sprintf("agent exited with %d: %s", exit, tail(stderr.String(), 512)),
	}, nil
}

func openLog(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "log.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// parseOutcome reads the last non-empty stdout line as a PhaseOutcome.
func parseOutcome(stdout []byte) (*api.PhaseOutcome, bool) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			return nil, false
		}
		var out api.PhaseOutcome
		if err := json.Unmarshal(line, &out); err != nil {
			return nil, false
		}
		if out.Status != api.OutcomeSuccess && out.Status != api.OutcomeFailure {
			return nil, false
		}
		return &out, true
	}
	return nil, false
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

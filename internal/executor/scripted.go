package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/phase"
)

// Scripted is a deterministic in-process executor driven by marker strings
// in the task prompt. It backs tests and runs the pipeline end to end when
// no agent commands are configured.
//
// Markers:
//
//	fail-<phase>         every <phase> invocation fails
//	fail-<phase>:N       the first N invocations fail, later ones succeed
//	unavailable-<phase>:N  the first N invocations return ErrUnavailable
//	slow-<phase>=DUR     each invocation takes DUR (time.ParseDuration)
//	review-scores=A,B    successive reviews report these scores, last repeats
type Scripted struct {
	mu    sync.Mutex
	calls map[string]int
}

func NewScripted() *Scripted {
	return &Scripted{calls: map[string]int{}}
}

var (
	countMarkerRe = regexp.MustCompile(`(fail|unavailable)-([a-z]+)(?::(\d+))?`)
	slowMarkerRe  = regexp.MustCompile(`slow-([a-z]+)=([0-9a-z.]+)`)
	scoresRe      = regexp.MustCompile(`review-scores=([0-9.,]+)`)
)

func (s *Scripted) Execute(ctx context.Context, req Request) (*api.PhaseOutcome, error) {
	ph := req.View.Phase
	prompt := req.View.Prompt

	s.mu.Lock()
	key := req.View.TaskID + "|" + string(ph)
	s.calls[key]++
	n := s.calls[key]
	s.mu.Unlock()

	if d, ok := slowMarker(prompt, ph); ok {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if limit, ok := countMarker(prompt, "unavailable", ph); ok && (limit == 0 || n <= limit) {
		return nil, fmt.Errorf("%w: injected for %s", ErrUnavailable, ph)
	}
	if limit, ok := countMarker(prompt, "fail", ph); ok && (limit == 0 || n <= limit) {
		return &api.PhaseOutcome{
			Status:      api.OutcomeFailure,
			Diagnostics: fmt.Sprintf("injected %s failure", ph),
		}, nil
	}

	switch ph {
	case phase.Plan:
		return &api.PhaseOutcome{Status: api.OutcomeSuccess, Payload: "plan: " + firstLine(prompt)}, nil
	case phase.Code:
		return &api.PhaseOutcome{
			Status:  api.OutcomeSuccess,
			Payload: fmt.Sprintf("diff-ref: %s/%d", req.View.TaskID, req.View.Iteration),
		}, nil
	case phase.Test:
		return &api.PhaseOutcome{Status: api.OutcomeSuccess, Payload: "test report: all suites passed"}, nil
	case phase.Review:
		score := reviewScore(prompt, s.reviewCalls(req.View.TaskID))
		return &api.PhaseOutcome{Status: api.OutcomeSuccess, Payload: "review verdict", Score: &score}, nil
	}
	return nil, fmt.Errorf("no script for phase %s", ph)
}

func (s *Scripted) reviewCalls(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[taskID+"|"+string(phase.Review)]
}

// countMarker returns the invocation limit for kind-<phase> markers. A limit
// of zero means the marker applies to every invocation.
func countMarker(prompt, kind string, ph phase.Phase) (int, bool) {
	for _, m := range countMarkerRe.FindAllStringSubmatch(prompt, -1) {
		if m[1] != kind || m[2] != string(ph) {
			continue
		}
		if m[3] == "" {
			return 0, true
		}
		limit, err := strconv.Atoi(m[3])
		if err != nil {
			return 0, true
		}
		return limit, true
	}
	return 0, false
}

func slowMarker(prompt string, ph phase.Phase) (time.Duration, bool) {
	for _, m := range slowMarkerRe.FindAllStringSubmatch(prompt, -1) {
		if m[1] != string(ph) {
			continue
		}
		d, err := time.ParseDuration(m[2])
		if err != nil {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

// reviewScore returns the score for the nth review invocation (1-based).
// Without a marker every review scores 0.92.
func reviewScore(prompt string, n int) float64 {
	m := scoresRe.FindStringSubmatch(prompt)
	if m == nil {
		return 0.92
	}
	parts := strings.Split(m[1], ",")
	scores := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			continue
		}
		scores = append(scores, v)
	}
	if len(scores) == 0 {
		return 0.92
	}
	if n < 1 {
		n = 1
	}
	if n > len(scores) {
		n = len(scores)
	}
	return scores[n-1]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return strings.TrimSpace(s)
}

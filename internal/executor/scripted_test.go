package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/phase"
)

func viewFor(ph phase.Phase, prompt string) Request {
	return Request{View: api.PhaseView{TaskID: "task-1", Phase: ph, Prompt: prompt}}
}

func TestScriptedDefaults(t *testing.T) {
	s := NewScripted()
	ctx := context.Background()

	out, err := s.Execute(ctx, viewFor(phase.Plan, "add retry logic"))
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeSuccess, out.Status)
	assert.Contains(t, out.Payload, "plan:")

	out, err = s.Execute(ctx, viewFor(phase.Code, "add retry logic"))
	require.NoError(t, err)
	assert.Contains(t, out.Payload, "diff-ref:")

	out, err = s.Execute(ctx, viewFor(phase.Test, "add retry logic"))
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeSuccess, out.Status)

	out, err = s.Execute(ctx, viewFor(phase.Review, "add retry logic"))
	require.NoError(t, err)
	require.NotNil(t, out.Score)
	assert.InDelta(t, 0.92, *out.Score, 0.001)
}

func TestScriptedFailEveryTime(t *testing.T) {
	s := NewScripted()
	for i := 0; i < 3; i++ {
		out, err := s.Execute(context.Background(), viewFor(phase.Test, "fail-test"))
		require.NoError(t, err)
		assert.Equal(t, api.OutcomeFailure, out.Status)
		assert.Contains(t, out.Diagnostics, "injected test failure")
	}
}

func TestScriptedFailFirstN(t *testing.T) {
	s := NewScripted()
	req := viewFor(phase.Test, "fail-test:2 then pass")

	for i := 0; i < 2; i++ {
		out, err := s.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, api.OutcomeFailure, out.Status, "call %d", i+1)
	}
	out, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeSuccess, out.Status)
}

func TestScriptedUnavailableFirstN(t *testing.T) {
	s := NewScripted()
	req := viewFor(phase.Code, "unavailable-code:1")

	_, err := s.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrUnavailable)

	out, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeSuccess, out.Status)
}

func TestScriptedReviewScores(t *testing.T) {
	s := NewScripted()
	req := viewFor(phase.Review, "review-scores=0.80,0.95")

	out, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 0.80, *out.Score, 0.001)

	out, err = s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, *out.Score, 0.001)

	// last score repeats
	out, err = s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, *out.Score, 0.001)
}

func TestScriptedSlowHonorsDeadline(t *testing.T) {
	s := NewScripted()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Execute(ctx, viewFor(phase.Test, "slow-test=2s"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScriptedTracksTasksIndependently(t *testing.T) {
	s := NewScripted()
	a := Request{View: api.PhaseView{TaskID: "a", Phase: phase.Test, Prompt: "fail-test:1"}}
	b := Request{View: api.PhaseView{TaskID: "b", Phase: phase.Test, Prompt: "fail-test:1"}}

	out, err := s.Execute(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeFailure, out.Status)

	// task b still sees its own first call fail
	out, err = s.Execute(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeFailure, out.Status)

	out, err = s.Execute(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeSuccess, out.Status)
}

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/throw-if-null/covalent/internal/phase"
)

func TestPhaseViewPlan(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "view-plan")

	v, err := s.PhaseView(context.Background(), "view-plan", phase.Plan)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.TaskID != "view-plan" || v.Phase != phase.Plan {
		t.Fatalf("view header = %+v", v)
	}
	if v.Prompt == "" {
		t.Fatalf("plan view missing prompt")
	}
	if len(v.Artifacts) != 0 {
		t.Fatalf("plan view has artifacts: %v", v.Artifacts)
	}
	if v.Pushback != "" {
		t.Fatalf("plan view has pushback")
	}
	if v.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", v.Attempt)
	}
}

func TestPhaseViewCodeSeesPlanAndPushback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "view-code")

	mustRecord(t, s, "view-code", phase.Plan, success("the plan"))
	mustRecord(t, s, "view-code", phase.Code, success("diff-1"))
	mustRecord(t, s, "view-code", phase.Test, failure("assertion blew up"))

	v, err := s.PhaseView(ctx, "view-code", phase.Code)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(v.Artifacts) != 1 || v.Artifacts[0].Phase != phase.Plan {
		t.Fatalf("code view artifacts = %v, want plan only", v.Artifacts)
	}
	if v.Artifacts[0].Payload != "the plan" {
		t.Fatalf("plan payload = %q", v.Artifacts[0].Payload)
	}
	if v.Pushback != "assertion blew up" {
		t.Fatalf("pushback = %q", v.Pushback)
	}
	if v.Attempt != 4 {
		t.Fatalf("attempt = %d, want 4", v.Attempt)
	}

	// The same task state seen through the test lens carries no pushback.
	tv, err := s.PhaseView(ctx, "view-code", phase.Test)
	if err != nil {
		t.Fatalf("test view: %v", err)
	}
	if tv.Pushback != "" {
		t.Fatalf("test view leaked pushback: %q", tv.Pushback)
	}
	if len(tv.Artifacts) != 1 || tv.Artifacts[0].Phase != phase.Plan {
		t.Fatalf("test view artifacts = %v, want plan only", tv.Artifacts)
	}
}

func TestPhaseViewReviewExcludesCode(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "view-rev")

	mustRecord(t, s, "view-rev", phase.Plan, success("the plan"))
	mustRecord(t, s, "view-rev", phase.Code, success("the diff"))
	mustRecord(t, s, "view-rev", phase.Test, success("the report"))

	v, err := s.PhaseView(context.Background(), "view-rev", phase.Review)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(v.Artifacts) != 2 {
		t.Fatalf("review view artifacts = %v, want plan and test", v.Artifacts)
	}
	if v.Artifacts[0].Phase != phase.Plan || v.Artifacts[1].Phase != phase.Test {
		t.Fatalf("review view order = %s, %s", v.Artifacts[0].Phase, v.Artifacts[1].Phase)
	}
	for _, a := range v.Artifacts {
		if a.Phase == phase.Code {
			t.Fatalf("review view leaked the code artifact")
		}
	}
	if v.Pushback != "" {
		t.Fatalf("review view has pushback")
	}
}

func TestPhaseViewInvariants(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "view-bad")

	_, err := s.PhaseView(context.Background(), "view-bad", phase.Completed)
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("terminal view: got %v, want ErrInvariant", err)
	}

	_, err = s.PhaseView(context.Background(), "ghost", phase.Plan)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown task view: got %v, want ErrNotFound", err)
	}
}

// Package phase defines the pipeline state machine: the phases a task moves
// through, the verdicts that drive transitions, and the artifact visibility
// rules for each executing phase.
package phase

import "fmt"

type Phase string

const (
	Plan   Phase = "plan"
	Code   Phase = "code"
	Test   Phase = "test"
	Review Phase = "review"

	Completed Phase = "completed"
	Escalated Phase = "escalated"
	Blocked   Phase = "blocked"
)

// Verdict is the input symbol applied to the machine when an outcome is
// recorded. Pass advances the pipeline, Fail pushes work back to the code
// phase, Escalate and Block end the task.
type Verdict string

const (
	VerdictPass     Verdict = "pass"
	VerdictFail     Verdict = "fail"
	VerdictEscalate Verdict = "escalate"
	VerdictBlock    Verdict = "block"
)

var transitions = map[Phase]map[Verdict]Phase{
	Plan: {
		VerdictPass:  Code,
		VerdictBlock: Blocked,
	},
	Code: {
		VerdictPass:  Test,
		VerdictBlock: Blocked,
	},
	Test: {
		VerdictPass:     Review,
		VerdictFail:     Code,
		VerdictEscalate: Escalated,
		VerdictBlock:    Blocked,
	},
	Review: {
		VerdictPass:     Completed,
		VerdictFail:     Code,
		VerdictEscalate: Escalated,
		VerdictBlock:    Blocked,
	},
	Completed: {},
	Escalated: {},
	Blocked:   {},
}

// readSets lists the artifact phases each executing phase may see. The code
// phase additionally receives pushback diagnostics, which are not an
// artifact and are handled by the store.
var readSets = map[Phase][]Phase{
	Plan:   {},
	Code:   {Plan},
	Test:   {Plan},
	Review: {Plan, Test},
}

func Valid(p Phase) bool {
	_, ok := transitions[p]
	return ok
}

// Terminal reports whether p admits no further transitions.
func Terminal(p Phase) bool {
	next, ok := transitions[p]
	return ok && len(next) == 0
}

// Executable reports whether p is a phase an agent runs in.
func Executable(p Phase) bool {
	_, ok := readSets[p]
	return ok
}

// Next returns the phase reached from p under verdict v. An undefined
// combination is a state machine violation, never a recoverable condition.
func Next(p Phase, v Verdict) (Phase, error) {
	if !Valid(p) {
		return "", fmt.Errorf("invalid phase: %q", p)
	}
	to, ok := transitions[p][v]
	if !ok {
		return "", fmt.Errorf("invalid transition: %s under verdict %s", p, v)
	}
	return to, nil
}

// ReadSet returns the artifact phases visible to an executor running phase p,
// in pipeline order. Only executable phases have a read set.
func ReadSet(p Phase) ([]Phase, error) {
	rs, ok := readSets[p]
	if !ok {
		return nil, fmt.Errorf("no read set for phase %q", p)
	}
	out := make([]Phase, len(rs))
	copy(out, rs)
	return out, nil
}

func Parse(s string) (Phase, error) {
	p := Phase(s)
	if !Valid(p) {
		return "", fmt.Errorf("unknown phase: %q", s)
	}
	return p, nil
}

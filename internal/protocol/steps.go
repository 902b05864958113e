// Package protocol implements the interview step state machine, the TTO
// valuation computation, and the response-quality heuristics. Everything here
// is pure; persistence and events live in the engine.
package protocol

import "fmt"

// Step is one stage of the interview protocol, in presentation order.
type Step string

const (
	StepConsent      Step = "consent"
	StepWarmup       Step = "warmup"
	StepPractice     Step = "practice"
	StepTTO          Step = "tto"
	StepFeedback     Step = "feedback"
	StepDCE          Step = "dce"
	StepDemographics Step = "demographics"
	StepComplete     Step = "complete"
)

var stepOrder = []Step{
	StepConsent,
	StepWarmup,
	StepPractice,
	StepTTO,
	StepFeedback,
	StepDCE,
	StepDemographics,
	StepComplete,
}

// InvalidTransitionError signals an advance requested from a step that does
// not match the persisted current step, or a back to a non-earlier step.
type InvalidTransitionError struct {
	From    Step
	Current Step
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid step transition: client at %s but session at %s", e.From, e.Current)
}

// Steps returns the ordered step set.
func Steps() []Step {
	out := make([]Step, len(stepOrder))
	copy(out, stepOrder)
	return out
}

// ValidStep reports whether s names a protocol step.
func ValidStep(s Step) bool {
	return stepIndex(s) >= 0
}

func stepIndex(s Step) int {
	for i, step := range stepOrder {
		if step == s {
			return i
		}
	}
	return -1
}

// Sequencer advances a session through the step graph. The tto step repeats
// taskCount times, tracked by a 1-based task cursor.
type Sequencer struct {
	TaskCount int
}

// Position is the sequencer's view of a session: the persisted current step
// and, within the tto block, the task cursor.
type Position struct {
	Step       Step
	TaskCursor int
}

// Advance returns the position after current, validating that the caller's
// view (from) matches the persisted step. A stale from yields
// InvalidTransitionError; advancing from complete is a no-op.
func (s Sequencer) Advance(current Position, from Step) (Position, error) {
	if stepIndex(current.Step) < 0 {
		return current, fmt.Errorf("unknown step %q", current.Step)
	}
	if from != current.Step {
		return current, InvalidTransitionError{From: from, Current: current.Step}
	}
	if current.Step == StepComplete {
		return current, nil
	}
	if current.Step == StepTTO && current.TaskCursor < s.TaskCount {
		return Position{Step: StepTTO, TaskCursor: current.TaskCursor + 1}, nil
	}
	next := stepOrder[stepIndex(current.Step)+1]
	pos := Position{Step: next, TaskCursor: current.TaskCursor}
	if next == StepTTO {
		pos.TaskCursor = 1
	}
	return pos, nil
}

// Back moves to an earlier step. It never deletes collected responses; within
// the tto block the task cursor is preserved so confirmed tasks stay settled.
func (s Sequencer) Back(current Position, to Step) (Position, error) {
	ti, ci := stepIndex(to), stepIndex(current.Step)
	if ti < 0 {
		return current, fmt.Errorf("unknown step %q", to)
	}
	if ci < 0 {
		return current, fmt.Errorf("unknown step %q", current.Step)
	}
	if ti >= ci {
		return current, InvalidTransitionError{From: to, Current: current.Step}
	}
	return Position{Step: to, TaskCursor: current.TaskCursor}, nil
}

// IsTerminal reports whether the step ends the interview.
func IsTerminal(s Step) bool {
	return s == StepComplete
}

// CollectsData reports whether advancing past the step requires an
// acknowledged child-table write.
func CollectsData(s Step) bool {
	switch s {
	case StepWarmup, StepTTO, StepDCE, StepDemographics:
		return true
	}
	return false
}

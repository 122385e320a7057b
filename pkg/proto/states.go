package proto

import (
	"fmt"
	"strings"
)

// WorkflowState is a primary Scrum-workflow FSM state.
type WorkflowState string

const (
	StateIdle          WorkflowState = "IDLE"
	StateBacklogReady  WorkflowState = "BACKLOG_READY"
	StateSprintPlanned WorkflowState = "SPRINT_PLANNED"
	StateSprintActive  WorkflowState = "SPRINT_ACTIVE"
	StateSprintPaused  WorkflowState = "SPRINT_PAUSED"
	StateSprintReview  WorkflowState = "SPRINT_REVIEW"
	StateBlocked       WorkflowState = "BLOCKED"
)

// ValidWorkflowStates returns all workflow states in a stable order.
func ValidWorkflowStates() []WorkflowState {
	return []WorkflowState{
		StateIdle, StateBacklogReady, StateSprintPlanned,
		StateSprintActive, StateSprintPaused, StateSprintReview, StateBlocked,
	}
}

// ParseWorkflowState converts a string to a WorkflowState.
func ParseWorkflowState(s string) (WorkflowState, error) {
	ws := WorkflowState(strings.ToUpper(strings.TrimSpace(s)))
	for _, valid := range ValidWorkflowStates() {
		if ws == valid {
			return ws, nil
		}
	}
	return "", fmt.Errorf("unknown workflow state: %s", s)
}

func (s WorkflowState) String() string {
	return string(s)
}

// TDDState is a micro-cycle FSM state.
type TDDState string

const (
	TDDDesign    TDDState = "DESIGN"
	TDDTestRed   TDDState = "TEST_RED"
	TDDCodeGreen TDDState = "CODE_GREEN"
	TDDRefactor  TDDState = "REFACTOR"
	TDDCommit    TDDState = "COMMIT"
)

// ValidTDDStates returns all micro-cycle states in execution order.
func ValidTDDStates() []TDDState {
	return []TDDState{TDDDesign, TDDTestRed, TDDCodeGreen, TDDRefactor, TDDCommit}
}

// ParseTDDState converts a string to a TDDState.
func ParseTDDState(s string) (TDDState, error) {
	ts := TDDState(strings.ToUpper(strings.TrimSpace(s)))
	for _, valid := range ValidTDDStates() {
		if ts == valid {
			return ts, nil
		}
	}
	return "", fmt.Errorf("unknown TDD state: %s", s)
}

func (s TDDState) String() string {
	return string(s)
}

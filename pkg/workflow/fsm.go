// Package workflow implements the primary Scrum-style finite state
// machine. Transitions are a fixed table keyed by (state, command);
// preconditions are separate predicates so validation stays a pure
// function of its inputs.
package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"overseer/pkg/proto"
)

// Command is a canonical workflow command name.
type Command string

const (
	CmdCreateEpic     Command = "create_epic"
	CmdApprove        Command = "approve"
	CmdPrioritize     Command = "prioritize"
	CmdPlanSprint     Command = "plan_sprint"
	CmdStartSprint    Command = "start_sprint"
	CmdCancelSprint   Command = "cancel_sprint"
	CmdSprintStatus   Command = "sprint_status"
	CmdUpdateTask     Command = "update_task"
	CmdApproveTask    Command = "approve_task"
	CmdPauseSprint    Command = "pause_sprint"
	CmdCompleteSprint Command = "complete_sprint"
	CmdResumeSprint   Command = "resume_sprint"
	CmdBlock          Command = "block"
	CmdSuggestFix     Command = "suggest_fix"
	CmdSkipTask       Command = "skip_task"
	CmdRequestChanges Command = "request_changes"
	CmdFeedback       Command = "feedback"

	CmdState         Command = "state"
	CmdBacklogView   Command = "backlog view"
	CmdTDDStatus     Command = "tdd status"
	CmdTDDOverview   Command = "tdd overview"
	CmdProjectStatus Command = "project status"

	CmdBacklogAddStory   Command = "backlog add_story"
	CmdBacklogPrioritize Command = "backlog prioritize"
	CmdBacklogRemove     Command = "backlog remove"
)

// transitions is the fixed (state, command) -> state table.
var transitions = map[proto.WorkflowState]map[Command]proto.WorkflowState{
	proto.StateIdle: {
		CmdCreateEpic: proto.StateBacklogReady,
	},
	proto.StateBacklogReady: {
		CmdCreateEpic: proto.StateBacklogReady,
		CmdApprove:    proto.StateBacklogReady,
		CmdPrioritize: proto.StateBacklogReady,
		CmdPlanSprint: proto.StateSprintPlanned,
	},
	proto.StateSprintPlanned: {
		CmdStartSprint:  proto.StateSprintActive,
		CmdCancelSprint: proto.StateBacklogReady,
	},
	proto.StateSprintActive: {
		CmdSprintStatus:   proto.StateSprintActive,
		CmdUpdateTask:     proto.StateSprintActive,
		CmdApproveTask:    proto.StateSprintActive,
		CmdPauseSprint:    proto.StateSprintPaused,
		CmdCompleteSprint: proto.StateSprintReview,
		CmdBlock:          proto.StateBlocked,
	},
	proto.StateSprintPaused: {
		CmdResumeSprint: proto.StateSprintActive,
		CmdCancelSprint: proto.StateBacklogReady,
	},
	proto.StateBlocked: {
		CmdSuggestFix: proto.StateSprintActive,
		CmdSkipTask:   proto.StateSprintActive,
	},
	proto.StateSprintReview: {
		CmdRequestChanges: proto.StateBacklogReady,
		CmdFeedback:       proto.StateIdle,
	},
}

// queryCommands are accepted in every state and never transition.
var queryCommands = map[Command]bool{
	CmdState:         true,
	CmdBacklogView:   true,
	CmdSprintStatus:  true,
	CmdTDDStatus:     true,
	CmdTDDOverview:   true,
	CmdProjectStatus: true,
}

// backlogMutations are accepted in every state except SPRINT_REVIEW and
// never transition.
var backlogMutations = map[Command]bool{
	CmdBacklogAddStory:   true,
	CmdBacklogPrioritize: true,
	CmdBacklogRemove:     true,
}

// Snapshot carries the aggregate facts the predicates need, so that
// validation is a deterministic function of (state, command, snapshot).
type Snapshot struct {
	BacklogStories int
}

// Result is the outcome of validating or applying one command.
type Result struct {
	Success  bool
	NewState proto.WorkflowState
	Kind     proto.ErrorKind
	Error    string
	Hint     string
}

// Machine is one project's primary FSM plus its registry of active TDD
// cycles (story id -> cycle id), which gates review/idle transitions.
type Machine struct {
	mu     sync.Mutex
	state  proto.WorkflowState
	cycles map[string]string
}

// New starts a machine in IDLE with no registered cycles.
func New() *Machine {
	return &Machine{state: proto.StateIdle, cycles: make(map[string]string)}
}

// Restore rebuilds a machine at a known state, for crash recovery.
func Restore(state proto.WorkflowState) *Machine {
	m := New()
	m.state = state
	return m
}

// State returns the current state.
func (m *Machine) State() proto.WorkflowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RegisterTDDCycle records an active cycle for a story.
func (m *Machine) RegisterTDDCycle(storyID, cycleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles[storyID] = cycleID
}

// UnregisterTDDCycle removes a story's cycle registration.
func (m *Machine) UnregisterTDDCycle(storyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cycles, storyID)
}

// HasActiveTDDCycles reports whether any cycle is registered.
func (m *Machine) HasActiveTDDCycles() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cycles) > 0
}

// ActiveCycleIDs returns the registered cycle ids, sorted for stable hints.
func (m *Machine) ActiveCycleIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.cycles))
	for _, id := range m.cycles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ValidateCommand checks admissibility without committing. Deterministic
// for a given (state, command, snapshot, registered cycles).
func (m *Machine) ValidateCommand(cmd Command, snap Snapshot) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked(cmd, snap)
}

// Apply validates and commits the transition.
func (m *Machine) Apply(cmd Command, snap Snapshot) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.validateLocked(cmd, snap)
	if res.Success {
		m.state = res.NewState
	}
	return res
}

func (m *Machine) validateLocked(cmd Command, snap Snapshot) Result {
	if queryCommands[cmd] {
		return Result{Success: true, NewState: m.state}
	}
	if backlogMutations[cmd] {
		if m.state == proto.StateSprintReview {
			return Result{
				Success: false,
				Kind:    proto.ErrKindInvalidTransition,
				Error:   fmt.Sprintf("backlog is frozen during %s", m.state),
				Hint:    "finish the review with request_changes or feedback first",
			}
		}
		return Result{Success: true, NewState: m.state}
	}

	next, ok := transitions[m.state][cmd]
	if !ok {
		return Result{
			Success: false,
			Kind:    proto.ErrKindInvalidTransition,
			Error:   fmt.Sprintf("command %s is not valid in state %s", cmd, m.state),
			Hint:    hintFor(cmd, m.state),
		}
	}

	if res, ok := m.checkPredicatesLocked(cmd, next, snap); !ok {
		return res
	}
	return Result{Success: true, NewState: next}
}

// checkPredicatesLocked enforces the precondition table: sprints need
// stories, and no transition may enter SPRINT_REVIEW or IDLE (or cancel a
// sprint) while TDD cycles are active.
func (m *Machine) checkPredicatesLocked(cmd Command, next proto.WorkflowState, snap Snapshot) (Result, bool) {
	if cmd == CmdPlanSprint && snap.BacklogStories == 0 {
		return Result{
			Success: false,
			Kind:    proto.ErrKindPreconditionFailed,
			Error:   "no stories in the backlog to plan",
			Hint:    `add stories with backlog add_story "<desc>" first`,
		}, false
	}

	blocksOnCycles := next == proto.StateSprintReview || next == proto.StateIdle || cmd == CmdCancelSprint
	if blocksOnCycles && len(m.cycles) > 0 {
		return Result{
			Success: false,
			Kind:    proto.ErrKindInvalidTransition,
			Error:   fmt.Sprintf("%d TDD cycle(s) still active", len(m.cycles)),
			Hint:    "finish or abort cycles first: " + strings.Join(m.activeCycleIDsLocked(), ", "),
		}, false
	}
	return Result{}, true
}

func (m *Machine) activeCycleIDsLocked() []string {
	out := make([]string, 0, len(m.cycles))
	for _, id := range m.cycles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AllowedCommands enumerates every command the machine would accept right
// now, sorted; queries and (outside review) backlog mutations included.
func (m *Machine) AllowedCommands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Command
	for cmd := range transitions[m.state] {
		out = append(out, cmd)
	}
	for cmd := range queryCommands {
		if _, dup := transitions[m.state][cmd]; !dup {
			out = append(out, cmd)
		}
	}
	if m.state != proto.StateSprintReview {
		for cmd := range backlogMutations {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

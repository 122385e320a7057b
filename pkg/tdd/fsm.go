// Package tdd implements the nested red-green-refactor state machine.
// Commands map 1:1 to target states; edges form a DAG with one
// test-expansion loop (REFACTOR back to TEST_RED). Preconditions are
// predicates over the cycle and its current task.
package tdd

import (
	"fmt"
	"sort"
	"strings"

	"overseer/pkg/project"
	"overseer/pkg/proto"
)

// Command is a canonical micro-cycle command.
type Command string

const (
	CmdDesign    Command = "design"
	CmdWriteTest Command = "write_test"
	CmdImplement Command = "implement"
	CmdRefactor  Command = "refactor"
	CmdCommit    Command = "commit"
)

// targets maps each command to the state it drives toward.
var targets = map[Command]proto.TDDState{
	CmdDesign:    proto.TDDDesign,
	CmdWriteTest: proto.TDDTestRed,
	CmdImplement: proto.TDDCodeGreen,
	CmdRefactor:  proto.TDDRefactor,
	CmdCommit:    proto.TDDCommit,
}

// edges is the fixed from -> to adjacency.
var edges = map[proto.TDDState]map[proto.TDDState]bool{
	proto.TDDDesign: {
		proto.TDDTestRed: true,
	},
	proto.TDDTestRed: {
		proto.TDDCodeGreen: true,
	},
	proto.TDDCodeGreen: {
		proto.TDDRefactor: true,
		proto.TDDCommit:   true,
	},
	proto.TDDRefactor: {
		proto.TDDCommit:  true,
		proto.TDDTestRed: true,
	},
	proto.TDDCommit: {
		proto.TDDDesign: true,
	},
}

// ParseSubverb maps a /tdd subverb to its canonical command.
func ParseSubverb(sub string) (Command, error) {
	switch strings.TrimSpace(sub) {
	case "design":
		return CmdDesign, nil
	case "test":
		return CmdWriteTest, nil
	case "code":
		return CmdImplement, nil
	case "refactor":
		return CmdRefactor, nil
	case "commit":
		return CmdCommit, nil
	default:
		return "", fmt.Errorf("unknown tdd command: %s", sub)
	}
}

// Result is the outcome of validating or applying one micro-cycle command.
type Result struct {
	Success        bool
	NewState       proto.TDDState
	Kind           proto.ErrorKind
	Error          string
	Hint           string
	CycleCompleted bool
}

// Validate checks a command against the cycle without mutating it.
func Validate(c *project.TDDCycle, cmd Command, settings project.TDDSettings) Result {
	target, ok := targets[cmd]
	if !ok {
		return Result{
			Success: false,
			Kind:    proto.ErrKindUnknownCommand,
			Error:   fmt.Sprintf("unknown tdd command: %s", cmd),
			Hint:    "valid commands: design, write_test, implement, refactor, commit",
		}
	}
	if c.Complete() {
		return Result{
			Success:  false,
			NewState: c.CurrentState,
			Kind:     proto.ErrKindPreconditionFailed,
			Error:    fmt.Sprintf("cycle %s is complete", c.ID),
			Hint:     "start a new cycle with tdd start <story-id>",
		}
	}
	if !edges[c.CurrentState][target] {
		return Result{
			Success:  false,
			NewState: c.CurrentState,
			Kind:     proto.ErrKindInvalidTransition,
			Error:    fmt.Sprintf("cannot move from %s to %s", c.CurrentState, target),
			Hint:     transitionHint(c.CurrentState),
		}
	}
	if res, ok := checkPredicates(c, target, settings); !ok {
		return res
	}
	return Result{Success: true, NewState: target}
}

// Apply validates and commits the transition, advancing tasks on the
// COMMIT -> DESIGN edge and completing the cycle after its last task.
func Apply(c *project.TDDCycle, cmd Command, settings project.TDDSettings) Result {
	res := Validate(c, cmd, settings)
	if !res.Success {
		return res
	}
	target := res.NewState

	switch target {
	case proto.TDDDesign:
		// Leaving COMMIT closes the current task.
		if more := c.AdvanceTask(); !more {
			return Result{Success: true, NewState: proto.TDDCommit, CycleCompleted: true}
		}
		return Result{Success: true, NewState: proto.TDDDesign}
	case proto.TDDRefactor:
		c.SetState(target)
		c.Counters.Refactors++
	case proto.TDDCommit:
		c.SetState(target)
		c.Counters.Commits++
	default:
		c.SetState(target)
	}
	return Result{Success: true, NewState: c.CurrentState}
}

// checkPredicates enforces the phase-exit preconditions.
func checkPredicates(c *project.TDDCycle, target proto.TDDState, settings project.TDDSettings) (Result, bool) {
	task := c.CurrentTask()
	if task == nil {
		return Result{
			Success:  false,
			NewState: c.CurrentState,
			Kind:     proto.ErrKindPreconditionFailed,
			Error:    "cycle has no current task",
			Hint:     "start a new cycle with tdd start <story-id>",
		}, false
	}

	fail := func(err, hint string) (Result, bool) {
		return Result{
			Success:  false,
			NewState: c.CurrentState,
			Kind:     proto.ErrKindPreconditionFailed,
			Error:    err,
			Hint:     hint,
		}, false
	}

	switch {
	case c.CurrentState == proto.TDDTestRed && target == proto.TDDCodeGreen:
		if task.CommittedTestFiles() == 0 {
			return fail("no committed test files", "commit at least one failing test first")
		}
		if !task.HasFailingTests() {
			return fail("no failing tests recorded", "write a failing test before implementing")
		}
	case target == proto.TDDCommit:
		if !task.HasPassingTests() {
			return fail("tests are not passing", "make the tests pass before committing")
		}
		if c.CurrentState == proto.TDDRefactor && task.Coverage > 0 && task.Coverage < settings.CoverageThreshold {
			return fail(
				fmt.Sprintf("coverage %.1f%% is below the %.1f%% threshold", task.Coverage, settings.CoverageThreshold),
				"restore coverage before committing the refactor",
			)
		}
	}
	return Result{}, true
}

// transitionHint names the legal exits from a state.
func transitionHint(from proto.TDDState) string {
	next, ok := edges[from]
	if !ok || len(next) == 0 {
		return "the cycle is positioned on a terminal state"
	}
	var cmds []string
	for state := range next {
		for cmd, target := range targets {
			if target == state {
				cmds = append(cmds, string(cmd))
			}
		}
	}
	sort.Strings(cmds)
	return fmt.Sprintf("from %s use: %s", from, strings.Join(cmds, ", "))
}

// AllowedCommands lists the commands legal from the cycle's current state.
func AllowedCommands(c *project.TDDCycle) []Command {
	if c.Complete() {
		return nil
	}
	var out []Command
	for state := range edges[c.CurrentState] {
		for cmd, target := range targets {
			if target == state {
				out = append(out, cmd)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

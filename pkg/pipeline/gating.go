package pipeline

import "overseer/pkg/proto"

// stateChanging enumerates the commands that mutate project state. Only
// these are ever gated; unknown verbs fall through to the orchestrator's
// rejection.
var stateChanging = map[string]bool{
	"epic":               true,
	"approve":            true,
	"prioritize":         true,
	"sprint plan":        true,
	"sprint start":       true,
	"sprint pause":       true,
	"sprint resume":      true,
	"sprint complete":    true,
	"sprint cancel":      true,
	"request_changes":    true,
	"feedback":           true,
	"suggest_fix":        true,
	"skip_task":          true,
	"backlog add_story":  true,
	"backlog prioritize": true,
	"backlog remove":     true,
	"backlog import":     true,
	"tdd start":          true,
	"tdd design":         true,
	"tdd test":           true,
	"tdd code":           true,
	"tdd refactor":       true,
	"tdd commit":         true,
	"tdd abort":          true,
}

// destructive commands cancel or discard work.
var destructive = map[string]bool{
	"sprint cancel":   true,
	"skip_task":       true,
	"request_changes": true,
	"tdd abort":       true,
	"backlog remove":  true,
}

// reviewExits close a sprint review.
var reviewExits = map[string]bool{
	"request_changes": true,
	"feedback":        true,
}

// gated reports whether the orchestration mode requires a human decision
// before the command may run.
func gated(mode proto.OrchestrationMode, cmd proto.Command) bool {
	key := cmd.Canonical()
	switch mode {
	case proto.ModeBlocking:
		return stateChanging[key]
	case proto.ModePartial:
		return destructive[key]
	case proto.ModeCollaborative:
		return reviewExits[key]
	default: // AUTONOMOUS
		return false
	}
}

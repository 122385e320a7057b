package workflow

import "overseer/pkg/proto"

// stateHints give targeted next-step guidance for a rejected command in a
// specific state; commandHints are the per-command fallback.
var stateHints = map[Command]map[proto.WorkflowState]string{
	CmdStartSprint: {
		proto.StateIdle:         `create an epic with /epic "<description>" first`,
		proto.StateBacklogReady: "no sprint planned - use plan_sprint first",
		proto.StateSprintActive: "a sprint is already running",
		proto.StateSprintPaused: "the sprint is paused - use resume_sprint",
	},
	CmdPlanSprint: {
		proto.StateIdle:          `create an epic with /epic "<description>" first`,
		proto.StateSprintPlanned: "a sprint is already planned - start_sprint or cancel_sprint",
		proto.StateSprintActive:  "finish the running sprint before planning another",
	},
	CmdPauseSprint: {
		proto.StateSprintPaused: "the sprint is already paused",
	},
	CmdResumeSprint: {
		proto.StateSprintActive: "the sprint is already running",
	},
	CmdCompleteSprint: {
		proto.StateSprintPaused: "resume the sprint before completing it",
	},
	CmdCreateEpic: {
		proto.StateSprintReview: "finish the review with request_changes or feedback first",
	},
}

var commandHints = map[Command]string{
	CmdCreateEpic:     `epics can be created in IDLE or BACKLOG_READY`,
	CmdApprove:        "approvals apply to backlog items in BACKLOG_READY",
	CmdPrioritize:     "prioritization applies to backlog items in BACKLOG_READY",
	CmdPlanSprint:     "planning needs a populated backlog in BACKLOG_READY",
	CmdStartSprint:    "starting needs a planned sprint",
	CmdCancelSprint:   "only planned or paused sprints can be cancelled",
	CmdPauseSprint:    "only a running sprint can be paused",
	CmdResumeSprint:   "only a paused sprint can be resumed",
	CmdCompleteSprint: "only a running sprint can be completed",
	CmdBlock:          "blocking applies to a running sprint",
	CmdSuggestFix:     "suggest_fix applies while BLOCKED",
	CmdSkipTask:       "skip_task applies while BLOCKED",
	CmdRequestChanges: "request_changes applies during SPRINT_REVIEW",
	CmdFeedback:       "feedback applies during SPRINT_REVIEW",
	CmdUpdateTask:     "task updates apply to a running sprint",
	CmdApproveTask:    "task approvals apply to a running sprint",
}

// hintFor picks the most specific hint for a rejected (command, state).
func hintFor(cmd Command, state proto.WorkflowState) string {
	if byState, ok := stateHints[cmd]; ok {
		if hint, ok := byState[state]; ok {
			return hint
		}
	}
	if hint, ok := commandHints[cmd]; ok {
		return hint
	}
	return "use state to see the allowed commands"
}

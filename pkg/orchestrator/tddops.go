package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"overseer/pkg/capability"
	"overseer/pkg/project"
	"overseer/pkg/proto"
	"overseer/pkg/tdd"
	"overseer/pkg/workflow"
)

// phaseCommands names the executor command per micro-cycle phase.
var phaseCommands = map[proto.TDDState]string{
	proto.TDDDesign:    "design_task",
	proto.TDDTestRed:   "write_failing_test",
	proto.TDDCodeGreen: "implement_to_green",
	proto.TDDRefactor:  "refactor_under_green",
	proto.TDDCommit:    "commit_changes",
}

func (o *Orchestrator) handleTDD(ctx context.Context, cmd proto.Command) proto.Result {
	switch cmd.Subverb {
	case "start":
		return o.startCycle(ctx, cmd)
	case "status":
		return o.cycleStatus(cmd)
	case "overview":
		return o.cycleOverview(cmd)
	case "abort":
		return o.abortCycle(cmd)
	default:
		tcmd, err := tdd.ParseSubverb(cmd.Subverb)
		if err != nil {
			return o.unknownCommand(cmd)
		}
		return o.advanceCycle(ctx, cmd, tcmd)
	}
}

// resolveCycle picks the cycle named by the first argument, or the single
// active cycle when no argument is given.
func (o *Orchestrator) resolveCycle(args []string) (*project.TDDCycle, *proto.Result) {
	if len(args) > 0 {
		storyID := args[0]
		if c, ok := o.cycles[storyID]; ok {
			return c, nil
		}
		for _, c := range o.cycles {
			if c.ID == storyID {
				return c, nil
			}
		}
		fail := o.failNow(proto.ErrKindNotFound, fmt.Sprintf("no active cycle for %s", storyID), "open one with /tdd start <story-id>")
		return nil, &fail
	}
	if len(o.cycles) == 1 {
		for _, c := range o.cycles {
			return c, nil
		}
	}
	if len(o.cycles) == 0 {
		fail := o.failNow(proto.ErrKindNotFound, "no active TDD cycle", "open one with /tdd start <story-id>")
		return nil, &fail
	}
	fail := o.failNow(proto.ErrKindConflict,
		fmt.Sprintf("%d cycles active, name the story", len(o.cycles)),
		"usage: /tdd <command> <story-id>")
	return nil, &fail
}

func (o *Orchestrator) startCycle(ctx context.Context, cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	if len(cmd.Args) < 1 {
		return o.failNow(proto.ErrKindPreconditionFailed, "tdd start needs a story id", "usage: /tdd start <story-id>")
	}
	if o.wf.State() != proto.StateSprintActive {
		return o.failNow(proto.ErrKindInvalidTransition,
			fmt.Sprintf("cycles open only during an active sprint, not %s", o.wf.State()),
			"start the sprint first with /sprint start")
	}

	storyID := cmd.Args[0]
	s, ok := o.data.Stories[storyID]
	if !ok {
		return o.failNow(proto.ErrKindNotFound, fmt.Sprintf("story %s: not found", storyID), "list stories with /backlog view")
	}
	if _, busy := o.cycles[storyID]; busy {
		return o.failNow(proto.ErrKindConflict, fmt.Sprintf("story %s already has an active cycle", storyID), "")
	}
	sp := o.data.ActiveSprint()
	if sp == nil || !sp.Contains(storyID) {
		return o.failNow(proto.ErrKindPreconditionFailed, fmt.Sprintf("story %s is not in the active sprint", storyID), "")
	}
	if !o.data.DependenciesDone(storyID) {
		return o.failNow(proto.ErrKindPreconditionFailed,
			fmt.Sprintf("story %s has unfinished dependencies", storyID),
			"finish the dependency stories first")
	}

	tasks := make([]*project.TDDTask, 0, len(s.Tasks))
	for _, desc := range s.Tasks {
		tasks = append(tasks, project.NewTDDTask(desc, nil))
	}
	if len(tasks) == 0 {
		tasks = append(tasks, project.NewTDDTask(s.Description, s.AcceptanceCriteria))
	}

	c := project.NewTDDCycle(storyID, tasks)
	c.NeedsRecovery = true // cleared when the cycle closes; a crash leaves it set
	o.cycles[storyID] = c
	o.wf.RegisterTDDCycle(storyID, c.ID)
	o.recorder.SetActiveCycles(len(o.cycles))

	s.Status = project.StoryInProgress
	s.TDDCycleID = c.ID
	s.Touch()
	sp.ActiveTDDCycleIDs = append(sp.ActiveTDDCycleIDs, c.ID)
	sp.Metrics.CyclesStarted++

	if err := o.store.SaveTDDCycle(c); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist cycle: %v", err), "")
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist cycle start: %v", err), "")
	}

	if fail := o.runPhase(ctx, c, proto.TDDDesign); fail != nil {
		return *fail
	}
	res := proto.OK(string(o.wf.State()), o.allowedSurface(), "cycle %s opened for story %s in %s", c.ID, storyID, c.CurrentState)
	res.Artifacts = map[string]string{"cycle_id": c.ID}
	res.Hint = "write a failing test with /tdd test " + storyID
	return res
}

func (o *Orchestrator) advanceCycle(ctx context.Context, cmd proto.Command, tcmd tdd.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	c, fail := o.resolveCycle(cmd.Args)
	if fail != nil {
		return *fail
	}

	before := c.CurrentState
	res := tdd.Apply(c, tcmd, o.data.Settings)
	if !res.Success {
		return proto.Fail(res.Kind, string(o.wf.State()), o.allowedSurface(), res.Error, res.Hint)
	}

	o.recorder.IncTDDTransition(string(before), string(res.NewState))
	o.publish(proto.NewTDDTransitionEvent(o.cfg.Name, c.StoryID, c.ID, string(before), string(res.NewState)))

	if res.CycleCompleted {
		return o.finishCycle(c)
	}

	if fail := o.runPhase(ctx, c, res.NewState); fail != nil {
		return *fail
	}

	if err := o.store.SaveTDDCycle(c); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist cycle: %v", err), "")
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist cycle advance: %v", err), "")
	}

	out := proto.OK(string(o.wf.State()), o.allowedSurface(), "cycle %s moved %s -> %s", c.ID, before, c.CurrentState)
	out.Hint = nextPhaseHint(c)
	return out
}

// runPhase hands the phase's work to the owning agent and folds the
// outcome back into the current task. Exhausted retries block the sprint.
func (o *Orchestrator) runPhase(ctx context.Context, c *project.TDDCycle, phase proto.TDDState) *proto.Result {
	if o.dispatcher == nil {
		return nil
	}

	agent := capability.AgentForPhase(phase)
	if !capability.ValidateTDDPhase(agent, phase) {
		fail := o.failNow(proto.ErrKindUnauthorizedTool, fmt.Sprintf("agent %s cannot own phase %s", agent, phase), "")
		return &fail
	}

	task := proto.NewTask(o.cfg.Name, c.StoryID, c.ID, agent, phaseCommands[phase])
	task.MaxRetries = o.data.Settings.MaxTaskRetries
	if t := c.CurrentTask(); t != nil {
		task.Context["task_id"] = t.ID
		task.Context["description"] = t.Description
	}
	task.Context["phase"] = string(phase)

	result, err := o.dispatcher.Dispatch(ctx, task)
	o.publish(proto.NewTaskResultEvent(o.cfg.Name, task.ID, agent, err == nil, result.Duration))

	if err != nil {
		if errors.Is(err, context.Canceled) || result.Status == proto.TaskCancelled {
			fail := o.failNow(proto.ErrKindAgentFailure, fmt.Sprintf("phase %s aborted: %v", phase, err), "")
			return &fail
		}
		return o.blockOnAgentFailure(c, phase, err)
	}

	o.recordPhaseOutcome(c, phase, result)
	return nil
}

// blockOnAgentFailure moves the workflow to BLOCKED after an agent burns
// its whole retry budget.
func (o *Orchestrator) blockOnAgentFailure(c *project.TDDCycle, phase proto.TDDState, cause error) *proto.Result {
	o.blockedStory = c.StoryID
	if s, ok := o.data.Stories[c.StoryID]; ok {
		s.Status = project.StoryBlocked
		s.Touch()
	}
	if fail := o.applyWorkflow(workflow.CmdBlock, "system"); fail != nil {
		o.logger.Warn("could not enter BLOCKED from %s: %s", o.wf.State(), fail.Message)
	}
	if err := o.flushLocked(); err != nil {
		o.logger.Warn("persist blocked state: %v", err)
	}
	fail := proto.Fail(proto.ErrKindAgentFailure, string(o.wf.State()), o.allowedSurface(),
		fmt.Sprintf("phase %s failed after retries: %v", phase, cause),
		"resume with /suggest_fix \"<hint>\" or /skip_task")
	return &fail
}

// recordPhaseOutcome folds a completed agent task into the cycle's
// current task: test files and red results after TEST_RED, green results
// after CODE_GREEN and REFACTOR, coverage when the agent reports it.
func (o *Orchestrator) recordPhaseOutcome(c *project.TDDCycle, phase proto.TDDState, result proto.TaskResult) {
	t := c.CurrentTask()
	if t == nil {
		return
	}
	switch phase {
	case proto.TDDTestRed:
		path := result.Artifacts["test_file"]
		if path == "" {
			path = filepath.Join("tests", t.ID+"_test.go")
		}
		f := project.NewTestFile(path, path, c.StoryID, t.ID)
		f.MarkCommitted()
		t.AddTestFile(f)
		t.RecordResults([]project.TestResult{
			project.NewTestResult(path, "primary", project.TestRed),
		})
		c.Counters.TestRuns++
	case proto.TDDCodeGreen, proto.TDDRefactor:
		for _, f := range t.TestFileObjects {
			t.RecordResults([]project.TestResult{
				project.NewTestResult(f.FilePath, "primary", project.TestGreen),
			})
		}
		c.Counters.TestRuns++
		if v := result.Artifacts["coverage"]; v != "" {
			if cov, err := parseCoverage(v); err == nil {
				t.Coverage = cov
			}
		} else if t.Coverage == 0 {
			t.Coverage = o.data.Settings.CoverageThreshold
		}
	case proto.TDDCommit:
		if src := result.Artifacts["source_file"]; src != "" {
			t.SourceFiles = append(t.SourceFiles, src)
		}
	}
}

func parseCoverage(s string) (float64, error) {
	var cov float64
	_, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimSpace(s), "%"), "%f", &cov)
	return cov, err
}

// finishCycle closes a completed cycle and frees its story.
func (o *Orchestrator) finishCycle(c *project.TDDCycle) proto.Result {
	c.NeedsRecovery = false
	o.dropCycleLocked(c, project.StoryDone)

	if sp := o.data.ActiveSprint(); sp != nil {
		sp.Metrics.CyclesCompleted++
		sp.Metrics.TestRuns += c.Counters.TestRuns
		sp.Metrics.Refactors += c.Counters.Refactors
		sp.Metrics.Commits += c.Counters.Commits
		if err := o.store.SaveSprint(sp); err != nil {
			o.logger.Warn("save sprint file: %v", err)
		}
	}
	if err := o.store.SaveTDDCycle(c); err != nil {
		o.logger.Warn("persist completed cycle: %v", err)
	}
	if err := o.store.BackupTDDCycle(c.ID); err != nil {
		o.logger.Warn("backup completed cycle: %v", err)
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist cycle completion: %v", err), "")
	}
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "cycle %s complete; story %s is done", c.ID, c.StoryID)
}

// dropCycleLocked unregisters a cycle and sets its story's final status.
// The caller persists.
func (o *Orchestrator) dropCycleLocked(c *project.TDDCycle, storyStatus project.StoryStatus) {
	delete(o.cycles, c.StoryID)
	o.wf.UnregisterTDDCycle(c.StoryID)
	o.recorder.SetActiveCycles(len(o.cycles))

	if s, ok := o.data.Stories[c.StoryID]; ok {
		s.Status = storyStatus
		if storyStatus != project.StoryDone {
			s.TDDCycleID = ""
		}
		s.Touch()
	}
	if sp := o.data.ActiveSprint(); sp != nil {
		for i, id := range sp.ActiveTDDCycleIDs {
			if id == c.ID {
				sp.ActiveTDDCycleIDs = append(sp.ActiveTDDCycleIDs[:i], sp.ActiveTDDCycleIDs[i+1:]...)
				break
			}
		}
	}
}

func (o *Orchestrator) abortCycle(cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	c, fail := o.resolveCycle(cmd.Args)
	if fail != nil {
		return *fail
	}

	if o.dispatcher != nil {
		o.dispatcher.Abort(c.StoryID)
	}
	c.NeedsRecovery = false
	o.dropCycleLocked(c, project.StorySprint)
	if o.blockedStory == c.StoryID {
		o.blockedStory = ""
	}

	if err := o.store.SaveTDDCycle(c); err != nil {
		o.logger.Warn("persist aborted cycle: %v", err)
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist cycle abort: %v", err), "")
	}
	o.publish(proto.NewTDDTransitionEvent(o.cfg.Name, c.StoryID, c.ID, string(c.CurrentState), "ABORTED"))
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "cycle %s aborted; story %s back in the sprint", c.ID, c.StoryID)
}

func (o *Orchestrator) cycleStatus(cmd proto.Command) proto.Result {
	if fail := o.applyWorkflow(workflow.CmdTDDStatus, cmd.Requester); fail != nil {
		return *fail
	}
	c, fail := o.resolveCycle(cmd.Args)
	if fail != nil {
		return *fail
	}
	done := 0
	for _, t := range c.Tasks {
		if t.Completed {
			done++
		}
	}
	res := proto.OK(string(o.wf.State()), o.allowedSurface(),
		"cycle %s story %s: %s, task %d/%d, %d commit(s), %d refactor(s)",
		c.ID, c.StoryID, c.CurrentState, done+1, len(c.Tasks), c.Counters.Commits, c.Counters.Refactors)
	res.Hint = nextPhaseHint(c)
	return res
}

func (o *Orchestrator) cycleOverview(cmd proto.Command) proto.Result {
	if fail := o.applyWorkflow(workflow.CmdTDDOverview, cmd.Requester); fail != nil {
		return *fail
	}
	if len(o.cycles) == 0 {
		return proto.OK(string(o.wf.State()), o.allowedSurface(), "no active TDD cycles")
	}
	var lines []string
	for _, id := range o.wf.ActiveCycleIDs() {
		for _, c := range o.cycles {
			if c.ID == id {
				lines = append(lines, fmt.Sprintf("%s story %s: %s", c.ID, c.StoryID, c.CurrentState))
			}
		}
	}
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "%s", strings.Join(lines, "\n"))
}

func nextPhaseHint(c *project.TDDCycle) string {
	cmds := tdd.AllowedCommands(c)
	if len(cmds) == 0 {
		return ""
	}
	subs := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		switch cmd {
		case tdd.CmdDesign:
			subs = append(subs, "design")
		case tdd.CmdWriteTest:
			subs = append(subs, "test")
		case tdd.CmdImplement:
			subs = append(subs, "code")
		case tdd.CmdRefactor:
			subs = append(subs, "refactor")
		case tdd.CmdCommit:
			subs = append(subs, "commit")
		}
	}
	return "next: /tdd " + strings.Join(subs, " or /tdd ")
}

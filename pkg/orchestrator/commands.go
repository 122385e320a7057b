package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"overseer/pkg/backlogmd"
	"overseer/pkg/project"
	"overseer/pkg/proto"
	"overseer/pkg/workflow"
)

// surface maps canonical workflow commands to the slash form users type.
// Commands without a surface form (internal transitions) are omitted and
// never appear in allowed-command lists.
var surface = map[workflow.Command]string{
	workflow.CmdCreateEpic:        "/epic",
	workflow.CmdApprove:           "/approve",
	workflow.CmdPrioritize:        "/prioritize",
	workflow.CmdPlanSprint:        "/sprint plan",
	workflow.CmdStartSprint:       "/sprint start",
	workflow.CmdCancelSprint:      "/sprint cancel",
	workflow.CmdSprintStatus:      "/sprint status",
	workflow.CmdPauseSprint:       "/sprint pause",
	workflow.CmdResumeSprint:      "/sprint resume",
	workflow.CmdCompleteSprint:    "/sprint complete",
	workflow.CmdRequestChanges:    "/request_changes",
	workflow.CmdFeedback:          "/feedback",
	workflow.CmdSuggestFix:        "/suggest_fix",
	workflow.CmdSkipTask:          "/skip_task",
	workflow.CmdState:             "/state",
	workflow.CmdBacklogView:       "/backlog view",
	workflow.CmdBacklogAddStory:   "/backlog add_story",
	workflow.CmdBacklogPrioritize: "/backlog prioritize",
	workflow.CmdBacklogRemove:     "/backlog remove",
	workflow.CmdTDDStatus:         "/tdd status",
	workflow.CmdTDDOverview:       "/tdd overview",
	workflow.CmdProjectStatus:     "/project status",
}

func (o *Orchestrator) allowedSurface() []string {
	var out []string
	for _, cmd := range o.wf.AllowedCommands() {
		if s, ok := surface[cmd]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (o *Orchestrator) snapshot() workflow.Snapshot {
	return workflow.Snapshot{BacklogStories: len(o.data.BacklogStories())}
}

// applyWorkflow commits a workflow command, emitting the transition event
// and metric when the state actually changes. A nil second return means
// the command was accepted.
func (o *Orchestrator) applyWorkflow(cmd workflow.Command, requester string) *proto.Result {
	before := o.wf.State()
	res := o.wf.Apply(cmd, o.snapshot())
	if !res.Success {
		fail := proto.Fail(res.Kind, string(before), o.allowedSurface(), res.Error, res.Hint)
		return &fail
	}
	if res.NewState != before {
		o.recorder.IncWorkflowTransition(string(before), string(res.NewState))
		o.publish(proto.NewWorkflowTransitionEvent(o.cfg.Name, string(before), string(res.NewState), string(cmd), requester))
	}
	return nil
}

// guardMutation rejects state-changing commands while the store is
// read-only, so degraded storage never silently loses decisions.
func (o *Orchestrator) guardMutation() *proto.Result {
	if !o.store.ReadOnly() {
		return nil
	}
	fail := o.failNow(proto.ErrKindStorageIO,
		"storage degraded to read-only; mutations are rejected",
		"fix the underlying disk problem and restart the orchestrator")
	return &fail
}

func (o *Orchestrator) handleLocked(ctx context.Context, cmd proto.Command) proto.Result {
	switch cmd.Verb {
	case "epic":
		return o.handleEpic(cmd)
	case "approve":
		return o.handleApprove(cmd)
	case "prioritize":
		return o.handlePrioritize(workflow.CmdPrioritize, cmd)
	case "sprint":
		return o.handleSprint(cmd)
	case "request_changes":
		return o.handleReviewExit(workflow.CmdRequestChanges, cmd)
	case "feedback":
		return o.handleReviewExit(workflow.CmdFeedback, cmd)
	case "suggest_fix":
		return o.handleUnblock(workflow.CmdSuggestFix, cmd)
	case "skip_task":
		return o.handleUnblock(workflow.CmdSkipTask, cmd)
	case "state":
		return o.handleState()
	case "backlog":
		return o.handleBacklog(cmd)
	case "tdd":
		return o.handleTDD(ctx, cmd)
	case "project":
		if cmd.Subverb == "status" {
			return o.handleProjectStatus()
		}
		return o.unknownCommand(cmd)
	default:
		return o.unknownCommand(cmd)
	}
}

func (o *Orchestrator) unknownCommand(cmd proto.Command) proto.Result {
	return proto.Fail(proto.ErrKindUnknownCommand, string(o.wf.State()), o.allowedSurface(),
		fmt.Sprintf("unknown command: /%s", cmd.Canonical()),
		"commands are case-sensitive; see the allowed list")
}

func (o *Orchestrator) handleEpic(cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	description := strings.Join(cmd.Args, " ")
	if description == "" {
		return o.failNow(proto.ErrKindPreconditionFailed, "epic needs a description", `usage: /epic "<description>"`)
	}
	if fail := o.applyWorkflow(workflow.CmdCreateEpic, cmd.Requester); fail != nil {
		return *fail
	}

	e := project.NewEpic(description, description)
	o.data.AddEpic(e)
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist epic: %v", err), "")
	}
	res := proto.OK(string(o.wf.State()), o.allowedSurface(), "epic %s created", e.ID)
	res.Artifacts = map[string]string{"epic_id": e.ID}
	res.Hint = `break the epic into stories with /backlog add_story "<desc>"`
	return res
}

func (o *Orchestrator) handleApprove(cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	for _, id := range cmd.Args {
		if _, ok := o.data.Stories[id]; !ok {
			return o.failNow(proto.ErrKindNotFound, fmt.Sprintf("story %s: not found", id), "list stories with /backlog view")
		}
	}
	if fail := o.applyWorkflow(workflow.CmdApprove, cmd.Requester); fail != nil {
		return *fail
	}
	for _, id := range cmd.Args {
		o.data.Stories[id].Touch()
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist approval: %v", err), "")
	}
	if len(cmd.Args) == 0 {
		return proto.OK(string(o.wf.State()), o.allowedSurface(), "backlog approved")
	}
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "approved: %s", strings.Join(cmd.Args, ", "))
}

func (o *Orchestrator) handlePrioritize(wcmd workflow.Command, cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	if len(cmd.Args) != 2 {
		return o.failNow(proto.ErrKindPreconditionFailed, "prioritize needs a story id and a priority",
			"usage: /backlog prioritize <story-id> top|high|medium|low")
	}
	s, ok := o.data.Stories[cmd.Args[0]]
	if !ok {
		return o.failNow(proto.ErrKindNotFound, fmt.Sprintf("story %s: not found", cmd.Args[0]), "list stories with /backlog view")
	}
	prio, err := project.ParseStoryPriority(cmd.Args[1])
	if err != nil {
		return o.failNow(proto.ErrKindPreconditionFailed, err.Error(), "priorities: top, high, medium, low")
	}
	if fail := o.applyWorkflow(wcmd, cmd.Requester); fail != nil {
		return *fail
	}
	s.Priority = prio
	s.Touch()
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist priority: %v", err), "")
	}
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "story %s priority set to %s", s.ID, cmd.Args[1])
}

func (o *Orchestrator) handleSprint(cmd proto.Command) proto.Result {
	switch cmd.Subverb {
	case "plan":
		return o.planSprint(cmd)
	case "start":
		return o.startSprint(cmd)
	case "pause":
		if fail := o.applyWorkflow(workflow.CmdPauseSprint, cmd.Requester); fail != nil {
			return *fail
		}
		o.saveStatusLocked() //nolint:errcheck // heartbeat only
		return proto.OK(string(o.wf.State()), o.allowedSurface(), "sprint paused")
	case "resume":
		if fail := o.applyWorkflow(workflow.CmdResumeSprint, cmd.Requester); fail != nil {
			return *fail
		}
		o.saveStatusLocked() //nolint:errcheck // heartbeat only
		return proto.OK(string(o.wf.State()), o.allowedSurface(), "sprint resumed")
	case "status":
		return o.sprintStatus(cmd)
	case "complete":
		return o.completeSprint(cmd)
	case "cancel":
		return o.cancelSprint(cmd)
	default:
		return o.unknownCommand(cmd)
	}
}

func (o *Orchestrator) planSprint(cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}

	backlog := o.data.BacklogStories()
	var ids []string
	if len(cmd.Args) > 0 {
		for _, id := range cmd.Args {
			s, ok := o.data.Stories[id]
			if !ok {
				return o.failNow(proto.ErrKindNotFound, fmt.Sprintf("story %s: not found", id), "list stories with /backlog view")
			}
			if s.Status != project.StoryBacklog {
				return o.failNow(proto.ErrKindConflict, fmt.Sprintf("story %s is %s, not in the backlog", id, s.Status), "")
			}
			ids = append(ids, id)
		}
	} else {
		for _, s := range backlog {
			ids = append(ids, s.ID)
		}
	}

	if fail := o.applyWorkflow(workflow.CmdPlanSprint, cmd.Requester); fail != nil {
		return *fail
	}

	sp := project.NewSprint(fmt.Sprintf("sprint over %d stories", len(ids)), ids)
	if err := o.data.AddSprint(sp); err != nil {
		return o.failNow(proto.ErrKindConflict, err.Error(), "")
	}
	if err := o.store.SaveSprint(sp); err != nil {
		o.logger.Warn("save sprint file: %v", err)
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist sprint: %v", err), "")
	}
	res := proto.OK(string(o.wf.State()), o.allowedSurface(), "sprint %s planned with %d stories", sp.ID, len(ids))
	res.Artifacts = map[string]string{"sprint_id": sp.ID}
	return res
}

func (o *Orchestrator) startSprint(cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	sp := o.data.PlannedSprint()
	if sp == nil {
		return o.failNow(proto.ErrKindPreconditionFailed, "no planned sprint to start", "plan one with /sprint plan")
	}
	if fail := o.applyWorkflow(workflow.CmdStartSprint, cmd.Requester); fail != nil {
		return *fail
	}
	sp.Start()
	for _, sid := range sp.StoryIDs {
		if s, ok := o.data.Stories[sid]; ok {
			s.Status = project.StoryInProgress
			s.Touch()
		}
	}
	if err := o.store.SaveSprint(sp); err != nil {
		o.logger.Warn("save sprint file: %v", err)
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist sprint start: %v", err), "")
	}
	res := proto.OK(string(o.wf.State()), o.allowedSurface(), "sprint %s started", sp.ID)
	res.Hint = "open a micro-cycle with /tdd start <story-id>"
	return res
}

func (o *Orchestrator) sprintStatus(cmd proto.Command) proto.Result {
	if fail := o.applyWorkflow(workflow.CmdSprintStatus, cmd.Requester); fail != nil {
		return *fail
	}
	sp := o.data.ActiveSprint()
	if sp == nil {
		sp = o.data.PlannedSprint()
	}
	if sp == nil {
		return proto.OK(string(o.wf.State()), o.allowedSurface(), "no sprint planned or active")
	}
	done := 0
	for _, sid := range sp.StoryIDs {
		if s, ok := o.data.Stories[sid]; ok && s.Status == project.StoryDone {
			done++
		}
	}
	return proto.OK(string(o.wf.State()), o.allowedSurface(),
		"sprint %s [%s]: %d/%d stories done, %d cycle(s) active",
		sp.ID, sp.Status, done, len(sp.StoryIDs), len(o.cycles))
}

func (o *Orchestrator) completeSprint(cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	if fail := o.applyWorkflow(workflow.CmdCompleteSprint, cmd.Requester); fail != nil {
		return *fail
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist review entry: %v", err), "")
	}
	return proto.OK(string(o.wf.State()), o.allowedSurface(),
		"sprint moved to review; close it with /request_changes or /feedback")
}

func (o *Orchestrator) cancelSprint(cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	sp := o.data.ActiveSprint()
	if sp == nil {
		sp = o.data.PlannedSprint()
	}
	if fail := o.applyWorkflow(workflow.CmdCancelSprint, cmd.Requester); fail != nil {
		return *fail
	}
	if sp != nil {
		sp.Cancel()
		o.releaseSprintStories(sp, project.StoryBacklog)
		if err := o.store.SaveSprint(sp); err != nil {
			o.logger.Warn("save sprint file: %v", err)
		}
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist cancellation: %v", err), "")
	}
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "sprint cancelled; stories returned to the backlog")
}

func (o *Orchestrator) handleReviewExit(wcmd workflow.Command, cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	sp := o.data.ActiveSprint()
	if fail := o.applyWorkflow(wcmd, cmd.Requester); fail != nil {
		return *fail
	}
	if sp != nil {
		sp.Retrospective = strings.Join(cmd.Args, " ")
		sp.Complete()
		if wcmd == workflow.CmdRequestChanges {
			// Unfinished stories go back to the backlog for replanning.
			o.releaseSprintStories(sp, project.StoryBacklog)
		}
		if err := o.store.SaveSprint(sp); err != nil {
			o.logger.Warn("save sprint file: %v", err)
		}
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist review exit: %v", err), "")
	}
	if wcmd == workflow.CmdRequestChanges {
		return proto.OK(string(o.wf.State()), o.allowedSurface(), "changes requested; unfinished stories returned to the backlog")
	}
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "sprint closed with feedback recorded")
}

// releaseSprintStories detaches every not-DONE story of the sprint and
// resets it to the given status.
func (o *Orchestrator) releaseSprintStories(sp *project.Sprint, status project.StoryStatus) {
	for _, sid := range sp.StoryIDs {
		s, ok := o.data.Stories[sid]
		if !ok || s.Status == project.StoryDone {
			continue
		}
		s.Status = status
		s.SprintID = ""
		s.Touch()
	}
}

func (o *Orchestrator) handleUnblock(wcmd workflow.Command, cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	blocked := o.blockedStory
	if fail := o.applyWorkflow(wcmd, cmd.Requester); fail != nil {
		return *fail
	}
	o.blockedStory = ""

	if wcmd == workflow.CmdSkipTask && blocked != "" {
		// Skipping abandons the story's cycle and parks the story.
		if c, ok := o.cycles[blocked]; ok {
			o.dropCycleLocked(c, project.StoryBlocked)
		} else if s, ok := o.data.Stories[blocked]; ok {
			s.Status = project.StoryBlocked
			s.Touch()
		}
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist unblock: %v", err), "")
	}
	if wcmd == workflow.CmdSkipTask {
		return proto.OK(string(o.wf.State()), o.allowedSurface(), "blocked task skipped; sprint resumed")
	}
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "fix suggestion recorded; sprint resumed")
}

func (o *Orchestrator) handleState() proto.Result {
	res := proto.OK(string(o.wf.State()), o.allowedSurface(),
		"workflow %s, %d backlog stories, %d active cycle(s)",
		o.wf.State(), len(o.data.BacklogStories()), len(o.cycles))
	return res
}

func (o *Orchestrator) handleBacklog(cmd proto.Command) proto.Result {
	switch cmd.Subverb {
	case "view":
		if fail := o.applyWorkflow(workflow.CmdBacklogView, cmd.Requester); fail != nil {
			return *fail
		}
		backlog := o.data.BacklogStories()
		lines := make([]string, 0, len(backlog))
		for _, s := range backlog {
			lines = append(lines, fmt.Sprintf("%s p%d %s", s.ID, s.Priority, s.Title))
		}
		if len(lines) == 0 {
			return proto.OK(string(o.wf.State()), o.allowedSurface(), "backlog is empty")
		}
		return proto.OK(string(o.wf.State()), o.allowedSurface(), "%s", strings.Join(lines, "\n"))
	case "add_story":
		return o.addStory(cmd)
	case "prioritize":
		return o.handlePrioritize(workflow.CmdBacklogPrioritize, cmd)
	case "remove":
		return o.removeStory(cmd)
	case "import":
		return o.importBacklog(cmd)
	default:
		return o.unknownCommand(cmd)
	}
}

// importBacklog loads an epic and its stories from a markdown document.
// The document path resolves relative to the project root.
func (o *Orchestrator) importBacklog(cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	if len(cmd.Args) != 1 {
		return o.failNow(proto.ErrKindPreconditionFailed, "import needs exactly one file path", "usage: /backlog import <file.md>")
	}
	path := cmd.Args[0]
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.cfg.Path, path)
	}
	b, err := backlogmd.ParseFile(path)
	if err != nil {
		return o.failNow(proto.ErrKindPreconditionFailed, fmt.Sprintf("import %s: %v", cmd.Args[0], err), "check the document's front-matter and story sections")
	}

	if fail := o.applyWorkflow(workflow.CmdCreateEpic, cmd.Requester); fail != nil {
		return *fail
	}
	o.data.AddEpic(b.Epic)
	for _, s := range b.Stories {
		if err := o.data.AddStory(s); err != nil {
			return o.failNow(proto.ErrKindConflict, err.Error(), "")
		}
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist import: %v", err), "")
	}
	res := proto.OK(string(o.wf.State()), o.allowedSurface(),
		"imported epic %s with %d stories", b.Epic.ID, len(b.Stories))
	res.Artifacts = map[string]string{"epic_id": b.Epic.ID}
	return res
}

func (o *Orchestrator) addStory(cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	description := strings.Join(cmd.Args, " ")
	if description == "" {
		return o.failNow(proto.ErrKindPreconditionFailed, "story needs a description", `usage: /backlog add_story "<desc>"`)
	}
	if fail := o.applyWorkflow(workflow.CmdBacklogAddStory, cmd.Requester); fail != nil {
		return *fail
	}

	s := project.NewStory(description, description)
	if e := o.newestEpic(); e != nil {
		s.EpicID = e.ID
	}
	if err := o.data.AddStory(s); err != nil {
		return o.failNow(proto.ErrKindConflict, err.Error(), "")
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist story: %v", err), "")
	}
	res := proto.OK(string(o.wf.State()), o.allowedSurface(), "story %s added to the backlog", s.ID)
	res.Artifacts = map[string]string{"story_id": s.ID}
	return res
}

func (o *Orchestrator) newestEpic() *project.Epic {
	var newest *project.Epic
	for _, e := range o.data.Epics {
		if e.Status != project.EpicActive {
			continue
		}
		if newest == nil || e.CreatedAt.After(newest.CreatedAt) {
			newest = e
		}
	}
	return newest
}

func (o *Orchestrator) removeStory(cmd proto.Command) proto.Result {
	if fail := o.guardMutation(); fail != nil {
		return *fail
	}
	if len(cmd.Args) != 1 {
		return o.failNow(proto.ErrKindPreconditionFailed, "remove needs exactly one story id", "usage: /backlog remove <story-id>")
	}
	id := cmd.Args[0]
	s, ok := o.data.Stories[id]
	if !ok {
		return o.failNow(proto.ErrKindNotFound, fmt.Sprintf("story %s: not found", id), "list stories with /backlog view")
	}
	if _, busy := o.cycles[id]; busy {
		return o.failNow(proto.ErrKindConflict, fmt.Sprintf("story %s has an active TDD cycle", id), "abort it first with /tdd abort "+id)
	}
	if s.Status == project.StoryInProgress {
		return o.failNow(proto.ErrKindConflict, fmt.Sprintf("story %s is in progress", id), "")
	}
	if fail := o.applyWorkflow(workflow.CmdBacklogRemove, cmd.Requester); fail != nil {
		return *fail
	}
	if err := o.data.RemoveStory(id); err != nil {
		return o.failNow(proto.ErrKindNotFound, err.Error(), "")
	}
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist removal: %v", err), "")
	}
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "story %s removed", id)
}

func (o *Orchestrator) handleProjectStatus() proto.Result {
	snap := o.statusLocked()
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "%s", snap.Summary())
}

package orchestrator

import (
	"fmt"
	"strings"

	"overseer/pkg/proto"
)

// CycleInfo is one active cycle's slice of a status snapshot.
type CycleInfo struct {
	CycleID string         `json:"cycle_id"`
	StoryID string         `json:"story_id"`
	State   proto.TDDState `json:"state"`
}

// StatusSnapshot is a point-in-time view of one project for monitoring
// surfaces.
type StatusSnapshot struct {
	Project          string              `json:"project"`
	State            proto.WorkflowState `json:"state"`
	BacklogStories   int                 `json:"backlog_stories"`
	ActiveSprintID   string              `json:"active_sprint_id,omitempty"`
	Cycles           []CycleInfo         `json:"cycles,omitempty"`
	RunningTasks     int                 `json:"running_tasks"`
	PendingApprovals int                 `json:"pending_approvals"`
	ReadOnly         bool                `json:"read_only"`
}

// Status captures a consistent snapshot of the orchestrator.
func (o *Orchestrator) Status() StatusSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() StatusSnapshot {
	snap := StatusSnapshot{
		Project:        o.cfg.Name,
		State:          o.wf.State(),
		BacklogStories: len(o.data.BacklogStories()),
		ReadOnly:       o.store.ReadOnly(),
	}
	if sp := o.data.ActiveSprint(); sp != nil {
		snap.ActiveSprintID = sp.ID
	}
	for _, c := range o.cycles {
		snap.Cycles = append(snap.Cycles, CycleInfo{CycleID: c.ID, StoryID: c.StoryID, State: c.CurrentState})
	}
	if o.dispatcher != nil {
		snap.RunningTasks = o.dispatcher.RunningCount()
	}
	if o.ledger != nil {
		if pending, err := o.ledger.Pending(o.cfg.Name); err == nil {
			snap.PendingApprovals = len(pending)
		}
	}
	return snap
}

// Summary renders the snapshot as one human-readable block.
func (s StatusSnapshot) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "project %s: %s, %d backlog stories", s.Project, s.State, s.BacklogStories)
	if s.ActiveSprintID != "" {
		fmt.Fprintf(&b, ", sprint %s", s.ActiveSprintID)
	}
	fmt.Fprintf(&b, ", %d running task(s), %d pending approval(s)", s.RunningTasks, s.PendingApprovals)
	if s.ReadOnly {
		b.WriteString(", STORAGE READ-ONLY")
	}
	for _, c := range s.Cycles {
		fmt.Fprintf(&b, "\n  cycle %s story %s: %s", c.CycleID, c.StoryID, c.State)
	}
	return b.String()
}

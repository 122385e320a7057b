package orchestrator

import (
	"fmt"
	"time"

	"overseer/pkg/project"
	"overseer/pkg/proto"
)

// defaultRecoveryTTL bounds how long a crash-recovery decision may sit
// unanswered before the cycle is abandoned.
const defaultRecoveryTTL = 24 * time.Hour

// recoverInterruptedCycles scans for cycles a crash left active. With a
// ledger attached each one becomes a pending approval so a human decides
// between resuming and abandoning; without one the cycles resume
// immediately.
func (o *Orchestrator) recoverInterruptedCycles() error {
	interrupted, err := o.store.InterruptedTDDCycles()
	if err != nil {
		return err
	}
	for _, c := range interrupted {
		if o.ledger == nil {
			o.registerRecoveredLocked(c)
			o.logger.Info("resumed interrupted cycle %s for story %s in %s", c.ID, c.StoryID, c.CurrentState)
			continue
		}

		summary := fmt.Sprintf("resume TDD cycle %s for story %s in state %s?", c.ID, c.StoryID, c.CurrentState)
		ttl := defaultRecoveryTTL
		a, err := o.ledger.Create(o.cfg.Name, summary, c.ID, ttl)
		if err != nil {
			o.logger.Warn("open recovery approval for cycle %s: %v", c.ID, err)
			continue
		}
		o.held[a.ID] = heldAction{kind: heldRecovery, cycleID: c.ID, storyID: c.StoryID}
		o.publish(proto.NewApprovalPendingEvent(o.cfg.Name, a.ID, summary))
	}
	return nil
}

// registerRecoveredLocked re-attaches a surviving cycle to the machine.
func (o *Orchestrator) registerRecoveredLocked(c *project.TDDCycle) {
	o.cycles[c.StoryID] = c
	o.wf.RegisterTDDCycle(c.StoryID, c.ID)
	o.recorder.SetActiveCycles(len(o.cycles))
	if s, ok := o.data.Stories[c.StoryID]; ok {
		s.Status = project.StoryInProgress
		s.TDDCycleID = c.ID
		s.Touch()
	}
}

func (o *Orchestrator) resumeRecoveredCycle(action heldAction) proto.Result {
	c, err := o.store.LoadTDDCycle(action.cycleID)
	if err != nil {
		return o.failNow(proto.ErrKindNotFound, fmt.Sprintf("load cycle %s: %v", action.cycleID, err), "")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.cycles[c.StoryID]; busy {
		return o.failNow(proto.ErrKindConflict, fmt.Sprintf("story %s already has an active cycle", c.StoryID), "")
	}
	o.registerRecoveredLocked(c)
	if err := o.flushLocked(); err != nil {
		return o.failNow(proto.ErrKindStorageIO, fmt.Sprintf("persist recovery: %v", err), "")
	}
	o.logger.Info("cycle %s resumed in %s after approval", c.ID, c.CurrentState)
	return proto.OK(string(o.wf.State()), o.allowedSurface(), "cycle %s resumed in %s", c.ID, c.CurrentState)
}

// abandonRecoveredCycle clears the recovery flag so the cycle stops
// reappearing on every restart, and detaches it from its story.
func (o *Orchestrator) abandonRecoveredCycle(action heldAction) {
	c, err := o.store.LoadTDDCycle(action.cycleID)
	if err != nil {
		o.logger.Warn("load cycle %s for abandon: %v", action.cycleID, err)
		return
	}
	c.NeedsRecovery = false

	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.data.Stories[c.StoryID]; ok && s.TDDCycleID == c.ID {
		s.TDDCycleID = ""
		s.Status = project.StorySprint
		s.Touch()
	}
	if err := o.store.SaveTDDCycle(c); err != nil {
		o.logger.Warn("persist abandoned cycle %s: %v", c.ID, err)
	}
	if err := o.flushLocked(); err != nil {
		o.logger.Warn("persist abandon: %v", err)
	}
	o.logger.Info("cycle %s abandoned", c.ID)
}

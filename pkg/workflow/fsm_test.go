package workflow

import (
	"strings"
	"testing"

	"overseer/pkg/proto"
)

func TestHappyPathEpicToReview(t *testing.T) {
	m := New()
	snap := Snapshot{BacklogStories: 1}

	steps := []struct {
		cmd  Command
		want proto.WorkflowState
	}{
		{CmdCreateEpic, proto.StateBacklogReady},
		{CmdApprove, proto.StateBacklogReady},
		{CmdPlanSprint, proto.StateSprintPlanned},
		{CmdStartSprint, proto.StateSprintActive},
		{CmdSprintStatus, proto.StateSprintActive},
		{CmdPauseSprint, proto.StateSprintPaused},
		{CmdResumeSprint, proto.StateSprintActive},
		{CmdCompleteSprint, proto.StateSprintReview},
		{CmdRequestChanges, proto.StateBacklogReady},
	}
	for _, step := range steps {
		res := m.Apply(step.cmd, snap)
		if !res.Success {
			t.Fatalf("%s in %s rejected: %s", step.cmd, m.State(), res.Error)
		}
		if m.State() != step.want {
			t.Fatalf("after %s: state = %s, want %s", step.cmd, m.State(), step.want)
		}
		if len(m.AllowedCommands()) == 0 {
			t.Fatalf("after %s: no allowed commands", step.cmd)
		}
	}
}

func TestFeedbackReturnsToIdle(t *testing.T) {
	m := Restore(proto.StateSprintReview)
	res := m.Apply(CmdFeedback, Snapshot{})
	if !res.Success || m.State() != proto.StateIdle {
		t.Fatalf("feedback from review: success=%v state=%s", res.Success, m.State())
	}
}

func TestQueriesAcceptedEverywhereWithoutTransition(t *testing.T) {
	for _, state := range proto.ValidWorkflowStates() {
		m := Restore(state)
		for _, q := range []Command{CmdState, CmdBacklogView, CmdSprintStatus, CmdTDDStatus, CmdTDDOverview, CmdProjectStatus} {
			res := m.Apply(q, Snapshot{})
			if !res.Success {
				t.Errorf("query %s rejected in %s: %s", q, state, res.Error)
			}
			if m.State() != state {
				t.Errorf("query %s changed state %s -> %s", q, state, m.State())
			}
		}
	}
}

func TestBacklogMutationsFrozenDuringReview(t *testing.T) {
	for _, state := range proto.ValidWorkflowStates() {
		m := Restore(state)
		res := m.Apply(CmdBacklogAddStory, Snapshot{})
		if state == proto.StateSprintReview {
			if res.Success {
				t.Errorf("backlog add_story accepted in SPRINT_REVIEW")
			}
			if res.Kind != proto.ErrKindInvalidTransition {
				t.Errorf("kind = %s", res.Kind)
			}
			if res.Hint == "" {
				t.Error("rejection without hint")
			}
		} else {
			if !res.Success {
				t.Errorf("backlog add_story rejected in %s: %s", state, res.Error)
			}
			if m.State() != state {
				t.Errorf("backlog mutation transitioned %s -> %s", state, m.State())
			}
		}
	}
}

func TestPlanSprintNeedsStories(t *testing.T) {
	m := Restore(proto.StateBacklogReady)
	res := m.Apply(CmdPlanSprint, Snapshot{BacklogStories: 0})
	if res.Success {
		t.Fatal("plan_sprint accepted with empty backlog")
	}
	if res.Kind != proto.ErrKindPreconditionFailed {
		t.Errorf("kind = %s, want precondition_failed", res.Kind)
	}
	if !strings.Contains(res.Hint, "add_story") {
		t.Errorf("hint %q should point at backlog add_story", res.Hint)
	}
	if m.State() != proto.StateBacklogReady {
		t.Errorf("failed validation moved state to %s", m.State())
	}
}

func TestInvalidTransitionCarriesHint(t *testing.T) {
	m := New() // IDLE
	res := m.Apply(CmdStartSprint, Snapshot{})
	if res.Success {
		t.Fatal("start_sprint accepted in IDLE")
	}
	if res.Kind != proto.ErrKindInvalidTransition {
		t.Errorf("kind = %s", res.Kind)
	}
	if !strings.Contains(res.Hint, "epic") {
		t.Errorf("hint %q should steer toward /epic", res.Hint)
	}
}

func TestActiveCyclesBlockReviewAndIdle(t *testing.T) {
	m := Restore(proto.StateSprintActive)
	m.RegisterTDDCycle("story-1", "cycle-1")

	res := m.Apply(CmdCompleteSprint, Snapshot{})
	if res.Success {
		t.Fatal("complete_sprint accepted with active cycle")
	}
	if !strings.Contains(res.Hint, "cycle-1") {
		t.Errorf("hint %q should list the blocking cycle", res.Hint)
	}

	m2 := Restore(proto.StateSprintReview)
	m2.RegisterTDDCycle("story-1", "cycle-1")
	res = m2.Apply(CmdFeedback, Snapshot{})
	if res.Success {
		t.Fatal("feedback accepted with active cycle")
	}

	m.UnregisterTDDCycle("story-1")
	res = m.Apply(CmdCompleteSprint, Snapshot{})
	if !res.Success {
		t.Fatalf("complete_sprint rejected after cycle unregistered: %s", res.Error)
	}
}

func TestCancelSprintBlockedByActiveCycles(t *testing.T) {
	m := Restore(proto.StateSprintPaused)
	m.RegisterTDDCycle("story-1", "cycle-9")
	m.RegisterTDDCycle("story-2", "cycle-3")

	res := m.Apply(CmdCancelSprint, Snapshot{})
	if res.Success {
		t.Fatal("cancel_sprint accepted with active cycles")
	}
	if res.Kind != proto.ErrKindInvalidTransition {
		t.Errorf("kind = %s", res.Kind)
	}
	// Hint lists the active cycles in stable order.
	if !strings.Contains(res.Hint, "cycle-3, cycle-9") {
		t.Errorf("hint %q should list active cycles sorted", res.Hint)
	}
}

func TestBlockedRecoversToActive(t *testing.T) {
	m := Restore(proto.StateBlocked)
	res := m.Apply(CmdSuggestFix, Snapshot{})
	if !res.Success || m.State() != proto.StateSprintActive {
		t.Fatalf("suggest_fix: success=%v state=%s", res.Success, m.State())
	}

	m = Restore(proto.StateBlocked)
	res = m.Apply(CmdSkipTask, Snapshot{})
	if !res.Success || m.State() != proto.StateSprintActive {
		t.Fatalf("skip_task: success=%v state=%s", res.Success, m.State())
	}
}

func TestValidateIsDeterministicAndNonMutating(t *testing.T) {
	m := Restore(proto.StateBacklogReady)
	snap := Snapshot{BacklogStories: 2}

	first := m.ValidateCommand(CmdPlanSprint, snap)
	for i := 0; i < 10; i++ {
		res := m.ValidateCommand(CmdPlanSprint, snap)
		if res != first {
			t.Fatalf("validation not deterministic: %+v vs %+v", res, first)
		}
	}
	if m.State() != proto.StateBacklogReady {
		t.Errorf("ValidateCommand mutated state to %s", m.State())
	}
}

func TestAllowedCommandsPerState(t *testing.T) {
	m := New()
	allowed := m.AllowedCommands()
	has := func(c Command) bool {
		for _, a := range allowed {
			if a == c {
				return true
			}
		}
		return false
	}
	if !has(CmdCreateEpic) {
		t.Error("IDLE should allow create_epic")
	}
	if !has(CmdState) || !has(CmdBacklogAddStory) {
		t.Error("IDLE should allow queries and backlog mutations")
	}
	if has(CmdStartSprint) {
		t.Error("IDLE should not allow start_sprint")
	}

	review := Restore(proto.StateSprintReview)
	for _, c := range review.AllowedCommands() {
		if backlogMutations[c] {
			t.Errorf("SPRINT_REVIEW should not allow %s", c)
		}
	}
}

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"overseer/pkg/approval"
	"overseer/pkg/dispatch"
	"overseer/pkg/metrics"
	"overseer/pkg/project"
	"overseer/pkg/proto"
	"overseer/pkg/store"
)

func newTestStore(t *testing.T) (*store.Store, project.Config) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	cfg := project.NewConfig("demo", dir)
	st := store.New(cfg, nil)
	require.NoError(t, st.Initialize())
	return st, cfg
}

func newTestOrchestrator(t *testing.T, exec *dispatch.MockExecutor) *Orchestrator {
	t.Helper()
	st, cfg := newTestStore(t)
	return newOrchestratorOver(t, st, cfg, exec)
}

func newOrchestratorOver(t *testing.T, st *store.Store, cfg project.Config, exec *dispatch.MockExecutor) *Orchestrator {
	t.Helper()
	if exec == nil {
		exec = dispatch.NewMockExecutor()
	}
	disp := dispatch.New(dispatch.Config{
		MaxParallel:    2,
		DefaultTimeout: 5 * time.Second,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, exec, metrics.Nop())

	o, err := New(cfg, Options{Store: st, Dispatcher: disp})
	require.NoError(t, err)
	return o
}

func run(t *testing.T, o *Orchestrator, verb, subverb string, args ...string) proto.Result {
	t.Helper()
	return o.HandleCommand(context.Background(), proto.Command{
		Verb: verb, Subverb: subverb, Args: args, Requester: "tester",
	})
}

func mustRun(t *testing.T, o *Orchestrator, verb, subverb string, args ...string) proto.Result {
	t.Helper()
	res := run(t, o, verb, subverb, args...)
	require.True(t, res.Success, "command /%s %s failed: %s", verb, subverb, res.Message)
	return res
}

// driveToActiveSprint takes a fresh orchestrator to SPRINT_ACTIVE with one
// backlog story and returns the story id.
func driveToActiveSprint(t *testing.T, o *Orchestrator) string {
	t.Helper()
	mustRun(t, o, "epic", "", "checkout flow")
	res := mustRun(t, o, "backlog", "add_story", "guest", "checkout")
	storyID := res.Artifacts["story_id"]
	require.NotEmpty(t, storyID)
	mustRun(t, o, "sprint", "plan")
	mustRun(t, o, "sprint", "start")
	require.Equal(t, proto.StateSprintActive, o.State())
	return storyID
}

func TestWorkflowHappyPath(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	require.Equal(t, proto.StateIdle, o.State())

	res := mustRun(t, o, "epic", "", "checkout flow")
	require.Equal(t, string(proto.StateBacklogReady), res.CurrentState)
	require.Contains(t, res.AllowedCommands, "/sprint plan")

	mustRun(t, o, "backlog", "add_story", "guest checkout")
	mustRun(t, o, "approve", "")
	res = mustRun(t, o, "sprint", "plan")
	require.Equal(t, string(proto.StateSprintPlanned), res.CurrentState)
	res = mustRun(t, o, "sprint", "start")
	require.Equal(t, string(proto.StateSprintActive), res.CurrentState)

	res = mustRun(t, o, "state", "")
	require.Equal(t, string(proto.StateSprintActive), res.CurrentState)
}

func TestInvalidTransitionKeepsState(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	res := run(t, o, "sprint", "start")
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindInvalidTransition, res.ErrorKind)
	require.Equal(t, string(proto.StateIdle), res.CurrentState)
	require.NotEmpty(t, res.AllowedCommands)
	require.Contains(t, res.AllowedCommands, "/epic")
}

func TestUnknownCommandIsCaseSensitive(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	res := run(t, o, "EPIC", "", "checkout")
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindUnknownCommand, res.ErrorKind)
}

func TestPlanSprintNeedsBacklogStories(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	mustRun(t, o, "epic", "", "checkout flow")

	res := run(t, o, "sprint", "plan")
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindPreconditionFailed, res.ErrorKind)
	require.Equal(t, string(proto.StateBacklogReady), res.CurrentState)
}

func TestTDDCycleFullRun(t *testing.T) {
	exec := dispatch.NewMockExecutor()
	o := newTestOrchestrator(t, exec)
	storyID := driveToActiveSprint(t, o)

	res := mustRun(t, o, "tdd", "start", storyID)
	require.NotEmpty(t, res.Artifacts["cycle_id"])

	mustRun(t, o, "tdd", "test", storyID)
	mustRun(t, o, "tdd", "code", storyID)
	mustRun(t, o, "tdd", "refactor", storyID)
	mustRun(t, o, "tdd", "commit", storyID)

	// Leaving COMMIT with a single task closes the cycle.
	res = mustRun(t, o, "tdd", "design", storyID)
	require.Contains(t, res.Message, "complete")
	require.Empty(t, o.Status().Cycles)

	// Every phase was dispatched to the owning agent.
	agents := make(map[string]bool)
	for _, task := range exec.Calls() {
		agents[string(task.AgentType)] = true
	}
	require.True(t, agents["DESIGN"])
	require.True(t, agents["QA"])
	require.True(t, agents["CODE"])

	mustRun(t, o, "sprint", "complete")
	res = mustRun(t, o, "feedback", "", "good", "sprint")
	require.Equal(t, string(proto.StateIdle), res.CurrentState)
}

func TestReviewBlockedWhileCycleActive(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	storyID := driveToActiveSprint(t, o)
	mustRun(t, o, "tdd", "start", storyID)

	res := run(t, o, "sprint", "complete")
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindInvalidTransition, res.ErrorKind)
	require.Equal(t, proto.StateSprintActive, o.State())

	mustRun(t, o, "tdd", "abort", storyID)
	mustRun(t, o, "sprint", "complete")
	require.Equal(t, proto.StateSprintReview, o.State())
}

func TestSkippedImplementIsRejected(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	storyID := driveToActiveSprint(t, o)
	mustRun(t, o, "tdd", "start", storyID)

	// CODE_GREEN without a failing test first.
	res := run(t, o, "tdd", "code", storyID)
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindInvalidTransition, res.ErrorKind)
}

func TestAgentFailureBlocksSprint(t *testing.T) {
	exec := dispatch.NewMockExecutor()
	exec.FailFirst = 100
	o := newTestOrchestrator(t, exec)
	storyID := driveToActiveSprint(t, o)

	res := run(t, o, "tdd", "start", storyID)
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindAgentFailure, res.ErrorKind)
	require.Equal(t, proto.StateBlocked, o.State())

	// A fix suggestion resumes the sprint and keeps the cycle.
	res = mustRun(t, o, "suggest_fix", "", "check", "the", "fixture")
	require.Equal(t, string(proto.StateSprintActive), res.CurrentState)
	require.Len(t, o.Status().Cycles, 1)
}

func TestSkipTaskAbandonsCycle(t *testing.T) {
	exec := dispatch.NewMockExecutor()
	exec.FailFirst = 100
	o := newTestOrchestrator(t, exec)
	storyID := driveToActiveSprint(t, o)

	run(t, o, "tdd", "start", storyID)
	require.Equal(t, proto.StateBlocked, o.State())

	res := mustRun(t, o, "skip_task", "")
	require.Equal(t, string(proto.StateSprintActive), res.CurrentState)
	require.Empty(t, o.Status().Cycles)
}

func TestCancelSprintReturnsStoriesToBacklog(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	mustRun(t, o, "epic", "", "checkout flow")
	mustRun(t, o, "backlog", "add_story", "guest checkout")
	mustRun(t, o, "sprint", "plan")

	res := mustRun(t, o, "sprint", "cancel")
	require.Equal(t, string(proto.StateBacklogReady), res.CurrentState)
	require.Equal(t, 1, o.Status().BacklogStories)
}

func TestBacklogRemoveConflictsWithActiveCycle(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	storyID := driveToActiveSprint(t, o)
	mustRun(t, o, "tdd", "start", storyID)

	res := run(t, o, "backlog", "remove", storyID)
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindConflict, res.ErrorKind)
}

func TestCrashRecoveryResumesCycle(t *testing.T) {
	st, cfg := newTestStore(t)
	o := newOrchestratorOver(t, st, cfg, nil)
	storyID := driveToActiveSprint(t, o)
	mustRun(t, o, "tdd", "start", storyID)
	mustRun(t, o, "tdd", "test", storyID)
	require.NoError(t, o.Flush())

	// A new orchestrator over the same store stands in for a restart.
	// Without a ledger interrupted cycles resume immediately.
	st2 := store.New(cfg, nil)
	require.NoError(t, st2.Initialize())
	o2 := newOrchestratorOver(t, st2, cfg, nil)

	snap := o2.Status()
	require.Len(t, snap.Cycles, 1)
	require.Equal(t, proto.TDDTestRed, snap.Cycles[0].State)
	require.Equal(t, proto.StateSprintActive, o2.State())
}

func TestApprovalHoldsCommandUntilResolved(t *testing.T) {
	st, cfg := newTestStore(t)
	ledger, err := approval.Open(filepath.Join(t.TempDir(), "approvals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	o, err := New(cfg, Options{Store: st, Ledger: ledger})
	require.NoError(t, err)
	mustRun(t, o, "epic", "", "checkout flow")
	mustRun(t, o, "backlog", "add_story", "guest checkout")

	cmd := proto.Command{Verb: "sprint", Subverb: "plan", Requester: "tester", Raw: "/sprint plan"}
	id, err := o.RequestApproval(cmd, "plan a sprint", time.Hour)
	require.NoError(t, err)
	require.Equal(t, proto.StateBacklogReady, o.State(), "held command must not run yet")

	res := o.ResolveApproval(context.Background(), id, true, "reviewer", "")
	require.True(t, res.Success, res.Message)
	require.Equal(t, proto.StateSprintPlanned, o.State())
}

func TestRejectedApprovalDiscardsCommand(t *testing.T) {
	st, cfg := newTestStore(t)
	ledger, err := approval.Open(filepath.Join(t.TempDir(), "approvals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	o, err := New(cfg, Options{Store: st, Ledger: ledger})
	require.NoError(t, err)
	mustRun(t, o, "epic", "", "checkout flow")
	mustRun(t, o, "backlog", "add_story", "guest checkout")

	cmd := proto.Command{Verb: "sprint", Subverb: "plan", Requester: "tester", Raw: "/sprint plan"}
	id, err := o.RequestApproval(cmd, "plan a sprint", time.Hour)
	require.NoError(t, err)

	res := o.ResolveApproval(context.Background(), id, false, "reviewer", "not yet")
	require.True(t, res.Success)
	require.Equal(t, proto.StateBacklogReady, o.State())
}

func TestStatusSnapshotSummary(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	storyID := driveToActiveSprint(t, o)
	mustRun(t, o, "tdd", "start", storyID)

	snap := o.Status()
	require.Equal(t, "demo", snap.Project)
	require.Equal(t, proto.StateSprintActive, snap.State)
	require.Len(t, snap.Cycles, 1)
	require.Contains(t, snap.Summary(), "cycle")
}

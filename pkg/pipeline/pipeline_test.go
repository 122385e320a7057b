package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"overseer/pkg/approval"
	"overseer/pkg/orchestrator"
	"overseer/pkg/project"
	"overseer/pkg/proto"
	"overseer/pkg/store"
)

func TestParse(t *testing.T) {
	cmd, err := Parse(`/epic "build a thing" --project=shop`, "alice")
	require.NoError(t, err)
	require.Equal(t, "epic", cmd.Verb)
	require.Empty(t, cmd.Subverb)
	require.Equal(t, []string{"build a thing"}, cmd.Args)
	require.Equal(t, "shop", cmd.Project)
	require.Equal(t, "alice", cmd.Requester)

	cmd, err = Parse("/sprint plan story-1 story-2", "alice")
	require.NoError(t, err)
	require.Equal(t, "sprint", cmd.Verb)
	require.Equal(t, "plan", cmd.Subverb)
	require.Equal(t, []string{"story-1", "story-2"}, cmd.Args)
	require.Equal(t, "sprint plan", cmd.Canonical())

	for _, bad := range []string{"", "   ", "epic no slash", `/epic "unterminated`} {
		if _, err := Parse(bad, "alice"); err == nil {
			t.Errorf("Parse(%q): expected error", bad)
		}
	}
}

func newProject(t *testing.T, name string, mode proto.OrchestrationMode, withLedger bool) *orchestrator.Orchestrator {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	cfg := project.NewConfig(name, dir)
	cfg.Mode = mode

	st := store.New(cfg, nil)
	require.NoError(t, st.Initialize())

	opts := orchestrator.Options{Store: st}
	if withLedger {
		ledger, err := approval.Open(filepath.Join(dir, ".orch-state", "approvals.db"))
		require.NoError(t, err)
		t.Cleanup(func() { ledger.Close() })
		opts.Ledger = ledger
	}
	o, err := orchestrator.New(cfg, opts)
	require.NoError(t, err)
	return o
}

func newPipeline(orchs ...*orchestrator.Orchestrator) *Pipeline {
	router := NewRouter()
	for _, o := range orchs {
		router.Add(o)
	}
	return New(router, time.Hour)
}

func TestUnknownVerbAndCaseSensitivity(t *testing.T) {
	p := newPipeline(newProject(t, "shop", proto.ModeAutonomous, false))

	res := p.Execute(context.Background(), "/EPIC checkout", "alice")
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindUnknownCommand, res.ErrorKind)
	require.NotEmpty(t, res.AllowedCommands, "rejection lists commands allowed in the current state")
}

func TestProjectResolution(t *testing.T) {
	shop := newProject(t, "shop", proto.ModeAutonomous, false)
	blog := newProject(t, "blog", proto.ModeAutonomous, false)
	p := newPipeline(shop, blog)
	ctx := context.Background()

	// Two projects and no context: the pipeline cannot pick one.
	res := p.Execute(ctx, "/state", "alice")
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindNeedProject, res.ErrorKind)

	// Explicit selection works and sticks for the requester.
	res = p.Execute(ctx, "/epic checkout --project=shop", "alice")
	require.True(t, res.Success, res.Message)
	res = p.Execute(ctx, "/state", "alice")
	require.True(t, res.Success)
	require.Equal(t, string(proto.StateBacklogReady), res.CurrentState)

	// Another requester has no context yet.
	res = p.Execute(ctx, "/state", "bob")
	require.Equal(t, proto.ErrKindNeedProject, res.ErrorKind)

	// Unknown explicit project.
	res = p.Execute(ctx, "/state --project=ghost", "alice")
	require.Equal(t, proto.ErrKindNotFound, res.ErrorKind)
}

func TestSingleProjectIsImplicit(t *testing.T) {
	p := newPipeline(newProject(t, "shop", proto.ModeAutonomous, false))

	res := p.Execute(context.Background(), "/state", "alice")
	require.True(t, res.Success)
	require.Equal(t, string(proto.StateIdle), res.CurrentState)
}

func TestBlockingModeGatesEverythingStateChanging(t *testing.T) {
	o := newProject(t, "shop", proto.ModeBlocking, true)
	p := newPipeline(o)
	ctx := context.Background()

	res := p.Execute(ctx, "/epic checkout", "alice")
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindApprovalPending, res.ErrorKind)
	require.NotZero(t, res.PendingApprovalID)
	require.Equal(t, proto.StateIdle, o.State(), "held command must not run")

	// Queries pass without a gate.
	res = p.Execute(ctx, "/state", "alice")
	require.True(t, res.Success)
}

func TestResolveAppliesHeldCommand(t *testing.T) {
	o := newProject(t, "shop", proto.ModeBlocking, true)
	p := newPipeline(o)
	ctx := context.Background()

	held := p.Execute(ctx, "/epic checkout", "alice")
	id := held.PendingApprovalID
	require.NotZero(t, id)

	res := p.Execute(ctx, "/resolve "+strconv.FormatInt(id, 10)+" approve", "reviewer")
	require.True(t, res.Success, res.Message)
	require.Equal(t, proto.StateBacklogReady, o.State())

	// Rejecting a fresh hold leaves state alone.
	held = p.Execute(ctx, `/backlog add_story "guest checkout"`, "alice")
	res = p.Execute(ctx, "/resolve "+strconv.FormatInt(held.PendingApprovalID, 10)+" reject not_now", "reviewer")
	require.True(t, res.Success)
	require.Equal(t, 0, o.Status().BacklogStories)
}

func TestPartialModeGatesOnlyDestructive(t *testing.T) {
	o := newProject(t, "shop", proto.ModePartial, true)
	p := newPipeline(o)
	ctx := context.Background()

	require.True(t, p.Execute(ctx, "/epic checkout", "alice").Success)
	require.True(t, p.Execute(ctx, `/backlog add_story "guest checkout"`, "alice").Success)
	require.True(t, p.Execute(ctx, "/sprint plan", "alice").Success)

	res := p.Execute(ctx, "/sprint cancel", "alice")
	require.Equal(t, proto.ErrKindApprovalPending, res.ErrorKind)
	require.Equal(t, proto.StateSprintPlanned, o.State())
}

func TestCollaborativeModeGatesReviewExits(t *testing.T) {
	o := newProject(t, "shop", proto.ModeCollaborative, true)
	p := newPipeline(o)
	ctx := context.Background()

	require.True(t, p.Execute(ctx, "/epic checkout", "alice").Success)
	require.True(t, p.Execute(ctx, `/backlog add_story "guest checkout"`, "alice").Success)
	require.True(t, p.Execute(ctx, "/sprint plan", "alice").Success)
	require.True(t, p.Execute(ctx, "/sprint start", "alice").Success)
	require.True(t, p.Execute(ctx, "/sprint complete", "alice").Success)

	res := p.Execute(ctx, "/feedback great", "alice")
	require.Equal(t, proto.ErrKindApprovalPending, res.ErrorKind)
	require.Equal(t, proto.StateSprintReview, o.State())
}

func TestAbortWithNothingInFlight(t *testing.T) {
	p := newPipeline(newProject(t, "shop", proto.ModeAutonomous, false))

	res := p.Execute(context.Background(), "/abort", "alice")
	require.False(t, res.Success)
	require.Equal(t, proto.ErrKindNotFound, res.ErrorKind)
}

func TestResolveArgumentValidation(t *testing.T) {
	p := newPipeline(newProject(t, "shop", proto.ModeAutonomous, false))
	ctx := context.Background()

	for _, raw := range []string{"/resolve", "/resolve 1", "/resolve x approve", "/resolve 1 maybe"} {
		res := p.Execute(ctx, raw, "alice")
		require.False(t, res.Success, raw)
		require.Equal(t, proto.ErrKindPreconditionFailed, res.ErrorKind, raw)
	}
}

// Package orchestrator runs one project's workflow: it owns the primary
// FSM, the per-story TDD cycles, the in-memory aggregate, and the
// dispatch of phase work to agents. Commands are serialized through a
// single mutex so FSM validation and in-memory mutation stay atomic with
// respect to command handling; only store I/O, agent dispatch, event
// emission and retry sleeps suspend.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"overseer/pkg/approval"
	"overseer/pkg/broadcast"
	"overseer/pkg/dispatch"
	"overseer/pkg/logx"
	"overseer/pkg/metrics"
	"overseer/pkg/project"
	"overseer/pkg/proto"
	"overseer/pkg/store"
	"overseer/pkg/workflow"
)

// Orchestrator is the long-lived controller for one project.
type Orchestrator struct {
	cfg         project.Config
	store       *store.Store
	dispatcher  *dispatch.Dispatcher
	ledger      *approval.Ledger
	broadcaster *broadcast.Broadcaster
	recorder    metrics.Recorder
	logger      *logx.Logger

	mu           sync.Mutex
	data         *project.Data
	wf           *workflow.Machine
	cycles       map[string]*project.TDDCycle // story id -> active cycle
	blockedStory string

	// held keeps approval-gated commands until resolution.
	held map[int64]heldAction

	startedAt time.Time
}

type heldActionKind int

const (
	heldCommand heldActionKind = iota
	heldRecovery
)

type heldAction struct {
	kind    heldActionKind
	command proto.Command
	cycleID string
	storyID string
}

// Options collects the collaborators an orchestrator needs.
type Options struct {
	Store       *store.Store
	Dispatcher  *dispatch.Dispatcher
	Ledger      *approval.Ledger
	Broadcaster *broadcast.Broadcaster
	Recorder    metrics.Recorder
}

// New loads the aggregate and prior state, re-registers active cycles,
// and opens recovery approvals for cycles interrupted by a crash.
func New(cfg project.Config, opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator %s: store is required", cfg.Name)
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop()
	}

	o := &Orchestrator{
		cfg:         cfg,
		store:       opts.Store,
		dispatcher:  opts.Dispatcher,
		ledger:      opts.Ledger,
		broadcaster: opts.Broadcaster,
		recorder:    opts.Recorder,
		logger:      logx.NewLogger("orch-" + cfg.Name),
		cycles:      make(map[string]*project.TDDCycle),
		held:        make(map[int64]heldAction),
		startedAt:   proto.Timestamp(),
	}

	o.data = o.store.LoadProjectData()
	o.wf = workflow.New()
	if st, err := o.store.LoadStatus(); err == nil && st.WorkflowState != "" {
		o.wf = workflow.Restore(st.WorkflowState)
	}

	o.store.SetDegradeCallback(func(detail string) {
		o.recorder.IncStorageError()
		o.publish(proto.NewStorageDegradedEvent(o.cfg.Name, detail))
	})

	if err := o.recoverInterruptedCycles(); err != nil {
		o.logger.Warn("cycle recovery scan failed: %v", err)
	}
	return o, nil
}

// Project returns the project configuration.
func (o *Orchestrator) Project() project.Config {
	return o.cfg
}

// State returns the current workflow state.
func (o *Orchestrator) State() proto.WorkflowState {
	return o.wf.State()
}

// HandleCommand validates and executes one parsed command. The result
// always carries the post-command state and the allowed commands.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd proto.Command) proto.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	result := o.handleLocked(ctx, cmd)

	outcome := "success"
	if !result.Success {
		outcome = string(result.ErrorKind)
	}
	o.recorder.IncCommand(cmd.Canonical(), outcome)
	return result
}

// RequestApproval opens a ledger entry that holds the command until a
// human resolves it. Used by the pipeline's approval gate.
func (o *Orchestrator) RequestApproval(cmd proto.Command, summary string, ttl time.Duration) (int64, error) {
	if o.ledger == nil {
		return 0, fmt.Errorf("project %s has no approval ledger", o.cfg.Name)
	}
	a, err := o.ledger.Create(o.cfg.Name, summary, cmd.Raw, ttl)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	o.held[a.ID] = heldAction{kind: heldCommand, command: cmd}
	o.mu.Unlock()

	o.publish(proto.NewApprovalPendingEvent(o.cfg.Name, a.ID, summary))
	return a.ID, nil
}

// ResolveApproval applies or discards a held action. Approving executes
// the held command (or resumes the held recovery); rejecting discards it.
func (o *Orchestrator) ResolveApproval(ctx context.Context, id int64, approved bool, resolver, feedback string) proto.Result {
	if o.ledger == nil {
		return o.failNow(proto.ErrKindNotFound, "no approval ledger", "")
	}

	resolved, err := o.ledger.Resolve(id, approved, resolver, feedback)
	if err != nil {
		kind := proto.ErrKindNotFound
		switch {
		case errors.Is(err, proto.ErrApprovalExpired):
			kind = proto.ErrKindApprovalExpired
		case errors.Is(err, proto.ErrConflict):
			kind = proto.ErrKindConflict
		}
		return o.failNow(kind, fmt.Sprintf("approval %d: %v", id, err), "list pending approvals with /project status")
	}
	o.recorder.IncApproval(string(resolved.Resolution))
	o.publish(proto.NewApprovalResolvedEvent(o.cfg.Name, id, resolved.Resolution))

	o.mu.Lock()
	action, ok := o.held[id]
	delete(o.held, id)
	o.mu.Unlock()

	if !approved {
		if ok && action.kind == heldRecovery {
			o.abandonRecoveredCycle(action)
		}
		return proto.OK(string(o.wf.State()), o.allowedSurface(), "approval %d rejected; no changes applied", id)
	}
	if !ok {
		// Already applied (idempotent re-approve) or held by a prior run.
		return proto.OK(string(o.wf.State()), o.allowedSurface(), "approval %d approved", id)
	}

	switch action.kind {
	case heldRecovery:
		return o.resumeRecoveredCycle(action)
	default:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.handleLocked(ctx, action.command)
	}
}

// ExpireApproval rolls back the transition held under a timed-out
// approval. The sweeper calls this.
func (o *Orchestrator) ExpireApproval(id int64) {
	o.mu.Lock()
	action, ok := o.held[id]
	delete(o.held, id)
	o.mu.Unlock()

	if !ok {
		return
	}
	o.recorder.IncApproval(string(proto.ApprovalTimedOut))
	o.publish(proto.NewApprovalResolvedEvent(o.cfg.Name, id, proto.ApprovalTimedOut))
	if action.kind == heldRecovery {
		o.abandonRecoveredCycle(action)
	}
	o.logger.Warn("approval %d expired, held %s discarded", id, actionLabel(action))
}

// Abort cancels the in-flight task for a story, or every in-flight task
// when storyID is empty.
func (o *Orchestrator) Abort(storyID string) bool {
	if o.dispatcher == nil {
		return false
	}
	if storyID == "" {
		o.dispatcher.AbortAll()
		return true
	}
	return o.dispatcher.Abort(storyID)
}

// Flush persists the aggregate and the heartbeat.
func (o *Orchestrator) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushLocked()
}

func (o *Orchestrator) flushLocked() error {
	if err := o.store.SaveProjectData(o.data); err != nil {
		o.recorder.IncStorageError()
		return err
	}
	return o.saveStatusLocked()
}

func (o *Orchestrator) saveStatusLocked() error {
	running := 0
	if o.dispatcher != nil {
		running = o.dispatcher.RunningCount()
	}
	err := o.store.SaveStatus(store.Status{
		Project:       o.cfg.Name,
		PID:           pid(),
		WorkflowState: o.wf.State(),
		ActiveCycles:  len(o.cycles),
		RunningTasks:  running,
		ReadOnly:      o.store.ReadOnly(),
		StartedAt:     o.startedAt,
	})
	if err != nil {
		o.recorder.IncStorageError()
	}
	return err
}

func (o *Orchestrator) publish(ev proto.Event) {
	if o.broadcaster != nil {
		o.broadcaster.Publish(ev)
	}
}

func (o *Orchestrator) failNow(kind proto.ErrorKind, message, hint string) proto.Result {
	return proto.Fail(kind, string(o.wf.State()), o.allowedSurface(), message, hint)
}

func pid() int {
	return os.Getpid()
}

func actionLabel(a heldAction) string {
	if a.kind == heldRecovery {
		return "recovery of cycle " + a.cycleID
	}
	return "command " + a.command.Canonical()
}

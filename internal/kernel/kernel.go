// Package kernel wires one project's runtime: store, approval ledger,
// broadcaster, event log, metrics, dispatcher, orchestrator, and command
// pipeline. A child process builds exactly one kernel; console mode may
// host several on a shared router.
package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"overseer/pkg/approval"
	"overseer/pkg/broadcast"
	"overseer/pkg/dispatch"
	"overseer/pkg/eventlog"
	"overseer/pkg/logx"
	"overseer/pkg/metrics"
	"overseer/pkg/orchestrator"
	"overseer/pkg/pipeline"
	"overseer/pkg/project"
	"overseer/pkg/proto"
	"overseer/pkg/store"
)

// Options parameterize kernel construction.
type Options struct {
	// Router receives the orchestrator; a fresh one is created when nil.
	Router *pipeline.Router
	// Broadcaster is shared with other kernels in console mode; a fresh
	// one is created when nil.
	Broadcaster *broadcast.Broadcaster
	// Executor runs agent tasks. Defaults to the mock executor; the real
	// AI backend plugs in here.
	Executor dispatch.Executor
	// ApprovalTTL bounds how long gated commands wait for a decision.
	ApprovalTTL time.Duration
	// EventLogDir enables the JSONL event archive when non-empty.
	EventLogDir string
	// Metrics enables the Prometheus recorder and periodic snapshots to
	// the state directory.
	Metrics bool
	// HeartbeatInterval paces status.json refreshes. Defaults to 5s.
	HeartbeatInterval time.Duration
	// SnapshotInterval paces metrics.prom writes. Defaults to 15s.
	SnapshotInterval time.Duration
	// SweepInterval paces approval expiry sweeps. Defaults to 30s.
	SweepInterval time.Duration
}

// Kernel owns one project's component graph and its background loops.
type Kernel struct {
	Project      project.Config
	Store        *store.Store
	Ledger       *approval.Ledger
	Broadcaster  *broadcast.Broadcaster
	Dispatcher   *dispatch.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Router       *pipeline.Router
	Pipeline     *pipeline.Pipeline

	opts     Options
	prom     *metrics.PrometheusRecorder
	eventLog *eventlog.Writer
	sweeper  *approval.Sweeper
	logger   *logx.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the component graph bottom-up. Nothing runs until Start.
func New(cfg project.Config, opts Options) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = time.Hour
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 15 * time.Second
	}

	k := &Kernel{
		Project: cfg,
		opts:    opts,
		logger:  logx.NewLogger("kernel"),
	}

	k.Store = store.New(cfg, nil)
	if err := k.Store.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	ledger, err := approval.Open(filepath.Join(k.Store.Dir(), "approvals.db"))
	if err != nil {
		return nil, fmt.Errorf("open approval ledger: %w", err)
	}
	k.Ledger = ledger

	k.Broadcaster = opts.Broadcaster
	if k.Broadcaster == nil {
		k.Broadcaster = broadcast.New()
	}

	if opts.EventLogDir != "" {
		w, err := eventlog.NewWriter(opts.EventLogDir)
		if err != nil {
			k.Ledger.Close()
			return nil, fmt.Errorf("open event log: %w", err)
		}
		k.eventLog = w
	}

	var recorder metrics.Recorder = metrics.Nop()
	if opts.Metrics {
		k.prom = metrics.NewPrometheusRecorder()
		recorder = k.prom
	}

	executor := opts.Executor
	if executor == nil {
		executor = dispatch.NewMockExecutor()
	}
	dcfg := dispatch.DefaultConfig()
	dcfg.MaxParallel = cfg.Limits.MaxAgents
	k.Dispatcher = dispatch.New(dcfg, executor, recorder)

	k.Orchestrator, err = orchestrator.New(cfg, orchestrator.Options{
		Store:       k.Store,
		Dispatcher:  k.Dispatcher,
		Ledger:      k.Ledger,
		Broadcaster: k.Broadcaster,
		Recorder:    recorder,
	})
	if err != nil {
		k.Ledger.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	k.Router = opts.Router
	if k.Router == nil {
		k.Router = pipeline.NewRouter()
	}
	k.Router.Add(k.Orchestrator)
	k.Pipeline = pipeline.New(k.Router, opts.ApprovalTTL)

	k.sweeper = approval.NewSweeper(k.Ledger, opts.SweepInterval, func(a approval.Approval) {
		k.Orchestrator.ExpireApproval(a.ID)
	})

	return k, nil
}

// Start launches the background loops: approval sweeping, the status
// heartbeat, the event archive, and metrics snapshots.
func (k *Kernel) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	k.cancel = cancel

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.sweeper.Run(ctx)
	}()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.heartbeatLoop(ctx)
	}()

	if k.eventLog != nil {
		sub := k.Broadcaster.Subscribe("eventlog", 0, broadcast.DropOldest)
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			k.eventLog.Run(sub, func(err error) {
				k.logger.Error("event archive: %v", err)
			})
		}()
	}

	if k.prom != nil {
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			k.snapshotLoop(ctx)
		}()
	}

	k.logger.Info("kernel started for project %s", k.Project.Name)
}

// heartbeatLoop refreshes status.json so the supervisor sees a live
// child even between command-driven flushes.
func (k *Kernel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(k.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.Orchestrator.Flush(); err != nil {
				k.logger.Warn("heartbeat flush: %v", err)
			}
		}
	}
}

// snapshotLoop writes the metrics registry to the state directory for
// the supervisor's aggregation pass.
func (k *Kernel) snapshotLoop(ctx context.Context) {
	path := filepath.Join(k.Store.Dir(), "metrics.prom")
	ticker := time.NewTicker(k.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.prom.WriteSnapshot(path); err != nil {
				k.logger.Warn("metrics snapshot: %v", err)
			}
		}
	}
}

// Execute feeds one raw command through the pipeline.
func (k *Kernel) Execute(ctx context.Context, raw, requester string) proto.Result {
	return k.Pipeline.Execute(ctx, raw, requester)
}

// Stop shuts the kernel down in dependency order: loops first, then
// in-flight tasks, then a final flush, then the ledger and archive.
func (k *Kernel) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	if k.eventLog != nil {
		// Closing the subscription ends the archive goroutine.
		k.Broadcaster.Unsubscribe("eventlog")
	}
	k.Orchestrator.Abort("")
	k.wg.Wait()

	if err := k.Orchestrator.Flush(); err != nil {
		k.logger.Error("final flush: %v", err)
	}
	if k.prom != nil {
		path := filepath.Join(k.Store.Dir(), "metrics.prom")
		if err := k.prom.WriteSnapshot(path); err != nil {
			k.logger.Warn("final metrics snapshot: %v", err)
		}
	}

	k.Router.Remove(k.Project.Name)
	if k.eventLog != nil {
		k.eventLog.Close()
	}
	if err := k.Ledger.Close(); err != nil {
		k.logger.Warn("close ledger: %v", err)
	}
	k.logger.Info("kernel stopped for project %s", k.Project.Name)
}

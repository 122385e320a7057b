// Package supervisor runs the global side of the system: it spawns one
// orchestrator child process per registered project, divides the global
// resource budget among them, monitors their health, and restarts
// crashed children within a bounded budget. The supervisor never touches
// project state on disk; children own their own `.orch-state`.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"overseer/pkg/broadcast"
	"overseer/pkg/config"
	"overseer/pkg/logx"
	"overseer/pkg/metrics"
	"overseer/pkg/project"
	"overseer/pkg/proto"
	"overseer/pkg/store"
)

// ChildStatus is the supervisor-level state of one project child. It is
// distinct from the child's workflow state, which the child reports
// itself through status.json.
type ChildStatus string

const (
	ChildRunning ChildStatus = "RUNNING"
	ChildPaused  ChildStatus = "PAUSED"
	ChildStopped ChildStatus = "STOPPED"
	ChildCrashed ChildStatus = "CRASHED"
	// ChildError marks a child the supervisor gave up on: either it
	// exhausted its restart budget or it exited with an unrecoverable
	// exit code (bad config, broken storage).
	ChildError ChildStatus = "ERROR"
)

// child is the supervisor's record of one spawned orchestrator process.
type child struct {
	project    project.Config
	cmd        *exec.Cmd
	pid        int
	status     ChildStatus
	startTime  time.Time
	lastPoll   time.Time
	restarts   []time.Time
	allocation Allocation
	reported   store.Status
	exited     chan error
	stopping   bool
	logFile    *os.File
	detail     string
}

// ChildInfo is a read-only snapshot of one child record.
type ChildInfo struct {
	Name          string              `json:"name"`
	PID           int                 `json:"pid"`
	Status        ChildStatus         `json:"status"`
	StartTime     time.Time           `json:"start_time"`
	LastPoll      time.Time           `json:"last_poll"`
	RestartCount  int                 `json:"restart_count"`
	Allocation    Allocation          `json:"allocation"`
	WorkflowState proto.WorkflowState `json:"workflow_state,omitempty"`
	Detail        string              `json:"detail,omitempty"`
}

// Options inject the supervisor's collaborators.
type Options struct {
	Broadcaster *broadcast.Broadcaster
	Recorder    metrics.Recorder
	// LogDir receives per-project child log files. Defaults to
	// <config home>/logs.
	LogDir string
	// Binary overrides the executable spawned as children. Defaults to
	// the running binary.
	Binary string
	// MockAgents propagates mock mode into every child.
	MockAgents bool
}

// Supervisor owns the project-name → child table and the loops that keep
// it honest. All lifecycle operations serialize on one mutex.
type Supervisor struct {
	global      config.GlobalConfig
	mock        bool
	logDir      string
	binary      string
	broadcaster *broadcast.Broadcaster
	recorder    metrics.Recorder
	logger      *logx.Logger

	mu       sync.Mutex
	children map[string]*child
	watcher  *fsnotify.Watcher
}

// New builds a supervisor. It resolves the child binary and creates the
// status watcher but starts nothing.
func New(global config.GlobalConfig, opts Options) (*Supervisor, error) {
	binary := opts.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		binary = self
	}
	logDir := opts.LogDir
	if logDir == "" {
		logDir = filepath.Join(config.DefaultHome(), "logs")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create status watcher: %w", err)
	}

	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop()
	}

	return &Supervisor{
		global:      global,
		mock:        opts.MockAgents,
		logDir:      logDir,
		binary:      binary,
		broadcaster: opts.Broadcaster,
		recorder:    recorder,
		logger:      logx.NewLogger("supervisor"),
		children:    make(map[string]*child),
		watcher:     watcher,
	}, nil
}

// StartProject allocates resources and spawns the project's orchestrator
// child. A child already running or paused under that name is a conflict;
// no free capacity is resource exhaustion.
func (s *Supervisor) StartProject(p project.Config) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.children[p.Name]; ok && (c.status == ChildRunning || c.status == ChildPaused) {
		return fmt.Errorf("project %s is already running: %w", p.Name, proto.ErrConflict)
	}

	alloc, err := s.allocateLocked(p)
	if err != nil {
		return err
	}
	return s.spawnLocked(p, alloc)
}

// spawnLocked launches the child process and installs its record.
func (s *Supervisor) spawnLocked(p project.Config, alloc Allocation) error {
	logPath := filepath.Join(s.logDir, p.Name+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open child log %s: %w", logPath, err)
	}

	// The child sees its allocation, not the project's raw limits.
	clamped := p
	clamped.Limits.MaxAgents = alloc.MaxAgents
	clamped.Limits.MaxMemoryMB = alloc.MemoryMB

	cmd := exec.Command(s.binary,
		"--project-mode",
		"--project-name="+p.Name,
		fmt.Sprintf("--max-agents=%d", alloc.MaxAgents),
		fmt.Sprintf("--memory-limit=%d", alloc.MemoryMB),
	)
	cmd.Dir = p.Path
	cmd.Env = append(os.Environ(), config.ChildEnv(clamped, s.mock)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("spawn %s: %w", p.Name, err)
	}

	prev := s.children[p.Name]
	c := &child{
		project:    p,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		status:     ChildRunning,
		startTime:  time.Now(),
		allocation: alloc,
		exited:     make(chan error, 1),
		logFile:    logFile,
	}
	if prev != nil {
		c.restarts = prev.restarts
	}
	s.children[p.Name] = c

	go func() { c.exited <- cmd.Wait() }()

	if err := s.watcher.Add(p.StateDir()); err != nil {
		// The state dir appears once the child initializes its store;
		// polling still covers the child until then.
		s.logger.Debug("watch %s: %v", p.StateDir(), err)
	}

	s.logger.Info("started project %s (pid %d, %d agents, %d MB)",
		p.Name, c.pid, alloc.MaxAgents, alloc.MemoryMB)
	s.publish(proto.NewProjectLifecycleEvent(p.Name, "", string(ChildRunning),
		fmt.Sprintf("pid %d", c.pid)))
	s.updateGaugesLocked()
	return nil
}

// StopProject terminates a child gracefully: SIGTERM, a bounded wait,
// then SIGKILL.
func (s *Supervisor) StopProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(name)
}

func (s *Supervisor) stopLocked(name string) error {
	c, ok := s.children[name]
	if !ok {
		return fmt.Errorf("project %s: %w", name, proto.ErrNotFound)
	}
	if c.status != ChildRunning && c.status != ChildPaused {
		return nil
	}

	c.stopping = true
	if c.status == ChildPaused {
		// A stopped process cannot handle SIGTERM; wake it first.
		_ = c.cmd.Process.Signal(syscall.SIGCONT)
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM %s (pid %d): %v", name, c.pid, err)
	}

	select {
	case <-c.exited:
	case <-time.After(s.global.StopTimeout()):
		s.logger.Warn("project %s did not exit within %s, killing", name, s.global.StopTimeout())
		_ = c.cmd.Process.Kill()
		<-c.exited
	}

	from := c.status
	s.finishLocked(c, ChildStopped, "stopped by supervisor")
	s.publish(proto.NewProjectLifecycleEvent(name, string(from), string(ChildStopped), ""))
	s.logger.Info("stopped project %s", name)
	return nil
}

// PauseProject suspends a running child with SIGSTOP. Pausing a child
// that is already paused is a no-op.
func (s *Supervisor) PauseProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.children[name]
	if !ok {
		return fmt.Errorf("project %s: %w", name, proto.ErrNotFound)
	}
	switch c.status {
	case ChildPaused:
		return nil
	case ChildRunning:
	default:
		return fmt.Errorf("project %s is %s: %w", name, c.status, proto.ErrConflict)
	}

	if err := c.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("pause %s: %w", name, err)
	}
	c.status = ChildPaused
	s.publish(proto.NewProjectLifecycleEvent(name, string(ChildRunning), string(ChildPaused), ""))
	s.updateGaugesLocked()
	return nil
}

// ResumeProject continues a paused child with SIGCONT. Resuming a child
// that is already running is a no-op.
func (s *Supervisor) ResumeProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.children[name]
	if !ok {
		return fmt.Errorf("project %s: %w", name, proto.ErrNotFound)
	}
	switch c.status {
	case ChildRunning:
		return nil
	case ChildPaused:
	default:
		return fmt.Errorf("project %s is %s: %w", name, c.status, proto.ErrConflict)
	}

	if err := c.cmd.Process.Signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("resume %s: %w", name, err)
	}
	c.status = ChildRunning
	s.publish(proto.NewProjectLifecycleEvent(name, string(ChildPaused), string(ChildRunning), ""))
	s.updateGaugesLocked()
	return nil
}

// RestartProject stops and respawns a child. The child reloads its state
// from its own store on startup.
func (s *Supervisor) RestartProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.children[name]
	if !ok {
		return fmt.Errorf("project %s: %w", name, proto.ErrNotFound)
	}
	p := c.project

	if c.status == ChildRunning || c.status == ChildPaused {
		if err := s.stopLocked(name); err != nil {
			return err
		}
	}

	alloc, err := s.allocateLocked(p)
	if err != nil {
		return err
	}
	return s.spawnLocked(p, alloc)
}

// StopAll stops every live child; used at shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.children))
	for name, c := range s.children {
		if c.status == ChildRunning || c.status == ChildPaused {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.StopProject(name); err != nil {
			s.logger.Error("stop %s: %v", name, err)
		}
	}
}

// Close stops all children and releases the watcher.
func (s *Supervisor) Close() error {
	s.StopAll()
	return s.watcher.Close()
}

// Snapshot returns the current child table for status queries.
func (s *Supervisor) Snapshot() []ChildInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ChildInfo, 0, len(s.children))
	for name, c := range s.children {
		infos = append(infos, ChildInfo{
			Name:          name,
			PID:           c.pid,
			Status:        c.status,
			StartTime:     c.startTime,
			LastPoll:      c.lastPoll,
			RestartCount:  len(c.restarts),
			Allocation:    c.allocation,
			WorkflowState: c.reported.WorkflowState,
			Detail:        c.detail,
		})
	}
	return infos
}

// AggregateMetrics sums the metric families of every child's last
// snapshot. Children that have not written one yet are skipped.
func (s *Supervisor) AggregateMetrics() map[string]float64 {
	s.mu.Lock()
	paths := make([]string, 0, len(s.children))
	for _, c := range s.children {
		paths = append(paths, filepath.Join(c.project.StateDir(), "metrics.prom"))
	}
	s.mu.Unlock()

	totals, errs := metrics.SumSnapshots(paths)
	for _, err := range errs {
		if !os.IsNotExist(err) {
			s.logger.Debug("aggregate metrics: %v", err)
		}
	}
	return totals
}

// finishLocked retires a child record to a terminal status.
func (s *Supervisor) finishLocked(c *child, status ChildStatus, detail string) {
	c.status = status
	c.detail = detail
	c.stopping = false
	if c.logFile != nil {
		c.logFile.Close()
		c.logFile = nil
	}
	if err := s.watcher.Remove(c.project.StateDir()); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		s.logger.Debug("unwatch %s: %v", c.project.StateDir(), err)
	}
	s.updateGaugesLocked()
}

func (s *Supervisor) updateGaugesLocked() {
	counts := map[ChildStatus]int{}
	for _, c := range s.children {
		counts[c.status]++
	}
	for _, st := range []ChildStatus{ChildRunning, ChildPaused, ChildStopped, ChildCrashed, ChildError} {
		s.recorder.SetChildren(string(st), counts[st])
	}
}

func (s *Supervisor) publish(ev proto.Event) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(ev)
	}
}

// Run drives the monitor and status-watch loops until the context ends,
// then stops every child.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.monitorLoop(ctx) })
	g.Go(func() error { return s.watchLoop(ctx) })
	err := g.Wait()
	s.StopAll()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

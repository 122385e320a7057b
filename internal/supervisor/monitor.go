package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"overseer/pkg/proto"
	"overseer/pkg/store"
)

// Child exit codes with a fixed meaning. Anything else non-zero counts
// as a crash and goes through the restart budget.
const (
	exitConfig  = 1
	exitStorage = 2
)

// monitorLoop polls every live child on the configured interval: it
// drains exit notifications, probes liveness with signal 0, and refreshes
// the child's reported status from status.json.
func (s *Supervisor) monitorLoop(ctx context.Context) error {
	interval := s.global.MonitorInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pollChildren()
		}
	}
}

func (s *Supervisor) pollChildren() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for name, c := range s.children {
		if c.status != ChildRunning && c.status != ChildPaused {
			continue
		}

		select {
		case err := <-c.exited:
			s.handleExitLocked(name, c, err)
			continue
		default:
		}

		if err := c.cmd.Process.Signal(syscall.Signal(0)); err != nil {
			// The process vanished without an exit notification yet;
			// the next poll will pick the exit status up.
			s.logger.Warn("liveness probe failed for %s (pid %d): %v", name, c.pid, err)
			continue
		}

		s.readStatusLocked(c)
		c.lastPoll = now
	}
	s.updateGaugesLocked()
}

// handleExitLocked classifies a child exit and applies the restart
// policy. Deliberate stops are handled in stopLocked, so an exit seen
// here is always unexpected.
func (s *Supervisor) handleExitLocked(name string, c *child, waitErr error) {
	from := c.status
	code := exitCode(c, waitErr)

	switch {
	case c.stopping:
		// Stop raced the monitor; stopLocked already drains the channel
		// in the normal path, this covers a self-exit during the wait.
		s.finishLocked(c, ChildStopped, "stopped by supervisor")
		s.publish(proto.NewProjectLifecycleEvent(name, string(from), string(ChildStopped), ""))
	case code == 0:
		s.finishLocked(c, ChildStopped, "clean exit")
		s.publish(proto.NewProjectLifecycleEvent(name, string(from), string(ChildStopped), "clean exit"))
		s.logger.Info("project %s exited cleanly", name)
	case code == exitConfig || code == exitStorage:
		detail := fmt.Sprintf("unrecoverable exit code %d", code)
		s.finishLocked(c, ChildError, detail)
		s.publish(proto.NewProjectLifecycleEvent(name, string(from), string(ChildError), detail))
		s.logger.Error("project %s failed permanently: %s", name, detail)
	default:
		detail := fmt.Sprintf("exit code %d", code)
		s.finishLocked(c, ChildCrashed, detail)
		s.publish(proto.NewProjectLifecycleEvent(name, string(from), string(ChildCrashed), detail))
		s.logger.Error("project %s crashed: %s", name, detail)
		s.restartCrashedLocked(name, c)
	}
}

// restartCrashedLocked respawns a crashed child if its restart budget
// allows, otherwise parks it in ERROR.
func (s *Supervisor) restartCrashedLocked(name string, c *child) {
	now := time.Now()
	c.restarts = pruneRestarts(c.restarts, now, s.global.RestartWindow())

	if len(c.restarts) >= s.global.RestartLimit {
		detail := fmt.Sprintf("%d crashes within %s", len(c.restarts), s.global.RestartWindow())
		c.status = ChildError
		c.detail = detail
		s.publish(proto.NewProjectLifecycleEvent(name, string(ChildCrashed), string(ChildError), detail))
		s.logger.Error("project %s exceeded restart budget: %s", name, detail)
		s.updateGaugesLocked()
		return
	}
	c.restarts = append(c.restarts, now)

	alloc, err := s.allocateLocked(c.project)
	if err != nil {
		c.status = ChildError
		c.detail = err.Error()
		s.publish(proto.NewProjectLifecycleEvent(name, string(ChildCrashed), string(ChildError), err.Error()))
		s.updateGaugesLocked()
		return
	}
	if err := s.spawnLocked(c.project, alloc); err != nil {
		c.status = ChildError
		c.detail = err.Error()
		s.publish(proto.NewProjectLifecycleEvent(name, string(ChildCrashed), string(ChildError), err.Error()))
		s.updateGaugesLocked()
		return
	}
	s.logger.Info("restarted crashed project %s (restart %d of %d)",
		name, len(s.children[name].restarts), s.global.RestartLimit)
}

// pruneRestarts drops restart timestamps that fell out of the window.
func pruneRestarts(restarts []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := restarts[:0]
	for _, t := range restarts {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	return kept
}

func exitCode(c *child, waitErr error) int {
	if waitErr == nil {
		return c.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// watchLoop reacts to children rewriting their status.json between
// polls, keeping the supervisor's view fresh without tightening the poll
// interval.
func (s *Supervisor) watchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != "status.json" {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			s.refreshStatus(filepath.Dir(ev.Name))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("status watcher: %v", err)
		}
	}
}

func (s *Supervisor) refreshStatus(stateDir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if c.project.StateDir() == stateDir {
			s.readStatusLocked(c)
			c.lastPoll = time.Now()
			return
		}
	}
}

// readStatusLocked reads the child's heartbeat file. The supervisor only
// ever reads project state; the child owns all writes.
func (s *Supervisor) readStatusLocked(c *child) {
	raw, err := os.ReadFile(filepath.Join(c.project.StateDir(), "status.json"))
	if err != nil {
		return
	}
	var st store.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Debug("decode status for %s: %v", c.project.Name, err)
		return
	}
	c.reported = st
}

// Package dispatch hands tasks to black-box agent executors under the
// project's concurrency limits, with bounded retries and exponential
// backoff. At most one task runs per story; at most MaxParallel run per
// project.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"overseer/pkg/logx"
	"overseer/pkg/metrics"
	"overseer/pkg/proto"
)

// Executor is the restricted surface through which agents do work. The
// AI backend lives behind it; the core never sees more than the result.
type Executor interface {
	Execute(ctx context.Context, task proto.Task) (proto.TaskResult, error)
}

// Config bounds the dispatcher's behavior.
type Config struct {
	MaxParallel    int
	DefaultTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig mirrors the stock per-project limits.
func DefaultConfig() Config {
	return Config{
		MaxParallel:    3,
		DefaultTimeout: 10 * time.Minute,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     time.Minute,
	}
}

type running struct {
	taskID string
	cancel context.CancelFunc
}

// Dispatcher runs tasks through an executor, serializing per story and
// bounding project-wide concurrency with a semaphore.
type Dispatcher struct {
	cfg      Config
	executor Executor
	recorder metrics.Recorder
	logger   *logx.Logger

	sem chan struct{}

	mu       sync.Mutex
	active   map[string]*running // story id -> in-flight task
	inflight int
}

// New builds a dispatcher over the executor.
func New(cfg Config, executor Executor, recorder metrics.Recorder) *Dispatcher {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Dispatcher{
		cfg:      cfg,
		executor: executor,
		recorder: recorder,
		logger:   logx.NewLogger("dispatch"),
		sem:      make(chan struct{}, cfg.MaxParallel),
		active:   make(map[string]*running),
	}
}

// RunningCount reports how many tasks are in flight.
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

// Abort cancels the story's in-flight task, if any.
func (d *Dispatcher) Abort(storyID string) bool {
	d.mu.Lock()
	r, ok := d.active[storyID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.logger.Info("aborting task %s for story %s", r.taskID, storyID)
	r.cancel()
	return true
}

// AbortAll cancels every in-flight task.
func (d *Dispatcher) AbortAll() {
	d.mu.Lock()
	rs := make([]*running, 0, len(d.active))
	for _, r := range d.active {
		rs = append(rs, r)
	}
	d.mu.Unlock()
	for _, r := range rs {
		r.cancel()
	}
}

// Dispatch runs the task to completion, retrying failures with
// exponential backoff up to the task's retry budget. It blocks while the
// project is at MaxParallel; a second task for the same story is rejected
// with proto.ErrConflict.
func (d *Dispatcher) Dispatch(ctx context.Context, task proto.Task) (proto.TaskResult, error) {
	d.mu.Lock()
	if task.StoryID != "" {
		if _, busy := d.active[task.StoryID]; busy {
			d.mu.Unlock()
			return proto.TaskResult{}, fmt.Errorf("story %s already has a task in flight: %w", task.StoryID, proto.ErrConflict)
		}
	}
	taskCtx, cancel := context.WithCancel(ctx)
	if task.StoryID != "" {
		d.active[task.StoryID] = &running{taskID: task.ID, cancel: cancel}
	}
	d.inflight++
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		if task.StoryID != "" {
			delete(d.active, task.StoryID)
		}
		d.inflight--
		d.mu.Unlock()
	}()

	select {
	case d.sem <- struct{}{}:
	case <-taskCtx.Done():
		return cancelledResult(task, 0, taskCtx.Err()), taskCtx.Err()
	}
	defer func() { <-d.sem }()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	start := time.Now()
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			d.recorder.IncAgentRetry(task.AgentType.String())
			if err := d.sleep(taskCtx, d.backoff(attempt)); err != nil {
				return cancelledResult(task, attempts, err), err
			}
		}
		attempts++

		attemptCtx, attemptCancel := context.WithTimeout(taskCtx, timeout)
		result, err := d.executor.Execute(attemptCtx, task)
		attemptCancel()

		if err == nil && result.Succeeded() {
			result.TaskID = task.ID
			result.Attempts = attempts
			result.Duration = time.Since(start)
			d.recorder.ObserveTaskDuration(task.AgentType.String(), result.Duration)
			return result, nil
		}

		if taskCtx.Err() != nil {
			return cancelledResult(task, attempts, taskCtx.Err()), taskCtx.Err()
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("agent reported failure: %s", result.Failure)
		}
		d.logger.Warn("task %s attempt %d/%d failed: %v", task.ID, attempts, task.MaxRetries+1, lastErr)
	}

	d.recorder.IncAgentFailure(task.AgentType.String())
	duration := time.Since(start)
	d.recorder.ObserveTaskDuration(task.AgentType.String(), duration)
	return proto.TaskResult{
		TaskID:   task.ID,
		Status:   proto.TaskFailed,
		Failure:  lastErr.Error(),
		Attempts: attempts,
		Duration: duration,
	}, fmt.Errorf("task %s exhausted %d attempts: %w", task.ID, attempts, lastErr)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	backoff := d.cfg.BaseBackoff << (attempt - 1)
	if backoff > d.cfg.MaxBackoff || backoff <= 0 {
		backoff = d.cfg.MaxBackoff
	}
	return backoff
}

func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cancelledResult(task proto.Task, attempts int, err error) proto.TaskResult {
	return proto.TaskResult{
		TaskID:   task.ID,
		Status:   proto.TaskCancelled,
		Failure:  err.Error(),
		Attempts: attempts,
	}
}

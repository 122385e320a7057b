package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"overseer/pkg/metrics"
	"overseer/pkg/proto"
)

func testConfig() Config {
	return Config{
		MaxParallel:    2,
		DefaultTimeout: time.Second,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDispatchSuccess(t *testing.T) {
	exec := NewMockExecutor()
	d := New(testConfig(), exec, metrics.Nop())

	task := proto.NewTask("shop", "story-1", "cycle-1", proto.AgentQA, "write_test")
	result, err := d.Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !result.Succeeded() {
		t.Errorf("status = %s", result.Status)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if len(result.Artifacts) == 0 {
		t.Error("mock result should carry artifacts")
	}
	if d.RunningCount() != 0 {
		t.Errorf("running count = %d after completion", d.RunningCount())
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	exec := NewMockExecutor()
	exec.FailFirst = 2
	d := New(testConfig(), exec, metrics.Nop())

	task := proto.NewTask("shop", "story-1", "", proto.AgentCode, "implement")
	result, err := d.Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDispatchExhaustsRetries(t *testing.T) {
	exec := NewMockExecutor()
	exec.FailFirst = 100
	d := New(testConfig(), exec, metrics.Nop())

	task := proto.NewTask("shop", "story-1", "", proto.AgentCode, "implement")
	task.MaxRetries = 2
	result, err := d.Dispatch(context.Background(), task)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if result.Status != proto.TaskFailed {
		t.Errorf("status = %s, want FAILED", result.Status)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDispatchRejectsConcurrentStoryTask(t *testing.T) {
	block := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, task proto.Task) (proto.TaskResult, error) {
		<-block
		return proto.TaskResult{Status: proto.TaskCompleted}, nil
	})
	d := New(testConfig(), exec, metrics.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Dispatch(context.Background(), proto.NewTask("shop", "story-1", "", proto.AgentQA, "write_test")) //nolint:errcheck
	}()

	waitFor(t, func() bool { return d.RunningCount() == 1 })

	_, err := d.Dispatch(context.Background(), proto.NewTask("shop", "story-1", "", proto.AgentQA, "write_test"))
	if !errors.Is(err, proto.ErrConflict) {
		t.Errorf("second task error = %v, want conflict", err)
	}

	close(block)
	wg.Wait()
}

func TestDispatchBoundsParallelism(t *testing.T) {
	var peak, current atomic.Int32
	block := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, task proto.Task) (proto.TaskResult, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-block
		current.Add(-1)
		return proto.TaskResult{Status: proto.TaskCompleted}, nil
	})
	d := New(testConfig(), exec, metrics.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		story := string(rune('a' + i))
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), proto.NewTask("shop", story, "", proto.AgentQA, "write_test")) //nolint:errcheck
		}()
	}

	waitFor(t, func() bool { return current.Load() == 2 })
	time.Sleep(10 * time.Millisecond)
	close(block)
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak parallelism = %d, want <= 2", peak.Load())
	}
}

func TestAbortCancelsInFlightTask(t *testing.T) {
	started := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, task proto.Task) (proto.TaskResult, error) {
		close(started)
		<-ctx.Done()
		return proto.TaskResult{}, ctx.Err()
	})
	d := New(testConfig(), exec, metrics.Nop())

	done := make(chan proto.TaskResult, 1)
	go func() {
		task := proto.NewTask("shop", "story-1", "", proto.AgentCode, "implement")
		task.MaxRetries = 0
		result, _ := d.Dispatch(context.Background(), task)
		done <- result
	}()

	<-started
	if !d.Abort("story-1") {
		t.Fatal("Abort found no in-flight task")
	}

	select {
	case result := <-done:
		if result.Status != proto.TaskCancelled {
			t.Errorf("status = %s, want CANCELLED", result.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after abort")
	}

	if d.Abort("story-1") {
		t.Error("Abort after completion should find nothing")
	}
}

func TestDispatchTimeoutCountsAsAttemptFailure(t *testing.T) {
	exec := executorFunc(func(ctx context.Context, task proto.Task) (proto.TaskResult, error) {
		<-ctx.Done()
		return proto.TaskResult{}, ctx.Err()
	})
	cfg := testConfig()
	cfg.DefaultTimeout = 5 * time.Millisecond
	d := New(cfg, exec, metrics.Nop())

	task := proto.NewTask("shop", "story-1", "", proto.AgentCode, "implement")
	task.MaxRetries = 1
	result, err := d.Dispatch(context.Background(), task)
	if err == nil {
		t.Fatal("expected failure after deadline attempts")
	}
	if result.Status != proto.TaskFailed {
		t.Errorf("status = %s, want FAILED", result.Status)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
}

type executorFunc func(ctx context.Context, task proto.Task) (proto.TaskResult, error)

func (f executorFunc) Execute(ctx context.Context, task proto.Task) (proto.TaskResult, error) {
	return f(ctx, task)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

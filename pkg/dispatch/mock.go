package dispatch

import (
	"context"
	"fmt"
	"sync"

	"overseer/pkg/proto"
)

// MockExecutor stands in for the AI backend when mock mode is enabled in
// config. It fabricates phase-appropriate artifacts so the workflow can
// be exercised end to end without a model.
type MockExecutor struct {
	mu    sync.Mutex
	calls []proto.Task

	// FailFirst makes the first N executions fail, for retry tests.
	FailFirst int
	failed    int
}

// NewMockExecutor returns an executor that always succeeds.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// Calls returns a copy of every task executed so far.
func (m *MockExecutor) Calls() []proto.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]proto.Task{}, m.calls...)
}

// Execute records the task and fabricates a result.
func (m *MockExecutor) Execute(ctx context.Context, task proto.Task) (proto.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return proto.TaskResult{}, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, task)
	if m.failed < m.FailFirst {
		m.failed++
		m.mu.Unlock()
		return proto.TaskResult{}, fmt.Errorf("mock failure %d", m.failed)
	}
	m.mu.Unlock()

	artifact := fmt.Sprintf("mock-%s.txt", task.Command)
	return proto.TaskResult{
		TaskID: task.ID,
		Status: proto.TaskCompleted,
		Output: fmt.Sprintf("mock %s agent handled %s for story %s", task.AgentType, task.Command, task.StoryID),
		Artifacts: map[string]string{
			artifact: fmt.Sprintf("produced by mock %s agent\n", task.AgentType),
		},
	}, nil
}

package proto

import "time"

// TaskStatus tracks a dispatched agent task through its lifetime.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Task is a unit of work handed to a black-box agent executor.
type Task struct {
	ID         string            `json:"id"`
	Project    string            `json:"project"`
	StoryID    string            `json:"story_id,omitempty"`
	CycleID    string            `json:"cycle_id,omitempty"`
	AgentType  AgentType         `json:"agent_type"`
	Command    string            `json:"command"`
	Context    map[string]string `json:"context,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	MaxRetries int               `json:"max_retries"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewTask builds a task with a fresh id and the default retry budget.
func NewTask(project, storyID, cycleID string, agent AgentType, command string) Task {
	return Task{
		ID:         NewID("task"),
		Project:    project,
		StoryID:    storyID,
		CycleID:    cycleID,
		AgentType:  agent,
		Command:    command,
		Context:    make(map[string]string),
		MaxRetries: 3,
		CreatedAt:  Timestamp(),
	}
}

// TaskResult is the executor's answer, surfaced after retries settle.
type TaskResult struct {
	TaskID    string            `json:"task_id"`
	Status    TaskStatus        `json:"status"`
	Output    string            `json:"output,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Failure   string            `json:"failure,omitempty"`
	Attempts  int               `json:"attempts"`
	Duration  time.Duration     `json:"duration"`
}

// Succeeded reports whether the task reached COMPLETED.
func (r TaskResult) Succeeded() bool {
	return r.Status == TaskCompleted
}

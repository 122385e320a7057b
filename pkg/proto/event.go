package proto

import "time"

// EventKind classifies broadcast events.
type EventKind string

const (
	EventWorkflowTransition EventKind = "workflow_transition"
	EventTDDTransition      EventKind = "tdd_transition"
	EventTaskResult         EventKind = "task_result"
	EventApprovalPending    EventKind = "approval_pending"
	EventApprovalResolved   EventKind = "approval_resolved"
	EventStorageDegraded    EventKind = "storage_degraded"
	EventProjectLifecycle   EventKind = "project_lifecycle"
)

// Event is the single broadcast payload shape. Fields not relevant to a
// kind are omitted from the JSON encoding.
type Event struct {
	Kind       EventKind `json:"kind"`
	Project    string    `json:"project,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Command    string    `json:"command,omitempty"`
	Requester  string    `json:"requester,omitempty"`
	Story      string    `json:"story,omitempty"`
	Cycle      string    `json:"cycle,omitempty"`
	Task       string    `json:"task,omitempty"`
	Agent      string    `json:"agent,omitempty"`
	Success    *bool     `json:"success,omitempty"`
	DurationS  float64   `json:"duration_s,omitempty"`
	ApprovalID int64     `json:"approval_id,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	TS         time.Time `json:"ts"`
}

// NewWorkflowTransitionEvent records a primary FSM state change.
func NewWorkflowTransitionEvent(project, from, to, command, requester string) Event {
	return Event{
		Kind:      EventWorkflowTransition,
		Project:   project,
		From:      from,
		To:        to,
		Command:   command,
		Requester: requester,
		TS:        Timestamp(),
	}
}

// NewTDDTransitionEvent records a micro-cycle state change.
func NewTDDTransitionEvent(project, story, cycle, from, to string) Event {
	return Event{
		Kind:    EventTDDTransition,
		Project: project,
		Story:   story,
		Cycle:   cycle,
		From:    from,
		To:      to,
		TS:      Timestamp(),
	}
}

// NewTaskResultEvent records the outcome of a dispatched agent task.
func NewTaskResultEvent(project, task string, agent AgentType, success bool, duration time.Duration) Event {
	ok := success
	return Event{
		Kind:      EventTaskResult,
		Project:   project,
		Task:      task,
		Agent:     agent.String(),
		Success:   &ok,
		DurationS: duration.Seconds(),
		TS:        Timestamp(),
	}
}

// NewApprovalPendingEvent announces a new human-in-the-loop gate.
func NewApprovalPendingEvent(project string, id int64, summary string) Event {
	return Event{
		Kind:       EventApprovalPending,
		Project:    project,
		ApprovalID: id,
		Detail:     summary,
		TS:         Timestamp(),
	}
}

// NewApprovalResolvedEvent announces an approval reaching a terminal status.
func NewApprovalResolvedEvent(project string, id int64, resolution ApprovalStatus) Event {
	return Event{
		Kind:       EventApprovalResolved,
		Project:    project,
		ApprovalID: id,
		Resolution: resolution.String(),
		TS:         Timestamp(),
	}
}

// NewStorageDegradedEvent announces the store flipping to read-only mode.
func NewStorageDegradedEvent(project, detail string) Event {
	return Event{
		Kind:    EventStorageDegraded,
		Project: project,
		Detail:  detail,
		TS:      Timestamp(),
	}
}

// NewProjectLifecycleEvent records supervisor-level child changes
// (started, stopped, paused, resumed, crashed, restarted).
func NewProjectLifecycleEvent(project, from, to, detail string) Event {
	return Event{
		Kind:    EventProjectLifecycle,
		Project: project,
		From:    from,
		To:      to,
		Detail:  detail,
		TS:      Timestamp(),
	}
}

func (s ApprovalStatus) String() string {
	return string(s)
}

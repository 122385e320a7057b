// Package metrics records orchestration activity through a Recorder
// interface with a Prometheus implementation and a no-op fallback. Child
// processes periodically snapshot their registry to a text-format file
// that the supervisor parses and aggregates.
package metrics

import "time"

// Recorder is the metrics surface the core components write to.
type Recorder interface {
	// IncCommand counts one processed command by verb and outcome.
	IncCommand(verb, outcome string)
	// IncWorkflowTransition counts one primary FSM state change.
	IncWorkflowTransition(from, to string)
	// IncTDDTransition counts one micro-cycle state change.
	IncTDDTransition(from, to string)
	// IncAgentRetry counts one retried agent task attempt.
	IncAgentRetry(agent string)
	// IncAgentFailure counts one task that exhausted its retries.
	IncAgentFailure(agent string)
	// IncStorageError counts one persistence failure.
	IncStorageError()
	// IncApproval counts one approval reaching a resolution.
	IncApproval(resolution string)
	// SetActiveCycles records the number of open TDD cycles.
	SetActiveCycles(n int)
	// SetChildren records the number of supervised children per status.
	SetChildren(status string, n int)
	// ObserveTaskDuration records one completed agent task's runtime.
	ObserveTaskDuration(agent string, d time.Duration)
}

// NoopRecorder discards everything; used when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) IncCommand(_, _ string)                     {}
func (n *NoopRecorder) IncWorkflowTransition(_, _ string)          {}
func (n *NoopRecorder) IncTDDTransition(_, _ string)               {}
func (n *NoopRecorder) IncAgentRetry(_ string)                     {}
func (n *NoopRecorder) IncAgentFailure(_ string)                   {}
func (n *NoopRecorder) IncStorageError()                           {}
func (n *NoopRecorder) IncApproval(_ string)                       {}
func (n *NoopRecorder) SetActiveCycles(_ int)                      {}
func (n *NoopRecorder) SetChildren(_ string, _ int)                {}
func (n *NoopRecorder) ObserveTaskDuration(_ string, _ time.Duration) {}

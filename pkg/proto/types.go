// Package proto defines the shared protocol types exchanged between the
// command pipeline, orchestrators, the supervisor, and broadcast subscribers.
package proto

import (
	"fmt"
	"strings"
)

// AgentType identifies a worker specialization.
type AgentType string

const (
	AgentOrchestrator AgentType = "ORCHESTRATOR"
	AgentDesign       AgentType = "DESIGN"
	AgentCode         AgentType = "CODE"
	AgentQA           AgentType = "QA"
	AgentData         AgentType = "DATA"
)

// ValidAgentTypes returns all known agent types in a stable order.
func ValidAgentTypes() []AgentType {
	return []AgentType{AgentOrchestrator, AgentDesign, AgentCode, AgentQA, AgentData}
}

// ParseAgentType converts a string to an AgentType.
func ParseAgentType(s string) (AgentType, error) {
	at := AgentType(strings.ToUpper(strings.TrimSpace(s)))
	switch at {
	case AgentOrchestrator, AgentDesign, AgentCode, AgentQA, AgentData:
		return at, nil
	default:
		return "", fmt.Errorf("unknown agent type: %s", s)
	}
}

func (a AgentType) String() string {
	return string(a)
}

// OrchestrationMode controls how much human approval a project requires.
type OrchestrationMode string

const (
	// ModeBlocking requires approval for every state-changing command.
	ModeBlocking OrchestrationMode = "BLOCKING"
	// ModePartial requires approval only for destructive or cancellation commands.
	ModePartial OrchestrationMode = "PARTIAL"
	// ModeAutonomous never requires approval.
	ModeAutonomous OrchestrationMode = "AUTONOMOUS"
	// ModeCollaborative requires approval for sprint-review exits.
	ModeCollaborative OrchestrationMode = "COLLABORATIVE"
)

// ParseOrchestrationMode converts a string to an OrchestrationMode.
func ParseOrchestrationMode(s string) (OrchestrationMode, error) {
	m := OrchestrationMode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeBlocking, ModePartial, ModeAutonomous, ModeCollaborative:
		return m, nil
	default:
		return "", fmt.Errorf("unknown orchestration mode: %s", s)
	}
}

func (m OrchestrationMode) String() string {
	return string(m)
}

// ProjectPriority ranks projects for resource allocation.
type ProjectPriority string

const (
	PriorityCritical ProjectPriority = "CRITICAL"
	PriorityHigh     ProjectPriority = "HIGH"
	PriorityNormal   ProjectPriority = "NORMAL"
	PriorityLow      ProjectPriority = "LOW"
)

// ParseProjectPriority converts a string to a ProjectPriority.
func ParseProjectPriority(s string) (ProjectPriority, error) {
	p := ProjectPriority(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown project priority: %s", s)
	}
}

func (p ProjectPriority) String() string {
	return string(p)
}

// Weight returns the share multiplier used by priority-based allocation.
func (p ProjectPriority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 2.0
	case PriorityHigh:
		return 1.5
	case PriorityLow:
		return 0.5
	default:
		return 1.0
	}
}

// ApprovalStatus tracks the resolution of a human-in-the-loop request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalTimedOut ApprovalStatus = "TIMED_OUT"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending && s != ""
}

// ParseApprovalStatus converts a string to an ApprovalStatus.
func ParseApprovalStatus(s string) (ApprovalStatus, error) {
	st := ApprovalStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalTimedOut:
		return st, nil
	default:
		return "", fmt.Errorf("unknown approval status: %s", s)
	}
}

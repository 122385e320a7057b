package proto

import "errors"

// ErrorKind is the machine-readable failure class carried on command
// responses. Values are stable strings; external surfaces match on them.
type ErrorKind string

const (
	ErrKindNone               ErrorKind = ""
	ErrKindUnknownCommand     ErrorKind = "unknown_command"
	ErrKindInvalidTransition  ErrorKind = "invalid_transition"
	ErrKindPreconditionFailed ErrorKind = "precondition_failed"
	ErrKindUnauthorizedTool   ErrorKind = "unauthorized_tool"
	ErrKindApprovalRequired   ErrorKind = "approval_required"
	ErrKindApprovalPending    ErrorKind = "approval_pending"
	ErrKindApprovalExpired    ErrorKind = "approval_expired"
	ErrKindApprovalRejected   ErrorKind = "approval_rejected"
	ErrKindAgentFailure       ErrorKind = "agent_failure"
	ErrKindStorageIO          ErrorKind = "storage_io"
	ErrKindConflict           ErrorKind = "conflict"
	ErrKindNotFound           ErrorKind = "not_found"
	ErrKindNeedProject        ErrorKind = "need_project"
	ErrKindResourceExhausted  ErrorKind = "resource_exhausted"
)

// Sentinel errors for call sites that branch on failure class.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrReadOnly          = errors.New("store is in read-only mode")
	ErrResourceExhausted = errors.New("resource limit exceeded")
	ErrApprovalExpired   = errors.New("approval expired")
	ErrTaskCancelled     = errors.New("task cancelled")
)

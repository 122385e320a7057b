package proto

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Command is a parsed, canonicalized command tuple. Verbs are
// case-sensitive: "/EPIC" does not resolve to "/epic".
type Command struct {
	Raw       string   `json:"raw"`
	Verb      string   `json:"verb"`
	Subverb   string   `json:"subverb,omitempty"`
	Args      []string `json:"args,omitempty"`
	Project   string   `json:"project,omitempty"`
	Requester string   `json:"requester"`
}

// Canonical returns the verb or "verb subverb" form used by FSM tables.
func (c Command) Canonical() string {
	if c.Subverb == "" {
		return c.Verb
	}
	return c.Verb + " " + c.Subverb
}

// Result is the structured response every command produces.
type Result struct {
	Success           bool              `json:"success"`
	CurrentState      string            `json:"current_state"`
	AllowedCommands   []string          `json:"allowed_commands"`
	Message           string            `json:"message"`
	Hint              string            `json:"hint,omitempty"`
	Artifacts         map[string]string `json:"artifacts,omitempty"`
	PendingApprovalID int64             `json:"pending_approval_id,omitempty"`
	ErrorKind         ErrorKind         `json:"error,omitempty"`
}

// OK builds a success result.
func OK(state string, allowed []string, format string, args ...any) Result {
	return Result{
		Success:         true,
		CurrentState:    state,
		AllowedCommands: allowed,
		Message:         fmt.Sprintf(format, args...),
	}
}

// Fail builds a failure result carrying the error kind and a recovery hint.
func Fail(kind ErrorKind, state string, allowed []string, message, hint string) Result {
	return Result{
		Success:         false,
		CurrentState:    state,
		AllowedCommands: allowed,
		Message:         message,
		Hint:            hint,
		ErrorKind:       kind,
	}
}

var idCounter atomic.Uint64

// NewID returns a prefixed unique identifier such as "task-7f3a9c51b2e4".
// A process-local counter is appended so ids stay unique even if the
// random source repeats within a clock tick.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s-%s%04x", prefix, raw[:12], idCounter.Add(1)&0xffff)
}

// Timestamp returns the canonical wall-clock reading used across the
// protocol; UTC so persisted and broadcast times compare cleanly.
func Timestamp() time.Time {
	return time.Now().UTC()
}

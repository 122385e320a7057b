package store

import (
	"path/filepath"
	"time"

	"overseer/pkg/proto"
)

// Status is the child orchestrator's heartbeat, written to status.json and
// read by the supervisor. It is the only cross-process status channel
// besides the event stream.
type Status struct {
	Project       string              `json:"project"`
	PID           int                 `json:"pid"`
	WorkflowState proto.WorkflowState `json:"workflow_state"`
	ActiveCycles  int                 `json:"active_cycles"`
	RunningTasks  int                 `json:"running_tasks"`
	ReadOnly      bool                `json:"read_only"`
	StartedAt     time.Time           `json:"started_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// SaveStatus atomically persists the heartbeat.
func (s *Store) SaveStatus(st Status) error {
	st.UpdatedAt = proto.Timestamp()
	return s.write(s.StatusPath(), st)
}

// LoadStatus reads the heartbeat. Missing files map to proto.ErrNotFound.
func (s *Store) LoadStatus() (Status, error) {
	var st Status
	if err := s.loadWithBackup(s.StatusPath(), &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// StatusPath returns the absolute status.json path; the supervisor watches
// this file for child heartbeats.
func (s *Store) StatusPath() string {
	return filepath.Join(s.Dir(), statusFile)
}

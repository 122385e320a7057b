package project

import (
	"time"

	"overseer/pkg/proto"
)

// SprintStatus is the stored sprint lifecycle. Pausing is a workflow-level
// condition and is not persisted on the sprint itself.
type SprintStatus string

const (
	SprintPlanned   SprintStatus = "PLANNED"
	SprintActive    SprintStatus = "ACTIVE"
	SprintCompleted SprintStatus = "COMPLETED"
	SprintCancelled SprintStatus = "CANCELLED"
)

// TDDMetrics aggregates micro-cycle counters for a sprint.
type TDDMetrics struct {
	CyclesStarted   int     `json:"cycles_started"`
	CyclesCompleted int     `json:"cycles_completed"`
	TestRuns        int     `json:"test_runs"`
	Refactors       int     `json:"refactors"`
	Commits         int     `json:"commits"`
	AvgCoverage     float64 `json:"avg_coverage"`
}

// Sprint is a planned batch of stories.
type Sprint struct {
	ID                 string       `json:"id"`
	Goal               string       `json:"goal"`
	Status             SprintStatus `json:"status"`
	StoryIDs           []string     `json:"story_ids"`
	StartDate          *time.Time   `json:"start_date,omitempty"`
	EndDate            *time.Time   `json:"end_date,omitempty"`
	Retrospective      string       `json:"retrospective,omitempty"`
	ActiveTDDCycleIDs  []string     `json:"active_tdd_cycle_ids,omitempty"`
	Metrics            TDDMetrics   `json:"tdd_metrics"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// NewSprint creates a PLANNED sprint over the given stories.
func NewSprint(goal string, storyIDs []string) *Sprint {
	now := proto.Timestamp()
	return &Sprint{
		ID:        proto.NewID("sprint"),
		Goal:      goal,
		Status:    SprintPlanned,
		StoryIDs:  append([]string{}, storyIDs...),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start marks the sprint ACTIVE and stamps the start date.
func (s *Sprint) Start() {
	now := proto.Timestamp()
	s.Status = SprintActive
	s.StartDate = &now
	s.UpdatedAt = now
}

// Complete marks the sprint COMPLETED and stamps the end date.
func (s *Sprint) Complete() {
	now := proto.Timestamp()
	s.Status = SprintCompleted
	s.EndDate = &now
	s.UpdatedAt = now
}

// Cancel marks the sprint CANCELLED and stamps the end date.
func (s *Sprint) Cancel() {
	now := proto.Timestamp()
	s.Status = SprintCancelled
	s.EndDate = &now
	s.UpdatedAt = now
}

// Contains reports whether the sprint includes the story id.
func (s *Sprint) Contains(storyID string) bool {
	for _, id := range s.StoryIDs {
		if id == storyID {
			return true
		}
	}
	return false
}

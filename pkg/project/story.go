package project

import (
	"fmt"
	"strings"
	"time"

	"overseer/pkg/proto"
)

// StoryStatus is the backlog-to-done lifecycle of a story.
type StoryStatus string

const (
	StoryBacklog    StoryStatus = "BACKLOG"
	StorySprint     StoryStatus = "SPRINT"
	StoryInProgress StoryStatus = "IN_PROGRESS"
	StoryReview     StoryStatus = "REVIEW"
	StoryDone       StoryStatus = "DONE"
	StoryBlocked    StoryStatus = "BLOCKED"
)

// Story priorities are 1 (highest) through 5; external surfaces use the
// keywords top/high/medium/low.
const (
	PriorityTop    = 1
	PriorityHigh   = 2
	PriorityMedium = 3
	PriorityLow    = 4
)

// ParseStoryPriority maps a priority keyword to its numeric rank.
func ParseStoryPriority(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "top":
		return PriorityTop, nil
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority keyword: %s (want top|high|medium|low)", s)
	}
}

// Story is a unit of plannable work.
type Story struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	EpicID             string       `json:"epic_id,omitempty"`
	SprintID           string       `json:"sprint_id,omitempty"`
	Status             StoryStatus  `json:"status"`
	Priority           int          `json:"priority"`
	AcceptanceCriteria []string     `json:"acceptance_criteria"`
	Tasks              []string     `json:"tasks,omitempty"`
	Dependencies       []string     `json:"dependencies,omitempty"`
	TDDCycleID         string       `json:"tdd_cycle_id,omitempty"`
	TestStatus         string       `json:"test_status,omitempty"`
	TestFiles          []string     `json:"test_files,omitempty"`
	CIStatus           string       `json:"ci_status,omitempty"`
	TestCoverage       float64      `json:"test_coverage"`
	Results            []TestResult `json:"test_results,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// NewStory creates a BACKLOG story with a fresh id.
func NewStory(title, description string) *Story {
	now := proto.Timestamp()
	return &Story{
		ID:                 proto.NewID("story"),
		Title:              title,
		Description:        description,
		Status:             StoryBacklog,
		Priority:           PriorityMedium,
		AcceptanceCriteria: []string{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Touch bumps the update timestamp after a mutation.
func (s *Story) Touch() {
	s.UpdatedAt = proto.Timestamp()
}

// InSprint reports whether the story is assigned to the given sprint.
func (s *Story) InSprint(sprintID string) bool {
	return s.SprintID == sprintID && sprintID != ""
}

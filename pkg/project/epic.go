package project

import (
	"time"

	"overseer/pkg/proto"
)

// EpicStatus is the lifecycle of an epic.
type EpicStatus string

const (
	EpicActive    EpicStatus = "ACTIVE"
	EpicCompleted EpicStatus = "COMPLETED"
	EpicArchived  EpicStatus = "ARCHIVED"
)

// Epic groups stories under one initiative.
type Epic struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Status             EpicStatus `json:"status"`
	Priority           int        `json:"priority"`
	StoryIDs           []string   `json:"story_ids"`
	AcceptanceCriteria []string   `json:"acceptance_criteria"`
	TDDRequirements    []string   `json:"tdd_requirements,omitempty"`
	TDDConstraints     []string   `json:"tdd_constraints,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewEpic creates an ACTIVE epic with a fresh id.
func NewEpic(title, description string) *Epic {
	now := proto.Timestamp()
	return &Epic{
		ID:                 proto.NewID("epic"),
		Title:              title,
		Description:        description,
		Status:             EpicActive,
		Priority:           PriorityMedium,
		StoryIDs:           []string{},
		AcceptanceCriteria: []string{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// AddStory links a story id, keeping order and uniqueness.
func (e *Epic) AddStory(storyID string) {
	for _, id := range e.StoryIDs {
		if id == storyID {
			return
		}
	}
	e.StoryIDs = append(e.StoryIDs, storyID)
	e.UpdatedAt = proto.Timestamp()
}

// RemoveStory unlinks a story id if present.
func (e *Epic) RemoveStory(storyID string) {
	for i, id := range e.StoryIDs {
		if id == storyID {
			e.StoryIDs = append(e.StoryIDs[:i], e.StoryIDs[i+1:]...)
			e.UpdatedAt = proto.Timestamp()
			return
		}
	}
}

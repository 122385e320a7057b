package project

import (
	"fmt"
	"sort"
	"strings"
)

// Data is the root aggregate persisted as backlog.json: every epic, story
// and sprint of one project plus its TDD settings.
type Data struct {
	Epics    map[string]*Epic   `json:"epics"`
	Stories  map[string]*Story  `json:"stories"`
	Sprints  map[string]*Sprint `json:"sprints"`
	Settings TDDSettings        `json:"tdd_settings"`
}

// NewData returns an empty aggregate with default settings.
func NewData() *Data {
	return &Data{
		Epics:    make(map[string]*Epic),
		Stories:  make(map[string]*Story),
		Sprints:  make(map[string]*Sprint),
		Settings: DefaultTDDSettings(),
	}
}

// Normalize repairs nil maps after JSON decoding.
func (d *Data) Normalize() {
	if d.Epics == nil {
		d.Epics = make(map[string]*Epic)
	}
	if d.Stories == nil {
		d.Stories = make(map[string]*Story)
	}
	if d.Sprints == nil {
		d.Sprints = make(map[string]*Sprint)
	}
	if d.Settings.CoverageThreshold == 0 {
		d.Settings = DefaultTDDSettings()
	}
}

// AddEpic registers an epic.
func (d *Data) AddEpic(e *Epic) {
	d.Epics[e.ID] = e
}

// AddStory registers a story and maintains the epic back-link.
func (d *Data) AddStory(s *Story) error {
	if s.EpicID != "" {
		e, ok := d.Epics[s.EpicID]
		if !ok {
			return fmt.Errorf("story %s references unknown epic %s", s.ID, s.EpicID)
		}
		e.AddStory(s.ID)
	}
	d.Stories[s.ID] = s
	return nil
}

// RemoveStory drops a story and all links to it.
func (d *Data) RemoveStory(id string) error {
	s, ok := d.Stories[id]
	if !ok {
		return fmt.Errorf("story %s: not found", id)
	}
	if e, ok := d.Epics[s.EpicID]; ok {
		e.RemoveStory(id)
	}
	if sp, ok := d.Sprints[s.SprintID]; ok {
		for i, sid := range sp.StoryIDs {
			if sid == id {
				sp.StoryIDs = append(sp.StoryIDs[:i], sp.StoryIDs[i+1:]...)
				break
			}
		}
	}
	for _, other := range d.Stories {
		for i, dep := range other.Dependencies {
			if dep == id {
				other.Dependencies = append(other.Dependencies[:i], other.Dependencies[i+1:]...)
				break
			}
		}
	}
	delete(d.Stories, id)
	return nil
}

// AddSprint registers a sprint and assigns its stories, maintaining the
// story-side back-links.
func (d *Data) AddSprint(sp *Sprint) error {
	for _, sid := range sp.StoryIDs {
		s, ok := d.Stories[sid]
		if !ok {
			return fmt.Errorf("sprint %s references unknown story %s", sp.ID, sid)
		}
		if s.SprintID != "" && s.SprintID != sp.ID {
			return fmt.Errorf("story %s already belongs to sprint %s", sid, s.SprintID)
		}
	}
	for _, sid := range sp.StoryIDs {
		s := d.Stories[sid]
		s.SprintID = sp.ID
		s.Status = StorySprint
		s.Touch()
	}
	d.Sprints[sp.ID] = sp
	return nil
}

// ActiveSprint returns the single ACTIVE sprint, or nil.
func (d *Data) ActiveSprint() *Sprint {
	for _, sp := range d.Sprints {
		if sp.Status == SprintActive {
			return sp
		}
	}
	return nil
}

// PlannedSprint returns the newest PLANNED sprint, or nil.
func (d *Data) PlannedSprint() *Sprint {
	var planned *Sprint
	for _, sp := range d.Sprints {
		if sp.Status != SprintPlanned {
			continue
		}
		if planned == nil || sp.CreatedAt.After(planned.CreatedAt) {
			planned = sp
		}
	}
	return planned
}

// BacklogStories returns unassigned stories ordered by priority then age.
func (d *Data) BacklogStories() []*Story {
	var out []*Story
	for _, s := range d.Stories {
		if s.Status == StoryBacklog {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DependenciesDone reports whether every dependency of the story is DONE.
func (d *Data) DependenciesDone(storyID string) bool {
	s, ok := d.Stories[storyID]
	if !ok {
		return false
	}
	for _, dep := range s.Dependencies {
		ds, ok := d.Stories[dep]
		if !ok || ds.Status != StoryDone {
			return false
		}
	}
	return true
}

// Validate checks the aggregate's cross-entity invariants: epic and sprint
// back-links are bidirectional, at most one sprint is ACTIVE, story
// dependencies form a DAG, and task test-file lists stay 1:1.
func (d *Data) Validate() error {
	var violations []string

	for _, e := range d.Epics {
		for _, sid := range e.StoryIDs {
			s, ok := d.Stories[sid]
			if !ok {
				violations = append(violations, fmt.Sprintf("epic %s lists missing story %s", e.ID, sid))
				continue
			}
			if s.EpicID != e.ID {
				violations = append(violations, fmt.Sprintf("story %s epic_id %q != epic %s", sid, s.EpicID, e.ID))
			}
		}
	}
	for _, s := range d.Stories {
		if s.EpicID != "" {
			e, ok := d.Epics[s.EpicID]
			if !ok {
				violations = append(violations, fmt.Sprintf("story %s references missing epic %s", s.ID, s.EpicID))
			} else if !containsString(e.StoryIDs, s.ID) {
				violations = append(violations, fmt.Sprintf("epic %s does not list story %s", e.ID, s.ID))
			}
		}
		if s.SprintID != "" {
			sp, ok := d.Sprints[s.SprintID]
			if !ok {
				violations = append(violations, fmt.Sprintf("story %s references missing sprint %s", s.ID, s.SprintID))
			} else if !sp.Contains(s.ID) {
				violations = append(violations, fmt.Sprintf("sprint %s does not list story %s", sp.ID, s.ID))
			}
		}
	}
	for _, sp := range d.Sprints {
		for _, sid := range sp.StoryIDs {
			s, ok := d.Stories[sid]
			if !ok {
				violations = append(violations, fmt.Sprintf("sprint %s lists missing story %s", sp.ID, sid))
				continue
			}
			if sp.Status == SprintPlanned || sp.Status == SprintActive {
				if s.SprintID != sp.ID {
					violations = append(violations, fmt.Sprintf("story %s sprint_id %q != sprint %s", sid, s.SprintID, sp.ID))
				}
			}
		}
	}

	active := 0
	for _, sp := range d.Sprints {
		if sp.Status == SprintActive {
			active++
		}
	}
	if active > 1 {
		violations = append(violations, fmt.Sprintf("%d sprints ACTIVE, want at most 1", active))
	}

	if cyc := d.dependencyCycle(); cyc != "" {
		violations = append(violations, "story dependency cycle: "+cyc)
	}

	if len(violations) > 0 {
		return fmt.Errorf("aggregate invariant violations: %s", strings.Join(violations, "; "))
	}
	return nil
}

// dependencyCycle returns a description of the first dependency cycle
// found, or "" when the graph is a DAG.
func (d *Data) dependencyCycle() string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Stories))
	var stack []string

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		stack = append(stack, id)
		s := d.Stories[id]
		if s != nil {
			for _, dep := range s.Dependencies {
				if _, ok := d.Stories[dep]; !ok {
					continue
				}
				switch color[dep] {
				case grey:
					return strings.Join(append(stack, dep), " -> ")
				case white:
					if found := visit(dep); found != "" {
						return found
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return ""
	}

	ids := make([]string, 0, len(d.Stories))
	for id := range d.Stories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if found := visit(id); found != "" {
				return found
			}
		}
	}
	return ""
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

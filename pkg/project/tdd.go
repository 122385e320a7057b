package project

import (
	"time"

	"overseer/pkg/proto"
)

// CycleCounters tally micro-cycle activity.
type CycleCounters struct {
	TestRuns  int `json:"test_runs"`
	Refactors int `json:"refactors"`
	Commits   int `json:"commits"`
}

// TDDCycle is one story's nested red-green-refactor state machine
// instance. Its current_state always mirrors the current task's state.
type TDDCycle struct {
	ID              string         `json:"id"`
	StoryID         string         `json:"story_id"`
	CurrentState    proto.TDDState `json:"current_state"`
	CurrentTaskID   string         `json:"current_task_id,omitempty"`
	Tasks           []*TDDTask     `json:"tasks"`
	Counters        CycleCounters  `json:"counters"`
	CIStatus        string         `json:"ci_status,omitempty"`
	OverallCoverage float64        `json:"overall_coverage"`
	NeedsRecovery   bool           `json:"needs_recovery"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// NewTDDCycle opens a cycle for a story with at least one task. The first
// task becomes current and both start in DESIGN.
func NewTDDCycle(storyID string, tasks []*TDDTask) *TDDCycle {
	c := &TDDCycle{
		ID:           proto.NewID("cycle"),
		StoryID:      storyID,
		CurrentState: proto.TDDDesign,
		Tasks:        tasks,
		StartedAt:    proto.Timestamp(),
	}
	for _, t := range c.Tasks {
		t.CycleID = c.ID
	}
	if len(c.Tasks) > 0 {
		c.CurrentTaskID = c.Tasks[0].ID
	}
	return c
}

// CurrentTask returns the task the cycle is positioned on, or nil.
func (c *TDDCycle) CurrentTask() *TDDTask {
	if c.CurrentTaskID == "" {
		return nil
	}
	for _, t := range c.Tasks {
		if t.ID == c.CurrentTaskID {
			return t
		}
	}
	return nil
}

// Task returns the task with the given id, or nil.
func (c *TDDCycle) Task(id string) *TDDTask {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// SetState moves the cycle and its current task together, preserving the
// cycle-mirrors-task invariant.
func (c *TDDCycle) SetState(state proto.TDDState) {
	c.CurrentState = state
	if t := c.CurrentTask(); t != nil {
		t.CurrentState = state
		t.UpdatedAt = proto.Timestamp()
	}
}

// AdvanceTask marks the current task complete and positions the cycle on
// the next incomplete task in DESIGN. Returns false when no task remains,
// in which case the cycle is completed.
func (c *TDDCycle) AdvanceTask() bool {
	if t := c.CurrentTask(); t != nil {
		t.Completed = true
		t.CurrentState = proto.TDDCommit
		t.UpdatedAt = proto.Timestamp()
	}
	for _, t := range c.Tasks {
		if !t.Completed {
			c.CurrentTaskID = t.ID
			c.SetState(proto.TDDDesign)
			return true
		}
	}
	now := proto.Timestamp()
	c.CurrentTaskID = ""
	c.CurrentState = proto.TDDCommit
	c.CompletedAt = &now
	return false
}

// Complete reports whether every task is committed and the cycle closed.
func (c *TDDCycle) Complete() bool {
	if c.CompletedAt == nil {
		return false
	}
	for _, t := range c.Tasks {
		if !t.Completed || t.CurrentState != proto.TDDCommit {
			return false
		}
	}
	return true
}

// Active reports whether the cycle still holds the workflow back: any
// state other than a finished COMMIT counts as active.
func (c *TDDCycle) Active() bool {
	return !c.Complete()
}

// TDDTask is one designed unit inside a cycle.
type TDDTask struct {
	ID                 string            `json:"id"`
	CycleID            string            `json:"cycle_id"`
	Description        string            `json:"description"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
	CurrentState       proto.TDDState    `json:"current_state"`
	TestFilePaths      []string          `json:"test_files,omitempty"`
	TestFileObjects    []*TestFile       `json:"test_file_objects,omitempty"`
	SourceFiles        []string          `json:"source_files,omitempty"`
	TestResults        []TestResult      `json:"test_results,omitempty"`
	PhaseNotes         map[string]string `json:"phase_notes,omitempty"`
	CIStatus           string            `json:"ci_status,omitempty"`
	Coverage           float64           `json:"coverage"`
	Completed          bool              `json:"completed"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// NewTDDTask creates a task positioned in DESIGN.
func NewTDDTask(description string, criteria []string) *TDDTask {
	now := proto.Timestamp()
	return &TDDTask{
		ID:                 proto.NewID("tdd"),
		Description:        description,
		AcceptanceCriteria: criteria,
		CurrentState:       proto.TDDDesign,
		PhaseNotes:         make(map[string]string),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// AddTestFile records a test file on the task, keeping the path list and
// object list in step.
func (t *TDDTask) AddTestFile(f *TestFile) {
	for _, existing := range t.TestFileObjects {
		if existing.FilePath == f.FilePath {
			return
		}
	}
	t.TestFilePaths = append(t.TestFilePaths, f.FilePath)
	t.TestFileObjects = append(t.TestFileObjects, f)
	t.UpdatedAt = proto.Timestamp()
}

// RecordResults appends execution outcomes and refreshes per-file counts.
func (t *TDDTask) RecordResults(results []TestResult) {
	t.TestResults = append(t.TestResults, results...)
	latest := LatestResults(t.TestResults)
	for _, f := range t.TestFileObjects {
		var total, passing, failing int
		for _, r := range latest {
			if r.TestFile != f.FilePath {
				continue
			}
			total++
			switch r.Status {
			case TestGreen:
				passing++
			case TestRed, TestError:
				failing++
			}
		}
		f.ApplyCounts(total, passing, failing)
	}
	t.UpdatedAt = proto.Timestamp()
}

// HasFailingTests reports whether the latest run of any test is RED.
func (t *TDDTask) HasFailingTests() bool {
	for _, r := range LatestResults(t.TestResults) {
		if r.Status == TestRed {
			return true
		}
	}
	return false
}

// HasPassingTests reports whether at least one test ran and none of the
// latest outcomes are RED or ERROR.
func (t *TDDTask) HasPassingTests() bool {
	latest := LatestResults(t.TestResults)
	if len(latest) == 0 {
		return false
	}
	for _, r := range latest {
		if r.Status == TestRed || r.Status == TestError {
			return false
		}
	}
	return true
}

// CommittedTestFiles counts files at COMMITTED or later.
func (t *TDDTask) CommittedTestFiles() int {
	n := 0
	for _, f := range t.TestFileObjects {
		if f.Committed() {
			n++
		}
	}
	return n
}

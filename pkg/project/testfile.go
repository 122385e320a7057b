package project

import (
	"time"

	"overseer/pkg/proto"
)

// TestFileStatus is the lifecycle of a tracked test file. The progression
// is monotone except PASSING falls back to COMMITTED if tests fail again.
type TestFileStatus string

const (
	TestFileDraft      TestFileStatus = "DRAFT"
	TestFileCommitted  TestFileStatus = "COMMITTED"
	TestFilePassing    TestFileStatus = "PASSING"
	TestFileIntegrated TestFileStatus = "INTEGRATED"
)

// TestResultStatus is the outcome of one test execution.
type TestResultStatus string

const (
	TestNotRun TestResultStatus = "NOT_RUN"
	TestRed    TestResultStatus = "RED"
	TestGreen  TestResultStatus = "GREEN"
	TestError  TestResultStatus = "ERROR"
)

// TestFile tracks one test file authored during a TDD cycle.
type TestFile struct {
	ID           string         `json:"id"`
	FilePath     string         `json:"file_path"`
	RelativePath string         `json:"relative_path"`
	StoryID      string         `json:"story_id"`
	TaskID       string         `json:"task_id"`
	Status       TestFileStatus `json:"status"`
	CIStatus     string         `json:"ci_status,omitempty"`
	TotalTests   int            `json:"total_tests"`
	PassingTests int            `json:"passing_tests"`
	FailingTests int            `json:"failing_tests"`
	Coverage     float64        `json:"coverage"`
	CreatedAt    time.Time      `json:"created_at"`
	CommittedAt  *time.Time     `json:"committed_at,omitempty"`
	IntegratedAt *time.Time     `json:"integrated_at,omitempty"`
}

// NewTestFile registers a DRAFT test file for a task.
func NewTestFile(filePath, relativePath, storyID, taskID string) *TestFile {
	return &TestFile{
		ID:           proto.NewID("tf"),
		FilePath:     filePath,
		RelativePath: relativePath,
		StoryID:      storyID,
		TaskID:       taskID,
		Status:       TestFileDraft,
		CreatedAt:    proto.Timestamp(),
	}
}

// MarkCommitted advances DRAFT to COMMITTED; later statuses are kept.
func (f *TestFile) MarkCommitted() {
	if f.Status == TestFileDraft {
		now := proto.Timestamp()
		f.Status = TestFileCommitted
		f.CommittedAt = &now
	}
}

// MarkIntegrated promotes the file into the permanent test tree.
func (f *TestFile) MarkIntegrated() {
	now := proto.Timestamp()
	f.Status = TestFileIntegrated
	f.IntegratedAt = &now
}

// Committed reports whether the file has reached COMMITTED or later.
func (f *TestFile) Committed() bool {
	switch f.Status {
	case TestFileCommitted, TestFilePassing, TestFileIntegrated:
		return true
	default:
		return false
	}
}

// ApplyCounts records a test run's totals and moves the status between
// COMMITTED and PASSING accordingly. INTEGRATED files keep their status.
func (f *TestFile) ApplyCounts(total, passing, failing int) {
	f.TotalTests = total
	f.PassingTests = passing
	f.FailingTests = failing
	if f.Status == TestFileIntegrated || f.Status == TestFileDraft {
		return
	}
	if failing == 0 && total > 0 {
		f.Status = TestFilePassing
	} else {
		f.Status = TestFileCommitted
	}
}

// TestResult is one execution outcome for one test in one file. The latest
// result per (file, test name) defines the current status.
type TestResult struct {
	ID            string           `json:"id"`
	TestFile      string           `json:"test_file"`
	TestName      string           `json:"test_name"`
	Status        TestResultStatus `json:"status"`
	Output        string           `json:"output,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	ExecutionTime float64          `json:"execution_time"`
	Timestamp     time.Time        `json:"timestamp"`
}

// NewTestResult records one execution outcome.
func NewTestResult(testFile, testName string, status TestResultStatus) TestResult {
	return TestResult{
		ID:        proto.NewID("tr"),
		TestFile:  testFile,
		TestName:  testName,
		Status:    status,
		Timestamp: proto.Timestamp(),
	}
}

// LatestResults reduces a time-ordered result list to the newest entry per
// (file, test name) pair.
func LatestResults(results []TestResult) map[string]TestResult {
	latest := make(map[string]TestResult, len(results))
	for _, r := range results {
		key := r.TestFile + "::" + r.TestName
		prev, ok := latest[key]
		if !ok || r.Timestamp.After(prev.Timestamp) {
			latest[key] = r
		}
	}
	return latest
}

package tdd

import (
	"strings"
	"testing"

	"overseer/pkg/project"
	"overseer/pkg/proto"
)

func settings() project.TDDSettings {
	return project.DefaultTDDSettings()
}

// redGreenTask returns a task with one committed test file and a failing run.
func redGreenTask(t *testing.T, c *project.TDDCycle) *project.TDDTask {
	t.Helper()
	task := c.CurrentTask()
	if task == nil {
		t.Fatal("cycle has no current task")
	}
	tf := project.NewTestFile("/repo/x_test.go", "x_test.go", c.StoryID, task.ID)
	task.AddTestFile(tf)
	tf.MarkCommitted()
	task.RecordResults([]project.TestResult{
		project.NewTestResult("/repo/x_test.go", "TestX", project.TestRed),
	})
	return task
}

func passTests(t *testing.T, task *project.TDDTask) {
	t.Helper()
	task.RecordResults([]project.TestResult{
		project.NewTestResult("/repo/x_test.go", "TestX", project.TestGreen),
	})
}

func TestFullCycleSingleTask(t *testing.T) {
	c := project.NewTDDCycle("story-1", []*project.TDDTask{project.NewTDDTask("parse", nil)})

	res := Apply(c, CmdWriteTest, settings())
	if !res.Success || c.CurrentState != proto.TDDTestRed {
		t.Fatalf("write_test: %+v state=%s", res, c.CurrentState)
	}

	task := redGreenTask(t, c)

	res = Apply(c, CmdImplement, settings())
	if !res.Success || c.CurrentState != proto.TDDCodeGreen {
		t.Fatalf("implement: %+v state=%s", res, c.CurrentState)
	}

	passTests(t, task)

	res = Apply(c, CmdCommit, settings())
	if !res.Success || c.CurrentState != proto.TDDCommit {
		t.Fatalf("commit: %+v state=%s", res, c.CurrentState)
	}
	if c.Counters.Commits != 1 {
		t.Errorf("commits counter = %d", c.Counters.Commits)
	}

	res = Apply(c, CmdDesign, settings())
	if !res.Success {
		t.Fatalf("design after last commit: %+v", res)
	}
	if !res.CycleCompleted {
		t.Error("single-task cycle should complete")
	}
	if !c.Complete() {
		t.Error("cycle entity should report complete")
	}
}

func TestCommitAdvancesToNextTask(t *testing.T) {
	c := project.NewTDDCycle("story-1", []*project.TDDTask{
		project.NewTDDTask("first", nil),
		project.NewTDDTask("second", nil),
	})

	if res := Apply(c, CmdWriteTest, settings()); !res.Success {
		t.Fatalf("write_test: %+v", res)
	}
	task := redGreenTask(t, c)
	if res := Apply(c, CmdImplement, settings()); !res.Success {
		t.Fatalf("implement: %+v", res)
	}
	passTests(t, task)
	if res := Apply(c, CmdCommit, settings()); !res.Success {
		t.Fatalf("commit: %+v", res)
	}

	res := Apply(c, CmdDesign, settings())
	if !res.Success || res.CycleCompleted {
		t.Fatalf("design should open the next task, got %+v", res)
	}
	if c.CurrentState != proto.TDDDesign {
		t.Errorf("state = %s, want DESIGN", c.CurrentState)
	}
	next := c.CurrentTask()
	if next == nil || next.Description != "second" {
		t.Fatalf("current task = %+v", next)
	}
	if !c.Tasks[0].Completed {
		t.Error("first task should be marked complete")
	}
}

func TestRedRequiresCommittedFailingTests(t *testing.T) {
	c := project.NewTDDCycle("story-1", []*project.TDDTask{project.NewTDDTask("parse", nil)})
	Apply(c, CmdWriteTest, settings())

	// Zero test files.
	res := Apply(c, CmdImplement, settings())
	if res.Success {
		t.Fatal("implement accepted with zero test files")
	}
	if res.Kind != proto.ErrKindPreconditionFailed {
		t.Errorf("kind = %s", res.Kind)
	}
	if res.Hint != "commit at least one failing test first" {
		t.Errorf("hint = %q", res.Hint)
	}

	// Committed file but all green: still blocked, different hint.
	task := c.CurrentTask()
	tf := project.NewTestFile("/repo/x_test.go", "x_test.go", c.StoryID, task.ID)
	task.AddTestFile(tf)
	tf.MarkCommitted()
	task.RecordResults([]project.TestResult{
		project.NewTestResult("/repo/x_test.go", "TestX", project.TestGreen),
	})
	res = Apply(c, CmdImplement, settings())
	if res.Success {
		t.Fatal("implement accepted without a failing test")
	}
	if !strings.Contains(res.Hint, "failing test") {
		t.Errorf("hint = %q", res.Hint)
	}
}

func TestCommitRequiresPassingTests(t *testing.T) {
	c := project.NewTDDCycle("story-1", []*project.TDDTask{project.NewTDDTask("parse", nil)})
	Apply(c, CmdWriteTest, settings())
	redGreenTask(t, c)
	Apply(c, CmdImplement, settings())

	res := Apply(c, CmdCommit, settings())
	if res.Success {
		t.Fatal("commit accepted with failing tests")
	}
	if res.Kind != proto.ErrKindPreconditionFailed {
		t.Errorf("kind = %s", res.Kind)
	}
}

func TestRefactorLoopBackToRed(t *testing.T) {
	c := project.NewTDDCycle("story-1", []*project.TDDTask{project.NewTDDTask("parse", nil)})
	Apply(c, CmdWriteTest, settings())
	task := redGreenTask(t, c)
	Apply(c, CmdImplement, settings())
	passTests(t, task)

	res := Apply(c, CmdRefactor, settings())
	if !res.Success || c.CurrentState != proto.TDDRefactor {
		t.Fatalf("refactor: %+v state=%s", res, c.CurrentState)
	}
	if c.Counters.Refactors != 1 {
		t.Errorf("refactors counter = %d", c.Counters.Refactors)
	}

	// Add more tests: back to TEST_RED is legal.
	res = Apply(c, CmdWriteTest, settings())
	if !res.Success || c.CurrentState != proto.TDDTestRed {
		t.Fatalf("write_test from refactor: %+v state=%s", res, c.CurrentState)
	}
}

func TestRefactorCommitBlockedByLowCoverage(t *testing.T) {
	c := project.NewTDDCycle("story-1", []*project.TDDTask{project.NewTDDTask("parse", nil)})
	Apply(c, CmdWriteTest, settings())
	task := redGreenTask(t, c)
	Apply(c, CmdImplement, settings())
	passTests(t, task)
	Apply(c, CmdRefactor, settings())

	task.Coverage = 42.0
	res := Apply(c, CmdCommit, settings())
	if res.Success {
		t.Fatal("commit accepted below coverage threshold")
	}
	if !strings.Contains(res.Error, "coverage") {
		t.Errorf("error = %q", res.Error)
	}

	task.Coverage = 85.0
	res = Apply(c, CmdCommit, settings())
	if !res.Success {
		t.Fatalf("commit rejected with healthy coverage: %+v", res)
	}
}

func TestIllegalEdgeGetsHint(t *testing.T) {
	c := project.NewTDDCycle("story-1", []*project.TDDTask{project.NewTDDTask("parse", nil)})

	res := Apply(c, CmdCommit, settings())
	if res.Success {
		t.Fatal("commit accepted from DESIGN")
	}
	if res.Kind != proto.ErrKindInvalidTransition {
		t.Errorf("kind = %s", res.Kind)
	}
	if !strings.Contains(res.Hint, "write_test") {
		t.Errorf("hint = %q should name the legal exit", res.Hint)
	}
}

func TestCompletedCycleRejectsCommands(t *testing.T) {
	c := project.NewTDDCycle("story-1", []*project.TDDTask{project.NewTDDTask("only", nil)})
	Apply(c, CmdWriteTest, settings())
	task := redGreenTask(t, c)
	Apply(c, CmdImplement, settings())
	passTests(t, task)
	Apply(c, CmdCommit, settings())
	if res := Apply(c, CmdDesign, settings()); !res.CycleCompleted {
		t.Fatalf("expected completion, got %+v", res)
	}

	res := Apply(c, CmdWriteTest, settings())
	if res.Success {
		t.Fatal("completed cycle accepted a command")
	}
	if AllowedCommands(c) != nil {
		t.Error("completed cycle should allow nothing")
	}
}

func TestParseSubverb(t *testing.T) {
	cases := map[string]Command{
		"design":   CmdDesign,
		"test":     CmdWriteTest,
		"code":     CmdImplement,
		"refactor": CmdRefactor,
		"commit":   CmdCommit,
	}
	for in, want := range cases {
		got, err := ParseSubverb(in)
		if err != nil {
			t.Errorf("ParseSubverb(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSubverb(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseSubverb("deploy"); err == nil {
		t.Error("ParseSubverb(deploy) should fail")
	}
}

func TestAllowedCommandsFollowEdges(t *testing.T) {
	c := project.NewTDDCycle("story-1", []*project.TDDTask{project.NewTDDTask("parse", nil)})
	got := AllowedCommands(c)
	if len(got) != 1 || got[0] != CmdWriteTest {
		t.Fatalf("DESIGN allows %v, want [write_test]", got)
	}

	c.SetState(proto.TDDCodeGreen)
	got = AllowedCommands(c)
	if len(got) != 2 {
		t.Fatalf("CODE_GREEN allows %v", got)
	}
}

package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"overseer/pkg/config"
	"overseer/pkg/project"
	"overseer/pkg/proto"
)

func testGlobal(strategy config.AllocationStrategy) config.GlobalConfig {
	return config.GlobalConfig{
		MaxTotalAgents:      10,
		GlobalMemoryLimitMB: 8000,
		Strategy:            strategy,
		MonitorIntervalSecs: 1,
		StopTimeoutSecs:     1,
		RestartLimit:        3,
		RestartWindowSecs:   300,
	}
}

func testProject(name string, priority proto.ProjectPriority, maxAgents int) project.Config {
	p := project.NewConfig(name, "/srv/"+name)
	p.Priority = priority
	p.Limits.MaxAgents = maxAgents
	p.Limits.MaxMemoryMB = 8000
	return p
}

func newTestSupervisor(t *testing.T, global config.GlobalConfig) *Supervisor {
	t.Helper()
	s, err := New(global, Options{LogDir: t.TempDir(), Binary: "/bin/true"})
	require.NoError(t, err)
	t.Cleanup(func() { s.watcher.Close() })
	return s
}

func TestAllocateFairShare(t *testing.T) {
	global := testGlobal(config.AllocFairShare)
	a := testProject("a", proto.PriorityNormal, 8)
	b := testProject("b", proto.PriorityNormal, 8)

	allocs := Allocate(global, []project.Config{a, b})
	require.Equal(t, 5, allocs["a"].MaxAgents)
	require.Equal(t, 5, allocs["b"].MaxAgents)
	require.Equal(t, 4000, allocs["a"].MemoryMB)
}

func TestAllocateClampsToProjectLimits(t *testing.T) {
	global := testGlobal(config.AllocFairShare)
	small := testProject("small", proto.PriorityNormal, 2)
	big := testProject("big", proto.PriorityNormal, 8)

	allocs := Allocate(global, []project.Config{small, big})
	require.Equal(t, 2, allocs["small"].MaxAgents, "own limit wins over the fair share")
	require.Equal(t, 5, allocs["big"].MaxAgents)
}

func TestAllocatePriorityWeights(t *testing.T) {
	global := testGlobal(config.AllocPriorityBased)
	critical := testProject("critical", proto.PriorityCritical, 10)
	low := testProject("low", proto.PriorityLow, 10)

	allocs := Allocate(global, []project.Config{critical, low})
	require.Equal(t, 8, allocs["critical"].MaxAgents)
	require.Equal(t, 2, allocs["low"].MaxAgents)
}

func TestCriticalPriorityDoesNotLiftClamp(t *testing.T) {
	global := testGlobal(config.AllocPriorityBased)
	critical := testProject("critical", proto.PriorityCritical, 3)
	normal := testProject("normal", proto.PriorityNormal, 10)

	allocs := Allocate(global, []project.Config{critical, normal})
	require.Equal(t, 3, allocs["critical"].MaxAgents, "clamping is unconditional")
}

func TestAllocateCapacityExhaustion(t *testing.T) {
	global := testGlobal(config.AllocFairShare)
	global.MaxTotalAgents = 2
	s := newTestSupervisor(t, global)

	s.children["a"] = &child{
		project:    testProject("a", proto.PriorityNormal, 8),
		status:     ChildRunning,
		allocation: Allocation{MaxAgents: 2, MemoryMB: 4000},
	}

	_, err := s.allocateLocked(testProject("b", proto.PriorityNormal, 8))
	require.ErrorIs(t, err, proto.ErrResourceExhausted)
}

func TestRestartBudgetExhaustionParksChildInError(t *testing.T) {
	s := newTestSupervisor(t, testGlobal(config.AllocFairShare))

	now := time.Now()
	c := &child{
		project:  testProject("a", proto.PriorityNormal, 3),
		status:   ChildCrashed,
		restarts: []time.Time{now.Add(-4 * time.Minute), now.Add(-2 * time.Minute), now.Add(-time.Minute)},
	}
	s.children["a"] = c

	s.restartCrashedLocked("a", c)
	require.Equal(t, ChildError, c.status)
	require.Contains(t, c.detail, "crashes within")
}

func TestPruneRestartsDropsOldEntries(t *testing.T) {
	now := time.Now()
	restarts := []time.Time{
		now.Add(-10 * time.Minute),
		now.Add(-6 * time.Minute),
		now.Add(-time.Minute),
	}
	kept := pruneRestarts(restarts, now, 5*time.Minute)
	require.Len(t, kept, 1)
}

func TestLifecycleOpsOnUnknownProject(t *testing.T) {
	s := newTestSupervisor(t, testGlobal(config.AllocFairShare))

	require.ErrorIs(t, s.StopProject("ghost"), proto.ErrNotFound)
	require.ErrorIs(t, s.PauseProject("ghost"), proto.ErrNotFound)
	require.ErrorIs(t, s.ResumeProject("ghost"), proto.ErrNotFound)
	require.ErrorIs(t, s.RestartProject("ghost"), proto.ErrNotFound)
}

func TestStartProjectConflictsWithRunningChild(t *testing.T) {
	s := newTestSupervisor(t, testGlobal(config.AllocFairShare))
	p := testProject("a", proto.PriorityNormal, 3)
	s.children["a"] = &child{project: p, status: ChildRunning, allocation: Allocation{MaxAgents: 3, MemoryMB: 2000}}

	require.ErrorIs(t, s.StartProject(p), proto.ErrConflict)
}

func TestSnapshotReflectsChildTable(t *testing.T) {
	s := newTestSupervisor(t, testGlobal(config.AllocFairShare))
	s.children["a"] = &child{
		project:    testProject("a", proto.PriorityNormal, 3),
		pid:        4242,
		status:     ChildRunning,
		allocation: Allocation{MaxAgents: 3, MemoryMB: 2000},
		restarts:   []time.Time{time.Now()},
	}

	infos := s.Snapshot()
	require.Len(t, infos, 1)
	require.Equal(t, "a", infos[0].Name)
	require.Equal(t, 4242, infos[0].PID)
	require.Equal(t, ChildRunning, infos[0].Status)
	require.Equal(t, 1, infos[0].RestartCount)
}

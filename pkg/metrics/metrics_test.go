package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderSnapshotRoundTrip(t *testing.T) {
	rec := NewPrometheusRecorder()
	rec.IncCommand("epic", "success")
	rec.IncCommand("epic", "success")
	rec.IncCommand("sprint", "failure")
	rec.IncWorkflowTransition("IDLE", "BACKLOG_READY")
	rec.SetActiveCycles(3)
	rec.ObserveTaskDuration("QA", 2*time.Second)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, rec.WriteSnapshot(path))

	families, err := ParseSnapshot(path)
	require.NoError(t, err)
	require.Contains(t, families, "overseer_commands_total")
	require.Contains(t, families, "overseer_active_tdd_cycles")

	var commands float64
	for _, m := range families["overseer_commands_total"].GetMetric() {
		commands += m.GetCounter().GetValue()
	}
	require.Equal(t, 3.0, commands)
}

func TestSumSnapshotsAcrossChildren(t *testing.T) {
	dir := t.TempDir()

	a := NewPrometheusRecorder()
	a.IncCommand("epic", "success")
	a.SetActiveCycles(2)
	require.NoError(t, a.WriteSnapshot(filepath.Join(dir, "a.prom")))

	b := NewPrometheusRecorder()
	b.IncCommand("epic", "success")
	b.IncCommand("state", "success")
	b.SetActiveCycles(1)
	require.NoError(t, b.WriteSnapshot(filepath.Join(dir, "b.prom")))

	totals, errs := SumSnapshots([]string{
		filepath.Join(dir, "a.prom"),
		filepath.Join(dir, "b.prom"),
	})
	require.Empty(t, errs)
	require.Equal(t, 3.0, totals["overseer_commands_total"])
	require.Equal(t, 3.0, totals["overseer_active_tdd_cycles"])
}

func TestSumSnapshotsSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()

	a := NewPrometheusRecorder()
	a.IncStorageError()
	require.NoError(t, a.WriteSnapshot(filepath.Join(dir, "a.prom")))

	totals, errs := SumSnapshots([]string{
		filepath.Join(dir, "a.prom"),
		filepath.Join(dir, "missing.prom"),
	})
	require.Len(t, errs, 1)
	require.Equal(t, 1.0, totals["overseer_storage_errors_total"])
}

func TestNopRecorderIsSafe(t *testing.T) {
	rec := Nop()
	rec.IncCommand("epic", "success")
	rec.SetChildren("RUNNING", 2)
	rec.ObserveTaskDuration("CODE", time.Second)
}

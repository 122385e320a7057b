package store

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// HealthReport describes the state directory's condition.
type HealthReport struct {
	StateDirExists bool     `json:"state_dir_exists"`
	Writable       bool     `json:"writable"`
	BacklogValid   bool     `json:"backlog_valid"`
	CorruptFiles   []string `json:"corrupt_files,omitempty"`
	TotalBytes     int64    `json:"total_bytes"`
	ReadOnlyMode   bool     `json:"read_only_mode"`
}

// Healthy reports whether the store can operate normally.
func (r HealthReport) Healthy() bool {
	return r.StateDirExists && r.Writable && r.BacklogValid && !r.ReadOnlyMode
}

// CheckHealth inspects directory existence, writability, JSON validity of
// the critical files, and total disk usage.
func (s *Store) CheckHealth() HealthReport {
	report := HealthReport{ReadOnlyMode: s.ReadOnly()}
	dir := s.Dir()

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return report
	}
	report.StateDirExists = true

	probe, err := os.CreateTemp(dir, ".health-*")
	if err == nil {
		name := probe.Name()
		probe.Close()
		os.Remove(name)
		report.Writable = true
	}

	report.BacklogValid = jsonValid(filepath.Join(dir, backlogFile))
	if !report.BacklogValid {
		report.CorruptFiles = append(report.CorruptFiles, backlogFile)
	}
	for _, sub := range []string{sprintsDir, cyclesDir} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			if !jsonValid(filepath.Join(dir, sub, e.Name())) {
				report.CorruptFiles = append(report.CorruptFiles, filepath.Join(sub, e.Name()))
			}
		}
	}

	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error { //nolint:errcheck // best-effort usage scan
		if err == nil && !info.IsDir() {
			report.TotalBytes += info.Size()
		}
		return nil
	})

	return report
}

func jsonValid(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Valid(raw)
}

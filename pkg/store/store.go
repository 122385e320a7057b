// Package store persists one project's orchestration state under
// <project>/.orch-state/. Every write is atomic (temp file + fsync +
// rename) with a single .backup shadow per file; reads fall back to the
// shadow when the primary fails to decode.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"overseer/pkg/logx"
	"overseer/pkg/project"
	"overseer/pkg/proto"
)

const (
	backlogFile     = "backlog.json"
	statusFile      = "status.json"
	sprintsDir      = "sprints"
	cyclesDir       = "tdd_cycles"
	backupsDir      = "backups"
	trackingFile    = "test_file_tracking.json"
	metricsJSONFile = "tdd_metrics.json"

	backupSuffix = ".backup"

	// consecutive write failures before the store degrades to read-only
	degradeThreshold = 3
)

// Store owns the on-disk representation of one project.
type Store struct {
	cfg    project.Config
	logger *logx.Logger

	mu         sync.Mutex
	readOnly   bool
	writeFails int
	onDegrade  func(detail string)
}

// New builds a store for the project. Initialize must run before first use
// on a fresh project directory.
func New(cfg project.Config, logger *logx.Logger) *Store {
	if logger == nil {
		logger = logx.NewLogger("store")
	}
	return &Store{cfg: cfg, logger: logger}
}

// SetDegradeCallback registers the hook invoked once when the store flips
// to read-only mode.
func (s *Store) SetDegradeCallback(fn func(detail string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDegrade = fn
}

// ReadOnly reports whether the store has degraded to read-only mode.
func (s *Store) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// Dir returns the state directory path.
func (s *Store) Dir() string {
	return s.cfg.StateDir()
}

// Initialize creates the state directory tree and seeds the starter files.
// The project path must already exist and carry a version-control marker.
func (s *Store) Initialize() error {
	info, err := os.Stat(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("project path %s: %w", s.cfg.Path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path %s is not a directory", s.cfg.Path)
	}
	if !hasVCSMarker(s.cfg.Path) {
		return fmt.Errorf("project path %s has no version-control marker (.git)", s.cfg.Path)
	}

	dir := s.Dir()
	for _, sub := range []string{
		dir,
		filepath.Join(dir, sprintsDir),
		filepath.Join(dir, cyclesDir),
		filepath.Join(dir, backupsDir, cyclesDir),
	} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}

	backlog := filepath.Join(dir, backlogFile)
	if _, err := os.Stat(backlog); errors.Is(err, os.ErrNotExist) {
		if err := s.atomicWriteJSON(backlog, project.NewData()); err != nil {
			return fmt.Errorf("seed backlog: %w", err)
		}
	}

	if err := s.seedMarkdown("architecture.md", architectureTemplate); err != nil {
		return err
	}
	if err := s.seedMarkdown("best-practices.md", bestPracticesTemplate); err != nil {
		return err
	}

	s.logger.Info("initialized state dir for %s at %s", s.cfg.Name, dir)
	return nil
}

func (s *Store) seedMarkdown(name, content string) error {
	path := filepath.Join(s.Dir(), name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	rendered := strings.ReplaceAll(content, "{{project}}", s.cfg.Name)
	if err := os.WriteFile(path, []byte(rendered), 0644); err != nil {
		return fmt.Errorf("seed %s: %w", name, err)
	}
	return nil
}

func hasVCSMarker(path string) bool {
	for _, marker := range []string{".git", ".hg", ".svn"} {
		if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
			return true
		}
	}
	return false
}

// LoadProjectData reads the full aggregate. Decode failures fall back to
// the .backup shadow; if both fail the caller gets an empty aggregate and
// a logged warning rather than an error.
func (s *Store) LoadProjectData() *project.Data {
	path := filepath.Join(s.Dir(), backlogFile)
	data := project.NewData()

	if err := readJSON(path, data); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data
		}
		s.logger.Warn("backlog.json unreadable (%v), trying backup", err)
		data = project.NewData()
		if err := readJSON(path+backupSuffix, data); err != nil {
			s.logger.Warn("backlog backup unreadable (%v), starting empty", err)
			return project.NewData()
		}
		s.logger.Info("recovered backlog from %s", backlogFile+backupSuffix)
	}
	data.Normalize()
	return data
}

// SaveProjectData atomically persists the aggregate.
func (s *Store) SaveProjectData(data *project.Data) error {
	return s.write(filepath.Join(s.Dir(), backlogFile), data)
}

// LoadSprint reads one sprint file.
func (s *Store) LoadSprint(id string) (*project.Sprint, error) {
	sp := &project.Sprint{}
	if err := s.loadWithBackup(filepath.Join(s.Dir(), sprintsDir, id+".json"), sp); err != nil {
		return nil, err
	}
	return sp, nil
}

// SaveSprint atomically persists one sprint.
func (s *Store) SaveSprint(sp *project.Sprint) error {
	return s.write(filepath.Join(s.Dir(), sprintsDir, sp.ID+".json"), sp)
}

// LoadTDDCycle reads one cycle file.
func (s *Store) LoadTDDCycle(id string) (*project.TDDCycle, error) {
	c := &project.TDDCycle{}
	if err := s.loadWithBackup(filepath.Join(s.Dir(), cyclesDir, id+".json"), c); err != nil {
		return nil, err
	}
	return c, nil
}

// SaveTDDCycle atomically persists one cycle.
func (s *Store) SaveTDDCycle(c *project.TDDCycle) error {
	return s.write(filepath.Join(s.Dir(), cyclesDir, c.ID+".json"), c)
}

// ListTDDCycles returns every decodable cycle, newest file first.
func (s *Store) ListTDDCycles() ([]*project.TDDCycle, error) {
	dir := filepath.Join(s.Dir(), cyclesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	type fileAge struct {
		name string
		mod  time.Time
	}
	var files []fileAge
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), backupSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileAge{e.Name(), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	var cycles []*project.TDDCycle
	for _, f := range files {
		c := &project.TDDCycle{}
		if err := readJSON(filepath.Join(dir, f.name), c); err != nil {
			s.logger.Warn("skipping unreadable cycle file %s: %v", f.name, err)
			continue
		}
		cycles = append(cycles, c)
	}
	return cycles, nil
}

// ActiveTDDCycle returns the most recently written incomplete cycle, or
// nil when every cycle is finished.
func (s *Store) ActiveTDDCycle() (*project.TDDCycle, error) {
	cycles, err := s.ListTDDCycles()
	if err != nil {
		return nil, err
	}
	for _, c := range cycles {
		if c.Active() {
			return c, nil
		}
	}
	return nil, nil
}

// InterruptedTDDCycles returns cycles flagged for crash recovery.
func (s *Store) InterruptedTDDCycles() ([]*project.TDDCycle, error) {
	cycles, err := s.ListTDDCycles()
	if err != nil {
		return nil, err
	}
	var out []*project.TDDCycle
	for _, c := range cycles {
		if c.NeedsRecovery && c.Active() {
			out = append(out, c)
		}
	}
	return out, nil
}

// BackupTDDCycle snapshots a cycle file under backups/tdd_cycles.
func (s *Store) BackupTDDCycle(id string) error {
	src := filepath.Join(s.Dir(), cyclesDir, id+".json")
	ts := time.Now().UTC().Format("20060102T150405Z")
	dst := filepath.Join(s.Dir(), backupsDir, cyclesDir, fmt.Sprintf("%s_%s.json", id, ts))
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("backup cycle %s: %w", id, err)
	}
	return nil
}

// CleanupTDDBackups removes cycle snapshots older than the retention.
func (s *Store) CleanupTDDBackups(retention time.Duration) (int, error) {
	dir := filepath.Join(s.Dir(), backupsDir, cyclesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				s.logger.Warn("cleanup: remove %s: %v", e.Name(), err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// LoadTestFileTracking reads the registry of tracked test files.
func (s *Store) LoadTestFileTracking() (map[string]*project.TestFile, error) {
	path := filepath.Join(s.Dir(), trackingFile)
	out := make(map[string]*project.TestFile)
	if err := s.loadWithBackup(path, &out); err != nil {
		if errors.Is(err, proto.ErrNotFound) {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

// SaveTestFileTracking persists the registry of tracked test files.
func (s *Store) SaveTestFileTracking(files map[string]*project.TestFile) error {
	return s.write(filepath.Join(s.Dir(), trackingFile), files)
}

// SaveTDDMetrics persists the project-level TDD counters rollup.
func (s *Store) SaveTDDMetrics(m project.TDDMetrics) error {
	return s.write(filepath.Join(s.Dir(), metricsJSONFile), m)
}

// LoadTDDMetrics reads the project-level TDD counters rollup.
func (s *Store) LoadTDDMetrics() (project.TDDMetrics, error) {
	var m project.TDDMetrics
	path := filepath.Join(s.Dir(), metricsJSONFile)
	if err := s.loadWithBackup(path, &m); err != nil {
		if errors.Is(err, proto.ErrNotFound) {
			return project.TDDMetrics{}, nil
		}
		return project.TDDMetrics{}, err
	}
	return m, nil
}

// loadWithBackup decodes path into v, consulting the .backup shadow when
// the primary is corrupt. Missing files map to proto.ErrNotFound.
func (s *Store) loadWithBackup(path string, v any) error {
	err := readJSON(path, v)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", filepath.Base(path), proto.ErrNotFound)
	}
	s.logger.Warn("%s unreadable (%v), trying backup", filepath.Base(path), err)
	if berr := readJSON(path+backupSuffix, v); berr != nil {
		return fmt.Errorf("read %s (backup also failed: %v): %w", filepath.Base(path), berr, err)
	}
	s.logger.Info("recovered %s from backup", filepath.Base(path))
	return nil
}

// write guards atomicWriteJSON with read-only mode and failure counting.
func (s *Store) write(path string, v any) error {
	s.mu.Lock()
	if s.readOnly {
		s.mu.Unlock()
		return fmt.Errorf("write %s: %w", filepath.Base(path), proto.ErrReadOnly)
	}
	s.mu.Unlock()

	if err := s.atomicWriteJSON(path, v); err != nil {
		s.recordWriteFailure(err)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}

	s.mu.Lock()
	s.writeFails = 0
	s.mu.Unlock()
	return nil
}

func (s *Store) recordWriteFailure(err error) {
	s.mu.Lock()
	s.writeFails++
	degraded := !s.readOnly && s.writeFails >= degradeThreshold
	if degraded {
		s.readOnly = true
	}
	hook := s.onDegrade
	s.mu.Unlock()

	s.logger.Error("write failure %d: %v", s.writeFails, err)
	if degraded {
		detail := fmt.Sprintf("store degraded to read-only after %d write failures: %v", degradeThreshold, err)
		s.logger.Error("%s", detail)
		if hook != nil {
			hook(detail)
		}
	}
}

// atomicWriteJSON serializes v, copies the existing target to its .backup
// shadow, then writes a temp file in the same directory, fsyncs it and
// renames it over the target.
func (s *Store) atomicWriteJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+backupSuffix); err != nil {
			return fmt.Errorf("shadow copy: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

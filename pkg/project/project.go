// Package project holds the domain entities of the orchestration core:
// projects, epics, stories, sprints, TDD cycles and their test artifacts.
// Entities are plain data with JSON tags matching the on-disk format; the
// orchestrator is their sole mutator.
package project

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"overseer/pkg/proto"
)

// StateDirName is the per-project directory the store owns.
const StateDirName = ".orch-state"

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ResourceLimits bound what a single project may consume.
type ResourceLimits struct {
	MaxAgents   int     `json:"max_agents"`
	MaxMemoryMB int     `json:"max_memory_mb"`
	CPUWeight   float64 `json:"cpu_weight"`
}

// DefaultResourceLimits mirror a modest single-repo project.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{MaxAgents: 3, MaxMemoryMB: 2048, CPUWeight: 1.0}
}

// TDDSettings are project-level knobs for the micro-cycle.
type TDDSettings struct {
	CoverageThreshold float64 `json:"coverage_threshold"`
	MaxTaskRetries    int     `json:"max_task_retries"`
}

// DefaultTDDSettings returns the stock thresholds.
func DefaultTDDSettings() TDDSettings {
	return TDDSettings{CoverageThreshold: 80.0, MaxTaskRetries: 3}
}

// Config identifies and parameterizes one registered project.
type Config struct {
	Name     string                  `json:"name"`
	Path     string                  `json:"path"`
	Mode     proto.OrchestrationMode `json:"mode"`
	Priority proto.ProjectPriority   `json:"priority"`
	Limits   ResourceLimits          `json:"limits"`
}

// NewConfig builds a project config with defaults applied.
func NewConfig(name, path string) Config {
	return Config{
		Name:     name,
		Path:     path,
		Mode:     proto.ModePartial,
		Priority: proto.PriorityNormal,
		Limits:   DefaultResourceLimits(),
	}
}

// Validate checks the fields a supervisor needs before spawning a child.
func (c Config) Validate() error {
	if !slugPattern.MatchString(c.Name) {
		return fmt.Errorf("project name %q is not a valid slug", c.Name)
	}
	if !filepath.IsAbs(c.Path) {
		return fmt.Errorf("project path %q must be absolute", c.Path)
	}
	if _, err := proto.ParseOrchestrationMode(string(c.Mode)); err != nil {
		return err
	}
	if _, err := proto.ParseProjectPriority(string(c.Priority)); err != nil {
		return err
	}
	if c.Limits.MaxAgents < 1 {
		return fmt.Errorf("project %s: max_agents must be >= 1", c.Name)
	}
	if c.Limits.MaxMemoryMB < 1 {
		return fmt.Errorf("project %s: max_memory_mb must be >= 1", c.Name)
	}
	return nil
}

// StateDir returns the absolute path of the project's state directory.
func (c Config) StateDir() string {
	return filepath.Join(c.Path, StateDirName)
}

// Slugify derives a project name from a filesystem path.
func Slugify(path string) string {
	base := strings.ToLower(filepath.Base(filepath.Clean(path)))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		return "project"
	}
	return base
}

// Package config loads and validates the supervisor configuration and
// the child-process environment contract.
//
// A single JSON file (config.json under the overseer home directory)
// holds system-wide settings and the registered projects. The in-memory
// instance is a guarded singleton; Get returns it by value so callers
// cannot mutate shared state, and all updates go through the Update*
// functions which validate and persist atomically.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"overseer/pkg/logx"
	"overseer/pkg/project"
)

// SchemaVersion gates config compatibility; bump on breaking changes.
const SchemaVersion = 1

// AllocationStrategy selects how the supervisor divides global limits.
type AllocationStrategy string

const (
	AllocFairShare     AllocationStrategy = "fair_share"
	AllocPriorityBased AllocationStrategy = "priority_based"
)

// GlobalConfig bounds the whole supervisor.
type GlobalConfig struct {
	MaxTotalAgents      int                `json:"max_total_agents"`
	GlobalMemoryLimitMB int                `json:"global_memory_limit_mb"`
	Strategy            AllocationStrategy `json:"allocation_strategy"`
	MonitorIntervalSecs int                `json:"monitor_interval_secs"`
	StopTimeoutSecs     int                `json:"stop_timeout_secs"`
	RestartLimit        int                `json:"restart_limit"`
	RestartWindowSecs   int                `json:"restart_window_secs"`
	ApprovalTTLSecs     int                `json:"approval_ttl_secs"`
}

// MonitorInterval returns the child poll period.
func (g GlobalConfig) MonitorInterval() time.Duration {
	return time.Duration(g.MonitorIntervalSecs) * time.Second
}

// StopTimeout returns the graceful-terminate wait before SIGKILL.
func (g GlobalConfig) StopTimeout() time.Duration {
	return time.Duration(g.StopTimeoutSecs) * time.Second
}

// RestartWindow returns the crash-restart budget window.
func (g GlobalConfig) RestartWindow() time.Duration {
	return time.Duration(g.RestartWindowSecs) * time.Second
}

// ApprovalTTL returns how long approvals stay PENDING before timing out.
func (g GlobalConfig) ApprovalTTL() time.Duration {
	return time.Duration(g.ApprovalTTLSecs) * time.Second
}

// Config is the root configuration value.
type Config struct {
	SchemaVersion int              `json:"schema_version"`
	Global        GlobalConfig     `json:"global"`
	Projects      []project.Config `json:"projects"`
	// MockAgents is the single explicit switch that replaces the AI
	// backend with the mock executor.
	MockAgents  bool   `json:"mock_agents"`
	EventLogDir string `json:"event_log_dir,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// Default returns a config suitable for a single-machine setup.
func Default() Config {
	return Config{
		SchemaVersion: SchemaVersion,
		Global: GlobalConfig{
			MaxTotalAgents:      10,
			GlobalMemoryLimitMB: 8192,
			Strategy:            AllocFairShare,
			MonitorIntervalSecs: 5,
			StopTimeoutSecs:     10,
			RestartLimit:        3,
			RestartWindowSecs:   300,
			ApprovalTTLSecs:     3600,
		},
	}
}

// Validate rejects configs the supervisor cannot safely run with.
func (c Config) Validate() error {
	if c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("config schema version %d, want %d", c.SchemaVersion, SchemaVersion)
	}
	if c.Global.MaxTotalAgents < 1 {
		return fmt.Errorf("max_total_agents must be >= 1")
	}
	if c.Global.GlobalMemoryLimitMB < 1 {
		return fmt.Errorf("global_memory_limit_mb must be >= 1")
	}
	switch c.Global.Strategy {
	case AllocFairShare, AllocPriorityBased:
	default:
		return fmt.Errorf("unknown allocation strategy %q", c.Global.Strategy)
	}
	seen := make(map[string]bool, len(c.Projects))
	for i := range c.Projects {
		if err := c.Projects[i].Validate(); err != nil {
			return err
		}
		if seen[c.Projects[i].Name] {
			return fmt.Errorf("duplicate project name %q", c.Projects[i].Name)
		}
		seen[c.Projects[i].Name] = true
	}
	return nil
}

// Project looks up a registered project by name.
func (c Config) Project(name string) (project.Config, bool) {
	for i := range c.Projects {
		if c.Projects[i].Name == name {
			return c.Projects[i], true
		}
	}
	return project.Config{}, false
}

//nolint:gochecknoglobals // guarded singleton, same pattern as the file comment describes
var (
	mu       sync.RWMutex
	current  *Config
	homePath string
	logger   = logx.NewLogger("config")
)

// DefaultHome returns ~/.overseer, or a temp fallback without a home dir.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "overseer")
	}
	return filepath.Join(home, ".overseer")
}

// Load reads config.json under the home directory into the singleton,
// writing a default file on first run.
func Load(home string) error {
	if home == "" {
		home = DefaultHome()
	}
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("create config home: %w", err)
	}
	path := filepath.Join(home, "config.json")

	cfg := Default()
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		logger.Info("no config at %s, writing defaults", path)
		if err := writeConfig(path, cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	mu.Lock()
	current = &cfg
	homePath = home
	mu.Unlock()
	return nil
}

// Get returns the loaded config by value.
func Get() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return Config{}, fmt.Errorf("config not loaded")
	}
	return *current, nil
}

// Home returns the loaded home directory.
func Home() string {
	mu.RLock()
	defer mu.RUnlock()
	return homePath
}

// UpdateProjects atomically replaces the project list, validating and
// persisting the result.
func UpdateProjects(projects []project.Config) error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return fmt.Errorf("config not loaded")
	}

	next := *current
	next.Projects = projects
	if err := next.Validate(); err != nil {
		return err
	}
	if err := writeConfig(filepath.Join(homePath, "config.json"), next); err != nil {
		return err
	}
	current = &next
	return nil
}

// RegisterProject adds or replaces one project entry.
func RegisterProject(p project.Config) error {
	cfg, err := Get()
	if err != nil {
		return err
	}
	projects := make([]project.Config, 0, len(cfg.Projects)+1)
	replaced := false
	for i := range cfg.Projects {
		if cfg.Projects[i].Name == p.Name {
			projects = append(projects, p)
			replaced = true
			continue
		}
		projects = append(projects, cfg.Projects[i])
	}
	if !replaced {
		projects = append(projects, p)
	}
	return UpdateProjects(projects)
}

// Reset clears the singleton; tests use it between Load calls.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = nil
	homePath = ""
}

func writeConfig(path string, cfg Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), "config.json.tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

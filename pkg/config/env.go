package config

import (
	"fmt"
	"os"
	"strconv"

	"overseer/pkg/project"
	"overseer/pkg/proto"
)

// Environment variable names of the child-process contract. The
// supervisor sets these when spawning a project orchestrator.
const (
	EnvProjectName = "ORCH_PROJECT_NAME"
	EnvProjectPath = "ORCH_PROJECT_PATH"
	EnvMaxAgents   = "ORCH_MAX_AGENTS"
	EnvMemoryLimit = "ORCH_MEMORY_LIMIT"
	EnvCPULimit    = "ORCH_CPU_LIMIT"
	EnvGlobalMode  = "ORCH_GLOBAL_MODE"
	EnvMode        = "ORCH_MODE"
	EnvPriority    = "ORCH_PRIORITY"
	EnvMockAgents  = "ORCH_MOCK_AGENTS"
)

// ChildEnv renders the contract environment for one child.
func ChildEnv(p project.Config, mock bool) []string {
	env := []string{
		fmt.Sprintf("%s=%s", EnvProjectName, p.Name),
		fmt.Sprintf("%s=%s", EnvProjectPath, p.Path),
		fmt.Sprintf("%s=%d", EnvMaxAgents, p.Limits.MaxAgents),
		fmt.Sprintf("%s=%d", EnvMemoryLimit, p.Limits.MaxMemoryMB),
		fmt.Sprintf("%s=%.2f", EnvCPULimit, p.Limits.CPUWeight),
		fmt.Sprintf("%s=true", EnvGlobalMode),
		fmt.Sprintf("%s=%s", EnvMode, p.Mode),
		fmt.Sprintf("%s=%s", EnvPriority, p.Priority),
	}
	if mock {
		env = append(env, fmt.Sprintf("%s=true", EnvMockAgents))
	}
	return env
}

// ChildFromEnv rebuilds the project config inside a spawned child. The
// boolean reports whether the contract environment is present at all.
func ChildFromEnv() (project.Config, bool, error) {
	name := os.Getenv(EnvProjectName)
	path := os.Getenv(EnvProjectPath)
	if name == "" || path == "" {
		return project.Config{}, false, nil
	}

	p := project.NewConfig(name, path)
	if v := os.Getenv(EnvMaxAgents); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return project.Config{}, true, fmt.Errorf("%s: %w", EnvMaxAgents, err)
		}
		p.Limits.MaxAgents = n
	}
	if v := os.Getenv(EnvMemoryLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return project.Config{}, true, fmt.Errorf("%s: %w", EnvMemoryLimit, err)
		}
		p.Limits.MaxMemoryMB = n
	}
	if v := os.Getenv(EnvCPULimit); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return project.Config{}, true, fmt.Errorf("%s: %w", EnvCPULimit, err)
		}
		p.Limits.CPUWeight = f
	}
	if v := os.Getenv(EnvMode); v != "" {
		mode, err := proto.ParseOrchestrationMode(v)
		if err != nil {
			return project.Config{}, true, err
		}
		p.Mode = mode
	}
	if v := os.Getenv(EnvPriority); v != "" {
		prio, err := proto.ParseProjectPriority(v)
		if err != nil {
			return project.Config{}, true, err
		}
		p.Priority = prio
	}

	if err := p.Validate(); err != nil {
		return project.Config{}, true, err
	}
	return p, true, nil
}

// MockAgentsFromEnv reports whether the child was spawned in mock mode.
func MockAgentsFromEnv() bool {
	v := os.Getenv(EnvMockAgents)
	return v == "1" || v == "true"
}

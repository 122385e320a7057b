package supervisor

import (
	"fmt"

	"overseer/pkg/config"
	"overseer/pkg/project"
	"overseer/pkg/proto"
)

// Allocation is one child's slice of the global resource budget.
type Allocation struct {
	MaxAgents int `json:"max_agents"`
	MemoryMB  int `json:"memory_mb"`
}

// Allocate divides the global agent and memory budget among the given
// projects. fair_share splits evenly; priority_based splits by priority
// weight. Either way each project's share is clamped by its own declared
// limits, regardless of priority.
func Allocate(global config.GlobalConfig, projects []project.Config) map[string]Allocation {
	allocs := make(map[string]Allocation, len(projects))
	if len(projects) == 0 {
		return allocs
	}

	weight := func(p project.Config) float64 { return 1.0 }
	if global.Strategy == config.AllocPriorityBased {
		weight = func(p project.Config) float64 { return p.Priority.Weight() }
	}

	var sum float64
	for i := range projects {
		sum += weight(projects[i])
	}

	for i := range projects {
		p := projects[i]
		share := weight(p) / sum
		a := Allocation{
			MaxAgents: int(float64(global.MaxTotalAgents) * share),
			MemoryMB:  int(float64(global.GlobalMemoryLimitMB) * share),
		}
		if a.MaxAgents > p.Limits.MaxAgents {
			a.MaxAgents = p.Limits.MaxAgents
		}
		if a.MemoryMB > p.Limits.MaxMemoryMB {
			a.MemoryMB = p.Limits.MaxMemoryMB
		}
		allocs[p.Name] = a
	}
	return allocs
}

// allocateLocked computes the candidate project's allocation against the
// currently hosted children. A share too small to run an agent, or one
// that would push the total past the global cap, is a capacity failure.
func (s *Supervisor) allocateLocked(p project.Config) (Allocation, error) {
	members := make([]project.Config, 0, len(s.children)+1)
	used := 0
	for _, c := range s.children {
		if c.status == ChildRunning || c.status == ChildPaused {
			members = append(members, c.project)
			used += c.allocation.MaxAgents
		}
	}
	members = append(members, p)

	a := Allocate(s.global, members)[p.Name]
	if a.MaxAgents < 1 || a.MemoryMB < 1 {
		return Allocation{}, fmt.Errorf("project %s: share is below one agent: %w", p.Name, proto.ErrResourceExhausted)
	}
	if used+a.MaxAgents > s.global.MaxTotalAgents {
		return Allocation{}, fmt.Errorf("project %s: %d agents in use of %d: %w",
			p.Name, used, s.global.MaxTotalAgents, proto.ErrResourceExhausted)
	}
	return a, nil
}

// Package capability decides which worker type may use which tool in
// which micro-cycle phase. Capabilities are static data tables; the
// validators are pure functions over them, with a small bounded memo
// cache for the hot (agent, tool) pairs.
package capability

import (
	"strings"
	"sync"

	"overseer/pkg/proto"
)

// Capability is one agent type's permission triple.
type Capability struct {
	AllowedTools    []string
	DisallowedTools []string
	TDDPhases       []proto.TDDState
}

// capabilities is the per-agent-type permission table. bash(<cmd>) entries
// form a parameterized family; bash(*) is the wildcard and only the
// orchestrator holds it.
var capabilities = map[proto.AgentType]Capability{
	proto.AgentOrchestrator: {
		AllowedTools: []string{
			"Read", "Write", "Edit", "Grep", "Glob",
			"bash(*)",
		},
		DisallowedTools: nil,
		TDDPhases: []proto.TDDState{
			proto.TDDDesign, proto.TDDTestRed, proto.TDDCodeGreen,
			proto.TDDRefactor, proto.TDDCommit,
		},
	},
	proto.AgentDesign: {
		AllowedTools: []string{
			"Read", "Grep", "Glob", "Write",
			"bash(ls -la)", "bash(tree -L 3)", "bash(git log --oneline -20)",
		},
		DisallowedTools: []string{"Edit", "bash(git push)"},
		TDDPhases:       []proto.TDDState{proto.TDDDesign},
	},
	proto.AgentCode: {
		AllowedTools: []string{
			"Read", "Write", "Edit", "Grep", "Glob",
			"bash(go build ./...)", "bash(go test ./...)", "bash(go vet ./...)",
			"bash(git add -A)", "bash(git commit -m)", "bash(git diff)", "bash(git status)",
		},
		DisallowedTools: []string{"bash(git push)"},
		TDDPhases: []proto.TDDState{
			proto.TDDCodeGreen, proto.TDDRefactor, proto.TDDCommit,
		},
	},
	proto.AgentQA: {
		AllowedTools: []string{
			"Read", "Write", "Grep", "Glob",
			"bash(go test ./...)", "bash(go test -run)", "bash(go vet ./...)",
			"bash(git add -A)", "bash(git commit -m)", "bash(git status)",
		},
		DisallowedTools: []string{"Edit", "bash(git push)"},
		TDDPhases:       []proto.TDDState{proto.TDDTestRed},
	},
	proto.AgentData: {
		AllowedTools: []string{
			"Read", "Grep", "Glob",
			"bash(wc -l)", "bash(sort)", "bash(jq)",
		},
		DisallowedTools: []string{"Write", "Edit", "bash(git push)"},
		TDDPhases:       nil,
	},
}

// restrictedKeywords deny a bash command outside an explicit allowance.
var restrictedKeywords = []string{
	"sudo", "rm -rf", "shutdown", "reboot", "mkfs",
	"dd if=", "chmod 777", "chown -R", "eval",
}

// Lookup returns the capability table entry for an agent type.
func Lookup(agent proto.AgentType) (Capability, bool) {
	c, ok := capabilities[agent]
	return c, ok
}

const cacheLimit = 1024

var (
	cacheMu   sync.RWMutex
	toolCache = make(map[string]bool, cacheLimit)
)

// ValidateTool reports whether the agent type may invoke the tool.
// Decision order: explicit disallow, explicit allow, then the bash(...)
// family rules.
func ValidateTool(agent proto.AgentType, tool string) bool {
	key := string(agent) + "|" + tool
	cacheMu.RLock()
	if v, ok := toolCache[key]; ok {
		cacheMu.RUnlock()
		return v
	}
	cacheMu.RUnlock()

	v := validateTool(agent, tool)

	cacheMu.Lock()
	if len(toolCache) >= cacheLimit {
		toolCache = make(map[string]bool, cacheLimit)
	}
	toolCache[key] = v
	cacheMu.Unlock()
	return v
}

func validateTool(agent proto.AgentType, tool string) bool {
	cap, ok := capabilities[agent]
	if !ok {
		return false
	}
	for _, d := range cap.DisallowedTools {
		if d == tool {
			return false
		}
	}
	for _, a := range cap.AllowedTools {
		if a == tool {
			return true
		}
	}

	inner, isBash := bashInner(tool)
	if !isBash {
		return false
	}

	wildcard := false
	for _, a := range cap.AllowedTools {
		allowedInner, ok := bashInner(a)
		if !ok {
			continue
		}
		if allowedInner == "*" {
			wildcard = true
			continue
		}
		if strings.Contains(allowedInner, inner) {
			return true
		}
	}
	if containsRestrictedKeyword(inner) {
		return false
	}
	return wildcard
}

// bashInner extracts cmd from "bash(cmd)".
func bashInner(tool string) (string, bool) {
	if !strings.HasPrefix(tool, "bash(") || !strings.HasSuffix(tool, ")") {
		return "", false
	}
	return tool[len("bash(") : len(tool)-1], true
}

func containsRestrictedKeyword(cmd string) bool {
	lower := strings.ToLower(cmd)
	for _, kw := range restrictedKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ValidateTDDPhase reports whether the agent type may act in the phase.
func ValidateTDDPhase(agent proto.AgentType, phase proto.TDDState) bool {
	cap, ok := capabilities[agent]
	if !ok {
		return false
	}
	for _, p := range cap.TDDPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// AgentForPhase picks the worker type dispatched for a phase command,
// preferring the specialist over the orchestrator.
func AgentForPhase(phase proto.TDDState) proto.AgentType {
	switch phase {
	case proto.TDDDesign:
		return proto.AgentDesign
	case proto.TDDTestRed:
		return proto.AgentQA
	case proto.TDDCodeGreen, proto.TDDRefactor, proto.TDDCommit:
		return proto.AgentCode
	default:
		return proto.AgentOrchestrator
	}
}

// ResetCache clears the memo cache; tests use it between table edits.
func ResetCache() {
	cacheMu.Lock()
	toolCache = make(map[string]bool, cacheLimit)
	cacheMu.Unlock()
}

package capability

import (
	"fmt"
	"regexp"

	"overseer/pkg/proto"
)

// RiskLevel grades how dangerous a rejected or flagged command is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// BashReport is the structured outcome of screening a shell command.
type BashReport struct {
	Allowed         bool      `json:"allowed"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Violations      []string  `json:"violations,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
}

// dangerousPatterns match commands no agent may run regardless of its
// capability entry. Each carries its risk grade and a recommendation.
var dangerousPatterns = []struct {
	re       *regexp.Regexp
	risk     RiskLevel
	label    string
	recommen string
}{
	{regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-?[rf]+[a-zA-Z]*\s+/(\s|$)`), RiskCritical, "recursive delete of filesystem root", "operate on project-relative paths only"},
	{regexp.MustCompile(`\bsudo\b`), RiskCritical, "privilege escalation via sudo", "agents run unprivileged; drop sudo"},
	{regexp.MustCompile(`curl[^|]*\|\s*(ba)?sh`), RiskCritical, "piping a download into a shell", "fetch the script, review it, then run it explicitly"},
	{regexp.MustCompile(`wget[^|]*\|\s*(ba)?sh`), RiskCritical, "piping a download into a shell", "fetch the script, review it, then run it explicitly"},
	{regexp.MustCompile("\\$\\(|`"), RiskHigh, "command substitution", "pass literal arguments instead of substitutions"},
	{regexp.MustCompile(`\.\./\.\.`), RiskHigh, "path traversal outside the project", "use paths inside the project directory"},
	{regexp.MustCompile(`>\s*/etc/|>\s*/usr/|>\s*/bin/`), RiskHigh, "write to a system directory", "write under the project tree only"},
}

// ValidateBashCommand screens a raw shell command for an agent. The
// dangerous-pattern scan applies before the capability table, so even a
// wildcard holder cannot run a screened command.
func ValidateBashCommand(agent proto.AgentType, command string) BashReport {
	report := BashReport{RiskLevel: RiskLow}

	for _, p := range dangerousPatterns {
		if p.re.MatchString(command) {
			report.Violations = append(report.Violations, p.label)
			report.Recommendations = append(report.Recommendations, p.recommen)
			if riskRank(p.risk) > riskRank(report.RiskLevel) {
				report.RiskLevel = p.risk
			}
		}
	}
	if len(report.Violations) > 0 {
		return report
	}

	if containsRestrictedKeyword(command) && !ValidateTool(agent, fmt.Sprintf("bash(%s)", command)) {
		report.RiskLevel = RiskHigh
		report.Violations = append(report.Violations, "restricted keyword outside an explicit allowance")
		report.Recommendations = append(report.Recommendations, "request the operation through the orchestrator")
		return report
	}

	if !ValidateTool(agent, fmt.Sprintf("bash(%s)", command)) {
		report.RiskLevel = RiskMedium
		report.Violations = append(report.Violations, fmt.Sprintf("%s agents may not run %q", agent, command))
		report.Recommendations = append(report.Recommendations, "check the agent's allowed bash commands")
		return report
	}

	report.Allowed = true
	return report
}

func riskRank(r RiskLevel) int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

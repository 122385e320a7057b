package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"overseer/internal/supervisor"
	"overseer/pkg/config"
	"overseer/pkg/project"
)

// runConsole reads commands line by line from stdin and prints each
// response. A prompt is shown only on a real terminal, so piping a
// command script in produces clean output.
func runConsole(ctx context.Context, execute func(context.Context, string) string) {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Println("overseer console; /quit to exit")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print("overseer> ")
		}
		if !scanner.Scan() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		fmt.Println(execute(ctx, line))
	}
}

// handleSupervisorCommand serves the supervisor-mode console surface:
// project lifecycle verbs and aggregate views.
func handleSupervisorCommand(sup *supervisor.Supervisor, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}

	switch fields[0] {
	case "/metrics":
		return renderMetrics(sup.AggregateMetrics())
	case "/project":
	default:
		return "supervisor commands: /project <start|stop|pause|resume|restart|status> [name], /metrics"
	}

	if len(fields) < 2 {
		return "usage: /project <start|stop|pause|resume|restart|status> [name]"
	}
	sub := fields[1]
	if sub == "status" {
		return renderChildren(sup.Snapshot())
	}
	if len(fields) < 3 {
		return fmt.Sprintf("usage: /project %s <name>", sub)
	}
	name := fields[2]

	var err error
	switch sub {
	case "start":
		var p project.Config
		p, err = registeredProject(name)
		if err == nil {
			err = sup.StartProject(p)
		}
	case "stop":
		err = sup.StopProject(name)
	case "pause":
		err = sup.PauseProject(name)
	case "resume":
		err = sup.ResumeProject(name)
	case "restart":
		err = sup.RestartProject(name)
	default:
		return fmt.Sprintf("unknown project operation %q", sub)
	}
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("project %s: %s ok", name, sub)
}

func registeredProject(name string) (project.Config, error) {
	cfg, err := config.Get()
	if err != nil {
		return project.Config{}, err
	}
	p, ok := cfg.Project(name)
	if !ok {
		return project.Config{}, fmt.Errorf("project %s is not registered", name)
	}
	return p, nil
}

func renderChildren(infos []supervisor.ChildInfo) string {
	if len(infos) == 0 {
		return "no projects hosted"
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	var b strings.Builder
	for _, c := range infos {
		fmt.Fprintf(&b, "%-16s %-8s pid=%-7d agents=%d mem=%dMB restarts=%d last_poll=%s",
			c.Name, c.Status, c.PID, c.Allocation.MaxAgents, c.Allocation.MemoryMB,
			c.RestartCount, formatAge(c.LastPoll))
		if c.WorkflowState != "" {
			fmt.Fprintf(&b, " state=%s", c.WorkflowState)
		}
		if c.Detail != "" {
			fmt.Fprintf(&b, " (%s)", c.Detail)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderMetrics(totals map[string]float64) string {
	if len(totals) == 0 {
		return "no child metrics yet"
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s %g\n", name, totals[name])
	}
	return strings.TrimRight(b.String(), "\n")
}

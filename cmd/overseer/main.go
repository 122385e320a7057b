// Command overseer is the orchestration core binary. Without flags it
// runs the global supervisor over every registered project; with
// --project-mode it runs a single project's orchestrator as a child
// process under the environment contract the supervisor sets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"overseer/internal/kernel"
	"overseer/internal/supervisor"
	"overseer/pkg/broadcast"
	"overseer/pkg/config"
	"overseer/pkg/logx"
	"overseer/pkg/metrics"
	"overseer/pkg/project"
	"overseer/pkg/proto"
	"overseer/pkg/version"
)

// Exit codes of the child-process contract. The supervisor treats any
// other non-zero code as a crash and applies the restart policy.
const (
	exitOK      = 0
	exitConfig  = 1
	exitStorage = 2
	exitCrash   = 3
)

func main() {
	var (
		projectMode = flag.Bool("project-mode", false, "run a single project orchestrator (child role)")
		projectName = flag.String("project-name", "", "project name (child role; mirrors the env contract)")
		projectPath = flag.String("project-path", "", "project path for a standalone project run")
		maxAgents   = flag.Int("max-agents", 0, "agent allocation (child role; mirrors the env contract)")
		memoryMB    = flag.Int("memory-limit", 0, "memory allocation in MB (child role; mirrors the env contract)")
		home        = flag.String("home", "", "supervisor home directory (default ~/.overseer)")
		console     = flag.Bool("console", false, "run an interactive command prompt on stdin")
		mock        = flag.Bool("mock", false, "replace the AI backend with the mock executor")
		showVersion = flag.Bool("version", false, "print version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("overseer %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(exitOK)
	}

	var code int
	if *projectMode {
		code = runProject(*projectName, *projectPath, *maxAgents, *memoryMB, *console)
	} else {
		code = runSupervisor(*home, *mock, *console)
	}
	os.Exit(code)
}

// runProject is the child role: one kernel, one project. The environment
// contract wins over flags; flags allow a standalone run without a
// supervisor on top.
func runProject(name, path string, maxAgents, memoryMB int, console bool) int {
	logger := logx.NewLogger("main")

	cfg, fromEnv, err := config.ChildFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid child environment: %v\n", err)
		return exitConfig
	}
	if !fromEnv {
		if name == "" || path == "" {
			fmt.Fprintln(os.Stderr, "project mode needs the ORCH_* environment or --project-name and --project-path")
			return exitConfig
		}
		cfg = project.NewConfig(name, path)
		if maxAgents > 0 {
			cfg.Limits.MaxAgents = maxAgents
		}
		if memoryMB > 0 {
			cfg.Limits.MaxMemoryMB = memoryMB
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid project config: %v\n", err)
			return exitConfig
		}
	}

	// The mock executor is the only backend for now; the kernel defaults
	// to it whether or not ORCH_MOCK_AGENTS is set.
	k, err := kernel.New(cfg, kernel.Options{
		Metrics:     true,
		EventLogDir: filepath.Join(cfg.StateDir(), "events"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start project %s: %v\n", cfg.Name, err)
		return exitStorage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k.Start(ctx)
	logger.Info("project %s ready (pid %d)", cfg.Name, os.Getpid())

	if console {
		runConsole(ctx, func(ctx context.Context, line string) string {
			return renderResult(k.Execute(ctx, line, consoleUser()))
		})
		stop()
	} else {
		<-ctx.Done()
	}

	k.Stop()
	return exitOK
}

// runSupervisor is the default role: spawn and monitor a child per
// registered project.
func runSupervisor(home string, mock, console bool) int {
	logger := logx.NewLogger("main")

	if err := config.Load(home); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitConfig
	}
	cfg, err := config.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitConfig
	}

	broadcaster := broadcast.New()
	recorder := metrics.NewPrometheusRecorder()

	sup, err := supervisor.New(cfg.Global, supervisor.Options{
		Broadcaster: broadcaster,
		Recorder:    recorder,
		MockAgents:  mock || cfg.MockAgents,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build supervisor: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	for i := range cfg.Projects {
		if err := sup.StartProject(cfg.Projects[i]); err != nil {
			logger.Error("start project %s: %v", cfg.Projects[i].Name, err)
		}
	}

	if console {
		runConsole(ctx, func(_ context.Context, line string) string {
			return handleSupervisorCommand(sup, line)
		})
		stop()
	}

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor: %v", err)
		sup.Close()
		return exitCrash
	}
	if err := sup.Close(); err != nil {
		logger.Warn("close supervisor: %v", err)
	}
	return exitOK
}

// renderResult turns a structured command response into console text.
func renderResult(res proto.Result) string {
	out := res.Message
	if res.CurrentState != "" {
		out = fmt.Sprintf("[%s] %s", res.CurrentState, out)
	}
	if !res.Success && res.Hint != "" {
		out += "\n  hint: " + res.Hint
	}
	if res.PendingApprovalID != 0 {
		out += fmt.Sprintf("\n  pending approval: %d", res.PendingApprovalID)
	}
	return out
}

func consoleUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "console"
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String()
}

// Package pipeline is the command front door: it parses raw slash
// commands, resolves the target project, applies the orchestration
// mode's approval gate, and dispatches to the project's orchestrator.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"overseer/pkg/logx"
	"overseer/pkg/orchestrator"
	"overseer/pkg/proto"
)

// Router maps project names to their in-process orchestrators. A child
// process hosts exactly one; console/standalone mode may host several.
type Router struct {
	mu    sync.RWMutex
	orchs map[string]*orchestrator.Orchestrator
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{orchs: make(map[string]*orchestrator.Orchestrator)}
}

// Add registers an orchestrator under its project name.
func (r *Router) Add(o *orchestrator.Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orchs[o.Project().Name] = o
}

// Remove drops a project's orchestrator.
func (r *Router) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orchs, name)
}

// Get returns the orchestrator for a project.
func (r *Router) Get(name string) (*orchestrator.Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orchs[name]
	return o, ok
}

// Names returns the hosted project names, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.orchs))
	for name := range r.orchs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// single returns the only hosted orchestrator, if there is exactly one.
func (r *Router) single() (*orchestrator.Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.orchs) != 1 {
		return nil, false
	}
	for _, o := range r.orchs {
		return o, true
	}
	return nil, false
}

// Pipeline executes commands end to end.
type Pipeline struct {
	router      *Router
	approvalTTL time.Duration
	logger      *logx.Logger

	mu         sync.Mutex
	lastActive map[string]string // requester -> project name
}

// New builds a pipeline over the router. approvalTTL bounds how long a
// gated command waits for a decision.
func New(router *Router, approvalTTL time.Duration) *Pipeline {
	if approvalTTL <= 0 {
		approvalTTL = time.Hour
	}
	return &Pipeline{
		router:      router,
		approvalTTL: approvalTTL,
		logger:      logx.NewLogger("pipeline"),
		lastActive:  make(map[string]string),
	}
}

// Execute runs one raw command for a requester and returns the
// structured result.
func (p *Pipeline) Execute(ctx context.Context, raw, requester string) proto.Result {
	cmd, err := Parse(raw, requester)
	if err != nil {
		return proto.Fail(proto.ErrKindUnknownCommand, "", nil, err.Error(), "commands look like /verb [subverb] [args]")
	}

	o, fail := p.resolveProject(cmd)
	if fail != nil {
		return *fail
	}
	cmd.Project = o.Project().Name

	switch cmd.Verb {
	case "abort":
		return p.handleAbort(o, cmd)
	case "resolve":
		return p.handleResolve(ctx, o, cmd)
	}

	if gated(o.Project().Mode, cmd) {
		return p.openApproval(o, cmd)
	}

	res := o.HandleCommand(ctx, cmd)
	if res.Success {
		p.mu.Lock()
		p.lastActive[requester] = cmd.Project
		p.mu.Unlock()
	}
	return res
}

// resolveProject picks the target orchestrator: explicit name, then the
// requester's last-active project, then the single hosted project.
func (p *Pipeline) resolveProject(cmd proto.Command) (*orchestrator.Orchestrator, *proto.Result) {
	if cmd.Project != "" {
		o, ok := p.router.Get(cmd.Project)
		if !ok {
			fail := proto.Fail(proto.ErrKindNotFound, "", nil,
				fmt.Sprintf("project %s is not running", cmd.Project),
				"hosted projects: "+strings.Join(p.router.Names(), ", "))
			return nil, &fail
		}
		return o, nil
	}

	p.mu.Lock()
	last := p.lastActive[cmd.Requester]
	p.mu.Unlock()
	if last != "" {
		if o, ok := p.router.Get(last); ok {
			return o, nil
		}
	}

	if o, ok := p.router.single(); ok {
		return o, nil
	}

	fail := proto.Fail(proto.ErrKindNeedProject, "", nil,
		"no target project; name one with --project=<name>",
		"hosted projects: "+strings.Join(p.router.Names(), ", "))
	return nil, &fail
}

// openApproval parks a gated command in the ledger instead of running it.
func (p *Pipeline) openApproval(o *orchestrator.Orchestrator, cmd proto.Command) proto.Result {
	summary := fmt.Sprintf("%s requests /%s on %s", cmd.Requester, cmd.Canonical(), cmd.Project)
	id, err := o.RequestApproval(cmd, summary, p.approvalTTL)
	if err != nil {
		return proto.Fail(proto.ErrKindStorageIO, string(o.State()), nil,
			fmt.Sprintf("open approval: %v", err), "")
	}
	p.logger.Info("command /%s held under approval %d (%s mode)", cmd.Canonical(), id, o.Project().Mode)

	res := proto.Fail(proto.ErrKindApprovalPending, string(o.State()), nil,
		fmt.Sprintf("approval %d pending for /%s", id, cmd.Canonical()),
		fmt.Sprintf("resolve it with /resolve %d approve|reject", id))
	res.PendingApprovalID = id
	return res
}

func (p *Pipeline) handleAbort(o *orchestrator.Orchestrator, cmd proto.Command) proto.Result {
	story := ""
	if len(cmd.Args) > 0 {
		story = cmd.Args[0]
	}
	if !o.Abort(story) {
		return proto.Fail(proto.ErrKindNotFound, string(o.State()), nil, "nothing in flight to abort", "")
	}
	if story == "" {
		return proto.OK(string(o.State()), nil, "all in-flight tasks aborted")
	}
	return proto.OK(string(o.State()), nil, "in-flight task for story %s aborted", story)
}

func (p *Pipeline) handleResolve(ctx context.Context, o *orchestrator.Orchestrator, cmd proto.Command) proto.Result {
	if len(cmd.Args) < 2 {
		return proto.Fail(proto.ErrKindPreconditionFailed, string(o.State()), nil,
			"resolve needs an id and a verdict", "usage: /resolve <id> approve|reject [feedback]")
	}
	id, err := strconv.ParseInt(cmd.Args[0], 10, 64)
	if err != nil {
		return proto.Fail(proto.ErrKindPreconditionFailed, string(o.State()), nil,
			fmt.Sprintf("bad approval id %q", cmd.Args[0]), "")
	}
	var approved bool
	switch cmd.Args[1] {
	case "approve":
		approved = true
	case "reject":
		approved = false
	default:
		return proto.Fail(proto.ErrKindPreconditionFailed, string(o.State()), nil,
			fmt.Sprintf("bad verdict %q", cmd.Args[1]), "verdicts: approve, reject")
	}
	feedback := strings.Join(cmd.Args[2:], " ")
	return o.ResolveApproval(ctx, id, approved, cmd.Requester, feedback)
}

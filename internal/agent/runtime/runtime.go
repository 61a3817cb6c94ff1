// Package runtime executes agent invocations for the orchestrator.
//
// The runtime owns the agent registry and enforces each agent's declared
// contract: per-agent timeouts, retry policy, at-most-once request delivery,
// and cancellation propagation. Agents inside one stage run in parallel;
// stages run sequentially so dependent agents see their predecessors'
// prompt context.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/claudmaster/internal/agent"
)

var (
	// ErrDuplicateAgent is returned when registering a name twice.
	ErrDuplicateAgent = errors.New("runtime: agent already registered")

	// ErrUnknownAgent is returned when a stage names an unregistered agent.
	ErrUnknownAgent = errors.New("runtime: unknown agent")

	// ErrDuplicateRequest is returned when an at-most-once agent sees a
	// request id a second time.
	ErrDuplicateRequest = errors.New("runtime: duplicate request id")
)

// DefaultTimeout bounds invocations of agents that declare no timeout.
const DefaultTimeout = 10 * time.Second

// Result is the runtime's record of one agent invocation.
type Result struct {
	// Agent is the invoked agent's name.
	Agent string

	// Outcome classifies how the invocation ended.
	Outcome agent.Outcome

	// Response is the agent's output. For degraded and failed outcomes it
	// may still carry salvaged partial text from the agent's sink.
	Response agent.Response

	// Err is the terminal error for non-ok outcomes.
	Err error
}

// Option configures a [Runtime].
type Option func(*Runtime)

// WithLogger sets the runtime logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// WithDefaultTimeout overrides [DefaultTimeout] for agents that declare none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.defaultTimeout = d }
}

// WithObserver installs a callback invoked after every agent invocation,
// used for metrics.
func WithObserver(fn func(agentName string, outcome agent.Outcome, latency time.Duration)) Option {
	return func(r *Runtime) { r.observe = fn }
}

// StageHook runs between stages with every result produced so far. The
// returned context replaces actx for the remaining stages; returning actx
// unchanged is a no-op.
type StageHook func(ctx context.Context, req agent.Request, completed []Result, actx *agent.Context) *agent.Context

// WithStageHook installs a hook invoked after each completed stage.
func WithStageHook(fn StageHook) Option {
	return func(r *Runtime) { r.stageHook = fn }
}

// Runtime registers agents and dispatches turn requests to them. Safe for
// concurrent use across sessions.
type Runtime struct {
	log            *slog.Logger
	defaultTimeout time.Duration
	observe        func(string, agent.Outcome, time.Duration)
	stageHook      StageHook

	mu        sync.RWMutex
	agents    map[string]agent.Agent
	delivered map[string]map[string]struct{} // agent name -> request ids seen
}

// New creates an empty runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		log:            slog.Default(),
		defaultTimeout: DefaultTimeout,
		agents:         make(map[string]agent.Agent),
		delivered:      make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an agent under its declared name.
func (r *Runtime) Register(a agent.Agent) error {
	spec := a.Spec()
	if spec.Name == "" {
		return errors.New("runtime: agent with empty name")
	}
	if spec.Retry != "" && !spec.Retry.IsValid() {
		return fmt.Errorf("runtime: agent %q: invalid retry policy %q", spec.Name, spec.Retry)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[spec.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateAgent, spec.Name)
	}
	r.agents[spec.Name] = a
	return nil
}

// Deregister removes an agent and its delivery history. Removing an unknown
// name is a no-op.
func (r *Runtime) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
	delete(r.delivered, name)
}

// Get returns a registered agent by name.
func (r *Runtime) Get(name string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns the registered agent names, sorted.
func (r *Runtime) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteStages runs the routed agents for one turn. Each inner slice is a
// stage whose agents run in parallel; stages run in order, and prompt
// context produced by one stage is visible to the next. When ctx expires
// mid-turn the remaining agents are recorded as degraded and whatever
// results have arrived are returned — the caller aggregates partial turns.
func (r *Runtime) ExecuteStages(ctx context.Context, stages [][]string, req agent.Request, actx *agent.Context) []Result {
	var results []Result
	for si, stage := range stages {
		if err := ctx.Err(); err != nil {
			results = append(results, r.budgetExceeded(stage, stages[si+1:], err)...)
			return results
		}

		stageResults := make([]Result, len(stage))
		var g errgroup.Group
		for i, name := range stage {
			g.Go(func() error {
				stageResults[i] = r.invoke(ctx, name, req, actx)
				return nil
			})
		}
		g.Wait()

		for _, res := range stageResults {
			if len(res.Response.PromptContext) > 0 {
				actx = actx.WithPrompt(res.Response.PromptContext...)
			}
		}
		results = append(results, stageResults...)

		if r.stageHook != nil && si < len(stages)-1 {
			actx = r.stageHook(ctx, req, results, actx)
		}
	}
	return results
}

// budgetExceeded records the not-yet-run agents of an expired turn.
func (r *Runtime) budgetExceeded(stage []string, rest [][]string, cause error) []Result {
	var skipped []Result
	outcome := agent.OutcomeDegraded
	if errors.Is(cause, context.Canceled) {
		outcome = agent.OutcomeCancelled
	}
	record := func(names []string) {
		for _, name := range names {
			skipped = append(skipped, Result{Agent: name, Outcome: outcome, Err: cause})
		}
	}
	record(stage)
	for _, names := range rest {
		record(names)
	}
	return skipped
}

// invoke runs one agent with its declared timeout and retry policy.
func (r *Runtime) invoke(ctx context.Context, name string, req agent.Request, actx *agent.Context) Result {
	a, ok := r.Get(name)
	if !ok {
		return Result{Agent: name, Outcome: agent.OutcomeFailed, Err: fmt.Errorf("%w: %q", ErrUnknownAgent, name)}
	}
	spec := a.Spec()

	if spec.Retry == agent.RetryAtMostOnce && !r.markDelivered(name, req.ID) {
		return Result{Agent: name, Outcome: agent.OutcomeFailed,
			Err: fmt.Errorf("%w: %q to agent %q", ErrDuplicateRequest, req.ID, name)}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	attempts := 1
	if spec.Retry == agent.RetryNonIdempotentOnly && !spec.SideEffects {
		attempts = 2
	}

	sink := agent.NewSink()
	callCtx := *actx
	callCtx.Sink = sink

	var res Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res = r.attempt(ctx, a, spec, timeout, req, &callCtx)
		if res.Outcome == agent.OutcomeOK || res.Outcome == agent.OutcomeCancelled {
			break
		}
		// Timeouts are not retried: the turn moves on with a degraded slot.
		if errors.Is(res.Err, context.DeadlineExceeded) {
			break
		}
		if attempt < attempts {
			r.log.Warn("agent failed, retrying",
				"agent", name, "request_id", req.ID, "error", res.Err)
		}
	}

	if res.Outcome != agent.OutcomeOK {
		if salvaged := sink.Drain(); salvaged != "" && res.Response.Text == "" {
			res.Response.Text = salvaged
			res.Response.AgentName = name
		}
	}
	if r.observe != nil {
		r.observe(name, res.Outcome, res.Response.Latency)
	}
	return res
}

// attempt performs a single bounded invocation.
func (r *Runtime) attempt(ctx context.Context, a agent.Agent, spec agent.Spec, timeout time.Duration, req agent.Request, actx *agent.Context) Result {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.Invoke(callCtx, req, actx)
	resp.Latency = time.Since(start)
	resp.AgentName = spec.Name

	switch {
	case err == nil:
		return Result{Agent: spec.Name, Outcome: agent.OutcomeOK, Response: resp}
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return Result{Agent: spec.Name, Outcome: agent.OutcomeCancelled, Response: resp, Err: ctx.Err()}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		r.log.Warn("agent timed out", "agent", spec.Name, "timeout", timeout, "request_id", req.ID)
		return Result{Agent: spec.Name, Outcome: agent.OutcomeDegraded, Response: resp,
			Err: fmt.Errorf("runtime: agent %q timed out after %s: %w", spec.Name, timeout, context.DeadlineExceeded)}
	default:
		return Result{Agent: spec.Name, Outcome: agent.OutcomeFailed, Response: resp,
			Err: fmt.Errorf("runtime: agent %q: %w", spec.Name, err)}
	}
}

// markDelivered records a request id for an at-most-once agent. Returns
// false when the id was already delivered.
func (r *Runtime) markDelivered(agentName, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := r.delivered[agentName]
	if seen == nil {
		seen = make(map[string]struct{})
		r.delivered[agentName] = seen
	}
	if _, dup := seen[requestID]; dup {
		return false
	}
	seen[requestID] = struct{}{}
	return true
}

// Package tools is the host tool surface the engine's agents call into.
// Each tool carries its LLM-facing schema, the permission operation it maps
// to, and a handler. The [Registry] gates every call through the permission
// matrix, applies the tool's declared timeout, and records call metrics.
// Built-in dice, rules, and campaign tools ship in this package; external
// MCP servers plug in through [Bridge].
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/claudmaster/internal/observe"
	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/pkg/provider/llm"
)

// ErrNotFound is returned when no tool with the requested name is registered.
var ErrNotFound = errors.New("tools: tool not found")

// Tool is one registered capability.
type Tool struct {
	// Definition is the tool's LLM-facing schema including its name,
	// description, and JSON Schema parameter specification.
	Definition llm.ToolDefinition

	// Operation is the permission matrix operation this tool maps to,
	// e.g. [perm.OpRollDice]. Checked before every invocation.
	Operation string

	// OwnerOf resolves the owning participant of the call's target entity
	// from the raw args. Only consulted for conditional permission cells;
	// nil means the target has no owner.
	OwnerOf func(args string) string

	// Handler executes the tool with JSON-encoded args on behalf of caller
	// and returns a JSON-encoded result string, or a descriptive error.
	// The caller is already permission-checked; handlers use it only to
	// shape their output (e.g. redacting DM-only fields). Implementations
	// must be safe for concurrent use and respect context cancellation.
	Handler func(ctx context.Context, args string, caller perm.Caller) (string, error)
}

// Result is the outcome of one tool execution.
type Result struct {
	// Content is the tool's output, JSON-encoded for structured tools.
	Content string

	// IsError marks an application-level failure. The call itself
	// completed; Content carries the error text.
	IsError bool

	// DurationMs is the measured wall-clock execution time.
	DurationMs int64
}

// Option configures a [Registry].
type Option func(*Registry)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithMetrics installs the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry holds the registered tools and enforces permissions on every
// call. Safe for concurrent use.
type Registry struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	resolver *perm.Resolver

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry gated by resolver.
func NewRegistry(resolver *perm.Resolver, opts ...Option) *Registry {
	r := &Registry{
		log:      slog.Default(),
		resolver: resolver,
		tools:    make(map[string]Tool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds one tool. A tool with the same name replaces the previous
// registration.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tools: tool must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q must have a non-nil handler", t.Definition.Name)
	}
	if t.Operation == "" {
		return fmt.Errorf("tools: tool %q must declare a permission operation", t.Definition.Name)
	}
	r.mu.Lock()
	r.tools[t.Definition.Name] = t
	r.mu.Unlock()
	return nil
}

// RegisterAll registers every tool in ts, stopping at the first error.
func (r *Registry) RegisterAll(ts []Tool) error {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Definitions returns the schemas of every registered tool, sorted by name.
// This is the tool list handed to the LLM providers.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool on behalf of caller. The call is rejected with
// [perm.ErrDenied] before the handler runs when the caller's role may not
// perform the tool's operation. The tool's declared MaxDurationMs bounds the
// execution context when set.
//
// A non-nil *Result with IsError set means the tool itself reported a
// failure; a Go error means the call never produced a usable result.
func (r *Registry) Execute(ctx context.Context, caller perm.Caller, name, args string) (*Result, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: %q: %w", name, ErrNotFound)
	}

	var owner string
	if tool.OwnerOf != nil {
		owner = tool.OwnerOf(args)
	}
	if err := r.resolver.Resolve(caller, tool.Operation, owner); err != nil {
		r.recordCall(ctx, name, "denied")
		r.log.Warn("tool call denied",
			"tool", name, "participant_id", caller.ParticipantID, "role", caller.Role)
		return nil, fmt.Errorf("tools: %q: %w", name, err)
	}

	if budget := tool.Definition.MaxDurationMs; budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(budget)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	output, err := tool.Handler(ctx, args, caller)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		r.recordCall(ctx, name, "error")
		r.log.Debug("tool call failed", "tool", name, "duration_ms", elapsed, "error", err)
		return &Result{Content: err.Error(), IsError: true, DurationMs: elapsed}, nil
	}
	r.recordCall(ctx, name, "ok")
	return &Result{Content: output, DurationMs: elapsed}, nil
}

func (r *Registry) recordCall(ctx context.Context, tool, status string) {
	if r.metrics != nil {
		r.metrics.RecordToolCall(ctx, tool, status)
	}
}

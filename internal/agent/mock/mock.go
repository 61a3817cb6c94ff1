// Package mock provides an in-memory mock implementation of [agent.Agent]
// for use in unit tests.
//
// The mock is safe for concurrent use, records method calls, and exposes
// exported fields for configuring return values.
//
// Example:
//
//	a := &mock.Agent{
//	    SpecResult:   agent.Spec{Name: "narrator", Kind: agent.KindVoice},
//	    InvokeResult: agent.Response{Text: "The door creaks open."},
//	}
//	resp, err := a.Invoke(ctx, req, actx)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/claudmaster/internal/agent"
)

// InvokeCall records the arguments of a single [Agent.Invoke] invocation.
type InvokeCall struct {
	// Request is the turn request passed to Invoke.
	Request agent.Request

	// Context is the world view passed to Invoke.
	Context *agent.Context
}

// Agent is a mock implementation of [agent.Agent].
type Agent struct {
	mu sync.Mutex

	// SpecResult is returned by [Agent.Spec].
	SpecResult agent.Spec

	// InvokeResult is returned by [Agent.Invoke] when InvokeFunc is nil.
	InvokeResult agent.Response

	// InvokeError is returned by [Agent.Invoke] when InvokeFunc is nil.
	InvokeError error

	// InvokeDelay, when non-zero, makes Invoke sleep before returning,
	// honouring context cancellation. Used to exercise timeouts.
	InvokeDelay time.Duration

	// InvokeFunc, when set, replaces the canned InvokeResult/InvokeError
	// behaviour entirely.
	InvokeFunc func(ctx context.Context, req agent.Request, actx *agent.Context) (agent.Response, error)

	// FailFirst makes the first n invocations return FailFirstError while
	// later ones succeed. Used to exercise retry policies.
	FailFirst int

	// FailFirstError is the error returned for the first FailFirst calls.
	FailFirstError error

	// InvokeCalls records all Invoke invocations.
	InvokeCalls []InvokeCall

	// CallCountSpec records how many times Spec was called.
	CallCountSpec int
}

// Spec implements [agent.Agent]. Returns SpecResult.
func (a *Agent) Spec() agent.Spec {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CallCountSpec++
	return a.SpecResult
}

// Invoke implements [agent.Agent]. Records the call, then applies
// InvokeDelay, FailFirst, and InvokeFunc in that order.
func (a *Agent) Invoke(ctx context.Context, req agent.Request, actx *agent.Context) (agent.Response, error) {
	a.mu.Lock()
	a.InvokeCalls = append(a.InvokeCalls, InvokeCall{Request: req, Context: actx})
	calls := len(a.InvokeCalls)
	delay := a.InvokeDelay
	failFirst, failErr := a.FailFirst, a.FailFirstError
	fn := a.InvokeFunc
	result, errResult := a.InvokeResult, a.InvokeError
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return agent.Response{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, req, actx)
	}
	if calls <= failFirst {
		return agent.Response{}, failErr
	}
	return result, errResult
}

// Calls returns a snapshot of the recorded invocations.
func (a *Agent) Calls() []InvokeCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]InvokeCall(nil), a.InvokeCalls...)
}

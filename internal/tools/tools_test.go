package tools

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/pkg/provider/llm"
)

var (
	dmCaller       = perm.Caller{ParticipantID: "dm", Role: perm.RoleDM}
	playerCaller   = perm.Caller{ParticipantID: "p1", Role: perm.RolePlayer}
	observerCaller = perm.Caller{ParticipantID: "spectator", Role: perm.RoleObserver}
)

// echoTool returns a tool that echoes its args back as the result.
func echoTool(name, operation string) Tool {
	return Tool{
		Definition: llm.ToolDefinition{Name: name, Description: "echoes args"},
		Operation:  operation,
		Handler: func(_ context.Context, args string, _ perm.Caller) (string, error) {
			return args, nil
		},
	}
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()
	r := NewRegistry(perm.NewResolver())

	if err := r.Register(Tool{Operation: perm.OpRollDice, Handler: func(context.Context, string, perm.Caller) (string, error) { return "", nil }}); err == nil {
		t.Error("Register(no name) error = nil")
	}
	if err := r.Register(Tool{Definition: llm.ToolDefinition{Name: "x"}, Operation: perm.OpRollDice}); err == nil {
		t.Error("Register(nil handler) error = nil")
	}
	if err := r.Register(Tool{Definition: llm.ToolDefinition{Name: "x"}, Handler: func(context.Context, string, perm.Caller) (string, error) { return "", nil }}); err == nil {
		t.Error("Register(no operation) error = nil")
	}
	if err := r.Register(echoTool("x", perm.OpRollDice)); err != nil {
		t.Errorf("Register(valid) error = %v", err)
	}
}

func TestDefinitions_SortedByName(t *testing.T) {
	t.Parallel()
	r := NewRegistry(perm.NewResolver())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoTool(name, perm.OpRollDice)); err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}

	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("len(Definitions()) = %d, want 3", len(defs))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d].Name = %q, want %q", i, d.Name, want[i])
		}
	}
}

func TestExecute_Success(t *testing.T) {
	t.Parallel()
	r := NewRegistry(perm.NewResolver())
	r.Register(echoTool("echo", perm.OpRollDice))

	res, err := r.Execute(context.Background(), playerCaller, "echo", `{"k":"v"}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError {
		t.Errorf("IsError = true, content %q", res.Content)
	}
	if res.Content != `{"k":"v"}` {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	t.Parallel()
	r := NewRegistry(perm.NewResolver())
	if _, err := r.Execute(context.Background(), dmCaller, "missing", "{}"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Execute(missing) error = %v, want ErrNotFound", err)
	}
}

func TestExecute_DeniedBeforeHandlerRuns(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	r := NewRegistry(perm.NewResolver())
	r.Register(Tool{
		Definition: llm.ToolDefinition{Name: "roll"},
		Operation:  perm.OpRollDice,
		Handler: func(context.Context, string, perm.Caller) (string, error) {
			calls.Add(1)
			return "{}", nil
		},
	})

	// Observers have no dice cell in the matrix.
	_, err := r.Execute(context.Background(), observerCaller, "roll", "{}")
	if !errors.Is(err, perm.ErrDenied) {
		t.Fatalf("Execute() error = %v, want perm.ErrDenied", err)
	}
	if calls.Load() != 0 {
		t.Errorf("handler ran %d times after denial", calls.Load())
	}
}

func TestExecute_DMBypassesMatrix(t *testing.T) {
	t.Parallel()
	r := NewRegistry(perm.NewResolver())
	r.Register(echoTool("manage", perm.OpManageSession))

	if _, err := r.Execute(context.Background(), dmCaller, "manage", "{}"); err != nil {
		t.Errorf("Execute(dm) error = %v", err)
	}
	if _, err := r.Execute(context.Background(), playerCaller, "manage", "{}"); !errors.Is(err, perm.ErrDenied) {
		t.Errorf("Execute(player) error = %v, want perm.ErrDenied", err)
	}
}

func TestExecute_ConditionalOwnership(t *testing.T) {
	t.Parallel()
	r := NewRegistry(perm.NewResolver())
	r.Register(Tool{
		Definition: llm.ToolDefinition{Name: "update"},
		Operation:  perm.OpWriteCharacter,
		OwnerOf:    func(string) string { return "p1" },
		Handler: func(_ context.Context, args string, _ perm.Caller) (string, error) {
			return args, nil
		},
	})

	if _, err := r.Execute(context.Background(), playerCaller, "update", "{}"); err != nil {
		t.Errorf("Execute(owner) error = %v", err)
	}
	other := perm.Caller{ParticipantID: "p2", Role: perm.RolePlayer}
	if _, err := r.Execute(context.Background(), other, "update", "{}"); !errors.Is(err, perm.ErrDenied) {
		t.Errorf("Execute(non-owner) error = %v, want perm.ErrDenied", err)
	}
}

func TestExecute_HandlerErrorBecomesErrorResult(t *testing.T) {
	t.Parallel()
	r := NewRegistry(perm.NewResolver())
	r.Register(Tool{
		Definition: llm.ToolDefinition{Name: "broken"},
		Operation:  perm.OpRollDice,
		Handler: func(context.Context, string, perm.Caller) (string, error) {
			return "", fmt.Errorf("always fails")
		},
	})

	res, err := r.Execute(context.Background(), dmCaller, "broken", "{}")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError {
		t.Error("IsError = false for failing handler")
	}
	if res.Content != "always fails" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestExecute_DeclaredMaxBoundsContext(t *testing.T) {
	t.Parallel()
	r := NewRegistry(perm.NewResolver())
	r.Register(Tool{
		Definition: llm.ToolDefinition{Name: "slow", MaxDurationMs: 20},
		Operation:  perm.OpRollDice,
		Handler: func(ctx context.Context, _ string, _ perm.Caller) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "{}", nil
			}
		},
	})

	res, err := r.Execute(context.Background(), dmCaller, "slow", "{}")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError {
		t.Error("IsError = false for timed-out handler")
	}
}

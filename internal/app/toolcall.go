package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/internal/tools"
)

// engineCaller is the identity engine-internal tool calls run under. The
// DM role bypasses the permission matrix; player-originated calls go
// through the registry with the real caller instead.
var engineCaller = perm.Caller{Role: perm.RoleDM}

// registryRoller adapts the roll_dice tool to the arbiter's roller.
type registryRoller struct {
	reg *tools.Registry
}

func (r registryRoller) Roll(ctx context.Context, notation, label string) (agent.DiceRoll, error) {
	args, err := json.Marshal(map[string]string{"notation": notation, "label": label})
	if err != nil {
		return agent.DiceRoll{}, fmt.Errorf("app: encode roll args: %w", err)
	}
	res, err := r.reg.Execute(ctx, engineCaller, "roll_dice", string(args))
	if err != nil {
		return agent.DiceRoll{}, err
	}
	if res.IsError {
		return agent.DiceRoll{}, errors.New(res.Content)
	}
	var roll agent.DiceRoll
	if err := json.Unmarshal([]byte(res.Content), &roll); err != nil {
		return agent.DiceRoll{}, fmt.Errorf("app: decode roll result: %w", err)
	}
	return roll, nil
}

// registryRules adapts the search_rules tool to the arbiter's rules source.
type registryRules struct {
	reg *tools.Registry
}

func (r registryRules) Lookup(ctx context.Context, query string) (string, error) {
	args, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("app: encode rules query: %w", err)
	}
	res, err := r.reg.Execute(ctx, engineCaller, "search_rules", string(args))
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", errors.New(res.Content)
	}

	var rules []struct {
		Name string `json:"name"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(res.Content), &rules); err != nil {
		return "", fmt.Errorf("app: decode rules result: %w", err)
	}
	if len(rules) == 0 {
		return "", nil
	}
	// The top match is enough for an inline ruling.
	return strings.TrimSpace(rules[0].Name + ": " + rules[0].Text), nil
}

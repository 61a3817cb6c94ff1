package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/pkg/provider/llm"
)

// Transport selects how the bridge reaches an external MCP server.
type Transport string

const (
	// TransportStdio launches the server as a subprocess speaking MCP
	// over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a server over streamable HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP:
		return true
	}
	return false
}

// ServerConfig describes one external MCP server to import tools from.
type ServerConfig struct {
	// Name identifies the server; tools imported from it are removed when
	// a server with the same name is re-registered.
	Name string `yaml:"name"`

	// Transport selects stdio or streamable-http.
	Transport Transport `yaml:"transport"`

	// Command is the stdio launch command, split on spaces into
	// executable + args.
	Command string `yaml:"command,omitempty"`

	// URL is the streamable-http endpoint.
	URL string `yaml:"url,omitempty"`

	// Env holds additional environment variables for stdio servers.
	Env map[string]string `yaml:"env,omitempty"`

	// Operation is the permission operation assigned to every tool the
	// server exports. Defaults to [perm.OpSearchRules], the read-only
	// cell; servers exposing mutating tools must say so explicitly.
	Operation string `yaml:"operation,omitempty"`
}

// Bridge imports external MCP server tools into a [Registry]. One SDK
// client manages every server session. Safe for concurrent use.
type Bridge struct {
	log      *slog.Logger
	registry *Registry
	client   *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession // key: server name
	imported map[string][]string              // server name -> tool names
}

// NewBridge creates a bridge importing into registry.
func NewBridge(registry *Registry, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		log:      slog.Default(),
		registry: registry,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "claudmaster", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
		imported: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BridgeOption configures a [Bridge].
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the logger. Defaults to [slog.Default].
func WithBridgeLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

// RegisterServer connects to the server described by cfg and registers its
// tool catalogue. Re-registering a server name replaces the old connection
// and its tools.
func (b *Bridge) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
	operation := cfg.Operation
	if operation == "" {
		operation = perm.OpSearchRules
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: failed to connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	b.mu.Lock()
	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	b.sessions[cfg.Name] = session
	b.mu.Unlock()

	names := make([]string, 0, len(discovered))
	for _, mcpTool := range discovered {
		t := Tool{
			Definition: llm.ToolDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  schemaToMap(mcpTool.InputSchema),
			},
			Operation: operation,
			Handler:   b.callHandler(cfg.Name, mcpTool.Name),
		}
		if err := b.registry.Register(t); err != nil {
			return fmt.Errorf("tools: failed to register tool %q from server %q: %w", mcpTool.Name, cfg.Name, err)
		}
		names = append(names, mcpTool.Name)
	}

	b.mu.Lock()
	b.imported[cfg.Name] = names
	b.mu.Unlock()

	b.log.Info("mcp server registered", "server", cfg.Name, "tools", len(names))
	return nil
}

// callHandler returns a handler routing the call to the named server tool.
func (b *Bridge) callHandler(serverName, toolName string) func(context.Context, string, perm.Caller) (string, error) {
	return func(ctx context.Context, args string, _ perm.Caller) (string, error) {
		b.mu.Lock()
		session, ok := b.sessions[serverName]
		b.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("tools: server %q not connected for tool %q", serverName, toolName)
		}

		var argsMap map[string]any
		if args != "" && args != "{}" {
			if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
				return "", fmt.Errorf("tools: invalid args JSON for tool %q: %w", toolName, err)
			}
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: argsMap,
		})
		if err != nil {
			return "", fmt.Errorf("tools: call to tool %q failed: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("tools: tool %q reported an error: %s", toolName, sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down every server session. Imported tools stay registered
// but report the lost connection when called.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: error closing server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

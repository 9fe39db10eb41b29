package mcphost

import (
	"context"
	"fmt"

	"github.com/binbot-dev/binbot/internal/mcp"
	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

const builtinServerName = mcp.BuiltinServerName

// BuiltinTool represents a tool implemented as a Go function that runs
// in-process.
//
// Built-in tools bypass MCP protocol overhead: CallTool invokes the Handler
// directly. They are otherwise identical to external tools and share the
// catalogue, argument validation, deadline and rolling-window statistics.
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the LLM.
	Definition llm.ToolDefinition

	// Handler is invoked with the JSON object arguments (e.g. "{}").
	// Returning a non-nil error marks the result as an application-level
	// error; the error text becomes the result content.
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin registers a built-in tool. A builtin replaces an existing
// builtin of the same name but never shadows a tool from a connected server.
//
// RegisterBuiltin is safe for concurrent use.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("mcp host: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcp host: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	cfg := mcp.ServerConfig{Name: builtinServerName}.WithDefaults()
	schema, err := schemaToMap(tool.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("mcp host: builtin tool %q: %w", tool.Definition.Name, err)
	}
	resolved, err := resolveSchema(schema)
	if err != nil {
		return fmt.Errorf("mcp host: builtin tool %q: resolve schema: %w", tool.Definition.Name, err)
	}

	entry := &toolEntry{
		desc: mcp.ToolDescriptor{
			Name:        tool.Definition.Name,
			Description: tool.Definition.Description,
			InputSchema: schema,
			Server:      builtinServerName,
		},
		schema:       resolved,
		timeout:      cfg.CallTimeout,
		measurements: newRollingWindow(defaultWindowSize),
		builtinFn:    tool.Handler,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.tools[entry.desc.Name]; ok && existing.builtinFn == nil {
		return fmt.Errorf("mcp host: builtin tool %q conflicts with a tool from server %q", entry.desc.Name, existing.desc.Server)
	}
	h.tools[entry.desc.Name] = entry
	return nil
}

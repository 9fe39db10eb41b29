// Package tools defines the shared [Tool] type used by the built-in tool
// packages in binbot. Each sub-package exports a constructor function that
// returns a slice of [Tool] values ready for registration with the MCP Host.
package tools

import (
	"context"

	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// Tool represents a built-in tool ready for registration with the MCP Host.
//
// Each Tool carries its LLM-facing schema ([llm.ToolDefinition]) together
// with the handler function that is invoked when the LLM calls the tool.
// The field set matches mcphost.BuiltinTool so a Tool converts directly.
type Tool struct {
	// Definition is the tool's LLM-facing schema including its name,
	// description, and JSON Schema parameter specification.
	Definition llm.ToolDefinition

	// Handler executes the tool with JSON-encoded args and returns a
	// JSON-encoded result string on success, or a descriptive error.
	// Implementations must be safe for concurrent use and must respect
	// context cancellation.
	Handler func(ctx context.Context, args string) (string, error)
}

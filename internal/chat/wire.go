package chat

import (
	"encoding/json"

	"github.com/binbot-dev/binbot/internal/mcp"
	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// chatRequest is the body of POST /binbot/chat and the first frame of the
// WebSocket variant. Unknown message fields sent by chat UIs (ids,
// timestamps) are ignored.
type chatRequest struct {
	Messages              []requestMessage `json:"messages"`
	ShowIntermediateSteps bool             `json:"show_intermediate_steps"`
}

type requestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (r chatRequest) history() []llm.Message {
	out := make([]llm.Message, len(r.Messages))
	for i, m := range r.Messages {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// batchResponse is returned in batch mode.
type batchResponse struct {
	Messages []responseMessage `json:"messages"`
}

type responseMessage struct {
	Role       string             `json:"role"`
	Content    *string            `json:"content"`
	ToolCalls  []responseToolCall `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	IsError    bool               `json:"is_error,omitempty"`
}

type responseToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ToolInfo describes one catalog entry on GET /binbot/tools.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Server      string         `json:"server"`
	InputSchema map[string]any `json:"input_schema"`
	Stats       *mcp.ToolStats `json:"stats,omitempty"`
}

type toolsResponse struct {
	Tools []ToolInfo `json:"tools"`
}

func toResponseMessages(msgs []llm.Message) []responseMessage {
	out := make([]responseMessage, len(msgs))
	for i, m := range msgs {
		rm := responseMessage{
			Role:       m.Role,
			ToolCallID: m.ToolCallID,
			IsError:    m.IsError,
		}
		if m.Content != "" {
			c := m.Content
			rm.Content = &c
		}
		for _, tc := range m.ToolCalls {
			rm.ToolCalls = append(rm.ToolCalls, responseToolCall{
				ID:   tc.ID,
				Name: tc.Name,
				Args: argsJSON(tc.Arguments),
			})
		}
		out[i] = rm
	}
	return out
}

// argsJSON returns the arguments as an embedded JSON value, falling back to a
// JSON string when the model produced invalid JSON.
func argsJSON(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

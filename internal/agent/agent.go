// Package agent runs the tool-calling conversation loop between a language
// model and the tools of an MCP host.
//
// A [Loop] alternates between two working states. In [StateAwaitingModel] it
// streams one completion from the model; if the model asks for tools the loop
// moves to [StateExecutingTools], runs every requested call, appends the
// results to the conversation and asks the model again. A turn without tool
// calls ends the run in [StateDone].
//
// Progress is reported on a channel of [Event] values. The channel has exactly
// one producer (the loop) and one consumer, and is closed after a
// [EventTurnComplete] or [EventError] event.
package agent

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// ErrLoopLimitExceeded is reported when the model still wants tools after the
// configured number of model calls has been used up.
var ErrLoopLimitExceeded = errors.New("agent: loop limit exceeded")

// ErrContextWindowExceeded is reported when the conversation no longer fits
// the model's context window. The model is not called.
var ErrContextWindowExceeded = errors.New("agent: conversation exceeds the model context window")

// ModelEndpointError wraps a failure of the language-model endpoint.
type ModelEndpointError struct {
	// Status is the HTTP status returned by the endpoint, or 0 when the
	// failure happened before or outside an HTTP exchange.
	Status int
	Err    error
}

func (e *ModelEndpointError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("agent: model endpoint error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("agent: model endpoint error: %v", e.Err)
}

func (e *ModelEndpointError) Unwrap() error { return e.Err }

// HTTPStatus returns the status to report to the chat client: the endpoint's
// own status when known, else 500.
func (e *ModelEndpointError) HTTPStatus() int {
	if e.Status >= 400 && e.Status <= 599 {
		return e.Status
	}
	return http.StatusInternalServerError
}

func newModelEndpointError(err error) *ModelEndpointError {
	return &ModelEndpointError{Status: llm.StatusCode(err), Err: err}
}

// State is a position in the loop's state machine.
type State int

const (
	// StateAwaitingModel is the initial state: the next step is a model call.
	StateAwaitingModel State = iota

	// StateExecutingTools means the last assistant message requested tools
	// that are being executed.
	StateExecutingTools

	// StateDone is terminal.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventContentDelta carries a fragment of model text in [Event.Text].
	EventContentDelta EventKind = iota + 1

	// EventToolCallDelta carries a tool invocation requested by the model in
	// [Event.ToolCall]. It is emitted before the call is executed.
	EventToolCallDelta

	// EventTurnComplete marks the successful end of the run.
	EventTurnComplete

	// EventError carries the terminal failure in [Event.Err].
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventContentDelta:
		return "content_delta"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one item of the loop's output stream. Only the field matching Kind
// is set.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall llm.ToolCall
	Err      error
}

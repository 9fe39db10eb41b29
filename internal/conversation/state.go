// Package conversation holds the ordered message log of a single chat request.
//
// A [State] is append-only: messages are never edited or removed once added,
// and every accessor returns copies. Tool-role messages are only accepted when
// they answer a tool call issued by an earlier assistant message.
package conversation

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

var (
	// ErrInvalidRole is returned when a message carries an unknown role.
	ErrInvalidRole = errors.New("conversation: invalid role")

	// ErrUnknownToolCall is returned when a tool-role message references a
	// tool call id that no preceding assistant message issued.
	ErrUnknownToolCall = errors.New("conversation: tool message references unknown tool call")
)

// State is the append-only conversation log. The zero value is an empty log
// ready for use. All methods are safe for concurrent use.
type State struct {
	mu       sync.RWMutex
	messages []llm.Message
	issued   map[string]struct{}
}

// New returns an empty State.
func New() *State {
	return &State{}
}

// Seed builds a State from client-supplied history. Only user and assistant
// messages are kept, in their original order, and only their role and text
// survive: tool traffic and system instructions never come from the client.
func Seed(history []llm.Message) *State {
	s := New()
	for _, m := range history {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
			s.messages = append(s.messages, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return s
}

// Append adds msgs to the end of the log. The batch is validated as a whole
// and either every message is appended or none is.
func (s *State) Append(msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for i, m := range msgs {
		switch m.Role {
		case llm.RoleUser, llm.RoleSystem:
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("conversation: message %d: tool call %q has no id", i, tc.Name)
				}
				added = append(added, tc.ID)
			}
		case llm.RoleTool:
			if !s.isIssued(m.ToolCallID) && !slices.Contains(added, m.ToolCallID) {
				return fmt.Errorf("%w: %q", ErrUnknownToolCall, m.ToolCallID)
			}
		default:
			return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
		}
	}

	if s.issued == nil && len(added) > 0 {
		s.issued = make(map[string]struct{}, len(added))
	}
	for _, id := range added {
		s.issued[id] = struct{}{}
	}
	for _, m := range msgs {
		s.messages = append(s.messages, cloneMessage(m))
	}
	return nil
}

func (s *State) isIssued(id string) bool {
	_, ok := s.issued[id]
	return ok
}

// Messages returns a copy of the full log.
func (s *State) Messages() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages)
}

// Len reports the number of messages.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func cloneMessages(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m llm.Message) llm.Message {
	m.ToolCalls = slices.Clone(m.ToolCalls)
	return m
}

// Package mock provides a scripted stand-in for [agent.Loop] for use in unit
// tests of event consumers.
//
// Runner satisfies any interface with the method
//
//	Run(ctx context.Context, conv *conversation.State) <-chan agent.Event
//
// Example:
//
//	r := &mock.Runner{
//	    Events: []agent.Event{
//	        {Kind: agent.EventContentDelta, Text: "Hello"},
//	        {Kind: agent.EventTurnComplete},
//	    },
//	}
//	for ev := range r.Run(ctx, conversation.New()) { … }
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/binbot-dev/binbot/internal/agent"
	"github.com/binbot-dev/binbot/internal/conversation"
	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// RunCall records one invocation of [Runner.Run].
type RunCall struct {
	// Ctx is the context passed to Run. Tests use it to observe cancellation.
	Ctx context.Context

	// Seed is a copy of the conversation at the time Run was called.
	Seed []llm.Message
}

// Runner is a scripted agent run. It is safe for concurrent use.
type Runner struct {
	mu    sync.Mutex
	calls []RunCall

	// Messages are appended to the conversation before any event is sent,
	// as if the loop had produced them.
	Messages []llm.Message

	// AppendErr receives the error of appending Messages, if any.
	AppendErr error

	// Events are sent in order on the returned channel.
	Events []agent.Event

	// Hold, if non-nil, keeps the channel open after Events until Hold is
	// closed or the run context ends.
	Hold chan struct{}
}

// Run records the call and replays the script.
func (r *Runner) Run(ctx context.Context, conv *conversation.State) <-chan agent.Event {
	r.mu.Lock()
	r.calls = append(r.calls, RunCall{Ctx: ctx, Seed: conv.Messages()})
	msgs := slices.Clone(r.Messages)
	events := slices.Clone(r.Events)
	hold := r.Hold
	r.mu.Unlock()

	ch := make(chan agent.Event)
	go func() {
		defer close(ch)
		if len(msgs) > 0 {
			if err := conv.Append(msgs...); err != nil {
				r.mu.Lock()
				r.AppendErr = err
				r.mu.Unlock()
			}
		}
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

// Calls returns a copy of all recorded runs.
func (r *Runner) Calls() []RunCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Reset clears recorded calls.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.AppendErr = nil
}

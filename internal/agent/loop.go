package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/binbot-dev/binbot/internal/conversation"
	"github.com/binbot-dev/binbot/internal/mcp"
	"github.com/binbot-dev/binbot/internal/mcp/catalog"
	"github.com/binbot-dev/binbot/internal/observe"
	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

const (
	// DefaultMaxTurns bounds the number of model calls per run.
	DefaultMaxTurns = 10

	// defaultEventBuf is the buffer depth of the event channel returned by
	// [Loop.Run].
	defaultEventBuf = 32

	// maxParallelTools caps concurrent tool calls within one turn when
	// parallel execution is enabled.
	maxParallelTools = 8
)

// Loop drives conversations between a model and a fixed tool catalog.
//
// A Loop holds no per-request state and may serve any number of concurrent
// [Loop.Run] calls.
type Loop struct {
	provider     llm.Provider
	providerName string
	host         mcp.Host
	catalog      *catalog.Catalog

	systemPrompt  string
	location      *time.Location
	maxTurns      int
	parallelTools bool
	temperature   float64
	maxTokens     int
	eventBuf      int
	stream        bool
	contextWindow int

	metrics *observe.Metrics
	now     func() time.Time
}

// Option is a functional option for [New].
type Option func(*Loop)

// WithTools offers the tools of cat to the model and executes calls through
// host. Without it the loop runs in plain chat mode.
func WithTools(host mcp.Host, cat *catalog.Catalog) Option {
	return func(l *Loop) {
		l.host = host
		l.catalog = cat
	}
}

// WithSystemPrompt replaces [DefaultSystemPrompt]. An empty prompt sends no
// system message.
func WithSystemPrompt(prompt string) Option {
	return func(l *Loop) { l.systemPrompt = prompt }
}

// WithTimezone sets the zone used to render [TodayPlaceholder]. Default UTC.
func WithTimezone(loc *time.Location) Option {
	return func(l *Loop) { l.location = loc }
}

// WithMaxTurns sets the maximum number of model calls per run. Values below 1
// are ignored.
func WithMaxTurns(n int) Option {
	return func(l *Loop) {
		if n >= 1 {
			l.maxTurns = n
		}
	}
}

// WithParallelTools makes the loop run the tool calls of one turn
// concurrently. Results are still appended in request order.
func WithParallelTools(enabled bool) Option {
	return func(l *Loop) { l.parallelTools = enabled }
}

// WithTemperature sets the sampling temperature sent with every model call.
func WithTemperature(t float64) Option {
	return func(l *Loop) { l.temperature = t }
}

// WithMaxTokens caps the completion tokens per model call.
func WithMaxTokens(n int) Option {
	return func(l *Loop) { l.maxTokens = n }
}

// WithStreaming selects streamed completions (the default) or one blocking
// completion per turn. Models that cannot stream always use the latter.
func WithStreaming(enabled bool) Option {
	return func(l *Loop) { l.stream = enabled }
}

// WithProviderName sets the provider label used on metrics and spans.
func WithProviderName(name string) Option {
	return func(l *Loop) { l.providerName = name }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithClock overrides the time source used for the system prompt.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithEventBuffer sets the buffer depth of the channel returned by Run.
func WithEventBuffer(n int) Option {
	return func(l *Loop) { l.eventBuf = max(n, 0) }
}

// New creates a Loop that calls provider.
func New(provider llm.Provider, opts ...Option) (*Loop, error) {
	if provider == nil {
		return nil, errors.New("agent: provider must not be nil")
	}
	l := &Loop{
		provider:     provider,
		providerName: "llm",
		catalog:      catalog.Empty(),
		systemPrompt: DefaultSystemPrompt,
		location:     time.UTC,
		maxTurns:     DefaultMaxTurns,
		eventBuf:     defaultEventBuf,
		stream:       true,
		now:          time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.catalog == nil {
		l.catalog = catalog.Empty()
	}
	if l.catalog.Len() > 0 && l.host == nil {
		return nil, errors.New("agent: a non-empty catalog requires a host")
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}

	caps := provider.Capabilities()
	l.contextWindow = caps.ContextWindow
	l.stream = l.stream && caps.SupportsStreaming
	if !caps.SupportsToolCalling && l.catalog.Len() > 0 {
		slog.Warn("agent: model does not support tool calling, running without tools",
			"provider", l.providerName, "tools", l.catalog.Len())
		l.catalog = catalog.Empty()
	}
	return l, nil
}

// Catalog returns the tools offered to the model.
func (l *Loop) Catalog() *catalog.Catalog { return l.catalog }

// Run starts a run over conv in a new goroutine and returns its event stream.
// conv must already hold the seed messages; the run appends every assistant
// and tool message it produces.
//
// The consumer must read until the channel is closed or cancel ctx.
func (l *Loop) Run(ctx context.Context, conv *conversation.State) <-chan Event {
	ch := make(chan Event, l.eventBuf)
	r := &run{loop: l, conv: conv, events: ch, state: StateAwaitingModel}
	go func() {
		defer close(ch)
		r.execute(ctx)
	}()
	return ch
}

// run is the per-request state of one [Loop.Run].
type run struct {
	loop   *Loop
	conv   *conversation.State
	events chan<- Event
	state  State
	turns  int
}

func (r *run) execute(ctx context.Context) {
	l := r.loop
	ctx, span := observe.StartSpan(ctx, "agent.run",
		trace.WithAttributes(
			attribute.Int("agent.max_turns", l.maxTurns),
			attribute.Int("agent.tools", l.catalog.Len()),
		),
	)
	defer span.End()

	log := observe.Logger(ctx)
	req := llm.CompletionRequest{
		SystemPrompt: RenderSystemPrompt(l.systemPrompt, l.now(), l.location),
		Tools:        l.catalog.FunctionSpecs(),
		Temperature:  l.temperature,
		MaxTokens:    l.maxTokens,
	}

	for {
		if r.turns >= l.maxTurns {
			// Only reachable after a turn that requested tools.
			r.fail(ctx, span, fmt.Errorf("%w: %d model calls", ErrLoopLimitExceeded, l.maxTurns))
			return
		}
		r.turns++

		req.Messages = r.conv.Messages()
		if err := r.checkContextWindow(ctx, req); err != nil {
			l.metrics.RecordAgentTurn(ctx, "error")
			r.fail(ctx, span, err)
			return
		}
		msg, err := r.callModel(ctx, req)
		if err != nil {
			l.metrics.RecordAgentTurn(ctx, "error")
			r.fail(ctx, span, err)
			return
		}
		if err := r.conv.Append(msg); err != nil {
			r.fail(ctx, span, fmt.Errorf("agent: append assistant message: %w", err))
			return
		}

		if len(msg.ToolCalls) == 0 {
			l.metrics.RecordAgentTurn(ctx, "final")
			r.transition(ctx, StateDone)
			span.SetAttributes(attribute.Int("agent.turns", r.turns))
			r.emit(ctx, Event{Kind: EventTurnComplete})
			return
		}

		l.metrics.RecordAgentTurn(ctx, "tools")
		if msg.Content != "" {
			log.Warn("agent: model returned content alongside tool calls, treating it as intermediate",
				"turn", r.turns,
				"tool_calls", len(msg.ToolCalls),
				"content_len", len(msg.Content),
			)
		}
		for _, tc := range msg.ToolCalls {
			if !r.emit(ctx, Event{Kind: EventToolCallDelta, ToolCall: tc}) {
				r.fail(ctx, span, ctx.Err())
				return
			}
		}

		r.transition(ctx, StateExecutingTools)
		var results []llm.Message
		if r.turns >= l.maxTurns {
			// No model call is left to read the results, so the tools are
			// not contacted.
			results = make([]llm.Message, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				results[i] = toolErrorMessage(tc.ID, ErrLoopLimitExceeded.Error())
			}
		} else {
			results = r.executeTools(ctx, msg.ToolCalls)
		}
		if err := r.conv.Append(results...); err != nil {
			r.fail(ctx, span, fmt.Errorf("agent: append tool results: %w", err))
			return
		}
		if err := ctx.Err(); err != nil {
			r.fail(ctx, span, err)
			return
		}
		r.transition(ctx, StateAwaitingModel)
	}
}

// checkContextWindow rejects req when its prompt plus the completion budget
// does not fit the model's context window.
func (r *run) checkContextWindow(ctx context.Context, req llm.CompletionRequest) error {
	window := r.loop.contextWindow
	if window <= 0 {
		return nil
	}
	prompt := req.Messages
	if req.SystemPrompt != "" {
		prompt = append([]llm.Message{{Role: llm.RoleSystem, Content: req.SystemPrompt}}, prompt...)
	}
	tokens, err := r.loop.provider.CountTokens(prompt)
	if err != nil {
		observe.Logger(ctx).Debug("agent: token count failed, using estimate", "err", err)
		tokens = llm.EstimateTokens(prompt)
	}
	if available := window - r.loop.maxTokens; tokens > available {
		return fmt.Errorf("%w: about %d prompt tokens, %d available", ErrContextWindowExceeded, tokens, available)
	}
	return nil
}

// callModel runs one completion and returns the assembled assistant message.
// Text is forwarded as [EventContentDelta] while it arrives, or once when the
// loop does not stream.
func (r *run) callModel(ctx context.Context, req llm.CompletionRequest) (llm.Message, error) {
	l := r.loop
	ctx, span := observe.StartSpan(ctx, "agent.model_call",
		trace.WithAttributes(
			attribute.String("llm.provider", l.providerName),
			attribute.Int("agent.turn", r.turns),
			attribute.Int("llm.messages", len(req.Messages)),
			attribute.Bool("llm.stream", l.stream),
		),
	)
	defer span.End()

	start := time.Now()
	status := "error"
	defer func() {
		l.metrics.RecordProviderRequest(ctx, l.providerName, status)
		l.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", l.providerName)))
	}()

	var (
		msg llm.Message
		err error
	)
	if l.stream {
		msg, err = r.streamModel(ctx, span, req)
	} else {
		msg, err = r.completeModel(ctx, span, req)
	}
	if err != nil {
		return llm.Message{}, err
	}

	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
		if strings.TrimSpace(msg.ToolCalls[i].Arguments) == "" {
			msg.ToolCalls[i].Arguments = "{}"
		}
	}
	status = "ok"
	span.SetAttributes(attribute.Int("llm.tool_calls", len(msg.ToolCalls)))
	return msg, nil
}

func (r *run) streamModel(ctx context.Context, span trace.Span, req llm.CompletionRequest) (llm.Message, error) {
	stream, err := r.loop.provider.StreamCompletion(ctx, req)
	if err != nil {
		return llm.Message{}, r.modelFailure(ctx, span, err)
	}

	var (
		content strings.Builder
		calls   []llm.ToolCall
		failure error
	)
	for chunk := range stream {
		if chunk.FinishReason == llm.FinishReasonError {
			failure = chunk.Err
			if failure == nil {
				failure = errors.New(chunk.Text)
			}
			continue
		}
		if failure != nil {
			continue
		}
		if chunk.Text != "" {
			content.WriteString(chunk.Text)
			if !r.emit(ctx, Event{Kind: EventContentDelta, Text: chunk.Text}) {
				go drainChunks(stream)
				return llm.Message{}, ctx.Err()
			}
		}
		calls = append(calls, chunk.ToolCalls...)
	}
	if failure != nil {
		return llm.Message{}, r.modelFailure(ctx, span, failure)
	}
	if err := ctx.Err(); err != nil {
		return llm.Message{}, err
	}
	return llm.Message{Role: llm.RoleAssistant, Content: content.String(), ToolCalls: calls}, nil
}

func (r *run) completeModel(ctx context.Context, span trace.Span, req llm.CompletionRequest) (llm.Message, error) {
	resp, err := r.loop.provider.Complete(ctx, req)
	if err != nil {
		return llm.Message{}, r.modelFailure(ctx, span, err)
	}
	if resp == nil {
		resp = &llm.CompletionResponse{}
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	if resp.Content != "" && !r.emit(ctx, Event{Kind: EventContentDelta, Text: resp.Content}) {
		return llm.Message{}, ctx.Err()
	}
	return llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: slices.Clone(resp.ToolCalls),
	}, nil
}

func (r *run) modelFailure(ctx context.Context, span trace.Span, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	mErr := newModelEndpointError(err)
	kind := "stream"
	if mErr.Status != 0 {
		kind = fmt.Sprintf("status_%d", mErr.Status)
	}
	r.loop.metrics.RecordProviderError(ctx, r.loop.providerName, kind)
	observe.FailSpan(span, err, "model call failed")
	return mErr
}

// executeTools runs calls and returns exactly one tool message per call, in
// call order. A failing call never aborts its siblings.
func (r *run) executeTools(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	ctx, span := observe.StartSpan(ctx, "agent.execute_tools",
		trace.WithAttributes(
			attribute.Int("agent.tool_calls", len(calls)),
			attribute.Bool("agent.parallel", r.loop.parallelTools),
		),
	)
	defer span.End()

	results := make([]llm.Message, len(calls))
	if !r.loop.parallelTools || len(calls) == 1 {
		for i, tc := range calls {
			results[i] = r.callTool(ctx, tc)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(maxParallelTools)
	for i, tc := range calls {
		g.Go(func() error {
			results[i] = r.callTool(ctx, tc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *run) callTool(ctx context.Context, tc llm.ToolCall) llm.Message {
	log := observe.Logger(ctx).With("tool", tc.Name, "tool_call_id", tc.ID)

	if _, ok := r.loop.catalog.Lookup(tc.Name); !ok {
		err := fmt.Errorf("%w: %q", mcp.ErrToolNotFound, tc.Name)
		log.Warn("agent: model requested unknown tool")
		return toolErrorMessage(tc.ID, err.Error())
	}

	res, err := r.loop.host.CallTool(ctx, tc.Name, tc.Arguments)
	if err != nil {
		log.Warn("agent: tool call failed", "err", err)
		return toolErrorMessage(tc.ID, err.Error())
	}
	if res.IsError {
		log.Info("agent: tool reported an error", "duration_ms", res.DurationMs)
		return toolErrorMessage(tc.ID, res.Content)
	}
	log.Debug("agent: tool call succeeded", "duration_ms", res.DurationMs)
	return llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: res.Content}
}

func toolErrorMessage(id, detail string) llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: id,
		Content:    "Error: " + detail,
		IsError:    true,
	}
}

// emit delivers ev unless ctx ends first.
func (r *run) emit(ctx context.Context, ev Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail delivers a terminal error event. A consumer that stopped reading gets
// failSendTimeout before the event is dropped.
func (r *run) fail(ctx context.Context, span trace.Span, err error) {
	r.transition(ctx, StateDone)
	observe.FailSpan(span, err, "")
	observe.Logger(ctx).Warn("agent: run failed", "turns", r.turns, "err", err)

	t := time.NewTimer(failSendTimeout)
	defer t.Stop()
	select {
	case r.events <- Event{Kind: EventError, Err: err}:
	case <-t.C:
	}
}

const failSendTimeout = time.Second

func (r *run) transition(ctx context.Context, next State) {
	observe.Logger(ctx).Debug("agent: state transition", "from", r.state, "to", next, "turn", r.turns)
	r.state = next
}

// drainChunks discards the rest of a stream so the provider goroutine can
// exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider] so
// binbot can run its agent loop against Anthropic, Gemini, Ollama, DeepSeek,
// Mistral, Groq, llama.cpp and llamafile backends as well as OpenAI.
//
//	p, err := anyllm.New("anthropic", "claude-sonnet-4-5", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
	ollamaapi "github.com/ollama/ollama/api"
	oai "github.com/openai/openai-go"
	"google.golang.org/genai"

	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// Supported lists the backend names accepted by [New].
var Supported = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// New creates a new Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o", "claude-3-5-sonnet-latest").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey, anyllmlib.WithBaseURL).
// If no API key option is provided, the provider will fall back to the relevant
// environment variable (e.g., OPENAI_API_KEY, ANTHROPIC_API_KEY, etc.).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// NewAnthropic creates a Provider backed by Anthropic.
// Without options, it reads the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewOllama creates a Provider backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// NewLlamaCpp creates a Provider backed by a running llama.cpp server.
// Without options, it connects to http://127.0.0.1:8080/v1.
func NewLlamaCpp(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("llamacpp", model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", providerName, strings.Join(Supported, ", "))
	}
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params := p.buildParams(req)

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		var calls toolCallAccumulator

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}
			for i, tc := range delta.ToolCalls {
				calls.add(i, tc)
			}
			if choice.FinishReason != "" {
				out.ToolCalls = calls.drain()
			}
			if out.Text == "" && out.FinishReason == "" {
				continue
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := <-backendErrs; err != nil {
			err = withStatus(err)
			select {
			case ch <- llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error(), Err: err}:
			case <-ctx.Done():
			}
			return
		}
		if pending := calls.drain(); len(pending) > 0 {
			select {
			case ch <- llm.Chunk{FinishReason: anyllmlib.FinishReasonToolCalls, ToolCalls: pending}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// toolCallAccumulator assembles streamed tool call fragments in arrival
// order. any-llm does not forward the per-call stream index, so call
// boundaries are recovered from the fragments themselves: a fragment starts a
// new call when it is not the first entry of its delta, when it carries an id
// different from the current call's, or when it names a function while the
// current call (without a comparable id) already has one. Everything else
// continues the current call.
type toolCallAccumulator struct {
	calls []*llm.ToolCall
}

func (a *toolCallAccumulator) add(pos int, tc anyllmlib.ToolCall) {
	var cur *llm.ToolCall
	if n := len(a.calls); n > 0 {
		cur = a.calls[n-1]
	}
	if startsNewCall(cur, pos, tc) {
		cur = &llm.ToolCall{}
		a.calls = append(a.calls, cur)
	}
	if tc.ID != "" {
		cur.ID = tc.ID
	}
	if tc.Function.Name != "" {
		cur.Name = tc.Function.Name
	}
	cur.Arguments += tc.Function.Arguments
}

func startsNewCall(cur *llm.ToolCall, pos int, tc anyllmlib.ToolCall) bool {
	switch {
	case cur == nil || pos > 0:
		return true
	case tc.ID != "" && cur.ID != "":
		return tc.ID != cur.ID
	default:
		return tc.Function.Name != "" && cur.Name != ""
	}
}

// drain returns the assembled calls and resets the accumulator.
func (a *toolCallAccumulator) drain() []llm.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(a.calls))
	for i, tc := range a.calls {
		out[i] = *tc
	}
	a.calls = nil
	return out
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params := p.buildParams(req)

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", withStatus(err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{
		Content: choice.Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.ModelCapabilitiesFor(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params
}

func convertMessage(m llm.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return msg
}

// withStatus attaches the HTTP status of a backend failure as an
// [llm.StatusError]. The SDK error wrapped by any-llm carries the exact
// status; classified errors without one fall back to the status their class
// implies.
func withStatus(err error) error {
	if err == nil || llm.StatusCode(err) != 0 {
		return err
	}
	if status := statusOf(err); status != 0 {
		return &llm.StatusError{StatusCode: status, Err: err}
	}
	return err
}

func statusOf(err error) int {
	var (
		oaiErr       *oai.Error
		anthropicErr *anthropicsdk.Error
		genaiErr     *genai.APIError
		genaiVal     genai.APIError
		ollamaErr    ollamaapi.StatusError
		providerErr  *anyllmlib.ProviderError
	)
	switch {
	case errors.As(err, &oaiErr) && oaiErr.StatusCode != 0:
		return oaiErr.StatusCode
	case errors.As(err, &anthropicErr) && anthropicErr.StatusCode != 0:
		return anthropicErr.StatusCode
	case errors.As(err, &genaiErr) && genaiErr.Code != 0:
		return genaiErr.Code
	case errors.As(err, &genaiVal) && genaiVal.Code != 0:
		return genaiVal.Code
	case errors.As(err, &ollamaErr) && ollamaErr.StatusCode != 0:
		return ollamaErr.StatusCode
	case errors.As(err, &providerErr) && providerErr.StatusCode != 0:
		return providerErr.StatusCode
	}

	switch {
	case errors.Is(err, anyllmlib.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, anyllmlib.ErrAuthentication), errors.Is(err, anyllmlib.ErrMissingAPIKey):
		return http.StatusUnauthorized
	case errors.Is(err, anyllmlib.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, anyllmlib.ErrInvalidRequest),
		errors.Is(err, anyllmlib.ErrContextLength),
		errors.Is(err, anyllmlib.ErrContentFilter),
		errors.Is(err, anyllmlib.ErrUnsupportedParam):
		return http.StatusBadRequest
	}
	return 0
}

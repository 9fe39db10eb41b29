package anyllm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	anyllmerrors "github.com/mozilla-ai/any-llm-go/errors"
	ollamaapi "github.com/ollama/ollama/api"
	"google.golang.org/genai"

	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   llm.Message
		want anyllmlib.Message
	}{
		{
			name: "system",
			in:   llm.Message{Role: llm.RoleSystem, Content: "You are binbot."},
			want: anyllmlib.Message{Role: "system", Content: "You are binbot."},
		},
		{
			name: "user with name",
			in:   llm.Message{Role: llm.RoleUser, Content: "How many bins?", Name: "farmer"},
			want: anyllmlib.Message{Role: "user", Content: "How many bins?", Name: "farmer"},
		},
		{
			name: "assistant with tool call",
			in: llm.Message{
				Role:      llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "list_bins", Arguments: `{"org":"Farm A"}`}},
			},
			want: anyllmlib.Message{
				Role: "assistant",
				ToolCalls: []anyllmlib.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: anyllmlib.FunctionCall{Name: "list_bins", Arguments: `{"org":"Farm A"}`},
				}},
			},
		},
		{
			name: "tool result",
			in:   llm.Message{Role: llm.RoleTool, Content: "3 bins", ToolCallID: "call_1"},
			want: anyllmlib.Message{Role: "tool", Content: "3 bins", ToolCallID: "call_1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(flatten(tt.want), flatten(convertMessage(tt.in))); diff != "" {
				t.Errorf("convertMessage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// flatMessage projects the fields convertMessage sets.
type flatMessage struct {
	Role, Content, Name, ToolCallID string
	ToolCalls                       [][4]string
}

func flatten(m anyllmlib.Message) flatMessage {
	f := flatMessage{Role: m.Role, Content: m.ContentString(), Name: m.Name, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		f.ToolCalls = append(f.ToolCalls, [4]string{tc.ID, tc.Type, tc.Function.Name, tc.Function.Arguments})
	}
	return f
}

// ── Constructor ───────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks that an empty provider name returns an error.
func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty providerName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that an unsupported provider returns an error.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_OpenAI_WithAPIKey checks that OpenAI provider constructs successfully with an API key.
func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
	if p.model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", p.model)
	}
}

// TestNew_OpenAI_MissingAPIKey checks that OpenAI returns an error when no API key is available.
// This relies on OPENAI_API_KEY not being set in the test environment.
func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "") // Ensure env var is clear.
	_, err := New("openai", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

// TestNew_Anthropic_WithAPIKey checks that Anthropic provider constructs successfully.
func TestNew_Anthropic_WithAPIKey(t *testing.T) {
	p, err := NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestNew_Ollama_NoAPIKey checks that Ollama works without an API key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	p, err := NewOllama("llama3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestConvenienceConstructors checks all convenience constructors delegate correctly.
func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3") }},
		{"NewLlamaCpp", func() (*Provider, error) { return NewLlamaCpp("llama3") }},
		{"llamafile", func() (*Provider, error) { return New("llamafile", "llama3") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if p == nil {
				t.Fatalf("%s: expected non-nil provider", tt.name)
			}
		})
	}
}

// ── CountTokens ───────────────────────────────────────────────────────────────

// TestCountTokens_Estimation checks that token counting returns a reasonable value.
func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	msgs := []llm.Message{
		{Role: "user", Content: "Hello world"}, // 11 chars → ~3 tokens + 4 overhead = 7
	}
	count, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

// TestCountTokens_Empty checks that an empty message list returns zero tokens.
func TestCountTokens_Empty(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 tokens for empty messages, got %d", count)
	}
}

// TestCountTokens_MultipleMessages checks that multiple messages accumulate correctly.
func TestCountTokens_MultipleMessages(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	msgs := []llm.Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there, how can I help?"},
	}
	count, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	singleCount, _ := p.CountTokens(msgs[:1])
	if count <= singleCount {
		t.Errorf("expected more tokens for two messages than one: %d <= %d", count, singleCount)
	}
}

// ── Capabilities ──────────────────────────────────────────────────────────────

func TestCapabilities_SharedTable(t *testing.T) {
	for _, model := range []string{"gpt-4.1", "claude-sonnet-4-5", "gemini-2.0-flash", "llama3"} {
		p := &Provider{model: model}
		if diff := cmp.Diff(llm.ModelCapabilitiesFor(model), p.Capabilities()); diff != "" {
			t.Errorf("%s: capabilities mismatch (-want +got):\n%s", model, diff)
		}
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "claude-sonnet-4-5"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: "user", Content: "hi"}},
		Temperature:  0.2,
		MaxTokens:    256,
		Tools:        []llm.ToolDefinition{{Name: "list_bins", Parameters: map[string]any{"type": "object"}}},
	})
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("messages = %+v, want system prompt first", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens = %v, want 256", params.MaxTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "list_bins" {
		t.Errorf("tools = %+v", params.Tools)
	}
}

// ── Streaming tool calls ──────────────────────────────────────────────────────

func frag(id, name, args string) anyllmlib.ToolCall {
	return anyllmlib.ToolCall{ID: id, Function: anyllmlib.FunctionCall{Name: name, Arguments: args}}
}

func TestToolCallAccumulator(t *testing.T) {
	t.Parallel()

	// Each inner slice is the ToolCalls field of one streamed delta.
	tests := []struct {
		name   string
		deltas [][]anyllmlib.ToolCall
		want   []llm.ToolCall
	}{
		{
			name: "one fragment per delta",
			deltas: [][]anyllmlib.ToolCall{
				{frag("call_a", "list_bins", "")},
				{frag("", "", `{"org":`)},
				{frag("", "", `"A"}`)},
				{frag("call_b", "list_barns", `{"org":"B"}`)},
			},
			want: []llm.ToolCall{
				{ID: "call_a", Name: "list_bins", Arguments: `{"org":"A"}`},
				{ID: "call_b", Name: "list_barns", Arguments: `{"org":"B"}`},
			},
		},
		{
			name: "id repeated on every fragment",
			deltas: [][]anyllmlib.ToolCall{
				{frag("call_a", "list_bins", `{"org":`)},
				{frag("call_a", "list_bins", `"A"}`)},
			},
			want: []llm.ToolCall{{ID: "call_a", Name: "list_bins", Arguments: `{"org":"A"}`}},
		},
		{
			name: "complete calls in one delta",
			deltas: [][]anyllmlib.ToolCall{
				{frag("", "current_time", "{}"), frag("", "list_bins", `{"org":"A"}`)},
			},
			want: []llm.ToolCall{
				{Name: "current_time", Arguments: "{}"},
				{Name: "list_bins", Arguments: `{"org":"A"}`},
			},
		},
		{
			name: "calls without ids split on function name",
			deltas: [][]anyllmlib.ToolCall{
				{frag("", "current_time", "{}")},
				{frag("", "list_bins", `{"org":"A"}`)},
			},
			want: []llm.ToolCall{
				{Name: "current_time", Arguments: "{}"},
				{Name: "list_bins", Arguments: `{"org":"A"}`},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var acc toolCallAccumulator
			for _, delta := range tt.deltas {
				for i, tc := range delta {
					acc.add(i, tc)
				}
			}
			if diff := cmp.Diff(tt.want, acc.drain()); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
			if rest := acc.drain(); rest != nil {
				t.Errorf("second drain = %+v, want nil", rest)
			}
		})
	}
}

// sseServer serves body as an OpenAI-compatible streaming chat completion.
func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chunkJSON(delta string, finish string) string {
	fr := "null"
	if finish != "" {
		fr = `"` + finish + `"`
	}
	return `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"local",` +
		`"choices":[{"index":0,"delta":` + delta + `,"finish_reason":` + fr + `}]}`
}

func collectChunks(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatalf("stream did not finish; chunks so far: %+v", out)
		}
	}
}

var listBinsRequest = llm.CompletionRequest{
	Messages: []llm.Message{{Role: llm.RoleUser, Content: "Which bins in Farm A and barns in Farm B?"}},
	Tools:    []llm.ToolDefinition{{Name: "list_bins"}, {Name: "list_barns"}},
}

func TestStreamCompletion_KeepsParallelToolCallsApart(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		chunkJSON(`{"role":"assistant","tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"list_bins","arguments":""}}]}`, ""),
		chunkJSON(`{"tool_calls":[{"index":0,"function":{"arguments":"{\"org\":\"A\"}"}}]}`, ""),
		chunkJSON(`{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"list_barns","arguments":""}}]}`, ""),
		chunkJSON(`{"tool_calls":[{"index":1,"function":{"arguments":"{\"org\":\"B\"}"}}]}`, ""),
		chunkJSON(`{}`, "tool_calls"),
	)
	p, err := New("llamacpp", "local", anyllmlib.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), listBinsRequest)
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var calls []llm.ToolCall
	for _, c := range collectChunks(t, ch) {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		calls = append(calls, c.ToolCalls...)
	}

	want := []llm.ToolCall{
		{ID: "call_a", Name: "list_bins", Arguments: `{"org":"A"}`},
		{ID: "call_b", Name: "list_barns", Arguments: `{"org":"B"}`},
	}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("tool calls mismatch (-want +got):\n%s", diff)
	}
}

// ── Status propagation ────────────────────────────────────────────────────────

func TestStreamCompletion_PropagatesEndpointStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New("llamacpp", "local", anyllmlib.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), listBinsRequest)
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	chunks := collectChunks(t, ch)
	if len(chunks) == 0 {
		t.Fatal("stream closed without an error chunk")
	}
	last := chunks[len(chunks)-1]
	if last.FinishReason != llm.FinishReasonError {
		t.Fatalf("last chunk = %+v, want an error chunk", last)
	}
	if got := llm.StatusCode(last.Err); got != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401 (err: %v)", got, last.Err)
	}
	if !errors.Is(last.Err, anyllmlib.ErrAuthentication) {
		t.Errorf("err = %v, want the any-llm classification kept", last.Err)
	}
}

func TestWithStatus(t *testing.T) {
	t.Parallel()

	upstream := errors.New("upstream failure")
	withCode := anyllmerrors.NewProviderError("mistral", upstream)
	withCode.StatusCode = http.StatusBadGateway

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"unclassified", upstream, 0},
		{"already annotated", &llm.StatusError{StatusCode: http.StatusConflict, Err: upstream}, http.StatusConflict},
		{"provider error status", withCode, http.StatusBadGateway},
		{"ollama status", anyllmerrors.NewProviderError("ollama", ollamaapi.StatusError{StatusCode: http.StatusServiceUnavailable}), http.StatusServiceUnavailable},
		{"gemini status", anyllmerrors.NewProviderError("gemini", &genai.APIError{Code: http.StatusGatewayTimeout}), http.StatusGatewayTimeout},
		{"rate limit", anyllmerrors.NewRateLimitError("groq", upstream), http.StatusTooManyRequests},
		{"authentication", anyllmerrors.NewAuthenticationError("deepseek", upstream), http.StatusUnauthorized},
		{"missing key", anyllmerrors.NewMissingAPIKeyError("anthropic", "ANTHROPIC_API_KEY"), http.StatusUnauthorized},
		{"model not found", anyllmerrors.NewModelNotFoundError("mistral", upstream), http.StatusNotFound},
		{"context length", anyllmerrors.NewContextLengthError("anthropic", upstream), http.StatusBadRequest},
		{"network failure", anyllmerrors.NewProviderError("llamacpp", upstream), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := withStatus(tt.err)
			if code := llm.StatusCode(got); code != tt.want {
				t.Errorf("StatusCode = %d, want %d", code, tt.want)
			}
			if tt.err != nil && !errors.Is(got, tt.err) {
				t.Errorf("withStatus dropped the original error: %v", got)
			}
		})
	}
}

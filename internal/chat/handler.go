// Package chat serves the binbot chat endpoints.
//
// POST /binbot/chat runs one agent loop per request. In streaming mode the
// model's text is written as a plain-text body and flushed after every
// fragment; in batch mode the handler waits for the run to finish and returns
// the whole conversation as JSON. GET /binbot/chat/ws is a WebSocket variant
// of streaming mode and GET /binbot/tools lists the tool catalog.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/binbot-dev/binbot/internal/agent"
	"github.com/binbot-dev/binbot/internal/conversation"
	"github.com/binbot-dev/binbot/internal/observe"
)

// defaultMaxBodyBytes limits the size of a chat request body.
const defaultMaxBodyBytes = 1 << 20

// Runner starts one agent run over a seeded conversation. [*agent.Loop]
// satisfies it.
type Runner interface {
	Run(ctx context.Context, conv *conversation.State) <-chan agent.Event
}

// ToolLister reports the tools currently offered to the model.
type ToolLister interface {
	Tools(ctx context.Context) ([]ToolInfo, error)
}

// Handler serves the chat routes. It is safe for concurrent use.
type Handler struct {
	runner         Runner
	tools          ToolLister
	metrics        *observe.Metrics
	maxBodyBytes   int64
	originPatterns []string
}

// Option is a functional option for [New].
type Option func(*Handler)

// WithToolLister enables GET /binbot/tools.
func WithToolLister(tl ToolLister) Option {
	return func(h *Handler) { h.tools = tl }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithMaxBodyBytes overrides the 1 MiB request size limit.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithOriginPatterns lists the cross-origin hosts allowed to open the
// WebSocket endpoint. By default only same-origin requests are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = patterns }
}

// New creates a Handler that starts runs through runner.
func New(runner Runner, opts ...Option) (*Handler, error) {
	if runner == nil {
		return nil, errors.New("chat: runner must not be nil")
	}
	h := &Handler{runner: runner, maxBodyBytes: defaultMaxBodyBytes}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h, nil
}

// Register adds the chat routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /binbot/chat", h.Chat)
	mux.HandleFunc("GET /binbot/chat/ws", h.ChatWS)
	mux.HandleFunc("GET /binbot/tools", h.ListTools)
}

// Chat handles POST /binbot/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(w, r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err)
		return
	}

	mode := "stream"
	if req.ShowIntermediateSteps {
		mode = "batch"
	}
	conv := conversation.Seed(req.history())
	ctx, cancel := context.WithCancel(observe.WithLogAttrs(r.Context(),
		slog.String("chat_mode", mode),
		slog.Int("seed_messages", conv.Len()),
	))
	defer cancel()
	h.metrics.ActiveRequests.Add(ctx, 1)
	defer h.metrics.ActiveRequests.Add(context.WithoutCancel(ctx), -1)

	observe.Logger(ctx).Debug("chat: request accepted")

	events := h.runner.Run(ctx, conv)
	if req.ShowIntermediateSteps {
		h.serveBatch(w, events, conv)
		return
	}
	h.serveStream(ctx, cancel, w, events)
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (chatRequest, error) {
	var req chatRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("chat: invalid JSON body: %w", err)
	}
	if dec.More() {
		return req, errors.New("chat: invalid JSON body: trailing data")
	}
	return req, nil
}

// serveStream forwards content deltas as a plain-text body. Tool call deltas
// never reach the client.
func (h *Handler) serveStream(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, events <-chan agent.Event) {
	rc := http.NewResponseController(w)
	log := observe.Logger(ctx)
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		hdr := w.Header()
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		hdr.Set("Cache-Control", "no-cache")
		hdr.Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
	}

	for ev := range events {
		switch ev.Kind {
		case agent.EventContentDelta:
			if ev.Text == "" {
				continue
			}
			start()
			if _, err := io.WriteString(w, ev.Text); err != nil {
				log.Debug("chat: client went away", "err", err)
				cancel()
				drain(events)
				return
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				log.Debug("chat: flush failed", "err", err)
				cancel()
				drain(events)
				return
			}

		case agent.EventToolCallDelta:
			// Intermediate steps are not part of the streamed answer.

		case agent.EventError:
			if !started {
				writeError(w, statusFor(ev.Err), ev.Err)
				drain(events)
				return
			}
			log.Error("chat: run failed after streaming began", "err", ev.Err)
			cancel()
			drain(events)
			// Abort without terminating the chunked body so the client sees a
			// truncated response rather than a normal end of stream.
			panic(http.ErrAbortHandler)

		case agent.EventTurnComplete:
			start()
		}
	}
	start()
}

func (h *Handler) serveBatch(w http.ResponseWriter, events <-chan agent.Event, conv *conversation.State) {
	var runErr error
	for ev := range events {
		if ev.Kind == agent.EventError {
			runErr = ev.Err
		}
	}
	if runErr != nil {
		writeError(w, statusFor(runErr), runErr)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Messages: toResponseMessages(conv.Messages())})
}

// ListTools handles GET /binbot/tools.
func (h *Handler) ListTools(w http.ResponseWriter, r *http.Request) {
	if h.tools == nil {
		writeJSON(w, http.StatusOK, toolsResponse{Tools: []ToolInfo{}})
		return
	}
	tools, err := h.tools.Tools(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("chat: list tools failed", "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if tools == nil {
		tools = []ToolInfo{}
	}
	writeJSON(w, http.StatusOK, toolsResponse{Tools: tools})
}

// statusFor maps a run failure to the HTTP status reported to the client.
func statusFor(err error) int {
	var mErr *agent.ModelEndpointError
	switch {
	case errors.As(err, &mErr):
		return mErr.HTTPStatus()
	case errors.Is(err, agent.ErrContextWindowExceeded):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func drain(events <-chan agent.Event) {
	for range events {
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

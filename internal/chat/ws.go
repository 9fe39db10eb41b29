package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/binbot-dev/binbot/internal/agent"
	"github.com/binbot-dev/binbot/internal/conversation"
	"github.com/binbot-dev/binbot/internal/observe"
)

const (
	// wsRequestTimeout bounds the wait for the request frame after the
	// upgrade.
	wsRequestTimeout = 10 * time.Second

	// maxCloseReason is the longest close reason a control frame can carry.
	maxCloseReason = 123
)

// ChatWS handles GET /binbot/chat/ws. The client sends one request frame in
// the POST body format; the server answers with one text frame per content
// delta and closes with [websocket.StatusNormalClosure] when the answer is
// complete or [websocket.StatusInternalError] with the failure as reason.
func (h *Handler) ChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		// Accept has already written an HTTP error response.
		observe.Logger(r.Context()).Debug("chat: websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.maxBodyBytes)

	ctx := r.Context()
	log := observe.Logger(ctx)

	readCtx, cancelRead := context.WithTimeout(ctx, wsRequestTimeout)
	typ, data, err := conn.Read(readCtx)
	cancelRead()
	if err != nil {
		log.Debug("chat: websocket request not received", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "expected a chat request")
		return
	}
	var req chatRequest
	if typ != websocket.MessageText || json.Unmarshal(data, &req) != nil {
		conn.Close(websocket.StatusUnsupportedData, "chat: invalid JSON request")
		return
	}

	// CloseRead cancels runCtx when the client closes the connection.
	runCtx, cancel := context.WithCancel(conn.CloseRead(ctx))
	defer cancel()
	h.metrics.ActiveRequests.Add(runCtx, 1)
	defer h.metrics.ActiveRequests.Add(context.WithoutCancel(ctx), -1)

	conv := conversation.Seed(req.history())
	runCtx = observe.WithLogAttrs(runCtx,
		slog.String("chat_mode", "websocket"),
		slog.Int("seed_messages", conv.Len()),
	)
	log = observe.Logger(runCtx)
	events := h.runner.Run(runCtx, conv)
	for ev := range events {
		switch ev.Kind {
		case agent.EventContentDelta:
			if ev.Text == "" {
				continue
			}
			if err := conn.Write(runCtx, websocket.MessageText, []byte(ev.Text)); err != nil {
				log.Debug("chat: websocket write failed", "err", err)
				cancel()
				drain(events)
				return
			}
		case agent.EventError:
			log.Warn("chat: websocket run failed", "err", ev.Err)
			cancel()
			drain(events)
			conn.Close(websocket.StatusInternalError, closeReason(ev.Err.Error()))
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// closeReason truncates s to fit a close frame without splitting a UTF-8
// sequence.
func closeReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	cut := maxCloseReason
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

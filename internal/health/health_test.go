package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, h *Handler, ctx context.Context, path string) (int, result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux := http.NewServeMux()
	h.Register(mux)
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "llm", Check: failWith("down")})
	code, body := serve(t, h, context.Background(), "/healthz")
	if code != http.StatusOK || body.Status != StatusOK {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
	if body.Checks != nil {
		t.Errorf("healthz must not run checks, got %v", body.Checks)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     result
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
			want:     result{Status: StatusOK, Checks: nil},
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "llm", Check: pass},
				{Name: "mcp", Check: pass},
			},
			wantCode: http.StatusOK,
			want:     result{Status: StatusOK, Checks: map[string]string{"llm": "ok", "mcp": "ok"}},
		},
		{
			name: "required fails",
			checkers: []Checker{
				{Name: "llm", Check: failWith("connection refused")},
				{Name: "mcp", Check: pass},
			},
			wantCode: http.StatusServiceUnavailable,
			want: result{Status: StatusFail, Checks: map[string]string{
				"llm": "fail: connection refused",
				"mcp": "ok",
			}},
		},
		{
			name: "optional fails",
			checkers: []Checker{
				{Name: "llm", Check: pass},
				{Name: "mcp", Check: failWith("server gone"), Optional: true},
			},
			wantCode: http.StatusOK,
			want: result{Status: StatusDegraded, Checks: map[string]string{
				"llm": "ok",
				"mcp": "degraded: server gone",
			}},
		},
		{
			name: "required and optional fail",
			checkers: []Checker{
				{Name: "llm", Check: failWith("timeout")},
				{Name: "mcp", Check: failWith("server gone"), Optional: true},
			},
			wantCode: http.StatusServiceUnavailable,
			want: result{Status: StatusFail, Checks: map[string]string{
				"llm": "fail: timeout",
				"mcp": "degraded: server gone",
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tt.checkers...), context.Background(), "/readyz")
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if diff := cmp.Diff(tt.want, body); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	var running atomic.Int32
	barrier := func(ctx context.Context) error {
		running.Add(1)
		for running.Load() < 2 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return nil
	}
	h := New(Checker{Name: "a", Check: barrier}, Checker{Name: "b", Check: barrier})

	code, body := serve(t, h, context.Background(), "/readyz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 (checks waited on each other: %v)", code, body.Checks)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, _ := serve(t, h, ctx, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingChecker(t *testing.T) {
	t.Parallel()
	var pinged atomic.Bool
	c := PingChecker("mcp", pingerFunc(func(context.Context) error {
		pinged.Store(true)
		return errors.New("no servers answered")
	}), true)

	if c.Name != "mcp" || !c.Optional {
		t.Errorf("checker = %+v", c)
	}
	if err := c.Check(context.Background()); err == nil || !pinged.Load() {
		t.Errorf("Check did not delegate to Ping: err=%v", err)
	}
}

// Package clock provides built-in tools for date and time questions.
//
// Chat users ask things like "what was delivered in the last 3 days" and the
// model has no reliable notion of the current date, so two tools are exported
// via [Tools]:
//   - "current_time"  — the current date and time in a given IANA timezone.
//   - "days_between"  — the whole number of days between two dates.
//
// All handlers are safe for concurrent use.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/binbot-dev/binbot/internal/mcp/tools"
	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

const dateLayout = "2006-01-02"

type currentTimeArgs struct {
	// Timezone is an IANA zone name. Empty selects the configured default.
	Timezone string `json:"timezone"`
}

type currentTimeResult struct {
	Timezone string `json:"timezone"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Weekday  string `json:"weekday"`
	RFC3339  string `json:"rfc3339"`
}

type daysBetweenArgs struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type daysBetweenResult struct {
	From string `json:"from"`
	To   string `json:"to"`
	Days int    `json:"days"`
}

type clock struct {
	loc *time.Location
	now func() time.Time
}

func (c clock) currentTime(_ context.Context, args string) (string, error) {
	var a currentTimeArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("clock: failed to parse arguments: %w", err)
	}
	loc := c.loc
	if a.Timezone != "" {
		l, err := time.LoadLocation(a.Timezone)
		if err != nil {
			return "", fmt.Errorf("clock: unknown timezone %q", a.Timezone)
		}
		loc = l
	}

	now := c.now().In(loc)
	res, err := json.Marshal(currentTimeResult{
		Timezone: loc.String(),
		Date:     now.Format(dateLayout),
		Time:     now.Format("15:04"),
		Weekday:  now.Weekday().String(),
		RFC3339:  now.Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("clock: failed to encode result: %w", err)
	}
	return string(res), nil
}

func (c clock) daysBetween(_ context.Context, args string) (string, error) {
	var a daysBetweenArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("clock: failed to parse arguments: %w", err)
	}
	if a.To == "" {
		a.To = c.now().In(c.loc).Format(dateLayout)
	}
	from, err := time.Parse(dateLayout, a.From)
	if err != nil {
		return "", fmt.Errorf("clock: invalid from date %q, want YYYY-MM-DD", a.From)
	}
	to, err := time.Parse(dateLayout, a.To)
	if err != nil {
		return "", fmt.Errorf("clock: invalid to date %q, want YYYY-MM-DD", a.To)
	}

	// Both dates are parsed as UTC midnight, so the difference is a whole
	// number of 24h days.
	res, err := json.Marshal(daysBetweenResult{
		From: a.From,
		To:   a.To,
		Days: int(to.Sub(from).Hours() / 24),
	})
	if err != nil {
		return "", fmt.Errorf("clock: failed to encode result: %w", err)
	}
	return string(res), nil
}

// Tools returns the clock tools. loc is the default timezone used when a call
// names none; nil means UTC.
func Tools(loc *time.Location) []tools.Tool {
	return newTools(loc, time.Now)
}

func newTools(loc *time.Location, now func() time.Time) []tools.Tool {
	if loc == nil {
		loc = time.UTC
	}
	c := clock{loc: loc, now: now}
	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "current_time",
				Description: "Return the current date, time and weekday. Use it to resolve relative dates such as today, yesterday or last week.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timezone": map[string]any{
							"type":        "string",
							"description": "IANA timezone name, e.g. America/New_York. Defaults to the service timezone.",
						},
					},
				},
			},
			Handler: c.currentTime,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "days_between",
				Description: "Count the days from one date to another. Negative when to is before from.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"from": map[string]any{
							"type":        "string",
							"description": "Start date as YYYY-MM-DD.",
						},
						"to": map[string]any{
							"type":        "string",
							"description": "End date as YYYY-MM-DD. Defaults to today.",
						},
					},
					"required": []string{"from"},
				},
			},
			Handler: c.daysBetween,
		},
	}
}

// Package catalog holds the immutable tool list that one agent run offers to
// the language model.
//
// A [Catalog] is taken from an [mcp.Host] once, sorted by tool name, and never
// changes afterwards. Accessors hand out copies so callers cannot reach the
// catalog's internal state.
package catalog

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/binbot-dev/binbot/internal/mcp"
	"github.com/binbot-dev/binbot/pkg/provider/llm"
)

// Catalog is a name-sorted snapshot of tool descriptors.
// The zero value is an empty catalog.
type Catalog struct {
	tools []mcp.ToolDescriptor
	index map[string]int
}

// Empty returns a catalog with no tools. The agent loop runs in plain chat
// mode when it receives one.
func Empty() *Catalog {
	return &Catalog{}
}

// New builds a catalog from descriptors. Later duplicates of a name are
// ignored. Descriptors are deep-copied.
func New(tools []mcp.ToolDescriptor) *Catalog {
	c := &Catalog{index: make(map[string]int, len(tools))}
	for _, t := range tools {
		if _, dup := c.index[t.Name]; dup {
			continue
		}
		c.index[t.Name] = -1
		c.tools = append(c.tools, cloneDescriptor(t))
	}
	slices.SortFunc(c.tools, func(a, b mcp.ToolDescriptor) int {
		return strings.Compare(a.Name, b.Name)
	})
	for i, t := range c.tools {
		c.index[t.Name] = i
	}
	return c
}

// FromHost fetches the host's current tool list and freezes it into a
// catalog.
func FromHost(ctx context.Context, host mcp.Host) (*Catalog, error) {
	if host == nil {
		return nil, fmt.Errorf("catalog: host must not be nil")
	}
	tools, err := host.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: list tools: %w", err)
	}
	return New(tools), nil
}

// Len reports the number of tools.
func (c *Catalog) Len() int { return len(c.tools) }

// Descriptors returns a copy of all descriptors in name order.
func (c *Catalog) Descriptors() []mcp.ToolDescriptor {
	out := make([]mcp.ToolDescriptor, len(c.tools))
	for i, t := range c.tools {
		out[i] = cloneDescriptor(t)
	}
	return out
}

// Lookup returns a copy of the named descriptor.
func (c *Catalog) Lookup(name string) (mcp.ToolDescriptor, bool) {
	i, ok := c.index[name]
	if !ok {
		return mcp.ToolDescriptor{}, false
	}
	return cloneDescriptor(c.tools[i]), true
}

// FunctionSpecs maps every descriptor to the function definition shown to the
// model. A tool without an input schema gets an empty object schema.
func (c *Catalog) FunctionSpecs() []llm.ToolDefinition {
	if len(c.tools) == 0 {
		return nil
	}
	specs := make([]llm.ToolDefinition, len(c.tools))
	for i, t := range c.tools {
		params := cloneMap(t.InputSchema)
		if len(params) == 0 {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs[i] = llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return specs
}

func cloneDescriptor(d mcp.ToolDescriptor) mcp.ToolDescriptor {
	d.InputSchema = cloneMap(d.InputSchema)
	return d
}

// cloneMap deep-copies the nested maps and slices a decoded JSON schema can
// contain.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

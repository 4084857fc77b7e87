// Package tools defines the tool registry consulted by the agent loop,
// concurrent dispatch of a turn's tool calls, and the utility tool
// families (plan, scratchpad) available to every agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/ideaworks/internal/llm"
)

// Handler executes a tool. input is the raw JSON object the model
// supplied. A string result is passed to the model verbatim; any other
// value is JSON-encoded.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Registry is a name → tool dispatch table. Registration order is kept
// so the schemas sent to the model are stable across turns. A Registry
// is not safe for concurrent mutation; build it fully before a run.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any tool of the same name.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	if r == nil {
		return nil
	}
	return r.tools[name]
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Clone returns a shallow copy that can be extended without touching r.
// A nil receiver yields an empty registry.
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	if r == nil {
		return c
	}
	for _, name := range r.order {
		c.Register(r.tools[name])
	}
	return c
}

// FilteredCopy returns a registry holding only the named tools.
// Names not present in r are ignored.
func (r *Registry) FilteredCopy(names []string) *Registry {
	c := NewRegistry()
	for _, name := range names {
		if t := r.Get(name); t != nil {
			c.Register(t)
		}
	}
	return c
}

// Schemas returns the tool descriptions sent to the model.
func (r *Registry) Schemas() []llm.ToolSchema {
	if r == nil {
		return nil
	}
	result := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: params,
		})
	}
	return result
}

// Execute runs a tool by name and renders its result as a string.
// An unregistered name yields *[ErrToolUnavailable].
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	out, err := tool.Handler(ctx, input)
	if err != nil {
		return "", err
	}
	return render(out)
}

func render(out any) (string, error) {
	switch v := out.(type) {
	case string:
		return v, nil
	case nil:
		return "ok", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode result: %w", err)
		}
		return string(data), nil
	}
}

// DecodeInput unmarshals a tool input into v, reporting malformed input
// as a tool error the model can read and correct.
func DecodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

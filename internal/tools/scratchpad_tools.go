package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/ideaworks/internal/opstate"
)

// ScratchpadNamespace returns the store namespace shared by every run
// working on entityID.
func ScratchpadNamespace(entityID string) string {
	return "scratchpad:" + entityID
}

// RegisterScratchpadTools adds read_scratchpad and write_scratchpad.
// The entity is taken from the call context (see [WithRun]), so
// independent runs over the same entity see each other's notes.
func RegisterScratchpadTools(r *Registry, kv opstate.KV, ttl time.Duration) {
	r.Register(&Tool{
		Name: "read_scratchpad",
		Description: "Read notes shared by all agents working on this entity. " +
			"Pass a key to read one entry, or omit it to list every entry.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{"type": "string", "description": "Entry to read"},
			},
		},
		Handler: func(ctx context.Context, input json.RawMessage) (any, error) {
			var args struct {
				Key string `json:"key"`
			}
			if err := DecodeInput(input, &args); err != nil {
				return nil, err
			}
			ns, err := scratchpadNamespace(ctx)
			if err != nil {
				return nil, err
			}

			if args.Key == "" {
				entries, err := kv.List(ctx, ns)
				if err != nil {
					return nil, fmt.Errorf("list scratchpad: %w", err)
				}
				return map[string]any{"entries": entries}, nil
			}
			value, err := kv.Get(ctx, ns, args.Key)
			if err != nil {
				return nil, fmt.Errorf("read scratchpad: %w", err)
			}
			return map[string]any{"key": args.Key, "value": value, "found": value != ""}, nil
		},
	})

	r.Register(&Tool{
		Name: "write_scratchpad",
		Description: "Write a note shared with all agents working on this entity. " +
			"An empty value deletes the entry.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":   map[string]any{"type": "string"},
				"value": map[string]any{"type": "string"},
			},
			"required": []string{"key", "value"},
		},
		Handler: func(ctx context.Context, input json.RawMessage) (any, error) {
			var args struct {
				Key   string `json:"key"`
				Value string `json:"value"`
			}
			if err := DecodeInput(input, &args); err != nil {
				return nil, err
			}
			if args.Key == "" {
				return nil, fmt.Errorf("key is required")
			}
			ns, err := scratchpadNamespace(ctx)
			if err != nil {
				return nil, err
			}

			if args.Value == "" {
				if err := kv.Delete(ctx, ns, args.Key); err != nil {
					return nil, fmt.Errorf("delete scratchpad entry: %w", err)
				}
				return "Scratchpad entry deleted.", nil
			}
			if err := kv.Set(ctx, ns, args.Key, args.Value, ttl); err != nil {
				return nil, fmt.Errorf("write scratchpad: %w", err)
			}
			return "Scratchpad updated.", nil
		},
	})
}

func scratchpadNamespace(ctx context.Context) (string, error) {
	entity := EntityIDFromContext(ctx)
	if entity == "" {
		return "", fmt.Errorf("scratchpad unavailable: no entity in context")
	}
	return ScratchpadNamespace(entity), nil
}

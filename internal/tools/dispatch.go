package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/ideaworks/internal/llm"
)

var tracer = otel.Tracer("ideaworks/tools")

// errorPayload is the structured body of an is_error tool_result.
type errorPayload struct {
	Error   string `json:"error"`
	Tool    string `json:"tool"`
	Unknown bool   `json:"unknown_tool,omitempty"`
}

// Dispatch executes every tool_use block of one turn concurrently and
// returns exactly one tool_result per call, in request order. A failing,
// panicking or unknown tool yields an is_error result; it never stops
// its siblings. Dispatch blocks until every call has returned.
func Dispatch(ctx context.Context, reg *Registry, calls []llm.ContentBlock, logger *slog.Logger) []llm.ContentBlock {
	if logger == nil {
		logger = slog.Default()
	}
	results := make([]llm.ContentBlock, len(calls))

	// Handlers never return errors to the group; each result slot is
	// owned by exactly one goroutine.
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = executeOne(ctx, reg, call, logger)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func executeOne(ctx context.Context, reg *Registry, call llm.ContentBlock, logger *slog.Logger) (result llm.ContentBlock) {
	ctx, span := tracer.Start(ctx, "tool "+call.Name)
	span.SetAttributes(attribute.String("tool.name", call.Name), attribute.String("tool.use_id", call.ID))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := &PanicError{ToolName: call.Name, Value: r}
			logger.Error("tool panicked", "tool", call.Name, "tool_use_id", call.ID, "panic", r)
			span.SetStatus(codes.Error, err.Error())
			result = errorResult(call, err)
		}
	}()

	out, err := reg.Execute(ctx, call.Name, call.Input)
	if err != nil {
		logger.Warn("tool exec failed",
			"tool", call.Name,
			"tool_use_id", call.ID,
			"error", err,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errorResult(call, err)
	}

	logger.Debug("tool exec done",
		"tool", call.Name,
		"tool_use_id", call.ID,
		"result_len", len(out),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return llm.ToolResultBlock(call.ID, out, false)
}

func errorResult(call llm.ContentBlock, err error) llm.ContentBlock {
	payload := errorPayload{Error: err.Error(), Tool: call.Name}
	var unavailable *ErrToolUnavailable
	if errors.As(err, &unavailable) {
		payload.Unknown = true
	}
	data, _ := json.Marshal(payload)
	return llm.ToolResultBlock(call.ID, string(data), true)
}

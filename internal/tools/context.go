package tools

import "context"

type contextKey string

const (
	runIDKey    contextKey = "run_id"
	entityIDKey contextKey = "entity_id"
)

// WithRun adds the run and entity identifiers to the context handed to
// tool handlers. Tools that keep per-run state key it by run id.
func WithRun(ctx context.Context, runID, entityID string) context.Context {
	ctx = context.WithValue(ctx, runIDKey, runID)
	return context.WithValue(ctx, entityIDKey, entityID)
}

// RunIDFromContext extracts the run id, or "" if not set.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// EntityIDFromContext extracts the entity id, or "" if not set.
func EntityIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(entityIDKey).(string)
	return id
}

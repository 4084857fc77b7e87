package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Complete sends one request and returns the full response. A
	// response whose StopReason is [StopMaxTokens] is returned without
	// error; callers that need complete structured output check
	// [Response.Truncated] or use [DecodeJSON].
	Complete(ctx context.Context, req *Request) (*Response, error)
}

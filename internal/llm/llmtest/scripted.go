// Package llmtest provides a scripted [llm.Client] for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nugget/ideaworks/internal/llm"
)

// ErrExhausted is returned once every scripted reply has been consumed.
var ErrExhausted = errors.New("llmtest: script exhausted")

// Reply is one scripted model turn. When Err is set it is returned
// instead of Response.
type Reply struct {
	Response *llm.Response
	Err      error
}

// Scripted replays Replies in order and records every request.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	calls   []*llm.Request

	// OnCall, when set, runs before each reply is returned.
	OnCall func(req *llm.Request)
}

// New returns a client that answers with replies in order.
func New(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Complete implements [llm.Client].
func (s *Scripted) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Snapshot the history; the caller keeps appending to its slice.
	snap := *req
	snap.Messages = append([]llm.Message(nil), req.Messages...)
	s.calls = append(s.calls, &snap)
	if s.OnCall != nil {
		s.OnCall(&snap)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.calls) > len(s.replies) {
		return nil, ErrExhausted
	}
	r := s.replies[len(s.calls)-1]
	return r.Response, r.Err
}

// Calls returns the recorded requests.
func (s *Scripted) Calls() []*llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.Request(nil), s.calls...)
}

// Text is a reply that ends the turn with text.
func Text(text string) Reply {
	return Reply{Response: &llm.Response{
		Content:    []llm.ContentBlock{llm.TextBlock(text)},
		StopReason: llm.StopEndTurn,
	}}
}

// Call describes one tool_use block of a [ToolUse] reply.
type Call struct {
	ID    string
	Name  string
	Input any
}

// ToolUse is a reply requesting the given tool calls. Inputs are
// marshaled to JSON; a nil input becomes {}.
func ToolUse(calls ...Call) Reply {
	blocks := make([]llm.ContentBlock, 0, len(calls))
	for _, c := range calls {
		var raw json.RawMessage
		if c.Input != nil {
			raw, _ = json.Marshal(c.Input)
		}
		blocks = append(blocks, llm.ToolUseBlock(c.ID, c.Name, raw))
	}
	return Reply{Response: &llm.Response{Content: blocks, StopReason: llm.StopToolUse}}
}

// Truncated is a reply cut at max_tokens.
func Truncated(text string) Reply {
	return Reply{Response: &llm.Response{
		Content:    []llm.ContentBlock{llm.TextBlock(text)},
		StopReason: llm.StopMaxTokens,
	}}
}

// Fail is a reply that returns err.
func Fail(err error) Reply {
	return Reply{Err: err}
}

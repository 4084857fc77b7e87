// Package llm defines the language-model service contract used by the
// agent loop and provides the Anthropic Messages API client.
package llm

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role identifies the author of a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the [ContentBlock] tagged union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message body. Which fields are
// meaningful depends on Type:
//
//   - text: Text
//   - tool_use: ID, Name, Input
//   - tool_result: ToolUseID, Content, IsError
type ContentBlock struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock returns a tool_use content block. A nil input is
// normalized to an empty JSON object.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns a tool_result content block answering the
// tool_use with the given id.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one exchange unit in a conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserText is a convenience constructor for a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// Text concatenates all text blocks of the message.
func (m Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolSchema describes a tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// StopReason reports why the model stopped generating.
type StopReason string

const (
	// StopEndTurn is a natural stop.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model stopped to request tool calls.
	StopToolUse StopReason = "tool_use"
	// StopMaxTokens means output was cut at the max_tokens limit. Any
	// structured content in the response may be incomplete.
	StopMaxTokens StopReason = "max_tokens"
	// StopSequence means a configured stop sequence was hit.
	StopSequence StopReason = "stop_sequence"
)

// Request is a single model invocation.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// Response is the provider-neutral result of a model invocation.
type Response struct {
	Model      string
	Content    []ContentBlock
	StopReason StopReason

	InputTokens  int
	OutputTokens int
}

// Message wraps the response content as an assistant message.
func (r *Response) Message() Message {
	return Message{Role: RoleAssistant, Content: r.Content}
}

// Truncated reports whether generation stopped at the output limit.
func (r *Response) Truncated() bool {
	return r.StopReason == StopMaxTokens
}

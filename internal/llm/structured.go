package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrTruncated is returned when a response hit the output-size limit
// and its content cannot be trusted as complete.
var ErrTruncated = errors.New("llm: response truncated at max_tokens")

// ParseError reports structured output that could not be decoded.
type ParseError struct {
	// Excerpt is the leading portion of the offending text.
	Excerpt string
	Err     error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("llm: unparseable structured output (%v): %q", e.Err, e.Excerpt)
}

// Unwrap returns the underlying decode error.
func (e *ParseError) Unwrap() error { return e.Err }

// DecodeJSON decodes the JSON object carried in the text of resp into
// v. Markdown code fences and prose around the object are tolerated.
// A truncated response yields [ErrTruncated] without attempting to
// parse; undecodable text yields a *[ParseError].
func DecodeJSON(resp *Response, v any) error {
	if resp.Truncated() {
		return ErrTruncated
	}
	text := resp.Message().Text()
	raw := extractJSONObject(text)
	if raw == "" {
		return &ParseError{Excerpt: excerpt(text, 200), Err: errors.New("no JSON object found")}
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return &ParseError{Excerpt: excerpt(raw, 200), Err: err}
	}
	return nil
}

// extractJSONObject returns the outermost {...} span of s, or "".
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

// excerpt keeps the first n runes of s.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

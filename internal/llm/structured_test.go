package llm

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		stop      StopReason
		wantScore int
		wantErr   error
		wantParse bool
	}{
		{name: "bare object", text: `{"score": 8}`, stop: StopEndTurn, wantScore: 8},
		{name: "fenced", text: "```json\n{\"score\": 6}\n```", stop: StopEndTurn, wantScore: 6},
		{name: "prose around", text: "Here you go:\n{\"score\": 3}\nThanks.", stop: StopEndTurn, wantScore: 3},
		{name: "truncated", text: `{"score": 8`, stop: StopMaxTokens, wantErr: ErrTruncated},
		{name: "no object", text: "I cannot comply.", stop: StopEndTurn, wantParse: true},
		{name: "bad json", text: `{"score": "eight",}`, stop: StopEndTurn, wantParse: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &Response{Content: []ContentBlock{TextBlock(tt.text)}, StopReason: tt.stop}
			var out struct {
				Score int `json:"score"`
			}
			err := DecodeJSON(resp, &out)

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			case tt.wantParse:
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("err = %v, want *ParseError", err)
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if out.Score != tt.wantScore {
					t.Errorf("score = %d, want %d", out.Score, tt.wantScore)
				}
			}
		})
	}
}

func TestMessageHelpers(t *testing.T) {
	m := Message{Role: RoleAssistant, Content: []ContentBlock{
		TextBlock("first"),
		ToolUseBlock("a", "x", nil),
		TextBlock("second"),
		ToolUseBlock("b", "y", []byte(`{"k":1}`)),
	}}

	if got := m.Text(); got != "first\nsecond" {
		t.Errorf("Text() = %q", got)
	}
	uses := m.ToolUses()
	if len(uses) != 2 || uses[0].ID != "a" || uses[1].ID != "b" {
		t.Errorf("ToolUses() = %+v", uses)
	}
	if string(uses[0].Input) != "{}" {
		t.Errorf("nil input normalized to %q, want {}", uses[0].Input)
	}
}

func TestExcerptKeepsRunesWhole(t *testing.T) {
	got := excerpt(strings.Repeat("é", 5), 3)
	if got != "ééé..." {
		t.Errorf("excerpt = %q, want %q", got, "ééé...")
	}
	if !utf8.ValidString(got) {
		t.Errorf("excerpt is not valid UTF-8: %q", got)
	}

	resp := &Response{Content: []ContentBlock{TextBlock(strings.Repeat("日本語", 100))}, StopReason: StopEndTurn}
	var v struct{}
	var pe *ParseError
	if err := DecodeJSON(resp, &v); !errors.As(err, &pe) {
		t.Fatalf("DecodeJSON() error = %v, want *ParseError", err)
	}
	if !utf8.ValidString(pe.Excerpt) {
		t.Errorf("parse error excerpt is not valid UTF-8: %q", pe.Excerpt)
	}
}

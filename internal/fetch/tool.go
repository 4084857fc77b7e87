package fetch

import (
	"context"
	"encoding/json"

	"github.com/nugget/ideaworks/internal/tools"
)

// ToolName is the name the model calls the fetcher by.
const ToolName = "web_fetch"

type toolInput struct {
	URL      string `json:"url"`
	MaxChars int    `json:"max_chars"`
}

// Register adds the web_fetch tool backed by f.
func Register(r *tools.Registry, f *Fetcher) {
	r.Register(&tools.Tool{
		Name:        ToolName,
		Description: "Fetch a web page and return its title and readable text. Navigation, scripts and footers are stripped.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch. https is assumed when no scheme is given.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters of text to return. Default 50000.",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, input json.RawMessage) (any, error) {
			var in toolInput
			if err := tools.DecodeInput(input, &in); err != nil {
				return nil, err
			}
			return f.Fetch(ctx, in.URL, in.MaxChars)
		},
	})
}

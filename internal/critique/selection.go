package critique

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/ideaworks/internal/llm"
)

// ErrSelectionUnparseable means the selection call returned output
// that could not be decoded. It is distinct from a selection that
// legitimately matched no critics.
var ErrSelectionUnparseable = errors.New("critic selection output unparseable")

// SelectionError reports a failed dynamic selection. It matches both
// [ErrSelectionUnparseable] and the underlying cause (for example
// [llm.ErrTruncated] or *[llm.ParseError]) under errors.Is/As.
type SelectionError struct {
	ContentType string
	Err         error
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("select critics for %s: %v: %v", e.ContentType, ErrSelectionUnparseable, e.Err)
}

func (e *SelectionError) Unwrap() []error {
	return []error{ErrSelectionUnparseable, e.Err}
}

type selectionReply struct {
	Critics []string `json:"critics"`
}

// selectCritics resolves the critics for ct. Fixed lists are looked up
// in the roster; dynamic selection asks the model to match critic
// expertise against ct's evaluation needs. An empty result is valid.
func (p *Pipeline) selectCritics(ctx context.Context, ct ContentType) ([]*Advisor, error) {
	if !ct.Dynamic {
		out := make([]*Advisor, 0, len(ct.Critics))
		for _, id := range ct.Critics {
			a, ok := p.roster.Get(id)
			if !ok {
				return nil, fmt.Errorf("content type %s: unknown critic %q", ct.Name, id)
			}
			out = append(out, a)
		}
		return out, nil
	}

	candidates := p.roster.Critics()
	if len(candidates) == 0 {
		return nil, nil
	}

	resp, err := p.llm.Complete(ctx, &llm.Request{
		Model:     p.model,
		System:    selectionSystemPrompt,
		Messages:  []llm.Message{llm.UserText(selectionPrompt(ct, candidates))},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("select critics for %s: %w", ct.Name, err)
	}

	var reply selectionReply
	if err := llm.DecodeJSON(resp, &reply); err != nil {
		return nil, &SelectionError{ContentType: ct.Name, Err: err}
	}

	var out []*Advisor
	seen := make(map[string]bool)
	for _, id := range reply.Critics {
		a, ok := p.roster.Get(id)
		if !ok || a.Role != RoleCritic {
			p.logger.Warn("selection named unknown critic", "content_type", ct.Name, "advisor_id", id)
			continue
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, a)
		}
	}
	p.logger.Info("critics selected", "content_type", ct.Name, "critics", len(out), "candidates", len(candidates))
	return out, nil
}

const selectionSystemPrompt = `You assign reviewers to content. Respond with a single JSON object and nothing else.`

func selectionPrompt(ct ContentType, candidates []*Advisor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Content type: %s\n", ct.Name)
	if ct.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", ct.Description)
	}
	fmt.Fprintf(&b, "Evaluation needs: %s\n\nAvailable critics:\n", ct.EvaluationNeeds)
	for _, a := range candidates {
		fmt.Fprintf(&b, "- id: %s\n  name: %s\n", a.ID, a.Name)
		if a.EvaluationExpertise != "" {
			fmt.Fprintf(&b, "  evaluates: %s\n", a.EvaluationExpertise)
		}
		if a.DoesNotEvaluate != "" {
			fmt.Fprintf(&b, "  does not evaluate: %s\n", a.DoesNotEvaluate)
		}
	}
	b.WriteString(`
Choose the critics whose expertise covers the evaluation needs. Skip critics whose exclusions overlap the needs. It is fine to choose none.
Reply exactly as: {"critics": ["<id>", ...]}`)
	return b.String()
}

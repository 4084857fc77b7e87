package critique

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/ideaworks/internal/content"
	"github.com/nugget/ideaworks/internal/llm"
	"github.com/nugget/ideaworks/internal/tools"
)

// register adds the six pipeline tools bound to j.
func (p *Pipeline) register(r *tools.Registry, j *job) {
	empty := map[string]any{"type": "object", "properties": map[string]any{}}

	r.Register(&tools.Tool{
		Name:        "generate_draft",
		Description: "Write the first draft from the source material. Call once, at the start.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"notes": map[string]any{
					"type":        "string",
					"description": "Optional emphasis for the author",
				},
			},
		},
		Handler: p.handler(j, "generate_draft", func(ctx context.Context, s *session, input json.RawMessage) (any, error) {
			return p.generateDraft(ctx, j, s, input)
		}),
	})
	r.Register(&tools.Tool{
		Name:        "run_critiques",
		Description: "Have the critics evaluate the current draft. Starts a new round.",
		Parameters:  empty,
		Handler: p.handler(j, "run_critiques", func(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
			return p.runCritiques(ctx, j, s)
		}),
	})
	r.Register(&tools.Tool{
		Name:        "editor_decision",
		Description: "Apply the editor rubric to this round's critiques: approve or revise.",
		Parameters:  empty,
		Handler: p.handler(j, "editor_decision", func(_ context.Context, s *session, _ json.RawMessage) (any, error) {
			return p.editorDecision(j, s)
		}),
	})
	r.Register(&tools.Tool{
		Name:        "summarize_round",
		Description: "Record the round and update the do-not-regress lists. Returns a compact summary.",
		Parameters:  empty,
		Handler: p.handler(j, "summarize_round", func(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
			return p.summarizeRound(ctx, s)
		}),
	})
	r.Register(&tools.Tool{
		Name:        "revise_draft",
		Description: "Rewrite the draft to address the editor's brief without regressing fixed items.",
		Parameters:  empty,
		Handler: p.handler(j, "revise_draft", func(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
			return p.reviseDraft(ctx, j, s)
		}),
	})
	r.Register(&tools.Tool{
		Name:        "save_content",
		Description: "Save the final draft. Allowed once the editor approved or revisions are used up.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{"type": "string", "description": "Title for the saved content"},
			},
		},
		Handler: p.handler(j, "save_content", func(ctx context.Context, s *session, input json.RawMessage) (any, error) {
			return p.saveContent(ctx, j, s, input)
		}),
	})
}

func (p *Pipeline) generateDraft(ctx context.Context, j *job, s *session, input json.RawMessage) (any, error) {
	if s.Phase != "" {
		return nil, fmt.Errorf("draft already generated (version %d); next call %s", s.DraftVersion, nextStep(s))
	}
	var in struct {
		Notes string `json:"notes"`
	}
	if err := tools.DecodeInput(input, &in); err != nil {
		return nil, err
	}

	author, _ := p.roster.Get(j.ct.AuthorID)
	draft, err := p.write(ctx, author, draftPrompt(j.ct, j.source, in.Notes))
	if err != nil {
		return nil, fmt.Errorf("generate draft: %w", err)
	}

	s.Draft = draft
	s.DraftVersion = 1
	s.Phase = phaseDrafted
	p.logger.Info("draft generated", "run_id", s.RunID, "content_type", j.ct.Name, "words", wordCount(draft))
	return map[string]any{
		"draft_version": s.DraftVersion,
		"words":         wordCount(draft),
		"preview":       preview(draft, 300),
		"next":          nextStep(s),
	}, nil
}

func (p *Pipeline) runCritiques(ctx context.Context, j *job, s *session) (any, error) {
	if s.Phase != phaseDrafted {
		return nil, outOfOrder("run_critiques", s)
	}

	if !s.Selected {
		critics, err := p.selectCritics(ctx, j.ct)
		if err != nil {
			return nil, err
		}
		s.Selected = true
		s.Critics = make([]string, len(critics))
		for i, a := range critics {
			s.Critics[i] = a.ID
		}
	}

	critics := make([]*Advisor, 0, len(s.Critics))
	for _, id := range s.Critics {
		if a, ok := p.roster.Get(id); ok {
			critics = append(critics, a)
		}
	}

	s.Round++
	s.Critiques = p.evaluate(ctx, j.ct, critics, s.Draft)
	s.Decision = nil
	s.Phase = phaseCritiqued

	type critiqueView struct {
		Advisor string `json:"advisor"`
		Score   int    `json:"score"`
		Pass    bool   `json:"pass"`
		High    int    `json:"high"`
		Medium  int    `json:"medium"`
		Low     int    `json:"low"`
		Error   string `json:"error,omitempty"`
	}
	views := make([]critiqueView, len(s.Critiques))
	failed := 0
	for i, c := range s.Critiques {
		views[i] = critiqueView{
			Advisor: c.AdvisorName,
			Score:   c.Score,
			Pass:    c.Pass,
			High:    c.count(SeverityHigh),
			Medium:  c.count(SeverityMedium),
			Low:     c.count(SeverityLow),
			Error:   c.Error,
		}
		if c.Failed() {
			failed++
		}
	}
	p.logger.Info("round critiqued", "run_id", s.RunID, "round", s.Round, "critics", len(critics), "failed", failed)

	out := map[string]any{
		"round":     s.Round,
		"critiques": views,
		"failed":    failed,
		"next":      nextStep(s),
	}
	if len(critics) == 0 {
		out["note"] = "no critics matched this content type; the round is empty"
	}
	return out, nil
}

func (p *Pipeline) editorDecision(j *job, s *session) (any, error) {
	if s.Phase != phaseCritiqued {
		return nil, outOfOrder("editor_decision", s)
	}
	d := Decide(s.Critiques, s.PrevAvg, j.ct.MinScore)
	s.Decision = &d
	s.Phase = phaseDecided

	p.logger.Info("editor decided", "run_id", s.RunID, "round", s.Round,
		"decision", d.Decision, "average_score", d.AverageScore, "high_issues", d.HighIssues)
	return map[string]any{
		"decision":            d.Decision,
		"reason":              d.Reason,
		"average_score":       d.AverageScore,
		"high_issues":         d.HighIssues,
		"brief":               d.Brief,
		"revisions_remaining": max(s.MaxRevisions-s.Revisions, 0),
		"next":                nextStep(s),
	}, nil
}

func (p *Pipeline) summarizeRound(ctx context.Context, s *session) (any, error) {
	if s.Phase != phaseDecided {
		return nil, outOfOrder("summarize_round", s)
	}

	s.FixedItems = mergeFixed(s.FixedItems, FixedItems(s.Prev, s.Critiques))
	s.WellScored = mergeIDs(s.WellScored, WellScored(s.Critiques))

	round := Round{
		Number:      s.Round,
		Critiques:   s.Critiques,
		Decision:    *s.Decision,
		FixedItems:  s.FixedItems,
		WellScored:  s.WellScored,
		CompletedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(round)
	if err != nil {
		return nil, fmt.Errorf("encode round: %w", err)
	}
	if err := p.state.Set(ctx, Namespace, roundKey(s.RunID, s.Round), string(data), p.ttl); err != nil {
		return nil, fmt.Errorf("save round %d: %w", s.Round, err)
	}

	s.Prev = s.Critiques
	// A round with no usable critique says nothing about quality; keep
	// the last real average for the oscillation guard.
	if avg, scored := averageScore(s.Critiques); scored > 0 {
		s.PrevAvg = &avg
	}
	s.Phase = phaseSummarized

	fixed := make([]string, len(s.FixedItems))
	for i, f := range s.FixedItems {
		fixed[i] = f.Description
	}
	return map[string]any{
		"round":               s.Round,
		"average_score":       s.Decision.AverageScore,
		"high_issues":         s.Decision.HighIssues,
		"decision":            s.Decision.Decision,
		"brief":               s.Decision.Brief,
		"fixed_items":         fixed,
		"well_scored":         p.advisorNames(s.WellScored),
		"revisions_remaining": max(s.MaxRevisions-s.Revisions, 0),
		"next":                nextStep(s),
	}, nil
}

func (p *Pipeline) reviseDraft(ctx context.Context, j *job, s *session) (any, error) {
	if s.Phase != phaseSummarized {
		return nil, outOfOrder("revise_draft", s)
	}
	if s.Decision == nil || s.Decision.Decision != DecisionRevise {
		return nil, errors.New("the editor approved this draft; next call save_content")
	}
	if s.Revisions >= s.MaxRevisions {
		return nil, fmt.Errorf("all %d revision rounds used; next call save_content", s.MaxRevisions)
	}

	author, _ := p.roster.Get(j.ct.AuthorID)
	prompt := revisionPrompt(j.ct, s.Draft, s.Decision.Brief, p.doNotRegress(s))
	draft, err := p.write(ctx, author, prompt)
	if err != nil {
		return nil, fmt.Errorf("revise draft: %w", err)
	}

	s.Draft = draft
	s.DraftVersion++
	s.Revisions++
	s.Critiques = nil
	s.Phase = phaseDrafted
	p.logger.Info("draft revised", "run_id", s.RunID, "draft_version", s.DraftVersion, "revisions", s.Revisions)
	return map[string]any{
		"draft_version":       s.DraftVersion,
		"words":               wordCount(draft),
		"revisions_remaining": s.MaxRevisions - s.Revisions,
		"next":                nextStep(s),
	}, nil
}

func (p *Pipeline) saveContent(ctx context.Context, j *job, s *session, input json.RawMessage) (any, error) {
	if s.Phase == phaseSaved {
		return map[string]any{"content_id": s.ContentID, "quality": s.Quality, "note": "already saved"}, nil
	}
	if s.Phase != phaseSummarized {
		return nil, outOfOrder("save_content", s)
	}

	var quality content.Quality
	switch {
	case s.Decision != nil && s.Decision.Decision == DecisionApprove:
		quality = content.QualityApproved
	case s.Revisions >= s.MaxRevisions:
		quality = content.QualityMaxRoundsReached
	default:
		return nil, fmt.Errorf("the editor asked for a revision and %d remain; next call revise_draft",
			s.MaxRevisions-s.Revisions)
	}

	var in struct {
		Title string `json:"title"`
	}
	if err := tools.DecodeInput(input, &in); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = defaultTitle(s.Draft, j.ct.Name)
	}

	item := &content.Item{
		RunID:       s.RunID,
		EntityID:    s.EntityID,
		ContentType: j.ct.Name,
		Title:       title,
		Markdown:    s.Draft,
		Quality:     quality,
		Rounds:      s.Round,
		FinalScore:  s.Decision.AverageScore,
	}
	if err := p.saver.Save(ctx, item); err != nil {
		return nil, fmt.Errorf("save content: %w", err)
	}

	s.ContentID = item.ID
	s.Quality = quality
	s.Phase = phaseSaved
	p.logger.Info("content saved", "run_id", s.RunID, "content_id", item.ID, "quality", quality, "rounds", s.Round)
	return map[string]any{
		"content_id":  item.ID,
		"quality":     quality,
		"rounds":      s.Round,
		"final_score": s.Decision.AverageScore,
	}, nil
}

// write asks an author advisor for text.
func (p *Pipeline) write(ctx context.Context, author *Advisor, prompt string) (string, error) {
	resp, err := p.llm.Complete(ctx, &llm.Request{
		Model:     p.model,
		System:    authorSystemPrompt(author),
		Messages:  []llm.Message{llm.UserText(prompt)},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if resp.Truncated() {
		return "", llm.ErrTruncated
	}
	text := strings.TrimSpace(resp.Message().Text())
	if text == "" {
		return "", errors.New("author returned an empty draft")
	}
	return text, nil
}

func (p *Pipeline) advisorNames(ids []string) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id
		if a, ok := p.roster.Get(id); ok {
			names[i] = a.Name
		}
	}
	return names
}

// doNotRegress renders the accumulated fixed and well-scored sets.
func (p *Pipeline) doNotRegress(s *session) string {
	var b strings.Builder
	for _, f := range s.FixedItems {
		name := f.AdvisorID
		if a, ok := p.roster.Get(f.AdvisorID); ok {
			name = a.Name
		}
		fmt.Fprintf(&b, "- Fixed (%s): %s\n", name, f.Description)
	}
	for _, id := range s.WellScored {
		a, ok := p.roster.Get(id)
		if !ok {
			continue
		}
		area := a.EvaluationExpertise
		if area == "" {
			area = "everything this critic reviews"
		}
		fmt.Fprintf(&b, "- Scored well with %s: %s\n", a.Name, area)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func wordCount(s string) int { return len(strings.Fields(s)) }

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// defaultTitle uses the draft's first markdown heading.
func defaultTitle(draft, fallback string) string {
	for _, line := range strings.Split(draft, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			if t := strings.TrimSpace(strings.TrimLeft(line, "#")); t != "" {
				return t
			}
		}
	}
	return fallback
}

package critique

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/ideaworks/internal/llm"
)

// CriticConcurrency bounds simultaneous critic calls to the model.
const CriticConcurrency = 2

type critiqueReply struct {
	Score  int     `json:"score"`
	Pass   bool    `json:"pass"`
	Issues []Issue `json:"issues"`
}

// evaluate asks every critic to score draft, at most CriticConcurrency
// at a time. Results keep critic order. A failing critic yields a
// Critique with Error set; it never affects the others.
func (p *Pipeline) evaluate(ctx context.Context, ct ContentType, critics []*Advisor, draft string) []Critique {
	results := make([]Critique, len(critics))

	var g errgroup.Group
	g.SetLimit(CriticConcurrency)
	for i, a := range critics {
		g.Go(func() error {
			results[i] = p.critique(ctx, ct, a, draft)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) critique(ctx context.Context, ct ContentType, a *Advisor, draft string) (c Critique) {
	c = Critique{AdvisorID: a.ID, AdvisorName: a.Name}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			c = failedCritique(a, fmt.Errorf("critic panicked: %v", r))
		}
		if c.Failed() {
			p.logger.Warn("critic failed", "advisor_id", a.ID, "error", c.Error,
				"elapsed", time.Since(start).Round(time.Millisecond))
		} else {
			p.logger.Debug("critic done", "advisor_id", a.ID, "score", c.Score, "issues", len(c.Issues),
				"elapsed", time.Since(start).Round(time.Millisecond))
		}
	}()

	resp, err := p.llm.Complete(ctx, &llm.Request{
		Model:     p.model,
		System:    criticSystemPrompt(a),
		Messages:  []llm.Message{llm.UserText(criticPrompt(ct, draft))},
		MaxTokens: p.criticMaxTokens,
	})
	if err != nil {
		return failedCritique(a, err)
	}

	var reply critiqueReply
	if err := llm.DecodeJSON(resp, &reply); err != nil {
		return failedCritique(a, err)
	}
	if reply.Score < 1 || reply.Score > 10 {
		return failedCritique(a, fmt.Errorf("score %d outside 1-10", reply.Score))
	}

	c.Score = reply.Score
	c.Pass = reply.Pass
	c.Issues = make([]Issue, 0, len(reply.Issues))
	for _, is := range reply.Issues {
		is.Severity = Severity(strings.ToLower(strings.TrimSpace(string(is.Severity))))
		switch is.Severity {
		case SeverityHigh, SeverityMedium, SeverityLow:
		default:
			// Unrecognized severities are treated as worth fixing.
			is.Severity = SeverityMedium
		}
		if strings.TrimSpace(is.Description) == "" {
			continue
		}
		c.Issues = append(c.Issues, is)
	}
	return c
}

func failedCritique(a *Advisor, err error) Critique {
	return Critique{AdvisorID: a.ID, AdvisorName: a.Name, Score: 0, Pass: false, Error: err.Error()}
}

func criticSystemPrompt(a *Advisor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, reviewing a draft.\n", a.Name)
	if a.Persona != "" {
		b.WriteString(a.Persona)
		b.WriteByte('\n')
	}
	if a.EvaluationExpertise != "" {
		fmt.Fprintf(&b, "Evaluate only: %s\n", a.EvaluationExpertise)
	}
	if a.DoesNotEvaluate != "" {
		fmt.Fprintf(&b, "Do not evaluate: %s\n", a.DoesNotEvaluate)
	}
	b.WriteString(`
Respond with a single JSON object and nothing else:
{"score": <1-10>, "pass": <true|false>, "issues": [{"severity": "high|medium|low", "description": "...", "suggestion": "..."}]}
Use "high" only for problems that make the content unfit to publish. Start each description with the specific thing that is wrong.`)
	return b.String()
}

func criticPrompt(ct ContentType, draft string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Content type: %s\n", ct.Name)
	if ct.Description != "" {
		fmt.Fprintf(&b, "Purpose: %s\n", ct.Description)
	}
	if ct.EvaluationNeeds != "" {
		fmt.Fprintf(&b, "What matters: %s\n", ct.EvaluationNeeds)
	}
	fmt.Fprintf(&b, "\n<draft>\n%s\n</draft>", draft)
	return b.String()
}

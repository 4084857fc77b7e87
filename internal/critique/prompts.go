package critique

import (
	"fmt"
	"strings"
)

func orchestratorPrompt(ct ContentType) string {
	return fmt.Sprintf(`You are the managing editor producing %s content.

You do not write or review content yourself. You run a fixed protocol using your tools:

1. generate_draft: once, at the start.
2. run_critiques: critics score the current draft.
3. editor_decision: the rubric approves or asks for a revision.
4. summarize_round: records the round. Always call it after editor_decision.
5. If the decision was revise and revisions remain, call revise_draft and go back to step 2.
6. Otherwise call save_content with a short title.

Every tool result names the next call. Follow it. If a tool reports an error, read the message and call the tool it names; do not skip steps. This content type allows %d revision round(s) and needs an average critic score of %.1f.

After save_content succeeds, reply with one sentence stating the quality tag and number of rounds. Do not call any more tools.`,
		ct.Name, ct.MaxRevisionRounds, ct.MinScore)
}

func authorSystemPrompt(a *Advisor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", a.Name)
	if a.Persona != "" {
		b.WriteString(a.Persona)
		b.WriteByte('\n')
	}
	b.WriteString("Write in markdown. Reply with the content only: no preamble, no commentary.")
	return b.String()
}

func draftPrompt(ct ContentType, source, notes string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %s content.\n", ct.Name)
	if ct.Description != "" {
		fmt.Fprintf(&b, "Purpose: %s\n", ct.Description)
	}
	if ct.EvaluationNeeds != "" {
		fmt.Fprintf(&b, "It will be judged on: %s\n", ct.EvaluationNeeds)
	}
	if notes != "" {
		fmt.Fprintf(&b, "Editor notes: %s\n", notes)
	}
	fmt.Fprintf(&b, "\n<source>\n%s\n</source>", source)
	return b.String()
}

func revisionPrompt(ct ContentType, draft, brief, doNotRegress string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Revise this %s draft. Address only the points in the brief.\n\n", ct.Name)
	fmt.Fprintf(&b, "<brief>\n%s\n</brief>\n\n", brief)
	if doNotRegress != "" {
		fmt.Fprintf(&b, "Do not change or undo any of these; earlier critics confirmed them:\n<do_not_regress>\n%s\n</do_not_regress>\n\n", doNotRegress)
	}
	fmt.Fprintf(&b, "<draft>\n%s\n</draft>\n\nReply with the complete revised draft.", draft)
	return b.String()
}

package critique

import (
	"fmt"
	"strings"
)

// Decide applies the editor rubric to one round. It is a pure function
// of its inputs. prevAvg is the previous round's average score, nil in
// the first round. In order of precedence:
//
//  1. If the average fell below the previous round's, approve. Critics
//     that disagree round to round would otherwise churn forever.
//  2. Any high-severity issue means revise.
//  3. An empty round (no critics selected) is approved.
//  4. Approve when the average reaches minScore, else revise.
//
// Failed critiques count toward neither the average nor the guard; a
// round in which every critic failed averages 0 and is revised.
func Decide(critiques []Critique, prevAvg *float64, minScore float64) EditorDecision {
	avg, scored := averageScore(critiques)
	high := 0
	for _, c := range critiques {
		high += c.count(SeverityHigh)
	}

	d := EditorDecision{AverageScore: avg, HighIssues: high}
	switch {
	case prevAvg != nil && scored > 0 && avg < *prevAvg:
		d.Decision = DecisionApprove
		d.Reason = fmt.Sprintf("average score fell from %.2f to %.2f; keeping this draft", *prevAvg, avg)
	case high > 0:
		d.Decision = DecisionRevise
		d.Reason = fmt.Sprintf("%d high-severity issue(s)", high)
	case len(critiques) == 0:
		d.Decision = DecisionApprove
		d.Reason = "no critics evaluated this content"
	case avg >= minScore:
		d.Decision = DecisionApprove
		d.Reason = fmt.Sprintf("average score %.2f meets minimum %.2f", avg, minScore)
	default:
		d.Decision = DecisionRevise
		d.Reason = fmt.Sprintf("average score %.2f below minimum %.2f", avg, minScore)
	}

	if d.Decision == DecisionRevise {
		d.Brief = revisionBrief(critiques)
	}
	return d
}

// averageScore returns the mean score of the critiques that did not
// fail and how many there were.
func averageScore(critiques []Critique) (float64, int) {
	total, n := 0, 0
	for _, c := range critiques {
		if c.Failed() {
			continue
		}
		total += c.Score
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return float64(total) / float64(n), n
}

// revisionBrief lists high and medium issues by critic. When there are
// none (a low average with only minor notes) the low issues are used.
func revisionBrief(critiques []Critique) string {
	brief := briefFor(critiques, SeverityHigh, SeverityMedium)
	if brief == "" {
		brief = briefFor(critiques, SeverityLow)
	}
	if brief == "" {
		brief = "Critics scored the draft below the bar without specific issues. Strengthen it overall."
	}
	return brief
}

func briefFor(critiques []Critique, severities ...Severity) string {
	var b strings.Builder
	for _, sev := range severities {
		for _, c := range critiques {
			for _, is := range c.Issues {
				if is.Severity != sev {
					continue
				}
				fmt.Fprintf(&b, "- [%s] (%s) %s", c.AdvisorName, sev, is.Description)
				if is.Suggestion != "" {
					fmt.Fprintf(&b, " Suggestion: %s", is.Suggestion)
				}
				b.WriteByte('\n')
			}
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

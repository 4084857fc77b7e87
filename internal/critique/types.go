package critique

import "time"

// Severity ranks an issue raised by a critic.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Issue is one problem a critic found in the draft.
type Issue struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// Critique is one advisor's evaluation of one round's draft. A critic
// whose call failed is recorded with Score 0, Pass false and Error set.
type Critique struct {
	AdvisorID   string  `json:"advisor_id"`
	AdvisorName string  `json:"advisor_name"`
	Score       int     `json:"score"`
	Pass        bool    `json:"pass"`
	Issues      []Issue `json:"issues,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Failed reports whether the critic produced no usable evaluation.
func (c Critique) Failed() bool { return c.Error != "" }

// count returns how many issues have severity s.
func (c Critique) count(s Severity) int {
	n := 0
	for _, is := range c.Issues {
		if is.Severity == s {
			n++
		}
	}
	return n
}

// Decision is the editor's verdict on a round.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
)

// EditorDecision is the output of [Decide].
type EditorDecision struct {
	Decision     Decision `json:"decision"`
	Reason       string   `json:"reason"`
	AverageScore float64  `json:"average_score"`
	HighIssues   int      `json:"high_issues"`
	// Brief lists what the author must address. Empty on approval.
	Brief string `json:"brief,omitempty"`
}

// FixedItem is an issue raised in an earlier round that later critiques
// no longer report.
type FixedItem struct {
	AdvisorID   string `json:"advisor_id"`
	Description string `json:"description"`
}

// Round is the persisted record of one critique round.
type Round struct {
	Number    int            `json:"round"`
	Critiques []Critique     `json:"critiques"`
	Decision  EditorDecision `json:"decision"`
	// FixedItems and WellScored are the accumulated do-not-regress
	// sets as of this round. They only grow within a run.
	FixedItems  []FixedItem `json:"fixed_items,omitempty"`
	WellScored  []string    `json:"well_scored,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}

package critique

import (
	"testing"
)

func TestFixedItems(t *testing.T) {
	prev := []Critique{
		crit("seo", 5,
			Issue{Severity: SeverityHigh, Description: "Missing primary keyword in the H1 heading"},
			Issue{Severity: SeverityMedium, Description: "Meta description exceeds 160 characters"},
			Issue{Severity: SeverityLow, Description: "Alt text could be richer"},
		),
		crit("brand", 6, Issue{Severity: SeverityMedium, Description: "Tone is too formal for the audience"}),
		crit("legal", 6, Issue{Severity: SeverityHigh, Description: "Unverified health claim"}),
	}
	cur := []Critique{
		// Same wording, different case and trailing text: still open.
		crit("seo", 7, Issue{Severity: SeverityMedium, Description: "MISSING PRIMARY KEYWORD IN THE h1 still"}),
		// brand's issue is gone: fixed.
		crit("brand", 8),
		// legal failed this round: nothing can be concluded.
		{AdvisorID: "legal", Error: "timeout"},
	}

	got := FixedItems(prev, cur)
	want := map[string]string{
		"Meta description exceeds 160 characters": "seo",
		"Tone is too formal for the audience":     "brand",
	}
	if len(got) != len(want) {
		t.Fatalf("FixedItems() = %+v", got)
	}
	for _, f := range got {
		if want[f.Description] != f.AdvisorID {
			t.Errorf("unexpected fixed item %+v", f)
		}
	}
}

func TestFixedItemsMatchesPerAdvisor(t *testing.T) {
	prev := []Critique{crit("a", 5, Issue{Severity: SeverityHigh, Description: "Call to action is missing"})}
	// Another advisor reporting the same words does not keep a's issue open.
	cur := []Critique{
		crit("a", 8),
		crit("b", 6, Issue{Severity: SeverityHigh, Description: "Call to action is missing"}),
	}
	if got := FixedItems(prev, cur); len(got) != 1 || got[0].AdvisorID != "a" {
		t.Errorf("FixedItems() = %+v", got)
	}
}

func TestFixedItemsLowInCurrentDoesNotKeepOpen(t *testing.T) {
	prev := []Critique{crit("a", 5, Issue{Severity: SeverityMedium, Description: "Intro paragraph is too long"})}
	cur := []Critique{crit("a", 8, Issue{Severity: SeverityLow, Description: "Intro paragraph is too long, slightly"})}
	if got := FixedItems(prev, cur); len(got) != 1 {
		t.Errorf("FixedItems() = %+v, want the issue downgraded to low counted as fixed", got)
	}
}

func TestWellScored(t *testing.T) {
	cur := []Critique{
		crit("a", 9, Issue{Severity: SeverityLow, Description: "nit"}),
		crit("b", 7, Issue{Severity: SeverityMedium, Description: "vague"}),
		{AdvisorID: "c", Error: "boom"},
		crit("d", 8),
	}
	got := WellScored(cur)
	if len(got) != 2 || got[0] != "a" || got[1] != "d" {
		t.Errorf("WellScored() = %v, want [a d]", got)
	}
}

func TestAccumulatorsOnlyGrow(t *testing.T) {
	rounds := [][]Critique{
		{crit("a", 5, Issue{Severity: SeverityHigh, Description: "Wrong price on the hero"}), crit("b", 9)},
		{crit("a", 7), crit("b", 6, Issue{Severity: SeverityMedium, Description: "Footer links are broken"})},
		{crit("a", 6, Issue{Severity: SeverityHigh, Description: "Wrong price on the hero again"}), crit("b", 8)},
	}

	var fixed []FixedItem
	var well []string
	var prev []Critique
	for i, cur := range rounds {
		beforeFixed, beforeWell := len(fixed), len(well)
		fixed = mergeFixed(fixed, FixedItems(prev, cur))
		well = mergeIDs(well, WellScored(cur))
		if len(fixed) < beforeFixed || len(well) < beforeWell {
			t.Fatalf("round %d: accumulators shrank", i+1)
		}
		prev = cur
	}

	// a's price issue was fixed in round 2; its return in round 3 does
	// not remove it from the do-not-regress set. b's footer was fixed in
	// round 3.
	if len(fixed) != 2 {
		t.Errorf("fixed = %+v", fixed)
	}
	if len(well) != 2 {
		t.Errorf("well scored = %v", well)
	}
}

func TestMergeFixedDeduplicates(t *testing.T) {
	acc := []FixedItem{{AdvisorID: "a", Description: "Wrong price"}}
	got := mergeFixed(acc, []FixedItem{{AdvisorID: "a", Description: "wrong  PRICE"}, {AdvisorID: "b", Description: "Wrong price"}})
	if len(got) != 2 {
		t.Errorf("mergeFixed() = %+v", got)
	}
}

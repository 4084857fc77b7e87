package critique

import (
	"strings"
)

// matchPrefixWords is how many leading words of an issue description
// identify it across rounds.
const matchPrefixWords = 5

// FixedItems returns the non-low issues of prev that cur no longer
// reports. An issue counts as still present when the first few words
// of its description, lowercased, appear inside any non-low issue the
// same advisor raised in cur.
//
// This is a loose heuristic, not identity: reworded issues look fixed
// and unrelated issues sharing an opening can mask a fix. Advisors that
// failed in either round, or are missing from cur, are skipped.
func FixedItems(prev, cur []Critique) []FixedItem {
	current := make(map[string][]string)
	evaluated := make(map[string]bool)
	for _, c := range cur {
		if c.Failed() {
			continue
		}
		evaluated[c.AdvisorID] = true
		for _, is := range c.Issues {
			if is.Severity != SeverityLow {
				current[c.AdvisorID] = append(current[c.AdvisorID], normalize(is.Description))
			}
		}
	}

	var fixed []FixedItem
	for _, p := range prev {
		if p.Failed() || !evaluated[p.AdvisorID] {
			continue
		}
		for _, is := range p.Issues {
			if is.Severity == SeverityLow {
				continue
			}
			prefix := matchPrefix(is.Description)
			if prefix == "" || stillReported(prefix, current[p.AdvisorID]) {
				continue
			}
			fixed = append(fixed, FixedItem{AdvisorID: p.AdvisorID, Description: is.Description})
		}
	}
	return fixed
}

func stillReported(prefix string, descriptions []string) bool {
	for _, d := range descriptions {
		if strings.Contains(d, prefix) {
			return true
		}
	}
	return false
}

// WellScored returns the advisors in cur that raised no high or medium
// issues.
func WellScored(cur []Critique) []string {
	var ids []string
	for _, c := range cur {
		if c.Failed() {
			continue
		}
		if c.count(SeverityHigh) == 0 && c.count(SeverityMedium) == 0 {
			ids = append(ids, c.AdvisorID)
		}
	}
	return ids
}

// mergeFixed appends the items of add not already in acc.
func mergeFixed(acc, add []FixedItem) []FixedItem {
	seen := make(map[FixedItem]bool, len(acc))
	for _, f := range acc {
		seen[FixedItem{f.AdvisorID, normalize(f.Description)}] = true
	}
	for _, f := range add {
		key := FixedItem{f.AdvisorID, normalize(f.Description)}
		if !seen[key] {
			seen[key] = true
			acc = append(acc, f)
		}
	}
	return acc
}

// mergeIDs appends the ids of add not already in acc.
func mergeIDs(acc, add []string) []string {
	seen := make(map[string]bool, len(acc))
	for _, id := range acc {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			seen[id] = true
			acc = append(acc, id)
		}
	}
	return acc
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func matchPrefix(desc string) string {
	words := strings.Fields(strings.ToLower(desc))
	if len(words) > matchPrefixWords {
		words = words[:matchPrefixWords]
	}
	return strings.Join(words, " ")
}

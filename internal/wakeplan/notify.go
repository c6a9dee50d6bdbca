package wakeplan

import "strings"

const (
	DefaultConjunction     = "og"
	DefaultPlanConjunction = "eller"
)

// JoinNames renders names for a user message: "a", "a og b", "a, b og c".
// Duplicates are dropped keeping the first occurrence.
func JoinNames(names []string, conjunction string) string {
	seen := make(map[string]struct{}, len(names))
	uniq := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		uniq = append(uniq, n)
	}
	switch len(uniq) {
	case 0:
		return ""
	case 1:
		return uniq[0]
	}
	return strings.Join(uniq[:len(uniq)-1], ", ") + " " + conjunction + " " + uniq[len(uniq)-1]
}

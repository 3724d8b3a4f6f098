package aggregate

import "strings"

// Unscored is the heuristic of a finding whose severity is not in the table.
const Unscored = 0

var heuristics = map[string]int{
	"critical": 1,
	"high":     2,
	"medium":   3,
	"low":      4,
	"":         5,
	"null":     5,
}

// Heuristic maps a rule severity to its heuristic level. ok is false for a
// severity outside the fixed table.
func Heuristic(level string) (h int, ok bool) {
	h, ok = heuristics[strings.ToLower(strings.TrimSpace(level))]
	return h, ok
}

// attackPrefix is the namespace stripped from a tag before it is read as a
// technique reference.
const attackPrefix = "attack."

// AttackID resolves the technique id from a rule's tags. A tag qualifies when
// its remainder after the namespace prefix starts with t, g or s. When
// several tags qualify the last one wins.
func AttackID(tags []string) string {
	var id string
	for _, tag := range tags {
		if len(tag) <= len(attackPrefix) {
			continue
		}
		rest := tag[len(attackPrefix):]
		switch rest[0] {
		case 't', 'T', 'g', 'G', 's', 'S':
			id = strings.ToUpper(rest)
		}
	}
	return id
}

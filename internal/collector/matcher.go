package collector

import "strings"

// MatchesFinalDestination reports whether a departure's final destination
// belongs to a route. The pattern is a pipe-delimited set of alternatives;
// a destination matches when it contains any alternative, case-insensitively.
// An empty pattern matches everything.
func MatchesFinalDestination(destination, pattern string) bool {
	if pattern == "" {
		return true
	}

	destination = strings.ToLower(destination)
	for _, alt := range strings.Split(pattern, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		if strings.Contains(destination, strings.ToLower(alt)) {
			return true
		}
	}
	return false
}

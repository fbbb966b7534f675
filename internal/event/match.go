package event

import "strings"

// MatchPattern reports whether a subscription pattern matches an event name.
// Exactly three forms match: the literal name, the catch-all "*", and a
// "prefix.*" pattern where the name continues past "prefix." with at least
// one character. No other globbing.
func MatchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if pattern == "*" {
		return name != ""
	}
	prefix, ok := strings.CutSuffix(pattern, ".*")
	if !ok || prefix == "" {
		return false
	}
	return len(name) > len(prefix)+1 && strings.HasPrefix(name, prefix+".")
}

// MatchAny reports whether any of the patterns matches the event name.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchPattern(p, name) {
			return true
		}
	}
	return false
}

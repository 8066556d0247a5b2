package policy

import (
	"regexp"
	"strings"
)

// Actions understood by the fleet broker.
const (
	ActionConnect   = "iot:Connect"
	ActionPublish   = "iot:Publish"
	ActionSubscribe = "iot:Subscribe"
	ActionReceive   = "iot:Receive"
)

// MatchPattern reports whether value matches an IAM style glob pattern.
// "*" matches any run of characters, including "/", and "?" matches
// exactly one character. Every other character matches itself.
func MatchPattern(pattern, value string) bool {
	pr, vr := []rune(pattern), []rune(value)
	p, v := 0, 0
	star, mark := -1, 0
	for v < len(vr) {
		switch {
		case p < len(pr) && pr[p] == '*':
			star, mark = p, v
			p++
		case p < len(pr) && (pr[p] == '?' || pr[p] == vr[v]):
			p++
			v++
		case star >= 0:
			p = star + 1
			mark++
			v = mark
		default:
			return false
		}
	}
	for p < len(pr) && pr[p] == '*' {
		p++
	}
	return p == len(pr)
}

// MatchAction compares actions case-insensitively, as IAM does.
func MatchAction(pattern, action string) bool {
	return MatchPattern(strings.ToLower(pattern), strings.ToLower(action))
}

// GlobRegexp translates a glob pattern into the equivalent anchored regular
// expression. caseInsensitive adds the (?i) flag.
func GlobRegexp(pattern string, caseInsensitive bool) string {
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, part := range splitKeepWildcards(pattern) {
		switch part {
		case "*":
			b.WriteString("(?s:.*)")
		case "?":
			b.WriteString("(?s:.)")
		default:
			b.WriteString(regexp.QuoteMeta(part))
		}
	}
	b.WriteString("$")
	return b.String()
}

func splitKeepWildcards(pattern string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' || pattern[i] == '?' {
			if i > start {
				parts = append(parts, pattern[start:i])
			}
			parts = append(parts, pattern[i:i+1])
			start = i + 1
		}
	}
	if start < len(pattern) {
		parts = append(parts, pattern[start:])
	}
	return parts
}

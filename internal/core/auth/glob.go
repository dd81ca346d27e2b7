package auth

import "strings"

// Excludes is a list of Ant-style path patterns that bypass authentication.
type Excludes []string

// Match reports whether any pattern matches the path.
func (e Excludes) Match(path string) bool {
	for _, pat := range e {
		if MatchPath(pat, path) {
			return true
		}
	}
	return false
}

// MatchPath matches path against an Ant-style pattern: `*` matches any run of
// characters within one segment, `?` a single character, and `**` any number
// of whole segments (including zero). Leading and trailing slashes are
// ignored on both sides.
func MatchPath(pattern, path string) bool {
	return matchSegments(splitPath(pattern), splitPath(path))
}

func splitPath(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchSegments(pat, path []string) bool {
	if len(pat) == 0 {
		return len(path) == 0
	}
	if pat[0] == "**" {
		// Zero segments consumed, or one and recurse on the same pattern.
		if matchSegments(pat[1:], path) {
			return true
		}
		return len(path) > 0 && matchSegments(pat, path[1:])
	}
	if len(path) == 0 {
		return false
	}
	return matchSegment(pat[0], path[0]) && matchSegments(pat[1:], path[1:])
}

// matchSegment is an iterative single-segment wildcard match with one-star
// backtracking.
func matchSegment(pat, seg string) bool {
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(seg) {
		switch {
		case pi < len(pat) && (pat[pi] == '?' || pat[pi] == seg[si]):
			pi++
			si++
		case pi < len(pat) && pat[pi] == '*':
			star, mark = pi, si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}

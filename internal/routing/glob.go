package routing

import "strings"

// Glob reports whether s matches pattern. '*' matches any run of characters,
// including '/' and the empty string. Every other byte is literal and the
// comparison is case-sensitive. A pattern without '*' is plain equality.
func Glob(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}

	parts := strings.Split(pattern, "*")

	prefix := parts[0]
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	s = s[len(prefix):]

	suffix := parts[len(parts)-1]
	middle := parts[1 : len(parts)-1]

	for _, part := range middle {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}

	return strings.HasSuffix(s, suffix)
}

package utils

import "strings"

// MatchResource reports whether a resource key ("type:externalID",
// where the external ID may be path-shaped like "reports/2026/q3")
// matches a constraint pattern. Patterns support:
//   - '*' matching any run of characters within a segment, or the
//     whole remainder when the pattern ends with it ("document:*").
//   - ':name' matching exactly one path segment.
func MatchResource(key, pattern string) bool {
	if pattern == "*" {
		return true
	}
	return matchPattern(key, pattern)
}

// MatchAny reports whether the key matches at least one pattern. An
// empty pattern list matches nothing.
func MatchAny(key string, patterns []string) bool {
	for _, p := range patterns {
		if MatchResource(key, p) {
			return true
		}
	}
	return false
}

func matchPattern(value, pattern string) bool {
	vIdx, pIdx := 0, 0
	vLen, pLen := len(value), len(pattern)

	for pIdx < pLen {
		switch pattern[pIdx] {
		case '*':
			if pIdx == pLen-1 {
				return true
			}
			for vIdx < vLen && value[vIdx] != '/' {
				vIdx++
			}
			pIdx++
		case ':':
			// a ':' separating type from ID must match literally; a
			// ':name' placeholder swallows one path segment
			if vIdx < vLen && value[vIdx] == ':' {
				vIdx++
				pIdx++
				continue
			}
			pIdx++
			for pIdx < pLen && pattern[pIdx] != '/' {
				pIdx++
			}
			for vIdx < vLen && value[vIdx] != '/' {
				vIdx++
			}
		default:
			if vIdx < vLen && pattern[pIdx] == value[vIdx] {
				vIdx++
				pIdx++
			} else {
				return false
			}
		}
	}

	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "/*"))
	}
	return vIdx == vLen && pIdx == pLen
}

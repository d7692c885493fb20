package translate

import "strings"

// likeFromRegex converts a client-supplied regex pattern to a SQL LIKE
// pattern (spec 4.D / §8 boundary behavior). Only the anchors ^ and $ and
// the metacharacters "." and ".*" carry special meaning; every other regex
// metacharacter is passed through and matched literally rather than
// rejected, and LIKE's own "%"/"_" (and a regex-escaped "\") are escaped —
// "unsupported regex features degrade to literal matching, not errors"
// (spec §8).
//
// A leading ^ anchors the start (no leading %) and a trailing $ anchors the
// end (no trailing %); an unanchored side is wrapped with % so the pattern
// matches anywhere in the value.
func likeFromRegex(pattern string) string {
	anchoredStart := strings.HasPrefix(pattern, "^")
	if anchoredStart {
		pattern = pattern[1:]
	}
	anchoredEnd := strings.HasSuffix(pattern, "$")
	if anchoredEnd {
		pattern = pattern[:len(pattern)-1]
	}

	var b strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch {
		case runes[i] == '.' && i+1 < len(runes) && runes[i+1] == '*':
			b.WriteByte('%')
			i++
		case runes[i] == '.':
			b.WriteByte('_')
		case runes[i] == '%' || runes[i] == '_':
			b.WriteByte('\\')
			b.WriteRune(runes[i])
		case runes[i] == '\\' && i+1 < len(runes):
			// A regex escape sequence (e.g. \d): neither character carries
			// its regex meaning here, so emit both literally, escaping them
			// if they happen to be LIKE metacharacters.
			i++
			if runes[i] == '%' || runes[i] == '_' || runes[i] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteRune(runes[i])
		default:
			b.WriteRune(runes[i])
		}
	}

	out := b.String()
	if !anchoredStart {
		out = "%" + out
	}
	if !anchoredEnd {
		out = out + "%"
	}
	return out
}

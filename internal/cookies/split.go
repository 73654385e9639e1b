package cookies

import "strings"

// SplitSetCookie splits a header value that may hold several cookies joined
// by commas. A comma starts a new cookie only when the text after it looks
// like "name=", so commas inside Expires dates stay put.
func SplitSetCookie(v string) []string {
	var out []string
	start := 0
	pos := 0
	for pos < len(v) {
		if v[pos] != ',' {
			pos++
			continue
		}
		// Candidate separator; scan the would-be name.
		last := pos
		pos++
		for pos < len(v) && isSpace(v[pos]) {
			pos++
		}
		next := pos
		for pos < len(v) && v[pos] != '=' && v[pos] != ';' && v[pos] != ',' {
			pos++
		}
		if pos < len(v) && v[pos] == '=' && pos > next {
			if part := strings.TrimSpace(v[start:last]); part != "" {
				out = append(out, part)
			}
			start = next
		} else {
			pos = last + 1
		}
	}
	if part := strings.TrimSpace(v[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

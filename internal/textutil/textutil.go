// Package textutil holds the small text plumbing shared across the engine:
// sanitation, brace-safe template substitution, and bounded first-JSON
// extraction from LLM replies.
package textutil

import (
	"strings"
)

// maxJSONScan bounds ExtractFirstJSON against pathological inputs.
const maxJSONScan = 300000

// Sanitize removes control characters (0x00-0x08, 0x0B, 0x0C, 0x0E-0x1F)
// and normalizes CRLF/CR line endings to LF.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SafeFormat substitutes {name} placeholders from vars. Unknown placeholders
// are preserved literally so templates containing JSON braces survive.
func SafeFormat(tmpl string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		open += i
		b.WriteString(tmpl[i:open])
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			b.WriteString(tmpl[open:])
			break
		}
		end += open
		name := tmpl[open+1 : end]
		if val, ok := vars[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(tmpl[open : end+1])
		}
		i = end + 1
	}
	return b.String()
}

// ExtractFirstJSON scans text for the first balanced JSON object or array,
// respecting quoted strings and backslash escapes. Returns ("", false) when
// nothing balanced is found within the scan cap.
func ExtractFirstJSON(s string) (string, bool) {
	if len(s) > maxJSONScan {
		s = s[:maxJSONScan]
	}
	start := -1
	var opener, closer byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			opener = s[i]
			if opener == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// StripFences removes surrounding markdown code fences from an LLM reply.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// Preview returns the first n characters of s with newlines flattened,
// suitable for dependency bullets and log lines.
func Preview(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// NormalizeQuery lowercases and collapses whitespace. Signatures and
// embeddings both run on this normal form.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// CollapseBlankRuns squeezes runs of 3+ newlines down to exactly two.
func CollapseBlankRuns(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}

// Truncate caps s at n characters, appending a marker when cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

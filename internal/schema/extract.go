// Package schema extracts and validates the JSON payloads that stage
// executors receive from LLM providers. Providers routinely wrap JSON in
// prose or markdown fences; extraction tolerates all of that and only the
// final structural validation may fail.
package schema

import "strings"

// ExtractJSON returns the most plausible JSON payload embedded in raw
// provider text. Strategies, in order: the contents of a fenced code block,
// the first balanced {...} region, then the whole trimmed text. Extraction
// never fails; a bad payload surfaces later as a parse error.
func ExtractJSON(text string) string {
	if payload, ok := fencedBlock(text); ok {
		// A fence may itself wrap prose around the object.
		if region, ok := balancedRegion(payload); ok {
			return region
		}
		return strings.TrimSpace(payload)
	}

	if region, ok := balancedRegion(text); ok {
		return region
	}

	return strings.TrimSpace(text)
}

// fencedBlock returns the contents of the first markdown code fence,
// preferring a ```json fence over a bare one.
func fencedBlock(text string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return rest[:end], true
	}
	return "", false
}

// balancedRegion finds the first top-level {...} region, tracking brace depth
// and skipping braces inside JSON string literals.
func balancedRegion(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}

	return "", false
}

package extract

import (
	"regexp"
	"strings"
)

// wrapperMarkers are stripped before bounding. Longer fences come first so
// "```json" is not left behind as "json".
var wrapperMarkers = []string{
	"```json", "```JSON", "```javascript", "```js", "```",
	"<json>", "</json>", "<output>", "</output>",
}

// stripMarkers removes known wrapping markers anywhere in the text.
func stripMarkers(text string) string {
	for _, m := range wrapperMarkers {
		text = strings.ReplaceAll(text, m, "")
	}
	return strings.TrimSpace(text)
}

// boundObject slices from the first opening brace to the last closing brace.
func boundObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

var (
	reTrailingSep   = regexp.MustCompile(`,\s*([}\]])`)
	reDoubledSep    = regexp.MustCompile(`,\s*,`)
	reLeadingSep    = regexp.MustCompile(`([{\[])\s*,`)
	reTrailingPoint = regexp.MustCompile(`(-?\d+)\.(\s*[,}\]])`)
	reLeadingPoint  = regexp.MustCompile(`([:\[,]\s*)(-?)\.(\d)`)
	reExplicitPlus  = regexp.MustCompile(`([:\[,]\s*)\+(\d)`)
	smartQuotes     = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// maxNormalizePasses bounds the fixpoint loop in normalizeSyntax.
const maxNormalizePasses = 8

// normalizeSyntax repeatedly fixes the common ways models break JSON:
// smart-quote delimiters, trailing and doubled separators and malformed
// numeric literals. String literals are left untouched.
func normalizeSyntax(text string) string {
	text = mapOutsideStrings(text, smartQuotes.Replace)
	text = mapOutsideStrings(text, normalizeRun)
	return strings.TrimSpace(text)
}

func normalizeRun(text string) string {
	for i := 0; i < maxNormalizePasses; i++ {
		next := reDoubledSep.ReplaceAllString(text, ",")
		next = reLeadingSep.ReplaceAllString(next, "$1")
		next = reTrailingSep.ReplaceAllString(next, "$1")
		next = reTrailingPoint.ReplaceAllString(next, "$1$2")
		next = reLeadingPoint.ReplaceAllString(next, "${1}${2}0.$3")
		next = reExplicitPlus.ReplaceAllString(next, "$1$2")
		if next == text {
			break
		}
		text = next
	}
	return text
}

// mapOutsideStrings applies fn to each run of text outside double-quoted
// string literals. Literals, including an unterminated one at the end, are
// copied as is.
func mapOutsideStrings(text string, fn func(string) string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false
	run := 0

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				b.WriteString(text[run : i+1])
				run = i + 1
			}
			continue
		}
		if c == '"' {
			b.WriteString(fn(text[run:i]))
			run = i
			inString = true
		}
	}
	if inString {
		b.WriteString(text[run:])
	} else {
		b.WriteString(fn(text[run:]))
	}
	return b.String()
}

// largestObject returns the longest brace-delimited span in text. Spans are
// found with a string-aware bracket scan; an object left open at the end of
// the text (a truncated response) is closed with the missing brackets.
func largestObject(text string) string {
	var best string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		span, end := scanObject(text, i)
		if len(span) > len(best) {
			best = span
		}
		if end > i {
			i = end
		}
	}
	return best
}

// scanObject scans a JSON-ish object starting at text[start] == '{'. It
// returns the span (closed if truncated) and the index of its last byte.
func scanObject(text string, start int) (string, int) {
	var stack []byte
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				// Mismatched closer: give up on this start.
				return "", i
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return text[start : i+1], i
			}
		}
	}

	// Truncated: close whatever is still open.
	var b strings.Builder
	b.WriteString(strings.TrimRight(text[start:], " \t\r\n,:"))
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String(), len(text) - 1
}

// Package history shrinks the conversation log, once for durable storage and
// again, without touching the stored log, for every model request.
package history

import (
	"strings"
	"unicode/utf8"
)

// Section names used in user-turn text.
const (
	SectionMinimap          = "minimap"
	SectionMemory           = "memory"
	SectionMarkers          = "markers"
	SectionObjectives       = "objectives"
	SectionDetailedStats    = "detailed_stats"
	SectionLiveChat         = "live_chat"
	SectionCritiqueReminder = "critique_reminder"
	SectionNavigationPlan   = "navigation_plan"
)

// TruncationMarker terminates every truncated string.
const TruncationMarker = "…[truncated]"

// Truncate cuts s so the result, marker included, is at most limit bytes.
// Strings already within limit are returned unchanged, which makes repeated
// application a no-op.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	keep := limit - len(TruncationMarker)
	if keep <= 0 {
		return cutRune(s, limit)
	}
	return cutRune(s, keep) + TruncationMarker
}

// cutRune returns the longest prefix of s no longer than n bytes that ends
// on a rune boundary.
func cutRune(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// span locates one tagged region: text[start:end] is the whole region and
// text[bodyStart:bodyEnd] its inner content.
type span struct {
	start, bodyStart, bodyEnd, end int
}

// findSpans returns every closed <name ...>...</name> region in order.
// Unclosed opening tags are ignored.
func findSpans(text, name string) []span {
	var spans []span
	open := "<" + name
	closing := "</" + name + ">"
	pos := 0
	for pos < len(text) {
		i := strings.Index(text[pos:], open)
		if i < 0 {
			break
		}
		start := pos + i
		after := start + len(open)
		if after >= len(text) {
			break
		}
		// Require the tag name to end here so "<memory" does not match "<memory_x".
		if c := text[after]; c != '>' && c != ' ' && c != '\n' && c != '\t' {
			pos = after
			continue
		}
		gt := strings.IndexByte(text[after:], '>')
		if gt < 0 {
			break
		}
		bodyStart := after + gt + 1
		j := strings.Index(text[bodyStart:], closing)
		if j < 0 {
			break
		}
		bodyEnd := bodyStart + j
		end := bodyEnd + len(closing)
		spans = append(spans, span{start: start, bodyStart: bodyStart, bodyEnd: bodyEnd, end: end})
		pos = end
	}
	return spans
}

// Find returns the body of the first name section in text.
func Find(text, name string) (string, bool) {
	spans := findSpans(text, name)
	if len(spans) == 0 {
		return "", false
	}
	return text[spans[0].bodyStart:spans[0].bodyEnd], true
}

// Has reports whether text contains a closed name section.
func Has(text, name string) bool {
	return len(findSpans(text, name)) > 0
}

// Strip removes every name section, tags included, and collapses the blank
// lines left behind.
func Strip(text, name string) string {
	spans := findSpans(text, name)
	if len(spans) == 0 {
		return text
	}
	var sb strings.Builder
	prev := 0
	for _, sp := range spans {
		sb.WriteString(text[prev:sp.start])
		prev = sp.end
	}
	sb.WriteString(text[prev:])
	return collapseBlankLines(sb.String())
}

// Cap truncates the body of every name section to limit bytes.
func Cap(text, name string, limit int) string {
	spans := findSpans(text, name)
	if len(spans) == 0 {
		return text
	}
	var sb strings.Builder
	prev := 0
	changed := false
	for _, sp := range spans {
		body := text[sp.bodyStart:sp.bodyEnd]
		capped := Truncate(body, limit)
		if capped == body {
			continue
		}
		changed = true
		sb.WriteString(text[prev:sp.bodyStart])
		sb.WriteString(capped)
		prev = sp.bodyEnd
	}
	if !changed {
		return text
	}
	sb.WriteString(text[prev:])
	return sb.String()
}

// Wrap encloses body in a name section. attrs is written verbatim into the
// opening tag when non-empty.
func Wrap(name, attrs, body string) string {
	var sb strings.Builder
	sb.WriteString("<")
	sb.WriteString(name)
	if attrs != "" {
		sb.WriteString(" ")
		sb.WriteString(attrs)
	}
	sb.WriteString(">\n")
	sb.WriteString(strings.TrimRight(body, "\n"))
	sb.WriteString("\n</")
	sb.WriteString(name)
	sb.WriteString(">")
	return sb.String()
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}

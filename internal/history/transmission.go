package history

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/fireredbot/fireredbot/internal/session"
)

// SectionsOmitted stands in for a user text block whose every section was
// stripped.
const SectionsOmitted = "[earlier context omitted]"

// CompactForTransmission builds the payload log for one model request.
// It is pure and idempotent: the input is not modified, turns keep their
// order, and tool calls keep their results.
func CompactForTransmission(log session.Log, lim Limits) session.Log {
	names := make([]string, 0, len(lim.SectionKeep))
	for name := range lim.SectionKeep {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(session.Log, 0, len(log))
	for _, t := range log {
		if t.Kind == session.KindAssistantReasoning {
			continue
		}
		out = append(out, t)
	}

	userRank := 0
	resultRank := 0
	for i := len(out) - 1; i >= 0; i-- {
		t := out[i]
		switch t.Kind {
		case session.KindUser:
			if t.IsCarryOverSummary() {
				out[i].Content = mapText(t.Content, func(s string) string {
					return Truncate(s, lim.SummaryCeiling)
				})
				continue
			}
			rank := userRank
			userRank++
			content := mapText(t.Content, func(s string) string {
				return compactUserText(s, rank, names, lim)
			})
			out[i].Content = capTotalText(content, lim.MessageCeiling)
		case session.KindToolResult:
			rank := resultRank
			resultRank++
			if rank < lim.RecentToolResults {
				out[i].Output = mapText(t.Output, func(s string) string {
					return Truncate(s, lim.RecentToolResultCeiling)
				})
				continue
			}
			out[i].Output = mapText(t.Output, func(s string) string {
				return Truncate(capDetails(s, lim.OldDetailsCeiling), lim.OldToolResultCeiling)
			})
		}
	}
	return out
}

func compactUserText(s string, rank int, names []string, lim Limits) string {
	text := s
	for _, name := range names {
		if rank >= lim.SectionKeep[name] {
			text = Strip(text, name)
		}
	}
	for _, name := range names {
		text = Cap(text, name, lim.SectionCeiling)
	}
	if strings.TrimSpace(text) == "" && strings.TrimSpace(s) != "" {
		text = SectionsOmitted
	}
	return text
}

// capTotalText keeps the combined size of the text blocks within limit.
// Earlier blocks are kept whole; the block that crosses the limit is
// truncated and any text after it is dropped. Image blocks are untouched.
func capTotalText(blocks []session.Block, limit int) []session.Block {
	total := 0
	for _, b := range blocks {
		if b.Type == session.BlockText {
			total += len(b.Text)
		}
	}
	if total <= limit {
		return blocks
	}
	out := make([]session.Block, 0, len(blocks))
	used := 0
	for _, b := range blocks {
		if b.Type != session.BlockText {
			out = append(out, b)
			continue
		}
		remaining := limit - used
		if remaining <= 0 {
			continue
		}
		b.Text = Truncate(b.Text, remaining)
		if b.Text == "" {
			continue
		}
		used += len(b.Text)
		out = append(out, b)
	}
	return out
}

// mapText applies fn to every text block, copying the slice only when a
// block changes.
func mapText(blocks []session.Block, fn func(string) string) []session.Block {
	var out []session.Block
	for i, b := range blocks {
		if b.Type != session.BlockText {
			continue
		}
		next := fn(b.Text)
		if next == b.Text {
			continue
		}
		if out == nil {
			out = append([]session.Block(nil), blocks...)
		}
		out[i].Text = next
	}
	if out == nil {
		return blocks
	}
	return out
}

// capDetails shortens the details of every entry in an action-result
// document. Text that is not such a document, or whose details already fit,
// is returned unchanged.
func capDetails(text string, limit int) string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return text
	}
	results, ok := doc["results"].([]any)
	if !ok {
		return text
	}
	changed := false
	for _, r := range results {
		entry, ok := r.(map[string]any)
		if !ok {
			continue
		}
		d, ok := entry["details"]
		if !ok || d == nil {
			continue
		}
		if s, isString := d.(string); isString {
			if len(s) > limit {
				entry["details"] = Truncate(s, limit)
				changed = true
			}
			continue
		}
		raw, err := json.Marshal(d)
		if err != nil || len(raw) <= limit {
			continue
		}
		entry["details"] = Truncate(string(raw), limit)
		changed = true
	}
	if !changed {
		return text
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return text
	}
	return string(b)
}

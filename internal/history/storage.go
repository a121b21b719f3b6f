package history

import (
	"encoding/json"

	"github.com/fireredbot/fireredbot/internal/session"
)

// ImageOmitted replaces images pruned from older turns.
const ImageOmitted = "[image omitted]"

// CompactForStorage prepares a log for durable storage: reasoning turns are
// dropped, large text fields are capped and images survive only in the
// newest ImageKeep image-bearing turns. It is idempotent.
func CompactForStorage(log session.Log, lim StorageLimits) session.Log {
	out := make(session.Log, 0, len(log))
	for _, t := range log {
		if t.Kind == session.KindAssistantReasoning {
			continue
		}
		t = capTurnForStorage(t, lim)
		out = append(out, t)
	}

	kept := 0
	for i := len(out) - 1; i >= 0; i-- {
		if !out[i].HasImage() {
			continue
		}
		if kept < lim.ImageKeep {
			kept++
			continue
		}
		out[i] = dropImages(out[i])
	}
	return out
}

// StorageCompactor adapts CompactForStorage to the store option signature.
func StorageCompactor(lim StorageLimits) func(session.Log) session.Log {
	return func(l session.Log) session.Log { return CompactForStorage(l, lim) }
}

func capTurnForStorage(t session.Turn, lim StorageLimits) session.Turn {
	switch t.Kind {
	case session.KindUser:
		t.Content = capBlocks(t.Content, lim.TextCeiling)
	case session.KindAssistantMessage:
		t.Text = Truncate(t.Text, lim.AssistantCeiling)
	case session.KindToolCall:
		t.Arguments = capJSON(t.Arguments, lim.ToolCeiling)
	case session.KindToolResult:
		t.Output = capBlocks(t.Output, lim.ToolCeiling)
	}
	return t
}

func capBlocks(blocks []session.Block, limit int) []session.Block {
	var out []session.Block
	for i, b := range blocks {
		if b.Type != session.BlockText || len(b.Text) <= limit {
			continue
		}
		if out == nil {
			out = append([]session.Block(nil), blocks...)
		}
		out[i].Text = Truncate(b.Text, limit)
	}
	if out == nil {
		return blocks
	}
	return out
}

// capJSON shrinks oversized tool arguments into a small JSON object that
// still parses, so the stored call is not mistaken for corruption.
func capJSON(args string, limit int) string {
	if len(args) <= limit {
		return args
	}
	keep := limit - 32
	for keep > 0 {
		wrapped, err := json.Marshal(map[string]string{"truncated": cutRune(args, keep)})
		if err == nil && len(wrapped) <= limit {
			return string(wrapped)
		}
		keep /= 2
	}
	return `{"truncated":""}`
}

func dropImages(t session.Turn) session.Turn {
	replace := func(blocks []session.Block) []session.Block {
		out := make([]session.Block, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == session.BlockImage {
				out = append(out, session.TextBlock(ImageOmitted))
				continue
			}
			out = append(out, b)
		}
		return out
	}
	if len(t.Content) > 0 {
		t.Content = replace(t.Content)
	}
	if len(t.Output) > 0 {
		t.Output = replace(t.Output)
	}
	return t
}

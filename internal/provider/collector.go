package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ItemKind identifies an output item of a completed stream.
type ItemKind string

const (
	ItemReasoning ItemKind = "reasoning"
	ItemText      ItemKind = "text"
	ItemToolCall  ItemKind = "tool_call"
)

// Item is one output item in stream order. Consecutive deltas of the same
// kind are merged into a single item.
type Item struct {
	Kind ItemKind
	Text string
	Call ToolCall
}

// Result is the authoritative outcome of a completed stream.
type Result struct {
	Items []Item
	Usage Usage
	// LateError is a transport error that arrived after completion.
	LateError error
}

// Text returns the concatenated text output.
func (r *Result) Text() string {
	var sb strings.Builder
	for _, it := range r.Items {
		if it.Kind == ItemText {
			sb.WriteString(it.Text)
		}
	}
	return sb.String()
}

// Reasoning returns the concatenated reasoning output.
func (r *Result) Reasoning() string {
	var sb strings.Builder
	for _, it := range r.Items {
		if it.Kind == ItemReasoning {
			sb.WriteString(it.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the completed tool calls in stream order.
func (r *Result) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, it := range r.Items {
		if it.Kind == ItemToolCall {
			calls = append(calls, it.Call)
		}
	}
	return calls
}

// Collect drains a stream. onEvent, when non-nil, observes every event live.
//
// An error event before completion fails the stream. Once completed has been
// seen, later errors are recorded in LateError and the output is kept; tool
// calls that started but never finished are dropped either way.
func Collect(ctx context.Context, events <-chan StreamEvent, onEvent func(StreamEvent)) (*Result, error) {
	res := &Result{}
	completed := false
	pending := map[string]int{}

	appendDelta := func(kind ItemKind, text string) {
		if text == "" {
			return
		}
		if n := len(res.Items); n > 0 && res.Items[n-1].Kind == kind {
			res.Items[n-1].Text += text
			return
		}
		res.Items = append(res.Items, Item{Kind: kind, Text: text})
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if !completed {
					return nil, ErrIncompleteStream
				}
				res.Items = dropUnfinished(res.Items, pending)
				return res, nil
			}
			if onEvent != nil {
				onEvent(ev)
			}
			switch ev.Type {
			case EventReasoningDelta:
				appendDelta(ItemReasoning, ev.Text)
			case EventTextDelta:
				appendDelta(ItemText, ev.Text)
			case EventToolCallStart:
				if ev.Call == nil {
					continue
				}
				pending[ev.Call.ID] = len(res.Items)
				res.Items = append(res.Items, Item{Kind: ItemToolCall, Call: ToolCall{ID: ev.Call.ID, Name: ev.Call.Name}})
			case EventToolCallDone:
				if ev.Call == nil {
					continue
				}
				if idx, ok := pending[ev.Call.ID]; ok {
					res.Items[idx].Call = *ev.Call
					delete(pending, ev.Call.ID)
				} else {
					res.Items = append(res.Items, Item{Kind: ItemToolCall, Call: *ev.Call})
				}
			case EventUsage:
				if ev.Usage != nil {
					res.Usage = *ev.Usage
				}
			case EventCompleted:
				completed = true
			case EventError:
				if !completed {
					return nil, fmt.Errorf("model stream: %w", ev.Error)
				}
				slog.Warn("Model stream error after completion", "error", ev.Error)
				res.LateError = ev.Error
			}
		}
	}
}

func dropUnfinished(items []Item, pending map[string]int) []Item {
	if len(pending) == 0 {
		return items
	}
	skip := make(map[int]bool, len(pending))
	for _, idx := range pending {
		skip[idx] = true
	}
	out := items[:0:0]
	for i, it := range items {
		if !skip[i] {
			out = append(out, it)
		}
	}
	return out
}

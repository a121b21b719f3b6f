package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TurnKind discriminates the variants of a conversation Turn.
type TurnKind string

const (
	KindUser               TurnKind = "user"
	KindAssistantMessage   TurnKind = "assistant_message"
	KindAssistantReasoning TurnKind = "assistant_reasoning"
	KindToolCall           TurnKind = "tool_call"
	KindToolResult         TurnKind = "tool_result"
)

// Known reports whether k is one of the defined turn kinds.
func (k TurnKind) Known() bool {
	switch k {
	case KindUser, KindAssistantMessage, KindAssistantReasoning, KindToolCall, KindToolResult:
		return true
	}
	return false
}

// Markers embedded in turn text that recovery and the compactor recognise.
const (
	// CarryOverTag opens a user turn that carries a previous summary forward.
	CarryOverTag = "carry_over_summary"
	// CritiqueMarker prefixes the assistant turn produced by a self-critique.
	CritiqueMarker = "[SELF-CRITIQUE]"
	// CritiqueAckMarker is written into the first prompt that delivers the
	// critique reminder.
	CritiqueAckMarker = "[CRITIQUE REMINDER ACKNOWLEDGED]"
)

// BlockType is the content type of a Block.
type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image"
)

// Block is one piece of user or tool-result content.
type Block struct {
	Type     BlockType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL string    `json:"image_url,omitempty"`
}

// TextBlock returns a text block.
func TextBlock(text string) Block { return Block{Type: BlockText, Text: text} }

// ImageBlock returns an image block. url may be a data: URL.
func ImageBlock(url string) Block { return Block{Type: BlockImage, ImageURL: url} }

// Turn is one entry of the conversation log.
//
// Only the fields relevant to Kind are populated: Content for user turns,
// Text for assistant message and reasoning turns, CallID/ToolName/Arguments
// for tool calls and CallID/Output for tool results.
type Turn struct {
	Kind      TurnKind  `json:"kind"`
	Content   []Block   `json:"content,omitempty"`
	Text      string    `json:"text,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Arguments string    `json:"arguments,omitempty"`
	Output    []Block   `json:"output,omitempty"`
	Timestamp time.Time `json:"ts,omitzero"`
}

// UserTurn builds a user turn from blocks.
func UserTurn(blocks ...Block) Turn {
	return Turn{Kind: KindUser, Content: blocks, Timestamp: time.Now().UTC()}
}

// UserText builds a single-block user turn.
func UserText(text string) Turn { return UserTurn(TextBlock(text)) }

// AssistantMessage builds an assistant message turn.
func AssistantMessage(text string) Turn {
	return Turn{Kind: KindAssistantMessage, Text: text, Timestamp: time.Now().UTC()}
}

// AssistantReasoning builds an ephemeral reasoning turn.
func AssistantReasoning(text string) Turn {
	return Turn{Kind: KindAssistantReasoning, Text: text, Timestamp: time.Now().UTC()}
}

// ToolCall builds a tool call turn.
func ToolCall(callID, name, arguments string) Turn {
	return Turn{Kind: KindToolCall, CallID: callID, ToolName: name, Arguments: arguments, Timestamp: time.Now().UTC()}
}

// ToolResult builds a tool result turn.
func ToolResult(callID string, output ...Block) Turn {
	return Turn{Kind: KindToolResult, CallID: callID, Output: output, Timestamp: time.Now().UTC()}
}

// PlainText concatenates the text blocks of a user or tool-result turn, or
// returns Text for assistant turns.
func (t Turn) PlainText() string {
	switch t.Kind {
	case KindAssistantMessage, KindAssistantReasoning:
		return t.Text
	case KindToolCall:
		return t.Arguments
	}
	blocks := t.Content
	if t.Kind == KindToolResult {
		blocks = t.Output
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type != BlockText {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// HasImage reports whether the turn carries at least one image block.
func (t Turn) HasImage() bool {
	for _, b := range t.Content {
		if b.Type == BlockImage {
			return true
		}
	}
	for _, b := range t.Output {
		if b.Type == BlockImage {
			return true
		}
	}
	return false
}

// IsCarryOverSummary reports whether t is a user turn carrying a summary
// forward across a history reset.
func (t Turn) IsCarryOverSummary() bool {
	if t.Kind != KindUser {
		return false
	}
	for _, b := range t.Content {
		if b.Type == BlockText {
			return strings.HasPrefix(strings.TrimSpace(b.Text), "<"+CarryOverTag)
		}
	}
	return false
}

// Corrupt reports whether a turn is empty or malformed, the typical residue
// of a response interrupted mid-stream.
func (t Turn) Corrupt() bool {
	switch t.Kind {
	case KindUser:
		for _, b := range t.Content {
			if b.Type == BlockImage && b.ImageURL != "" {
				return false
			}
			if b.Type == BlockText && strings.TrimSpace(b.Text) != "" {
				return false
			}
		}
		return true
	case KindAssistantMessage, KindAssistantReasoning:
		return strings.TrimSpace(t.Text) == ""
	case KindToolCall:
		if t.CallID == "" || t.ToolName == "" {
			return true
		}
		return t.Arguments != "" && !json.Valid([]byte(t.Arguments))
	case KindToolResult:
		return t.CallID == ""
	default:
		return true
	}
}

// Log is the ordered conversation.
type Log []Turn

// Clone returns a deep-enough copy: turns are values, block slices are copied.
func (l Log) Clone() Log {
	if l == nil {
		return nil
	}
	out := make(Log, len(l))
	for i, t := range l {
		if t.Content != nil {
			t.Content = append([]Block(nil), t.Content...)
		}
		if t.Output != nil {
			t.Output = append([]Block(nil), t.Output...)
		}
		out[i] = t
	}
	return out
}

// ErrUnpairedToolCall is returned by Validate when the call/result pairing is broken.
var ErrUnpairedToolCall = errors.New("unpaired tool call")

// Validate checks the tool call/result pairing: every call has exactly one
// later result with the same id and no result appears without a prior call.
func (l Log) Validate() error {
	open := map[string]bool{}
	closed := map[string]bool{}
	for i, t := range l {
		switch t.Kind {
		case KindToolCall:
			if open[t.CallID] || closed[t.CallID] {
				return fmt.Errorf("%w: duplicate call id %q at %d", ErrUnpairedToolCall, t.CallID, i)
			}
			open[t.CallID] = true
		case KindToolResult:
			if !open[t.CallID] {
				return fmt.Errorf("%w: result %q at %d has no pending call", ErrUnpairedToolCall, t.CallID, i)
			}
			delete(open, t.CallID)
			closed[t.CallID] = true
		}
	}
	for id := range open {
		return fmt.Errorf("%w: call %q has no result", ErrUnpairedToolCall, id)
	}
	return nil
}

// LastIndex returns the index of the last turn matching fn, or -1.
func (l Log) LastIndex(fn func(Turn) bool) int {
	for i := len(l) - 1; i >= 0; i-- {
		if fn(l[i]) {
			return i
		}
	}
	return -1
}

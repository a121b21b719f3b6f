// Package provider implements the streaming model client contract and an
// OpenAI-compatible client.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/fireredbot/fireredbot/internal/session"
)

// ModelClient streams one completion. Events arrive in stream order on the
// returned channel, which is closed when the stream ends. The result is only
// authoritative once an EventCompleted has been received.
type ModelClient interface {
	Stream(ctx context.Context, req *StreamRequest) (<-chan StreamEvent, error)
	// DefaultModel returns the configured default model.
	DefaultModel() string
}

// EventType discriminates stream events.
type EventType string

const (
	EventReasoningDelta EventType = "reasoning_delta"
	EventTextDelta      EventType = "text_delta"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallDone   EventType = "tool_call_done"
	EventUsage          EventType = "usage"
	EventCompleted      EventType = "completed"
	EventError          EventType = "error"
)

// StreamEvent is one item of a model stream.
type StreamEvent struct {
	Type EventType
	// Text carries reasoning and text deltas.
	Text string
	// Call is set for tool call start and done events. Arguments are only
	// complete on EventToolCallDone.
	Call  *ToolCall
	Usage *Usage
	Error error
}

// ToolChoice constrains tool use for one request.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// StreamRequest contains the parameters for a streaming completion.
type StreamRequest struct {
	Model           string
	System          string
	Turns           session.Log
	Tools           []ToolDefinition
	ToolChoice      ToolChoice
	MaxTokens       int
	Temperature     float64
	ReasoningEffort string
}

// ToolCall is a completed or in-progress tool invocation. Arguments is the
// raw JSON text produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition defines a tool that can be called by the model.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a function that can be called.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.ReasoningTokens += u2.ReasoningTokens
	u.TotalTokens += u2.TotalTokens
}

var (
	// ErrIncompleteStream is returned when a stream ends without a completed event.
	ErrIncompleteStream = errors.New("model stream ended before completion")
)

// APIError is a non-success HTTP response from the model API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed when repeated.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

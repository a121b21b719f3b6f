package bus

import "github.com/fireredbot/fireredbot/internal/session"

// TextPayload carries streamed or final text. Step is the cycle step the
// text belongs to.
type TextPayload struct {
	Text string `json:"text"`
	Step int    `json:"step,omitempty"`
}

// ActionPayload describes one action of a batch. Success and Message are
// only set on action_executed.
type ActionPayload struct {
	CallID  string `json:"call_id"`
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// MarkersPayload is the full marker table after a change.
type MarkersPayload struct {
	Markers session.Markers `json:"markers"`
}

// MemoryPayload is the full memory after a change.
type MemoryPayload struct {
	Memory map[string]string `json:"memory"`
}

// ObjectivesPayload is the objectives after a change.
type ObjectivesPayload struct {
	Objectives session.Objectives `json:"objectives"`
}

// UsagePayload reports token usage of one model call.
type UsagePayload struct {
	Source           string `json:"source"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	ReasoningTokens  int    `json:"reasoning_tokens,omitempty"`
	TotalTokens      int    `json:"total_tokens"`
	Step             int    `json:"step"`
}

// ErrorPayload reports a caught failure.
type ErrorPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Step    int    `json:"step"`
}

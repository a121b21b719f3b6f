package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fireredbot/fireredbot/internal/session"
)

// OpenAIProvider implements ModelClient against an OpenAI-compatible
// chat completions endpoint with server-sent events.
// It supports OpenRouter, xAI, OpenAI, and other compatible providers.
type OpenAIProvider struct {
	apiKey       string
	apiBase      string
	defaultModel string
	httpClient   *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if defaultModel == "" {
		defaultModel = "gpt-5-mini"
	}
	return &OpenAIProvider{
		apiKey:       apiKey,
		apiBase:      strings.TrimSuffix(apiBase, "/"),
		defaultModel: defaultModel,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// DefaultModel returns the configured default model.
func (p *OpenAIProvider) DefaultModel() string {
	return p.defaultModel
}

// Stream starts a streaming completion. HTTP and status errors are returned
// directly; everything after the response headers arrives on the channel.
func (p *OpenAIProvider) Stream(ctx context.Context, req *StreamRequest) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body := map[string]any{
		"model":          model,
		"messages":       convertTurns(req.System, req.Turns),
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.ReasoningEffort != "" {
		body["reasoning_effort"] = req.ReasoningEffort
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		choice := req.ToolChoice
		if choice == "" {
			choice = ToolChoiceAuto
		}
		body["tool_choice"] = string(choice)
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	events := make(chan StreamEvent, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		readSSE(ctx, resp.Body, events)
	}()
	return events, nil
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens            int `json:"prompt_tokens"`
		CompletionTokens        int `json:"completion_tokens"`
		TotalTokens             int `json:"total_tokens"`
		CompletionTokensDetails struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type partialCall struct {
	call    ToolCall
	started bool
	done    bool
}

// readSSE translates the chat completions event stream into StreamEvents.
func readSSE(ctx context.Context, body io.Reader, out chan<- StreamEvent) {
	emit := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := map[int]*partialCall{}
	finishCalls := func() bool {
		idx := make([]int, 0, len(calls))
		for i := range calls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			pc := calls[i]
			if pc.done {
				continue
			}
			pc.done = true
			if pc.call.ID == "" {
				pc.call.ID = "call_" + uuid.NewString()
			}
			call := pc.call
			if !emit(StreamEvent{Type: EventToolCallDone, Call: &call}) {
				return false
			}
		}
		return true
	}

	finished := false
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			if finishCalls() {
				emit(StreamEvent{Type: EventCompleted})
			}
			return
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			emit(StreamEvent{Type: EventError, Error: fmt.Errorf("parse stream chunk: %w", err)})
			return
		}
		if chunk.Error != nil {
			emit(StreamEvent{Type: EventError, Error: fmt.Errorf("stream error: %s", chunk.Error.Message)})
			return
		}
		for _, choice := range chunk.Choices {
			d := choice.Delta
			if r := d.ReasoningContent + d.Reasoning; r != "" {
				if !emit(StreamEvent{Type: EventReasoningDelta, Text: r}) {
					return
				}
			}
			if d.Content != "" {
				if !emit(StreamEvent{Type: EventTextDelta, Text: d.Content}) {
					return
				}
			}
			for _, tc := range d.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &partialCall{}
					calls[tc.Index] = pc
				}
				if tc.ID != "" && pc.call.ID == "" {
					pc.call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					pc.call.Name += tc.Function.Name
				}
				pc.call.Arguments += tc.Function.Arguments
				if !pc.started && pc.call.Name != "" {
					if pc.call.ID == "" {
						pc.call.ID = "call_" + uuid.NewString()
					}
					pc.started = true
					start := ToolCall{ID: pc.call.ID, Name: pc.call.Name}
					if !emit(StreamEvent{Type: EventToolCallStart, Call: &start}) {
						return
					}
				}
			}
			if choice.FinishReason != nil {
				finished = true
				if !finishCalls() {
					return
				}
			}
		}
		if chunk.Usage != nil {
			u := Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				ReasoningTokens:  chunk.Usage.CompletionTokensDetails.ReasoningTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
			if !emit(StreamEvent{Type: EventUsage, Usage: &u}) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		// The response was already finished; report completion first so the
		// collector keeps the output.
		if finished && !emit(StreamEvent{Type: EventCompleted}) {
			return
		}
		emit(StreamEvent{Type: EventError, Error: fmt.Errorf("read stream: %w", err)})
		return
	}
	// Some compatible servers close the stream without a [DONE] sentinel.
	if finished {
		emit(StreamEvent{Type: EventCompleted})
	}
}

// convertTurns maps the conversation log to chat completion messages.
// Reasoning turns are never sent. Consecutive tool calls are attached to the
// preceding assistant message.
func convertTurns(system string, turns session.Log) []map[string]any {
	var msgs []map[string]any
	if system != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": system})
	}
	var lastAssistant map[string]any
	var trailingImages []map[string]any
	flushImages := func() {
		if len(trailingImages) == 0 {
			return
		}
		content := append([]map[string]any{{"type": "text", "text": "Images returned by the previous tool calls:"}}, trailingImages...)
		msgs = append(msgs, map[string]any{"role": "user", "content": content})
		trailingImages = nil
	}
	for _, t := range turns {
		switch t.Kind {
		case session.KindUser:
			flushImages()
			msgs = append(msgs, map[string]any{"role": "user", "content": convertBlocks(t.Content)})
			lastAssistant = nil
		case session.KindAssistantMessage:
			flushImages()
			lastAssistant = map[string]any{"role": "assistant", "content": t.Text}
			msgs = append(msgs, lastAssistant)
		case session.KindToolCall:
			flushImages()
			if lastAssistant == nil {
				lastAssistant = map[string]any{"role": "assistant", "content": ""}
				msgs = append(msgs, lastAssistant)
			}
			calls, _ := lastAssistant["tool_calls"].([]map[string]any)
			args := t.Arguments
			if args == "" {
				args = "{}"
			}
			calls = append(calls, map[string]any{
				"id":   t.CallID,
				"type": "function",
				"function": map[string]any{
					"name":      t.ToolName,
					"arguments": args,
				},
			})
			lastAssistant["tool_calls"] = calls
		case session.KindToolResult:
			msgs = append(msgs, map[string]any{
				"role":         "tool",
				"tool_call_id": t.CallID,
				"content":      t.PlainText(),
			})
			for _, b := range t.Output {
				if b.Type == session.BlockImage {
					trailingImages = append(trailingImages, imagePart(b.ImageURL))
				}
			}
			lastAssistant = nil
		}
	}
	flushImages()
	return msgs
}

func convertBlocks(blocks []session.Block) []map[string]any {
	parts := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case session.BlockText:
			parts = append(parts, map[string]any{"type": "text", "text": b.Text})
		case session.BlockImage:
			parts = append(parts, imagePart(b.ImageURL))
		}
	}
	return parts
}

func imagePart(url string) map[string]any {
	return map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}}
}

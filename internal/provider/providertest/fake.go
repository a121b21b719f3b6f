// Package providertest provides a scripted model client for tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"github.com/fireredbot/fireredbot/internal/provider"
)

// ErrScriptExhausted is returned when Stream is called more often than scripted.
var ErrScriptExhausted = errors.New("providertest: no scripted response left")

// Reply is one scripted response. When Err is set Stream fails before any
// event is produced.
type Reply struct {
	Events []provider.StreamEvent
	Err    error
}

// Client replays scripted replies in order and records every request.
type Client struct {
	mu       sync.Mutex
	replies  []Reply
	requests []provider.StreamRequest
}

// New returns a client that answers with replies in order.
func New(replies ...Reply) *Client {
	return &Client{replies: replies}
}

// Push appends more scripted replies.
func (c *Client) Push(replies ...Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, replies...)
}

// DefaultModel implements provider.ModelClient.
func (c *Client) DefaultModel() string { return "fake-model" }

// Stream implements provider.ModelClient.
func (c *Client) Stream(ctx context.Context, req *provider.StreamRequest) (<-chan provider.StreamEvent, error) {
	c.mu.Lock()
	cp := *req
	cp.Turns = req.Turns.Clone()
	c.requests = append(c.requests, cp)
	if len(c.replies) == 0 {
		c.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	c.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	out := make(chan provider.StreamEvent, len(r.Events))
	for _, ev := range r.Events {
		out <- ev
	}
	close(out)
	return out, nil
}

// Requests returns copies of the recorded requests.
func (c *Client) Requests() []provider.StreamRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.StreamRequest(nil), c.requests...)
}

// Remaining reports how many scripted replies are left.
func (c *Client) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

// Text scripts a completed reply with optional reasoning and usage.
func Text(reasoning, text string, usage provider.Usage) Reply {
	var evs []provider.StreamEvent
	if reasoning != "" {
		evs = append(evs, provider.StreamEvent{Type: provider.EventReasoningDelta, Text: reasoning})
	}
	if text != "" {
		evs = append(evs, provider.StreamEvent{Type: provider.EventTextDelta, Text: text})
	}
	u := usage
	evs = append(evs,
		provider.StreamEvent{Type: provider.EventUsage, Usage: &u},
		provider.StreamEvent{Type: provider.EventCompleted},
	)
	return Reply{Events: evs}
}

// Calls scripts a completed reply containing the given tool calls after
// optional text.
func Calls(text string, calls ...provider.ToolCall) Reply {
	var evs []provider.StreamEvent
	if text != "" {
		evs = append(evs, provider.StreamEvent{Type: provider.EventTextDelta, Text: text})
	}
	for _, call := range calls {
		start := provider.ToolCall{ID: call.ID, Name: call.Name}
		done := call
		evs = append(evs,
			provider.StreamEvent{Type: provider.EventToolCallStart, Call: &start},
			provider.StreamEvent{Type: provider.EventToolCallDone, Call: &done},
		)
	}
	evs = append(evs, provider.StreamEvent{Type: provider.EventCompleted})
	return Reply{Events: evs}
}

// Broken scripts a stream that fails before completion.
func Broken(err error) Reply {
	return Reply{Events: []provider.StreamEvent{
		{Type: provider.EventTextDelta, Text: "partial"},
		{Type: provider.EventError, Error: err},
	}}
}

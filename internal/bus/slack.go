package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackAlerter posts selected broadcast events to a Slack channel.
type SlackAlerter struct {
	api     *slack.Client
	channel string
	events  map[EventType]bool
	queue   chan Event
}

// NewSlackAlerter creates an alerter for the given event types. apiBase may
// be empty for the public Slack API.
func NewSlackAlerter(token, channel string, events []string, apiBase string) *SlackAlerter {
	opts := []slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: 15 * time.Second})}
	if base := strings.TrimSpace(apiBase); base != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	}
	set := make(map[EventType]bool, len(events))
	for _, e := range events {
		set[EventType(strings.TrimSpace(e))] = true
	}
	return &SlackAlerter{
		api:     slack.New(token, opts...),
		channel: channel,
		events:  set,
		queue:   make(chan Event, 64),
	}
}

// Handle queues ev when its type is selected.
func (a *SlackAlerter) Handle(ev Event) {
	if !a.events[ev.Type] {
		return
	}
	select {
	case a.queue <- ev:
	default:
		slog.Warn("Slack alert queue full, dropping event", "type", ev.Type)
	}
}

// Run posts queued alerts until ctx is cancelled.
func (a *SlackAlerter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.queue:
			_, _, err := a.api.PostMessageContext(ctx, a.channel, slack.MsgOptionText(FormatAlert(ev), false))
			if err != nil && ctx.Err() == nil {
				slog.Warn("Slack alert failed", "type", ev.Type, "error", err)
			}
		}
	}
}

const alertTextLimit = 3000

// FormatAlert renders ev as a short chat message.
func FormatAlert(ev Event) string {
	var text string
	switch p := ev.Payload.(type) {
	case ErrorPayload:
		text = fmt.Sprintf(":warning: cycle error at step %d (%s): %s", p.Step, p.Stage, p.Message)
	case TextPayload:
		switch ev.Type {
		case EventSummaryEnd:
			text = fmt.Sprintf(":memo: summary at step %d\n%s", p.Step, p.Text)
		case EventCriticismEnd:
			text = fmt.Sprintf(":mag: self-critique at step %d\n%s", p.Step, p.Text)
		default:
			text = fmt.Sprintf("%s: %s", ev.Type, p.Text)
		}
	case UsagePayload:
		text = fmt.Sprintf(":bar_chart: %s used %d tokens (prompt %d, completion %d)", p.Source, p.TotalTokens, p.PromptTokens, p.CompletionTokens)
	default:
		text = string(ev.Type)
	}
	if len(text) > alertTextLimit {
		text = text[:alertTextLimit] + "…"
	}
	return text
}

package timeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/fireredbot/fireredbot/internal/bus"
)

// summaryLimit caps the digest stored with each event.
const summaryLimit = 240

// skipped are high-volume streaming events that are not persisted.
var skipped = map[bus.EventType]bool{
	bus.EventReasoningChunk: true,
	bus.EventSummaryChunk:   true,
	bus.EventCriticismChunk: true,
}

// Handle persists a broadcast event. It is meant to be registered as a
// bus subscriber; failures are logged, never returned.
func (s *TimelineService) Handle(ev bus.Event) {
	if skipped[ev.Type] {
		return
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = nil
	}
	step, summary := digest(ev)
	if err := s.AddEvent(&TimelineEvent{
		EventID:   ev.ID,
		Timestamp: ev.Timestamp,
		EventType: string(ev.Type),
		Step:      step,
		Summary:   summary,
		Payload:   string(payload),
	}); err != nil {
		slog.Warn("Timeline event insert failed", "type", ev.Type, "error", err)
	}

	if u, isUsage := ev.Payload.(bus.UsagePayload); isUsage {
		if err := s.RecordUsage(&UsageRecord{
			Timestamp:        ev.Timestamp,
			Source:           u.Source,
			Model:            u.Model,
			Step:             u.Step,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			ReasoningTokens:  u.ReasoningTokens,
			TotalTokens:      u.TotalTokens,
		}); err != nil {
			slog.Warn("Timeline usage insert failed", "error", err)
		}
	}
}

// digest extracts the step and a one-line description from known payloads.
func digest(ev bus.Event) (int, string) {
	switch p := ev.Payload.(type) {
	case bus.TextPayload:
		return p.Step, oneLine(p.Text)
	case bus.ActionPayload:
		status := "ok"
		if !p.Success {
			status = "failed"
		}
		if ev.Type == bus.EventActionStart {
			return 0, fmt.Sprintf("#%d %s", p.Index, p.Type)
		}
		return 0, oneLine(fmt.Sprintf("#%d %s %s: %s", p.Index, p.Type, status, p.Message))
	case bus.UsagePayload:
		return p.Step, fmt.Sprintf("%s: %d tokens (%d prompt, %d completion)", p.Source, p.TotalTokens, p.PromptTokens, p.CompletionTokens)
	case bus.ErrorPayload:
		return p.Step, oneLine(p.Stage + ": " + p.Message)
	case bus.MarkersPayload:
		n := 0
		for _, m := range p.Markers {
			n += len(m)
		}
		return 0, fmt.Sprintf("%d markers", n)
	case bus.MemoryPayload:
		return 0, fmt.Sprintf("%d memory entries", len(p.Memory))
	case bus.ObjectivesPayload:
		if p.Objectives.Primary != nil {
			return 0, oneLine("primary: " + p.Objectives.Primary.ShortDescription)
		}
		return 0, "objectives updated"
	}
	return 0, ""
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= summaryLimit {
		return s
	}
	cut := summaryLimit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

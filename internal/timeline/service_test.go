package timeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fireredbot/fireredbot/internal/bus"
)

func newTestTimeline(t *testing.T) *TimelineService {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "timeline.db")
	svc, err := NewTimelineService(dbPath)
	if err != nil {
		t.Fatalf("failed to create timeline service: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Close()
		_ = os.RemoveAll(dir)
	})
	return svc
}

func TestAddAndFilterEvents(t *testing.T) {
	svc := newTestTimeline(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []TimelineEvent{
		{EventID: "e1", Timestamp: base, EventType: "action_executed", Step: 1, Summary: "first"},
		{EventID: "e2", Timestamp: base.Add(time.Minute), EventType: "summary_end", Step: 2, Summary: "second"},
		{EventID: "e3", Timestamp: base.Add(2 * time.Minute), EventType: "action_executed", Step: 3, Summary: "third"},
	}
	for i := range events {
		if err := svc.AddEvent(&events[i]); err != nil {
			t.Fatalf("add event: %v", err)
		}
	}
	// Duplicate ids are ignored.
	if err := svc.AddEvent(&events[0]); err != nil {
		t.Fatalf("re-adding an event should be a no-op: %v", err)
	}

	all, err := svc.GetEvents(FilterArgs{})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].EventID != "e3" || all[2].EventID != "e1" {
		t.Errorf("expected newest first, got %s..%s", all[0].EventID, all[2].EventID)
	}

	actions, err := svc.GetEvents(FilterArgs{EventType: "action_executed", Limit: 1})
	if err != nil {
		t.Fatalf("filtered events: %v", err)
	}
	if len(actions) != 1 || actions[0].Summary != "third" {
		t.Errorf("unexpected filtered events %+v", actions)
	}

	start := base.Add(30 * time.Second)
	recent, err := svc.GetEvents(FilterArgs{StartDate: &start})
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 events after start, got %d", len(recent))
	}

	skipped, err := svc.GetEvents(FilterArgs{Offset: 2})
	if err != nil {
		t.Fatalf("offset events: %v", err)
	}
	if len(skipped) != 1 || skipped[0].EventID != "e1" {
		t.Errorf("unexpected offset result %+v", skipped)
	}
}

func TestSettingsCounter(t *testing.T) {
	svc := newTestTimeline(t)
	if _, err := svc.GetSetting("missing"); err == nil {
		t.Fatal("expected error for a missing setting")
	}
	for i, delta := range []int{5, 7} {
		n, err := svc.IncrementSettingCounter("cycles", delta)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if i == 1 && n != 12 {
			t.Errorf("expected 12, got %d", n)
		}
	}
	if err := svc.SetSetting("cycles", "garbage"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if n, _ := svc.IncrementSettingCounter("cycles", 1); n != 1 {
		t.Errorf("unparsable counter should restart at delta, got %d", n)
	}
}

func TestRecordUsageTalliesPerDay(t *testing.T) {
	svc := newTestTimeline(t)
	day := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	records := []UsageRecord{
		{Timestamp: day, Source: "act", Step: 1, PromptTokens: 900, CompletionTokens: 100, TotalTokens: 1000},
		{Timestamp: day.Add(time.Hour), Source: "act", Step: 2, TotalTokens: 500},
		{Timestamp: day.Add(2 * time.Hour), Source: "summary", Step: 2, TotalTokens: 2000},
		{Timestamp: day.Add(24 * time.Hour), Source: "act", Step: 3, TotalTokens: 42},
	}
	for i := range records {
		if err := svc.RecordUsage(&records[i]); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}

	total, err := svc.GetDailyTokenUsage(day)
	if err != nil {
		t.Fatalf("daily usage: %v", err)
	}
	if total != 3500 {
		t.Errorf("expected 3500 tokens on day one, got %d", total)
	}
	if next, _ := svc.GetDailyTokenUsage(day.Add(24 * time.Hour)); next != 42 {
		t.Errorf("expected 42 tokens on day two, got %d", next)
	}
	if none, err := svc.GetDailyTokenUsage(day.Add(-24 * time.Hour)); err != nil || none != 0 {
		t.Errorf("expected zero for an empty day, got %d %v", none, err)
	}

	totals, err := svc.UsageTotals(day)
	if err != nil {
		t.Fatalf("usage totals: %v", err)
	}
	if len(totals) != 2 || totals[0].Source != "act" || totals[0].Calls != 3 || totals[0].TotalTokens != 1542 {
		t.Errorf("unexpected totals %+v", totals)
	}
}

func TestHandlePersistsBroadcastEvents(t *testing.T) {
	svc := newTestTimeline(t)
	now := time.Now().UTC()
	svc.Handle(bus.Event{ID: "a", Type: bus.EventActionExecuted, Timestamp: now,
		Payload: bus.ActionPayload{Index: 0, Type: "key_press", Success: false, Message: "only one key_press per batch"}})
	svc.Handle(bus.Event{ID: "b", Type: bus.EventSummaryChunk, Timestamp: now, Payload: bus.TextPayload{Text: "chunk"}})
	svc.Handle(bus.Event{ID: "c", Type: bus.EventTokenUsage, Timestamp: now,
		Payload: bus.UsagePayload{Source: "act", Step: 9, PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}})
	svc.Handle(bus.Event{ID: "d", Type: bus.EventErrorMessage, Timestamp: now,
		Payload: bus.ErrorPayload{Stage: "act", Message: strings.Repeat("x", 1000), Step: 9}})

	events, err := svc.GetEvents(FilterArgs{})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("chunk events must not be persisted, got %d events", len(events))
	}
	byID := map[string]TimelineEvent{}
	for _, e := range events {
		byID[e.EventID] = e
	}
	if got := byID["a"].Summary; got != "#0 key_press failed: only one key_press per batch" {
		t.Errorf("unexpected action digest %q", got)
	}
	if !strings.Contains(byID["a"].Payload, `"type":"key_press"`) {
		t.Errorf("payload not stored: %q", byID["a"].Payload)
	}
	if byID["c"].Step != 9 {
		t.Errorf("usage step not stored: %+v", byID["c"])
	}
	if d := byID["d"].Summary; len(d) > summaryLimit || !strings.HasSuffix(d, "...") {
		t.Errorf("long digest should be truncated, got %d bytes", len(d))
	}
	if total, _ := svc.GetDailyTokenUsage(now); total != 15 {
		t.Errorf("usage event should feed the daily tally, got %d", total)
	}
}

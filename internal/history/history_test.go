package history

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fireredbot/fireredbot/internal/session"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{strings.Repeat("x", 20), 20, strings.Repeat("x", 20)},
		{strings.Repeat("x", 30), 20, strings.Repeat("x", 20-len(TruncationMarker)) + TruncationMarker},
		{"abcdef", 3, "abc"},
		{"anything", 0, ""},
	}
	for _, tt := range tests {
		got := Truncate(tt.in, tt.limit)
		if got != tt.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
		if len(got) > tt.limit && tt.limit > 0 {
			t.Fatalf("result exceeds limit: %d > %d", len(got), tt.limit)
		}
		if again := Truncate(got, tt.limit); again != got {
			t.Fatalf("Truncate not idempotent: %q -> %q", got, again)
		}
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 100)
	got := Truncate(s, 51)
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Fatalf("missing marker: %q", got)
	}
	body := strings.TrimSuffix(got, TruncationMarker)
	if strings.ContainsRune(body, '�') || len(body)%2 != 0 {
		t.Fatalf("cut inside a rune: %q", body)
	}
}

func TestSectionEditor(t *testing.T) {
	text := "intro\n\n<memory>\nkey: value\n</memory>\n\n<memory_extra>keep</memory_extra>\n\n<minimap rows=\"2\">\n..\n..\n</minimap>\noutro"

	body, ok := Find(text, SectionMemory)
	if !ok || strings.TrimSpace(body) != "key: value" {
		t.Fatalf("Find(memory) = %q, %v", body, ok)
	}
	if body, ok := Find(text, SectionMinimap); !ok || strings.TrimSpace(body) != "..\n.." {
		t.Fatalf("Find(minimap) with attrs = %q, %v", body, ok)
	}

	stripped := Strip(text, SectionMemory)
	if Has(stripped, SectionMemory) {
		t.Fatalf("memory section survived Strip: %q", stripped)
	}
	if !strings.Contains(stripped, "<memory_extra>keep</memory_extra>") {
		t.Fatalf("Strip removed a section with a longer name: %q", stripped)
	}
	if strings.Contains(stripped, "\n\n\n") {
		t.Fatalf("blank lines not collapsed: %q", stripped)
	}

	if got := Strip("<memory>unclosed", SectionMemory); got != "<memory>unclosed" {
		t.Fatalf("unclosed section should be left alone, got %q", got)
	}

	capped := Cap(Wrap(SectionMinimap, "", strings.Repeat("#", 500)), SectionMinimap, 100)
	body, _ = Find(capped, SectionMinimap)
	if len(body) > 100 || !strings.HasSuffix(body, TruncationMarker) {
		t.Fatalf("Cap body len %d: %q", len(body), body)
	}
	if Cap(capped, SectionMinimap, 100) != capped {
		t.Fatalf("Cap not idempotent")
	}
}

func userPrompt(step int, extra string) session.Turn {
	parts := []string{
		fmt.Sprintf("step %d", step),
		Wrap(SectionMinimap, "", strings.Repeat("~", 300)),
		Wrap(SectionMemory, "", "k: v"),
		Wrap(SectionDetailedStats, "", "hp 10/10"),
		Wrap(SectionLiveChat, "", "viewer: go left"),
		extra,
	}
	return session.UserText(strings.Join(parts, "\n\n"))
}

func resultTurn(id string, details string) session.Turn {
	doc := map[string]any{
		"overall_success": true,
		"results": []any{
			map[string]any{"action_type": "key_press", "success": true, "message": "ok", "details": details},
		},
	}
	b, _ := json.Marshal(doc)
	return session.ToolResult(id, session.TextBlock(string(b)))
}

func buildLog(cycles int) session.Log {
	var log session.Log
	log = append(log, session.UserText("<"+session.CarryOverTag+">\n"+strings.Repeat("s", 30_000)+"\n</"+session.CarryOverTag+">"))
	for i := 0; i < cycles; i++ {
		id := fmt.Sprintf("call-%d", i)
		log = append(log,
			userPrompt(i, ""),
			session.AssistantReasoning("thinking"),
			session.AssistantMessage("moving"),
			session.ToolCall(id, "execute_actions", `{"actions":[{"type":"key_press","keys":["up"]}]}`),
			resultTurn(id, strings.Repeat("d", 3_000)),
		)
	}
	return log
}

func TestCompactForTransmissionKeepWindows(t *testing.T) {
	log := buildLog(10)
	lim := DefaultLimits()
	lim.RecentToolResultCeiling = 2_000
	out := CompactForTransmission(log, lim)

	var users []session.Turn
	for _, turn := range out {
		if turn.Kind == session.KindAssistantReasoning {
			t.Fatalf("reasoning turn transmitted")
		}
		if turn.Kind == session.KindUser && !turn.IsCarryOverSummary() {
			users = append(users, turn)
		}
	}
	if len(users) != 10 {
		t.Fatalf("got %d user turns, want 10", len(users))
	}
	count := func(name string) int {
		n := 0
		for _, u := range users {
			if Has(u.PlainText(), name) {
				n++
			}
		}
		return n
	}
	if got := count(SectionMinimap); got != 1 {
		t.Fatalf("minimap kept in %d turns, want 1", got)
	}
	if got := count(SectionDetailedStats); got != 2 {
		t.Fatalf("detailed_stats kept in %d turns, want 2", got)
	}
	if got := count(SectionLiveChat); got != 3 {
		t.Fatalf("live_chat kept in %d turns, want 3", got)
	}
	if !Has(users[len(users)-1].PlainText(), SectionMinimap) {
		t.Fatalf("newest user turn lost its minimap")
	}

	carry := out[0]
	if !carry.IsCarryOverSummary() || len(carry.PlainText()) != 30_000+2*len(session.CarryOverTag)+7 {
		t.Fatalf("carry-over summary altered below its ceiling: len %d", len(carry.PlainText()))
	}

	var results []session.Turn
	for _, turn := range out {
		if turn.Kind == session.KindToolResult {
			results = append(results, turn)
		}
	}
	for i, r := range results {
		text := r.PlainText()
		recent := i >= len(results)-lim.RecentToolResults
		if recent && len(text) > lim.RecentToolResultCeiling {
			t.Fatalf("recent result %d has %d bytes", i, len(text))
		}
		if !recent {
			if len(text) > lim.OldToolResultCeiling {
				t.Fatalf("old result %d has %d bytes", i, len(text))
			}
			var doc struct {
				Results []struct {
					Details string `json:"details"`
				} `json:"results"`
			}
			if err := json.Unmarshal([]byte(text), &doc); err != nil {
				t.Fatalf("old result %d no longer parses: %v", i, err)
			}
			if len(doc.Results[0].Details) > lim.OldDetailsCeiling {
				t.Fatalf("old details %d bytes", len(doc.Results[0].Details))
			}
		}
	}
}

func TestCompactForTransmissionIdempotent(t *testing.T) {
	lim := DefaultLimits()
	lim.MessageCeiling = 700
	lim.SectionCeiling = 120
	lim.SummaryCeiling = 1_000
	log := buildLog(12)
	log = append(log, userPrompt(99, Wrap(SectionMinimap, "", strings.Repeat("=", 5_000))))

	once := CompactForTransmission(log, lim)
	twice := CompactForTransmission(once, lim)
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Fatalf("second pass changed output (-once +twice):\n%s", diff)
	}
	a, _ := json.Marshal(once)
	b, _ := json.Marshal(twice)
	if string(a) != string(b) {
		t.Fatalf("serialized output differs")
	}
}

func TestMessageCeilingCoversWholeTurn(t *testing.T) {
	lim := DefaultLimits()
	lim.MessageCeiling = 700
	first := strings.Repeat("a", 400)
	log := session.Log{session.UserTurn(
		session.TextBlock(first),
		session.ImageBlock("data:image/png;base64,AAAA"),
		session.TextBlock(strings.Repeat("b", 400)),
		session.TextBlock(strings.Repeat("c", 400)),
	)}

	out := CompactForTransmission(log, lim)
	blocks := out[0].Content
	total := 0
	for _, b := range blocks {
		if b.Type == session.BlockText {
			total += len(b.Text)
		}
	}
	if total > lim.MessageCeiling {
		t.Fatalf("turn text is %d bytes, ceiling %d", total, lim.MessageCeiling)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected text, image and truncated text blocks, got %d", len(blocks))
	}
	if blocks[0].Text != first || blocks[1].Type != session.BlockImage {
		t.Errorf("leading blocks changed: %+v", blocks[:2])
	}
	if !strings.HasSuffix(blocks[2].Text, TruncationMarker) {
		t.Errorf("crossing block not truncated: %q", blocks[2].Text)
	}
	if diff := cmp.Diff(out, CompactForTransmission(out, lim)); diff != "" {
		t.Errorf("second pass changed output:\n%s", diff)
	}
	if len(log[0].Content) != 4 {
		t.Errorf("input turn mutated")
	}
}

func TestCompactForTransmissionPreservesOrderAndPairing(t *testing.T) {
	log := buildLog(8)
	if err := log.Validate(); err != nil {
		t.Fatalf("fixture invalid: %v", err)
	}
	before := log.Clone()
	out := CompactForTransmission(log, DefaultLimits())
	if err := out.Validate(); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}
	if diff := cmp.Diff(before, log); diff != "" {
		t.Fatalf("input log mutated:\n%s", diff)
	}
	j := 0
	for _, turn := range log {
		if turn.Kind == session.KindAssistantReasoning {
			continue
		}
		if out[j].Kind != turn.Kind || out[j].CallID != turn.CallID {
			t.Fatalf("turn %d reordered: %s/%s vs %s/%s", j, out[j].Kind, out[j].CallID, turn.Kind, turn.CallID)
		}
		j++
	}
	if j != len(out) {
		t.Fatalf("output has %d turns, want %d", len(out), j)
	}
}

func TestFullyStrippedTurnGetsPlaceholder(t *testing.T) {
	log := session.Log{
		session.UserText(Wrap(SectionMinimap, "", "old")),
		session.UserText(Wrap(SectionMinimap, "", "new")),
	}
	out := CompactForTransmission(log, DefaultLimits())
	if got := out[0].PlainText(); got != SectionsOmitted {
		t.Fatalf("old turn = %q, want placeholder", got)
	}
	if !Has(out[1].PlainText(), SectionMinimap) {
		t.Fatalf("newest minimap stripped")
	}
}

func TestCompactForStorage(t *testing.T) {
	img := session.ImageBlock("data:image/png;base64,AAAA")
	log := session.Log{
		session.UserTurn(session.TextBlock("a"), img),
		session.AssistantReasoning("hmm"),
		session.UserTurn(session.TextBlock("b"), img),
		session.AssistantMessage(strings.Repeat("m", 30_000)),
		session.ToolCall("c1", "execute_actions", `{"actions":[{"type":"write_memory","key":"k","value":"`+strings.Repeat("v", 20_000)+`"}]}`),
		session.ToolResult("c1", session.TextBlock(strings.Repeat("r", 20_000))),
		session.UserTurn(session.TextBlock(strings.Repeat("u", 70_000)), img),
	}
	lim := DefaultStorageLimits()
	out := CompactForStorage(log, lim)

	if len(out) != 6 {
		t.Fatalf("got %d turns, want 6 (reasoning dropped)", len(out))
	}
	if out[0].HasImage() {
		t.Fatalf("oldest image survived")
	}
	if !strings.Contains(out[0].PlainText(), ImageOmitted) {
		t.Fatalf("missing image placeholder: %q", out[0].PlainText())
	}
	if !out[1].HasImage() || !out[5].HasImage() {
		t.Fatalf("newest two images must survive")
	}
	if len(out[2].Text) > lim.AssistantCeiling {
		t.Fatalf("assistant text %d bytes", len(out[2].Text))
	}
	if len(out[3].Arguments) > lim.ToolCeiling || out[3].Corrupt() {
		t.Fatalf("tool arguments not capped into valid JSON (%d bytes)", len(out[3].Arguments))
	}
	if len(out[4].PlainText()) > lim.ToolCeiling {
		t.Fatalf("tool output %d bytes", len(out[4].PlainText()))
	}
	if len(out[5].Content[0].Text) > lim.TextCeiling {
		t.Fatalf("user text %d bytes", len(out[5].Content[0].Text))
	}
	if diff := cmp.Diff(out, CompactForStorage(out, lim)); diff != "" {
		t.Fatalf("storage compaction not idempotent:\n%s", diff)
	}
}

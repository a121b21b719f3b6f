package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fireredbot/fireredbot/internal/bridge"
	"github.com/fireredbot/fireredbot/internal/bridge/bridgetest"
	"github.com/fireredbot/fireredbot/internal/history"
	"github.com/fireredbot/fireredbot/internal/session"
)

func viridianSnapshot() *bridge.Snapshot {
	return &bridge.Snapshot{
		Player: bridge.Player{Position: bridge.Position{1, 0}, Facing: "down"},
		Map:    bridge.MapInfo{Group: 3, Number: 1, Name: "Viridian City"},
		FullMap: bridge.FullMap{
			Minimap: bridge.Minimap{Grid: bridgetest.Grid([]int{1, -1, 2}, []int{0, 0, 0})},
			NPCs:    []bridge.NPC{{UID: "3-1-4", Position: bridge.Position{2, 1}}},
		},
		Raw: []byte(`{"party":[{"species":"CHARMANDER","level":12}]}`),
	}
}

func TestBuildUserTurnSections(t *testing.T) {
	st := session.NewState()
	st.Counters.CurrentStep = 42
	st.Memory["rival"] = "Gary picked Squirtle"
	st.Memory["badge"] = "none yet"
	if err := st.Markers.Add("3-1", 2, 1, session.Marker{Emoji: "🏥", Label: "Pokemon Center"}); err != nil {
		t.Fatalf("add marker: %v", err)
	}
	if err := st.Markers.Add("1-1", 5, 5, session.Marker{Emoji: "🏠", Label: "Home"}); err != nil {
		t.Fatalf("add marker: %v", err)
	}
	st.Objectives.Primary = &session.Objective{ShortDescription: "Deliver parcel", Description: "Bring Oak's parcel back to Pallet Town"}
	st.Plan = &session.NavigationPlan{Destination: "Pallet Town", Reason: "deliver parcel", StepsTaken: 4}
	st.CritiqueReminderPending = true

	b := NewContextBuilder("", 80)
	turn, reminder := b.BuildUserTurn(st, viridianSnapshot())
	if !reminder {
		t.Fatal("expected the pending reminder to be delivered")
	}
	if turn.Kind != session.KindUser || len(turn.Content) != 1 {
		t.Fatalf("expected a single-block user turn, got %+v", turn)
	}
	text := turn.PlainText()

	if !strings.HasPrefix(text, "Step 42.\nMap: Viridian City (3-1)") {
		t.Errorf("unexpected header: %q", text[:min(len(text), 60)])
	}
	for _, name := range []string{
		history.SectionMinimap, history.SectionMemory, history.SectionMarkers,
		history.SectionObjectives, history.SectionDetailedStats,
		history.SectionNavigationPlan, history.SectionCritiqueReminder,
	} {
		if !history.Has(text, name) {
			t.Errorf("missing section %s", name)
		}
	}

	minimap, _ := history.Find(text, history.SectionMinimap)
	if !strings.Contains(minimap, "1 P 2\n0 0 0\n") {
		t.Errorf("unexpected minimap body:\n%s", minimap)
	}
	if !strings.Contains(minimap, "3-1-4@(2,1)") {
		t.Errorf("expected entity list in minimap:\n%s", minimap)
	}

	memory, _ := history.Find(text, history.SectionMemory)
	if strings.TrimSpace(memory) != "badge: none yet\nrival: Gary picked Squirtle" {
		t.Errorf("memory not sorted: %q", memory)
	}

	markers, _ := history.Find(text, history.SectionMarkers)
	if !strings.Contains(markers, "(2,1) 🏥 Pokemon Center") || !strings.Contains(markers, "1 markers on other maps.") {
		t.Errorf("unexpected markers body:\n%s", markers)
	}

	plan, _ := history.Find(text, history.SectionNavigationPlan)
	if !strings.Contains(plan, "Steps taken: 4 of 80") {
		t.Errorf("unexpected plan body:\n%s", plan)
	}

	rem, _ := history.Find(text, history.SectionCritiqueReminder)
	if !strings.Contains(rem, session.CritiqueAckMarker) {
		t.Errorf("reminder must carry the acknowledgement marker:\n%s", rem)
	}
}

func TestCritiqueReminderSurvivesStorageCap(t *testing.T) {
	st := session.NewState()
	st.CritiqueReminderPending = true
	snap := viridianSnapshot()
	snap.Raw = []byte(`{"bag":"` + strings.Repeat("POTION ", 10_000) + `"}`)

	turn, reminder := NewContextBuilder("", 80).BuildUserTurn(st, snap)
	if !reminder {
		t.Fatal("expected the reminder to be delivered")
	}
	if len(turn.PlainText()) <= history.DefaultStorageLimits().TextCeiling {
		t.Fatalf("turn is %d bytes, want it above the storage ceiling", len(turn.PlainText()))
	}

	log := session.Log{
		session.AssistantMessage(session.CritiqueMarker + " I keep walking into the same ledge."),
		turn,
	}
	stored := history.CompactForStorage(log, history.DefaultStorageLimits())
	text := stored[1].PlainText()
	if !strings.Contains(text, history.TruncationMarker) {
		t.Fatalf("expected the stored turn to be truncated")
	}
	if !strings.Contains(text, session.CritiqueAckMarker) {
		t.Errorf("acknowledgement marker lost after storage cap")
	}
}

func TestBuildUserTurnWithoutReminderOrPlan(t *testing.T) {
	st := session.NewState()
	b := NewContextBuilder("", 80)
	snap := &bridge.Snapshot{Map: bridge.MapInfo{Group: 4, Number: 1, Name: "Pallet Town"}}

	turn, reminder := b.BuildUserTurn(st, snap)
	if reminder {
		t.Fatal("no reminder was pending")
	}
	text := turn.PlainText()
	for _, name := range []string{history.SectionCritiqueReminder, history.SectionNavigationPlan, history.SectionMinimap, history.SectionDetailedStats} {
		if history.Has(text, name) {
			t.Errorf("unexpected section %s", name)
		}
	}
	mem, _ := history.Find(text, history.SectionMemory)
	if strings.TrimSpace(mem) != "(empty)" {
		t.Errorf("expected empty memory placeholder, got %q", mem)
	}
	obj, _ := history.Find(text, history.SectionObjectives)
	if !strings.Contains(obj, "Primary: (none)") {
		t.Errorf("expected empty objectives, got %q", obj)
	}
}

func TestBuildUserTurnAttachesScreenshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screen.png")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o600); err != nil {
		t.Fatalf("write screenshot: %v", err)
	}
	snap := viridianSnapshot()
	snap.Emulator = bridge.Emulator{ScreenshotOK: true, ScreenshotPath: path}

	turn, _ := NewContextBuilder("", 0).BuildUserTurn(session.NewState(), snap)
	if len(turn.Content) != 2 || turn.Content[1].Type != session.BlockImage {
		t.Fatalf("expected text plus image blocks, got %+v", turn.Content)
	}
	if !strings.HasPrefix(turn.Content[1].ImageURL, "data:image/png;base64,") {
		t.Errorf("unexpected image url %q", turn.Content[1].ImageURL)
	}
}

func TestSystemPromptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	if err := os.WriteFile(path, []byte("\nPlay carefully.\n"), 0o600); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	if got := NewContextBuilder(path, 0).BuildSystemPrompt(); got != "Play carefully." {
		t.Errorf("expected prompt from file, got %q", got)
	}
	if got := NewContextBuilder(filepath.Join(t.TempDir(), "missing.md"), 0).BuildSystemPrompt(); got != defaultSystemPrompt {
		t.Error("expected built-in prompt when the file is missing")
	}
}

func TestToolDefinitionListsEveryAction(t *testing.T) {
	defs := buildToolDefinitions()
	if len(defs) != 1 || defs[0].Function.Name != ToolName {
		t.Fatalf("unexpected tool definitions %+v", defs)
	}
	props := defs[0].Function.Parameters["properties"].(map[string]any)
	items := props["actions"].(map[string]any)["items"].(map[string]any)
	typ := items["properties"].(map[string]any)["type"].(map[string]any)
	if got := len(typ["enum"].([]string)); got != 10 {
		t.Errorf("expected 10 action types, got %d", got)
	}
}

package agent

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/fireredbot/fireredbot/internal/bridge"
	"github.com/fireredbot/fireredbot/internal/history"
	"github.com/fireredbot/fireredbot/internal/session"
)

const defaultSystemPrompt = `You are an autonomous agent playing Pokemon FireRed through an emulator bridge.

Every turn you receive the current game state in tagged sections: the explored minimap, your memory, your map markers, your objectives, detailed stats and, when one is active, your navigation plan. A screenshot may be attached.

Act only through the execute_actions tool. One call carries an ordered batch of actions:
- key_press presses buttons (up, down, left, right, a, b, start, select, l, r, a_until_end_of_dialog). At most one per batch.
- path_to_location walks to a tile on the current map. At most one per batch.
- add_marker and delete_marker annotate map coordinates.
- write_memory and delete_memory keep durable notes.
- update_objectives sets your primary, secondary, third and other objectives.
- set_navigation_plan and clear_navigation_plan track where you are heading and why.
- restart resets the console and must be the only action in its batch.

Keep memory, markers and objectives current; they survive when the conversation history is summarized.`

// ContextBuilder assembles the system prompt and the per-cycle user turn.
type ContextBuilder struct {
	systemPrompt string
	planMaxSteps int
}

// NewContextBuilder creates a ContextBuilder. promptFile, when set, replaces
// the built-in system prompt; an unreadable file falls back to it.
func NewContextBuilder(promptFile string, planMaxSteps int) *ContextBuilder {
	b := &ContextBuilder{systemPrompt: defaultSystemPrompt, planMaxSteps: planMaxSteps}
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		switch {
		case err != nil:
			slog.Warn("System prompt file unreadable, using built-in prompt", "path", promptFile, "error", err)
		case strings.TrimSpace(string(data)) == "":
			slog.Warn("System prompt file is empty, using built-in prompt", "path", promptFile)
		default:
			b.systemPrompt = strings.TrimSpace(string(data))
		}
	}
	return b
}

// BuildSystemPrompt returns the system prompt.
func (b *ContextBuilder) BuildSystemPrompt() string {
	return b.systemPrompt
}

// BuildUserTurn renders the environment prompt for one act cycle. It reports
// whether the turn delivers the pending critique reminder.
func (b *ContextBuilder) BuildUserTurn(st *session.State, snap *bridge.Snapshot) (session.Turn, bool) {
	var parts []string

	parts = append(parts, fmt.Sprintf("Step %d.\n%s", st.Counters.CurrentStep, snap.Describe()))

	// The reminder goes first: storage truncation keeps the head of the
	// turn, and recovery looks for the acknowledgement marker.
	reminder := st.CritiqueReminderPending
	if reminder {
		parts = append(parts, history.Wrap(history.SectionCritiqueReminder, "",
			session.CritiqueAckMarker+"\nRe-read your last self-critique and update memory, objectives and markers accordingly before acting."))
	}

	if mm := renderMinimap(snap); mm != "" {
		parts = append(parts, history.Wrap(history.SectionMinimap, "", mm))
	}
	parts = append(parts, history.Wrap(history.SectionMemory, "", renderMemory(st.Memory)))
	parts = append(parts, history.Wrap(history.SectionMarkers, "", renderMarkers(st.Markers, snap.MapID())))
	parts = append(parts, history.Wrap(history.SectionObjectives, "", renderObjectives(st.Objectives)))
	if len(snap.Raw) > 0 {
		parts = append(parts, history.Wrap(history.SectionDetailedStats, "", string(snap.Raw)))
	}
	if st.Plan != nil {
		parts = append(parts, history.Wrap(history.SectionNavigationPlan, "", b.renderPlan(st.Plan)))
	}

	blocks := []session.Block{session.TextBlock(strings.Join(parts, "\n\n"))}
	if snap.Emulator.ScreenshotOK {
		url, err := snap.Screenshot()
		switch {
		case err != nil:
			slog.Warn("Screenshot unavailable", "error", err)
		case url != "":
			blocks = append(blocks, session.ImageBlock(url))
		}
	}
	return session.UserTurn(blocks...), reminder
}

// renderMinimap draws the explored grid one row per line. Unexplored cells
// are "?", the player is "P".
func renderMinimap(snap *bridge.Snapshot) string {
	grid := snap.FullMap.Minimap.Grid
	if len(grid) == 0 {
		return ""
	}
	px, py := snap.Player.Position.X(), snap.Player.Position.Y()
	var sb strings.Builder
	sb.WriteString("Legend: tile ids, ? unexplored, P player. Row 0 is the top, column 0 the left.\n")
	for y, row := range grid {
		for x, cell := range row {
			if x > 0 {
				sb.WriteByte(' ')
			}
			switch {
			case x == px && y == py:
				sb.WriteString("P")
			case cell == nil:
				sb.WriteString("?")
			default:
				fmt.Fprintf(&sb, "%d", *cell)
			}
		}
		sb.WriteByte('\n')
	}
	if len(snap.FullMap.NPCs) > 0 {
		sb.WriteString("Entities:")
		for _, npc := range snap.FullMap.NPCs {
			fmt.Fprintf(&sb, " %s@(%d,%d)", npc.UID, npc.Position.X(), npc.Position.Y())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func renderMemory(mem map[string]string) string {
	if len(mem) == 0 {
		return "(empty)"
	}
	keys := make([]string, 0, len(mem))
	for k := range mem {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, mem[k])
	}
	return sb.String()
}

// renderMarkers lists the markers of the current map and counts the rest.
func renderMarkers(markers session.Markers, current string) string {
	var sb strings.Builder
	here := markers[current]
	keys := make([]string, 0, len(here))
	for k := range here {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mk := here[k]
		x, y, _ := session.ParseCoordKey(k)
		fmt.Fprintf(&sb, "(%d,%d) %s %s", x, y, mk.Emoji, mk.Label)
		if mk.OwnerUID != "" {
			fmt.Fprintf(&sb, " [follows %s]", mk.OwnerUID)
		}
		sb.WriteByte('\n')
	}
	if len(keys) == 0 {
		sb.WriteString("(no markers on this map)\n")
	}
	others := 0
	for mapID, m := range markers {
		if mapID != current {
			others += len(m)
		}
	}
	if others > 0 {
		fmt.Fprintf(&sb, "%d markers on other maps.\n", others)
	}
	return sb.String()
}

func renderObjectives(o session.Objectives) string {
	var sb strings.Builder
	line := func(name string, obj *session.Objective) {
		if obj == nil {
			fmt.Fprintf(&sb, "%s: (none)\n", name)
			return
		}
		fmt.Fprintf(&sb, "%s: %s - %s\n", name, obj.ShortDescription, obj.Description)
	}
	line("Primary", o.Primary)
	line("Secondary", o.Secondary)
	line("Third", o.Third)
	for _, obj := range o.Others {
		fmt.Fprintf(&sb, "Other: %s - %s\n", obj.ShortDescription, obj.Description)
	}
	return sb.String()
}

func (b *ContextBuilder) renderPlan(p *session.NavigationPlan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Destination: %s\nReason: %s\n", p.Destination, p.Reason)
	if p.RouteNotes != "" {
		fmt.Fprintf(&sb, "Route notes: %s\n", p.RouteNotes)
	}
	fmt.Fprintf(&sb, "Steps taken: %d", p.StepsTaken)
	if b.planMaxSteps > 0 {
		fmt.Fprintf(&sb, " of %d before the plan expires", b.planMaxSteps)
	}
	sb.WriteByte('\n')
	return sb.String()
}

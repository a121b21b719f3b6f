package reflection

import (
	"fmt"
	"strings"

	"github.com/fireredbot/fireredbot/internal/bridge"
	"github.com/fireredbot/fireredbot/internal/history"
	"github.com/fireredbot/fireredbot/internal/session"
)

func snapshotSection(snap *bridge.Snapshot) string {
	if snap == nil {
		return ""
	}
	return history.Wrap("current_state", "", snap.Describe()) + "\n\n"
}

func summaryRequest(snap *bridge.Snapshot, step int) string {
	var sb strings.Builder
	sb.WriteString(snapshotSection(snap))
	fmt.Fprintf(&sb, "Step %d. The conversation history is about to be cleared.\n", step)
	sb.WriteString("Write a summary of your progress that lets you continue without it: ")
	sb.WriteString("where you are, what you accomplished, what failed, open goals and the next concrete steps.\n")
	sb.WriteString("Put the whole summary inside <summary> and </summary>. Do not call any tool.")
	return sb.String()
}

func rollupRequest(working []session.Summary) string {
	var sb strings.Builder
	sb.WriteString("These are consecutive summaries of your journey, oldest first.\n\n")
	for i, s := range working {
		sb.WriteString(history.Wrap("summary_entry", fmt.Sprintf(`index="%d" step="%d"`, i+1, s.Step), s.Text))
		sb.WriteString("\n\n")
	}
	sb.WriteString("Merge them into one summary that keeps every fact still relevant: achievements, team, items, ")
	sb.WriteString("unresolved obstacles and current goals. Drop superseded details.\n")
	sb.WriteString("Put the merged summary inside <summary> and </summary>.")
	return sb.String()
}

func resumeText(step int) string {
	return fmt.Sprintf("History was summarized at step %d. Continue playing from the summary above.", step)
}

func critiqueRequest(snap *bridge.Snapshot, step int) string {
	var sb strings.Builder
	sb.WriteString(snapshotSection(snap))
	fmt.Fprintf(&sb, "Step %d. Pause and review your recent play. ", step)
	sb.WriteString("Which actions wasted steps, which assumptions proved wrong, and what should change? ")
	sb.WriteString("Name the memory, objective and marker updates you should make next. Do not call any tool.")
	return sb.String()
}

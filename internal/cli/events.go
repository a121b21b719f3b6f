package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fireredbot/fireredbot/internal/config"
	"github.com/fireredbot/fireredbot/internal/timeline"
)

var (
	eventsLimit int
	eventsType  string
	usageDays   int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded broadcast events",
	RunE: func(cmd *cobra.Command, args []string) error {
		tl, err := openTimeline(cmd)
		if err != nil {
			return err
		}
		defer tl.Close()

		events, err := tl.GetEvents(timeline.FilterArgs{EventType: eventsType, Limit: eventsLimit})
		if err != nil {
			return fmt.Errorf("query timeline: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintln(out, "No events recorded.")
			return nil
		}
		for _, ev := range events {
			fmt.Fprintf(out, "%s  step %-6d %-18s %s\n", ev.Timestamp.Local().Format(time.DateTime), ev.Step, ev.EventType, ev.Summary)
		}
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage per model call source",
	RunE: func(cmd *cobra.Command, args []string) error {
		tl, err := openTimeline(cmd)
		if err != nil {
			return err
		}
		defer tl.Close()

		out := cmd.OutOrStdout()
		today, err := tl.GetDailyTokenUsage(time.Now())
		if err != nil {
			return fmt.Errorf("daily usage: %w", err)
		}
		fmt.Fprintf(out, "Today: %d tokens\n", today)

		since := time.Now().AddDate(0, 0, -usageDays)
		totals, err := tl.UsageTotals(since)
		if err != nil {
			return fmt.Errorf("usage totals: %w", err)
		}
		fmt.Fprintf(out, "Last %d days:\n", usageDays)
		for _, t := range totals {
			fmt.Fprintf(out, "  %-9s %6d calls %10d tokens\n", t.Source, t.Calls, t.TotalTokens)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum number of events")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Only show events of this type")
	usageCmd.Flags().IntVar(&usageDays, "days", 7, "Aggregation window in days")
	eventsCmd.AddCommand(usageCmd)
}

func openTimeline(cmd *cobra.Command) (*timeline.TimelineService, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := config.EnsureDir(filepath.Dir(cfg.Paths.TimelineDB)); err != nil {
		return nil, err
	}
	tl, err := timeline.NewTimelineService(cfg.Paths.TimelineDB)
	if err != nil {
		return nil, fmt.Errorf("open timeline: %w", err)
	}
	return tl, nil
}

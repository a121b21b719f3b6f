package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fireredbot/fireredbot/internal/session"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fireredbot %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted agent state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printHeader(out, "📊 fireredbot status")
		fmt.Fprintf(out, "Version:   %s\n", version)
		fmt.Fprintf(out, "Model:     %s\n", cfg.Model.Name)
		fmt.Fprintf(out, "Bridge:    %s\n", cfg.Bridge.URL)
		fmt.Fprintf(out, "State dir: %s\n", cfg.Paths.StateDir)

		if _, err := os.Stat(cfg.Paths.StateDir); err != nil {
			fmt.Fprintln(out, color.YellowString("No state yet (run 'fireredbot run' to start)"))
			return nil
		}
		store := session.NewStore(session.Options{
			Dir:                 cfg.Paths.StateDir,
			RecoveryByteCeiling: cfg.Agent.RecoveryByteCeiling,
		})
		if _, err := store.Load(); err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		snap := store.Snapshot()
		c := snap.Counters
		fmt.Fprintf(out, "Step:      %d (last summary %d, last critique %d)\n", c.CurrentStep, c.LastSummaryStep, c.LastCriticismStep)
		fmt.Fprintf(out, "Log:       %d turns\n", snap.LogTurns)
		fmt.Fprintf(out, "Summaries: %d working, %d total\n", snap.WorkingCount, snap.AllCount)
		fmt.Fprintf(out, "Memory:    %d entries\n", len(snap.Memory))
		markers := 0
		for _, m := range snap.Markers {
			markers += len(m)
		}
		fmt.Fprintf(out, "Markers:   %d on %d maps\n", markers, len(snap.Markers))
		if p := snap.Objectives.Primary; p != nil {
			fmt.Fprintf(out, "Objective: %s\n", p.ShortDescription)
		}
		if snap.Plan != nil {
			fmt.Fprintf(out, "Plan:      %s\n", snap.Plan.Destination)
		}
		if snap.ReminderActive {
			fmt.Fprintln(out, color.YellowString("Critique reminder pending"))
		}
		return nil
	},
}

package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fireredbot/fireredbot/internal/history"
	"github.com/fireredbot/fireredbot/internal/session"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Repair the persisted conversation without running the agent",
	Long: "Loads the state directory, applying the same crash recovery as 'run' " +
		"(corrupt tail, orphaned tool calls, oversized log), and saves the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		lock, err := session.LockDir(cfg.Paths.StateDir)
		if err != nil {
			return fmt.Errorf("lock state dir (is the agent running?): %w", err)
		}
		defer lock.Unlock()

		store := session.NewStore(session.Options{
			Dir:                 cfg.Paths.StateDir,
			RecoveryByteCeiling: cfg.Agent.RecoveryByteCeiling,
			StorageCompactor:    history.StorageCompactor(storageLimits(cfg.History)),
		})
		st, err := store.Load()
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		report := store.LastRecovery()
		out := cmd.OutOrStdout()
		if !report.Changed() {
			fmt.Fprintf(out, "%s conversation is healthy (%d turns, step %d)\n",
				color.GreenString("✓"), len(st.Log), st.Counters.CurrentStep)
			return nil
		}
		if err := store.Save(); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		fmt.Fprintf(out, "%s conversation repaired\n", color.YellowString("!"))
		fmt.Fprintf(out, "  corrupt tail turns removed: %d\n", report.StrippedTail)
		fmt.Fprintf(out, "  undecodable lines removed:  %d\n", report.Undecodable)
		fmt.Fprintf(out, "  orphaned turns removed:     %d\n", report.OrphansDropped)
		fmt.Fprintf(out, "  oversized prefix dropped:   %d\n", report.DroppedTurns)
		if report.BackupPath != "" {
			fmt.Fprintf(out, "  backup:                     %s\n", report.BackupPath)
		}
		if report.ReminderRestored {
			fmt.Fprintln(out, "  critique reminder restored")
		}
		return nil
	},
}

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fireredbot/fireredbot/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/fireredbot/fireredbot/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  __ _                        _ _           _\n" +
		" / _(_)_ __ ___ _ __ ___  __| | |__   ___ | |_\n" +
		"| |_| | '__/ _ \\ '__/ _ \\/ _` | '_ \\ / _ \\| __|\n" +
		"|  _| | | |  __/ | |  __/ (_| | |_) | (_) | |_\n" +
		"|_| |_|_|  \\___|_|  \\___|\\__,_|_.__/ \\___/ \\__|\n"

	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "fireredbot",
	Short: "fireredbot - autonomous Pokemon FireRed agent",
	Long:  color.CyanString(logo) + "\nAn LLM agent that plays Pokemon FireRed through an emulator bridge.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.fireredbot/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(recoverCmd)
}

// loadConfig loads the config named by --config, or the default location,
// and installs the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFrom(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	slog.SetDefault(newLogger(cfg.Logging, cmd.ErrOrStderr()))
	return cfg, nil
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(lc config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(lc.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

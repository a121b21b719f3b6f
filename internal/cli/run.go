package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fireredbot/fireredbot/internal/agent"
	"github.com/fireredbot/fireredbot/internal/bridge"
	"github.com/fireredbot/fireredbot/internal/bus"
	"github.com/fireredbot/fireredbot/internal/config"
	"github.com/fireredbot/fireredbot/internal/gateway"
	"github.com/fireredbot/fireredbot/internal/history"
	"github.com/fireredbot/fireredbot/internal/provider"
	"github.com/fireredbot/fireredbot/internal/session"
	"github.com/fireredbot/fireredbot/internal/timeline"
)

var runMaxCycles int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent loop",
	Long:  "Runs the act/reflect/critique loop against the emulator bridge until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("max-cycles") {
			cfg.Agent.MaxCycles = runMaxCycles
		}
		printHeader(cmd.OutOrStdout(), "🎮 fireredbot run")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runAgent(ctx, cfg)
	},
}

func init() {
	runCmd.Flags().IntVar(&runMaxCycles, "max-cycles", 0, "Stop after this many cycles (0 runs until interrupted)")
}

// runAgent wires the state store, model, bridge, broadcaster and sinks, then
// runs them until ctx is cancelled or the loop stops on its own.
func runAgent(ctx context.Context, cfg *config.Config) error {
	lock, err := session.LockDir(cfg.Paths.StateDir)
	if err != nil {
		return fmt.Errorf("lock state dir: %w", err)
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
	slog.Info("State loaded",
		"dir", store.Dir(),
		"step", st.Counters.CurrentStep,
		"turns", len(st.Log))

	client, err := provider.Resolve(cfg)
	if err != nil {
		return err
	}
	env := bridge.NewClient(cfg.Bridge.URL, cfg.Bridge.Timeout, cfg.Bridge.CommandTimeout)

	broadcaster := bus.NewBroadcaster(512)

	var tl *timeline.TimelineService
	if cfg.Paths.TimelineDB != "" {
		if err := config.EnsureDir(filepath.Dir(cfg.Paths.TimelineDB)); err != nil {
			return fmt.Errorf("create timeline dir: %w", err)
		}
		tl, err = timeline.NewTimelineService(cfg.Paths.TimelineDB)
		if err != nil {
			return fmt.Errorf("open timeline: %w", err)
		}
		defer tl.Close()
		defer broadcaster.Subscribe("timeline", tl.Handle)()
	}

	loop := agent.NewLoop(loopOptions(cfg, store, env, client, broadcaster))

	// The loop finishing on its own (MaxCycles) ends every other goroutine.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := broadcaster.Dispatch(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if k := cfg.Broadcast.Kafka; k.Enabled {
		sink := bus.NewKafkaSink(k.Brokers, k.Topic)
		defer broadcaster.Subscribe("kafka", sink.Handle)()
		g.Go(func() error { return sink.Run(gctx) })
		slog.Info("Kafka sink enabled", "brokers", k.Brokers, "topic", k.Topic)
	}
	if s := cfg.Broadcast.Slack; s.Enabled {
		alerter := bus.NewSlackAlerter(s.BotToken, s.Channel, s.Events, "")
		defer broadcaster.Subscribe("slack", alerter.Handle)()
		g.Go(func() error { return alerter.Run(gctx) })
		slog.Info("Slack alerts enabled", "channel", s.Channel, "events", s.Events)
	}
	if gw := cfg.Gateway; gw.Enabled {
		srv := gateway.New(gateway.Options{
			Addr:      net.JoinHostPort(gw.Host, strconv.Itoa(gw.Port)),
			AuthToken: gw.AuthToken,
			Version:   version,
			State:     store,
			Events:    broadcaster,
			Timeline:  tl,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		defer cancel()
		return loop.Run(gctx)
	})

	err = g.Wait()
	slog.Info("Agent stopped", "step", store.State().Counters.CurrentStep)
	return err
}

func loopOptions(cfg *config.Config, store *session.Store, env bridge.Environment, client provider.ModelClient, pub bus.Publisher) agent.LoopOptions {
	return agent.LoopOptions{
		Store:          store,
		Env:            env,
		Client:         client,
		Publisher:      pub,
		ContextBuilder: agent.NewContextBuilder(cfg.Paths.SystemPromptFile, cfg.Agent.NavigationPlanMaxSteps),
		Limits:         historyLimits(cfg.History),

		Model:           modelName(cfg.Model.Name),
		MaxTokens:       cfg.Model.MaxTokens,
		Temperature:     cfg.Model.Temperature,
		ReasoningEffort: cfg.Model.ReasoningEffort,

		SummaryInterval:   cfg.Agent.SummaryInterval,
		CritiqueInterval:  cfg.Agent.CritiqueInterval,
		RollupThreshold:   cfg.Agent.RollupThreshold,
		ErrorBackoff:      cfg.Agent.ErrorBackoff,
		OversizeLoopLimit: cfg.Agent.OversizeLoopLimit,
		PlanMaxSteps:      cfg.Agent.NavigationPlanMaxSteps,
		MaxCycles:         cfg.Agent.MaxCycles,

		PromptByteCeiling: cfg.Model.PromptByteCeiling,
		MaxPromptTokens:   cfg.Model.MaxPromptTokens,

		PathRetries: cfg.Agent.PathRetries,
		RetryDelay:  time.Second,
	}
}

// modelName strips the provider prefix; the resolved client already targets
// that provider.
func modelName(name string) string {
	_, model := provider.ParseModelString(name)
	return model
}

// historyLimits overlays the configured budgets on the defaults. Zero values
// keep the default.
func historyLimits(h config.HistoryConfig) history.Limits {
	lim := history.DefaultLimits()
	for name, keep := range h.SectionKeep {
		lim.SectionKeep[name] = keep
	}
	setPositive(&lim.SectionCeiling, h.SectionCeiling)
	setPositive(&lim.MessageCeiling, h.MessageCeiling)
	setPositive(&lim.RecentToolResults, h.RecentToolResults)
	setPositive(&lim.RecentToolResultCeiling, h.RecentToolResultCeiling)
	setPositive(&lim.OldToolResultCeiling, h.OldToolResultCeiling)
	setPositive(&lim.OldDetailsCeiling, h.OldDetailsCeiling)
	setPositive(&lim.SummaryCeiling, h.SummaryCeiling)
	return lim
}

func storageLimits(h config.HistoryConfig) history.StorageLimits {
	lim := history.DefaultStorageLimits()
	setPositive(&lim.TextCeiling, h.StorageTextCeiling)
	setPositive(&lim.AssistantCeiling, h.StorageAssistantCeiling)
	setPositive(&lim.ToolCeiling, h.StorageToolCeiling)
	setPositive(&lim.ImageKeep, h.StorageImageKeep)
	return lim
}

func setPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

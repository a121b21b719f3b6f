package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fireredbot/fireredbot/internal/actions"
	"github.com/fireredbot/fireredbot/internal/bridge"
	"github.com/fireredbot/fireredbot/internal/bus"
	"github.com/fireredbot/fireredbot/internal/history"
	"github.com/fireredbot/fireredbot/internal/provider"
	"github.com/fireredbot/fireredbot/internal/reflection"
	"github.com/fireredbot/fireredbot/internal/session"
)

// Mode is what one cycle did.
type Mode string

const (
	ModeAct      Mode = "act"
	ModeReflect  Mode = "reflect"
	ModeCritique Mode = "critique"
)

// usageSource names the model call of a mode in token_usage events.
func (m Mode) usageSource() string {
	switch m {
	case ModeReflect:
		return "summary"
	case ModeCritique:
		return "critique"
	default:
		return "act"
	}
}

// LoopOptions contains the dependencies and settings of the cycle loop.
type LoopOptions struct {
	Store          *session.Store
	Env            bridge.Environment
	Client         provider.ModelClient
	Publisher      bus.Publisher
	ContextBuilder *ContextBuilder
	Limits         history.Limits

	Model           string
	MaxTokens       int
	Temperature     float64
	ReasoningEffort string

	SummaryInterval   int
	CritiqueInterval  int
	RollupThreshold   int
	ErrorBackoff      time.Duration
	OversizeLoopLimit int
	PlanMaxSteps      int
	// MaxCycles stops Run after this many cycles; 0 runs until cancelled.
	MaxCycles int

	// PromptByteCeiling bounds the serialized, compacted conversation.
	PromptByteCeiling int
	// MaxPromptTokens bounds the prompt size reported by the previous call.
	MaxPromptTokens int

	PathRetries int
	RetryDelay  time.Duration

	// Sleep replaces the error backoff wait; tests use it to avoid delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Loop is the perpetual act/reflect/critique controller.
type Loop struct {
	store     *session.Store
	env       bridge.Environment
	client    provider.ModelClient
	pub       bus.Publisher
	builder   *ContextBuilder
	executor  *actions.Executor
	reflector *reflection.Engine
	tools     []provider.ToolDefinition
	opts      LoopOptions
	running   atomic.Bool
}

// NewLoop creates a cycle loop. The store must already be loaded.
func NewLoop(opts LoopOptions) *Loop {
	if opts.Publisher == nil {
		opts.Publisher = bus.Discard{}
	}
	if opts.ContextBuilder == nil {
		opts.ContextBuilder = NewContextBuilder("", opts.PlanMaxSteps)
	}
	if opts.Limits.SectionKeep == nil {
		opts.Limits = history.DefaultLimits()
	}
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = 100
	}
	if opts.CritiqueInterval <= 0 {
		opts.CritiqueInterval = 25
	}
	if opts.OversizeLoopLimit <= 0 {
		opts.OversizeLoopLimit = 3
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Model == "" && opts.Client != nil {
		opts.Model = opts.Client.DefaultModel()
	}

	return &Loop{
		store:    opts.Store,
		env:      opts.Env,
		client:   opts.Client,
		pub:      opts.Publisher,
		builder:  opts.ContextBuilder,
		executor: actions.NewExecutor(opts.Env, opts.Publisher, actions.Options{PathRetries: opts.PathRetries, RetryDelay: opts.RetryDelay}),
		reflector: reflection.New(opts.Client, opts.Store, opts.Publisher, reflection.Options{
			Model:           opts.Model,
			System:          opts.ContextBuilder.BuildSystemPrompt(),
			MaxTokens:       opts.MaxTokens,
			Temperature:     opts.Temperature,
			ReasoningEffort: opts.ReasoningEffort,
			RollupThreshold: opts.RollupThreshold,
			Limits:          opts.Limits,
		}),
		tools: buildToolDefinitions(),
		opts:  opts,
	}
}

// Run cycles until ctx is cancelled, Stop is called or MaxCycles is reached.
// A failed cycle is logged, broadcast and retried after ErrorBackoff with the
// state reloaded from disk.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)
	slog.Info("Agent loop started", "step", l.store.State().Counters.CurrentStep, "model", l.opts.Model)

	cycles := 0
	for l.running.Load() {
		if ctx.Err() != nil {
			return nil // Context cancelled, normal shutdown
		}
		if l.opts.MaxCycles > 0 && cycles >= l.opts.MaxCycles {
			slog.Info("Cycle limit reached", "cycles", cycles)
			return nil
		}
		cycles++

		mode, err := l.Cycle(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if IsOversize(err) {
			slog.Warn("Prompt oversize, summarizing next", "error", err)
			continue
		}
		l.recoverFromError(mode, err)
		if l.opts.Sleep(ctx, l.opts.ErrorBackoff) != nil {
			return nil
		}
	}
	return nil
}

// Stop signals the loop to stop after the current cycle.
func (l *Loop) Stop() {
	l.running.Store(false)
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Cycle runs one iteration and saves the state when it succeeds. An
// *OversizeError is saved too, with a summary requested for the next cycle.
func (l *Loop) Cycle(ctx context.Context) (Mode, error) {
	st := l.store.State()

	snap, err := l.env.FetchSnapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch snapshot: %w", err)
	}
	changed, err := l.store.ReconcileMarkers(snap.Entities())
	if err != nil {
		return "", err
	}
	if changed {
		l.pub.Publish(bus.EventMarkersUpdate, bus.MarkersPayload{Markers: st.Markers.Clone()})
	}

	mode := l.decide(st)
	var usage provider.Usage
	switch mode {
	case ModeReflect:
		usage, err = l.reflect(ctx, st, snap)
	case ModeCritique:
		usage, err = l.critique(ctx, snap)
	default:
		usage, err = l.act(ctx, st, snap)
	}
	l.publishUsage(mode, usage, st.Counters.CurrentStep)

	if err != nil {
		if !IsOversize(err) {
			return mode, fmt.Errorf("%s: %w", mode, err)
		}
		st.SummaryRequested = true
		if serr := l.store.Save(); serr != nil {
			return mode, fmt.Errorf("save state: %w", serr)
		}
		return mode, err
	}
	if err := l.store.Save(); err != nil {
		return mode, fmt.Errorf("save state: %w", err)
	}
	return mode, nil
}

func (l *Loop) decide(st *session.State) Mode {
	if st.SummaryRequested || st.Counters.StepsSinceSummary() >= l.opts.SummaryInterval {
		return ModeReflect
	}
	if st.Counters.StepsSinceCriticism() >= l.opts.CritiqueInterval {
		return ModeCritique
	}
	return ModeAct
}

func (l *Loop) reflect(ctx context.Context, st *session.State, snap *bridge.Snapshot) (provider.Usage, error) {
	oversize := st.SummaryRequested
	if oversize && st.OversizeStreak+1 >= l.opts.OversizeLoopLimit {
		l.breakOversizeLoop(st)
		return provider.Usage{}, nil
	}

	out, err := l.reflector.Summarize(ctx, snap)
	var usage provider.Usage
	if out != nil {
		usage = out.Usage
	}
	if err != nil {
		return usage, err
	}
	if oversize {
		st.OversizeStreak++
	} else {
		st.OversizeStreak = 0
	}
	st.SummaryRequested = false
	// The log was replaced; the previous prompt size no longer applies.
	st.LastPromptTokens = 0
	return usage, nil
}

// breakOversizeLoop resets the log to the last summary without asking the
// model, which keeps failing on the oversized conversation.
func (l *Loop) breakOversizeLoop(st *session.State) {
	var log session.Log
	if last, ok := st.Summaries.Last(); ok {
		log = append(log, reflection.CarryOverTurn(last))
	}
	dropped := len(st.Log)
	l.store.ReplaceLog(log)
	st.Counters.MarkSummary()
	st.SummaryRequested = false
	st.SkipNextUserTurn = false
	st.LastPromptTokens = 0
	streak := st.OversizeStreak + 1
	st.OversizeStreak = 0

	msg := fmt.Sprintf("conversation reset to the last summary after %d consecutive oversize summaries", streak)
	slog.Warn("Oversize loop broken", "streak", streak, "dropped_turns", dropped, "step", st.Counters.CurrentStep)
	l.pub.Publish(bus.EventErrorMessage, bus.ErrorPayload{Stage: string(ModeReflect), Message: msg, Step: st.Counters.CurrentStep})
}

func (l *Loop) critique(ctx context.Context, snap *bridge.Snapshot) (provider.Usage, error) {
	out, err := l.reflector.Critique(ctx, snap)
	if out == nil {
		return provider.Usage{}, err
	}
	return out.Usage, err
}

func (l *Loop) act(ctx context.Context, st *session.State, snap *bridge.Snapshot) (provider.Usage, error) {
	step := st.Counters.CurrentStep

	var userTurn *session.Turn
	reminder := false
	if !st.SkipNextUserTurn {
		t, r := l.builder.BuildUserTurn(st, snap)
		userTurn, reminder = &t, r
	}

	if l.opts.MaxPromptTokens > 0 && st.LastPromptTokens > l.opts.MaxPromptTokens {
		return provider.Usage{}, &OversizeError{Reason: "prompt_tokens", Size: st.LastPromptTokens, Limit: l.opts.MaxPromptTokens}
	}
	candidate := append(session.Log(nil), st.Log...)
	if userTurn != nil {
		candidate = append(candidate, *userTurn)
	}
	turns := history.CompactForTransmission(candidate, l.opts.Limits)
	if l.opts.PromptByteCeiling > 0 {
		payload, err := json.Marshal(turns)
		if err != nil {
			return provider.Usage{}, fmt.Errorf("measure prompt: %w", err)
		}
		if len(payload) > l.opts.PromptByteCeiling {
			return provider.Usage{}, &OversizeError{Reason: "payload_bytes", Size: len(payload), Limit: l.opts.PromptByteCeiling}
		}
	}

	st.SkipNextUserTurn = false
	if userTurn != nil {
		l.store.Append(*userTurn)
	}
	if reminder {
		st.CritiqueReminderPending = false
	}

	events, err := l.client.Stream(ctx, &provider.StreamRequest{
		Model:           l.opts.Model,
		System:          l.builder.BuildSystemPrompt(),
		Turns:           turns,
		Tools:           l.tools,
		ToolChoice:      provider.ToolChoiceAuto,
		MaxTokens:       l.opts.MaxTokens,
		Temperature:     l.opts.Temperature,
		ReasoningEffort: l.opts.ReasoningEffort,
	})
	if err != nil {
		return provider.Usage{}, fmt.Errorf("start stream: %w", err)
	}
	res, err := provider.Collect(ctx, events, func(ev provider.StreamEvent) {
		if ev.Type == provider.EventReasoningDelta {
			l.pub.Publish(bus.EventReasoningChunk, bus.TextPayload{Text: ev.Text, Step: step})
		}
	})
	if err != nil {
		return provider.Usage{}, err
	}
	st.LastPromptTokens = res.Usage.PromptTokens

	var out session.Log
	for _, it := range res.Items {
		switch it.Kind {
		case provider.ItemReasoning:
			out = append(out, session.AssistantReasoning(it.Text))
		case provider.ItemText:
			out = append(out, session.AssistantMessage(it.Text))
		case provider.ItemToolCall:
			out = append(out, session.ToolCall(it.Call.ID, it.Call.Name, it.Call.Arguments))
		}
	}
	calls := res.ToolCalls()
	for _, call := range calls {
		out = append(out, l.runToolCall(ctx, st, snap, call))
	}
	l.store.Append(out...)

	st.Counters.Advance()
	l.advancePlan(st)
	st.OversizeStreak = 0

	slog.Info("Cycle acted", "step", st.Counters.CurrentStep, "tool_calls", len(calls), "prompt_tokens", res.Usage.PromptTokens)
	return res.Usage, nil
}

// runToolCall executes one tool call and renders its result turn. Failures
// are reported to the model, never returned.
func (l *Loop) runToolCall(ctx context.Context, st *session.State, snap *bridge.Snapshot, call provider.ToolCall) session.Turn {
	var result *actions.BatchResult
	if call.Name != ToolName {
		result = &actions.BatchResult{Error: fmt.Sprintf("unknown tool %q, use %s", call.Name, ToolName)}
	} else if batch, err := actions.ParseBatch(call.Arguments); err != nil {
		result = &actions.BatchResult{Error: err.Error()}
	} else {
		result, err = l.executor.Execute(ctx, st, snap, call.ID, batch)
		if err != nil {
			slog.Warn("Action batch rejected", "call_id", call.ID, "error", err)
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"overall_success":false,"error":%q}`, err.Error()))
	}
	return session.ToolResult(call.ID, session.TextBlock(string(data)))
}

// advancePlan counts a cycle against the navigation plan and expires it.
func (l *Loop) advancePlan(st *session.State) {
	if st.Plan == nil {
		return
	}
	st.Plan.StepsTaken++
	if l.opts.PlanMaxSteps > 0 && st.Plan.StepsTaken >= l.opts.PlanMaxSteps {
		slog.Info("Navigation plan expired", "destination", st.Plan.Destination, "steps", st.Plan.StepsTaken)
		st.Plan = nil
	}
}

func (l *Loop) publishUsage(mode Mode, u provider.Usage, step int) {
	if u == (provider.Usage{}) {
		return
	}
	l.pub.Publish(bus.EventTokenUsage, bus.UsagePayload{
		Source:           mode.usageSource(),
		Model:            l.opts.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		ReasoningTokens:  u.ReasoningTokens,
		TotalTokens:      u.TotalTokens,
		Step:             step,
	})
}

// recoverFromError reports a failed cycle and discards its partial changes
// by reloading the last saved state.
func (l *Loop) recoverFromError(mode Mode, err error) {
	stage := string(mode)
	if stage == "" {
		stage = "snapshot"
	}
	step := l.store.State().Counters.CurrentStep
	slog.Error("Cycle failed", "stage", stage, "step", step, "error", err)
	l.pub.Publish(bus.EventErrorMessage, bus.ErrorPayload{Stage: stage, Message: err.Error(), Step: step})
	if _, lerr := l.store.Load(); lerr != nil {
		slog.Error("Failed to reload state after cycle error", "error", lerr)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/fireredbot/fireredbot/internal/bridge"
	"github.com/fireredbot/fireredbot/internal/bridge/bridgetest"
	"github.com/fireredbot/fireredbot/internal/bus"
	"github.com/fireredbot/fireredbot/internal/provider"
	"github.com/fireredbot/fireredbot/internal/provider/providertest"
	"github.com/fireredbot/fireredbot/internal/reflection"
	"github.com/fireredbot/fireredbot/internal/session"
)

type fixture struct {
	loop   *Loop
	store  *session.Store
	env    *bridgetest.Env
	client *providertest.Client
	rec    *bus.Recorder
	sleeps []time.Duration
}

func newFixture(t *testing.T, configure func(*LoopOptions), replies ...providertest.Reply) *fixture {
	t.Helper()
	store := session.NewStore(session.Options{Dir: t.TempDir()})
	if _, err := store.Load(); err != nil {
		t.Fatalf("load store: %v", err)
	}
	f := &fixture{
		store:  store,
		env:    &bridgetest.Env{Snap: viridianSnapshot()},
		client: providertest.New(replies...),
		rec:    &bus.Recorder{},
	}
	opts := LoopOptions{
		Store:            store,
		Env:              f.env,
		Client:           f.client,
		Publisher:        f.rec,
		SummaryInterval:  100,
		CritiqueInterval: 25,
		PlanMaxSteps:     80,
		ErrorBackoff:     5 * time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		},
	}
	if configure != nil {
		configure(&opts)
	}
	f.loop = NewLoop(opts)
	return f
}

func actionCall(id, arguments string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: ToolName, Arguments: arguments}
}

func (f *fixture) eventsOf(typ bus.EventType) []bus.Event {
	var out []bus.Event
	for _, ev := range f.rec.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestCycleActExecutesBatch(t *testing.T) {
	f := newFixture(t, nil, providertest.Calls("",
		actionCall("call_1", `{"actions":[{"type":"write_memory","key":"goal","value":"Pewter City"},{"type":"key_press","keys":["a"]}]}`)))

	mode, err := f.loop.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if mode != ModeAct {
		t.Fatalf("expected act, got %s", mode)
	}
	st := f.store.State()
	if st.Counters.CurrentStep != 1 {
		t.Errorf("expected step 1, got %d", st.Counters.CurrentStep)
	}
	if st.Memory["goal"] != "Pewter City" {
		t.Errorf("memory not written: %v", st.Memory)
	}
	if diff := cmp.Diff([][]string{{"a"}}, f.env.Sent()); diff != "" {
		t.Errorf("sent commands mismatch (-want +got):\n%s", diff)
	}

	kinds := make([]session.TurnKind, len(st.Log))
	for i, turn := range st.Log {
		kinds[i] = turn.Kind
	}
	want := []session.TurnKind{session.KindUser, session.KindToolCall, session.KindToolResult}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("log kinds mismatch (-want +got):\n%s", diff)
	}
	if st.Log[2].CallID != "call_1" || !strings.Contains(st.Log[2].PlainText(), `"overall_success":true`) {
		t.Errorf("unexpected result turn %+v", st.Log[2])
	}

	reqs := f.client.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 model request, got %d", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Function.Name != ToolName || reqs[0].System == "" {
		t.Errorf("request missing tool or system prompt: %+v", reqs[0])
	}
	if got := len(f.eventsOf(bus.EventActionExecuted)); got != 2 {
		t.Errorf("expected 2 action_executed events, got %d", got)
	}
	if _, err := os.Stat(filepath.Join(f.store.Dir(), session.CountersFile)); err != nil {
		t.Errorf("expected state to be saved: %v", err)
	}
}

func TestDecideMode(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name      string
		counters  session.StepCounters
		requested bool
		want      Mode
	}{
		{"fresh", session.StepCounters{}, false, ModeAct},
		{"summary due", session.StepCounters{CurrentStep: 100}, false, ModeReflect},
		{"critique due", session.StepCounters{CurrentStep: 30, LastCriticismStep: 5}, false, ModeCritique},
		{"critique not due", session.StepCounters{CurrentStep: 30, LastCriticismStep: 10}, false, ModeAct},
		{"both due", session.StepCounters{CurrentStep: 150, LastSummaryStep: 50, LastCriticismStep: 50}, false, ModeReflect},
		{"oversize flagged", session.StepCounters{CurrentStep: 3}, true, ModeReflect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := session.NewState()
			st.Counters = tt.counters
			st.SummaryRequested = tt.requested
			if got := f.loop.decide(st); got != tt.want {
				t.Errorf("decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCycleReflectSummarizes(t *testing.T) {
	usage := provider.Usage{PromptTokens: 900, CompletionTokens: 100, TotalTokens: 1000}
	f := newFixture(t, nil, providertest.Text("", "<summary>Left Pallet Town heading north.</summary>", usage))
	st := f.store.State()
	st.Counters = session.StepCounters{CurrentStep: 100, LastCriticismStep: 90}
	f.store.Append(session.UserText("old prompt"), session.AssistantMessage("old reply"))

	mode, err := f.loop.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if mode != ModeReflect {
		t.Fatalf("expected reflect, got %s", mode)
	}
	if st.Counters.LastSummaryStep != 100 || st.Counters.LastCriticismStep != 100 {
		t.Errorf("summary did not reset step counters: %+v", st.Counters)
	}
	if len(st.Summaries.All) != 1 {
		t.Errorf("expected one stored summary, got %d", len(st.Summaries.All))
	}
	usageEvents := f.eventsOf(bus.EventTokenUsage)
	if len(usageEvents) != 1 {
		t.Fatalf("expected one token_usage event, got %d", len(usageEvents))
	}
	p := usageEvents[0].Payload.(bus.UsagePayload)
	if p.Source != "summary" || p.TotalTokens != 1000 || p.Model != "fake-model" {
		t.Errorf("unexpected usage payload %+v", p)
	}
}

func TestCycleMalformedSummaryChangesNothing(t *testing.T) {
	f := newFixture(t, nil, providertest.Text("", "I forgot the tags.", provider.Usage{TotalTokens: 10}))
	st := f.store.State()
	st.Counters = session.StepCounters{CurrentStep: 100}
	f.store.Append(session.UserText("old prompt"))

	_, err := f.loop.Cycle(context.Background())
	if !errors.Is(err, reflection.ErrMalformedOutput) {
		t.Fatalf("expected malformed output error, got %v", err)
	}
	if st.Counters.LastSummaryStep != 0 || len(st.Log) != 1 || len(st.Summaries.All) != 0 {
		t.Errorf("state mutated on malformed summary: counters=%+v log=%d", st.Counters, len(st.Log))
	}
}

func TestCycleOversizePayloadRequestsSummary(t *testing.T) {
	f := newFixture(t, func(o *LoopOptions) { o.PromptByteCeiling = 64 })

	_, err := f.loop.Cycle(context.Background())
	var oe *OversizeError
	if !errors.As(err, &oe) || oe.Reason != "payload_bytes" {
		t.Fatalf("expected payload oversize error, got %v", err)
	}
	st := f.store.State()
	if !st.SummaryRequested {
		t.Error("expected summary to be requested")
	}
	if len(st.Log) != 0 {
		t.Errorf("user turn must not be appended, log has %d turns", len(st.Log))
	}
	if len(f.client.Requests()) != 0 {
		t.Error("model must not be called for an oversize prompt")
	}
	data, err := os.ReadFile(filepath.Join(f.store.Dir(), session.CountersFile))
	if err != nil || !strings.Contains(string(data), `"summary_requested":true`) {
		t.Errorf("summary request not persisted: %s (%v)", data, err)
	}
	if f.loop.decide(st) != ModeReflect {
		t.Error("next cycle must reflect")
	}
}

func TestCycleOversizePromptTokens(t *testing.T) {
	f := newFixture(t, func(o *LoopOptions) { o.MaxPromptTokens = 100 })
	f.store.State().LastPromptTokens = 250

	_, err := f.loop.Cycle(context.Background())
	var oe *OversizeError
	if !errors.As(err, &oe) || oe.Reason != "prompt_tokens" || oe.Size != 250 {
		t.Fatalf("expected prompt token oversize error, got %v", err)
	}
}

func TestSummaryClearsStalePromptTokens(t *testing.T) {
	f := newFixture(t, func(o *LoopOptions) { o.MaxPromptTokens = 100 },
		providertest.Text("", "<summary>Crossed Route 1.</summary>", provider.Usage{PromptTokens: 80}),
		providertest.Calls("", actionCall("call_1", `{"actions":[{"type":"key_press","keys":["up"]}]}`)),
	)
	st := f.store.State()
	st.LastPromptTokens = 250
	ctx := context.Background()

	if _, err := f.loop.Cycle(ctx); !IsOversize(err) {
		t.Fatalf("expected oversize cycle, got %v", err)
	}
	if mode, err := f.loop.Cycle(ctx); err != nil || mode != ModeReflect {
		t.Fatalf("expected summary cycle, got %s %v", mode, err)
	}
	if st.LastPromptTokens != 0 {
		t.Fatalf("summary must clear prompt tokens, got %d", st.LastPromptTokens)
	}
	if mode, err := f.loop.Cycle(ctx); err != nil || mode != ModeAct {
		t.Fatalf("expected act cycle after summary, got %s %v", mode, err)
	}
	if st.Counters.CurrentStep != 1 {
		t.Errorf("expected the agent to advance, step %d", st.Counters.CurrentStep)
	}
}

func TestOversizeLoopBreaker(t *testing.T) {
	f := newFixture(t, nil)
	st := f.store.State()
	st.Counters = session.StepCounters{CurrentStep: 12, LastSummaryStep: 10, LastCriticismStep: 10}
	st.SummaryRequested = true
	st.OversizeStreak = 2
	st.LastPromptTokens = 500
	last := session.Summary{ID: "01", Text: "Beat Brock.", Step: 10, Kind: session.SummaryPlain}
	st.Summaries.Record(last)
	f.store.Append(session.UserText(strings.Repeat("x", 1000)), session.AssistantMessage("huge"))

	mode, err := f.loop.Cycle(context.Background())
	if err != nil || mode != ModeReflect {
		t.Fatalf("expected clean reflect cycle, got %s %v", mode, err)
	}
	if len(f.client.Requests()) != 0 {
		t.Error("loop breaker must not call the model")
	}
	if diff := cmp.Diff(session.Log{reflection.CarryOverTurn(last)}, st.Log, cmpopts.IgnoreFields(session.Turn{}, "Timestamp")); diff != "" {
		t.Errorf("log mismatch (-want +got):\n%s", diff)
	}
	if st.SummaryRequested || st.OversizeStreak != 0 || st.LastPromptTokens != 0 || st.Counters.LastSummaryStep != 12 {
		t.Errorf("flags not reset: requested=%t streak=%d tokens=%d counters=%+v", st.SummaryRequested, st.OversizeStreak, st.LastPromptTokens, st.Counters)
	}
	if len(f.eventsOf(bus.EventErrorMessage)) != 1 {
		t.Error("expected an error_message event")
	}
}

func TestOversizeSummaryCountsStreak(t *testing.T) {
	f := newFixture(t, nil, providertest.Text("", "<summary>short</summary>", provider.Usage{}))
	st := f.store.State()
	st.Counters.CurrentStep = 5
	st.SummaryRequested = true
	st.OversizeStreak = 1

	if _, err := f.loop.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if st.OversizeStreak != 2 || st.SummaryRequested {
		t.Errorf("expected streak 2 and request cleared, got %d %t", st.OversizeStreak, st.SummaryRequested)
	}
}

func TestCritiqueReminderDeliveredOnce(t *testing.T) {
	f := newFixture(t, nil,
		providertest.Text("", "I walked into the same wall ten times.", provider.Usage{TotalTokens: 50}),
		providertest.Calls("", actionCall("call_1", `{"actions":[{"type":"key_press","keys":["up"]}]}`)),
		providertest.Calls("", actionCall("call_2", `{"actions":[{"type":"key_press","keys":["up"]}]}`)),
	)
	f.store.State().Counters = session.StepCounters{CurrentStep: 25}

	ctx := context.Background()
	if mode, err := f.loop.Cycle(ctx); err != nil || mode != ModeCritique {
		t.Fatalf("expected critique cycle, got %s %v", mode, err)
	}
	if !f.store.State().CritiqueReminderPending {
		t.Fatal("critique must raise the reminder")
	}
	for i := 0; i < 2; i++ {
		if mode, err := f.loop.Cycle(ctx); err != nil || mode != ModeAct {
			t.Fatalf("expected act cycle %d, got %s %v", i, mode, err)
		}
	}
	if f.store.State().CritiqueReminderPending {
		t.Error("reminder must be consumed")
	}

	reqs := f.client.Requests()
	first := reqs[1].Turns[len(reqs[1].Turns)-1].PlainText()
	second := reqs[2].Turns[len(reqs[2].Turns)-1].PlainText()
	if !strings.Contains(first, session.CritiqueAckMarker) {
		t.Error("first act prompt must carry the reminder")
	}
	if strings.Contains(second, session.CritiqueAckMarker) {
		t.Error("second act prompt must not repeat the reminder")
	}
}

func TestEmptyBatchSkipsNextUserTurn(t *testing.T) {
	f := newFixture(t, nil,
		providertest.Calls("", actionCall("call_1", `{"actions":[]}`)),
		providertest.Calls("", actionCall("call_2", `{"actions":[{"type":"key_press","keys":["b"]}]}`)),
	)
	ctx := context.Background()
	if _, err := f.loop.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	st := f.store.State()
	if !st.SkipNextUserTurn {
		t.Fatal("empty batch must skip the next user turn")
	}
	if !strings.Contains(st.Log[len(st.Log)-1].PlainText(), "empty action batch") {
		t.Errorf("expected batch error in result turn, got %q", st.Log[len(st.Log)-1].PlainText())
	}
	if _, err := f.loop.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	reqs := f.client.Requests()
	lastSent := reqs[1].Turns[len(reqs[1].Turns)-1]
	if lastSent.Kind != session.KindToolResult {
		t.Errorf("expected no new user turn, last sent turn is %s", lastSent.Kind)
	}
	if st.SkipNextUserTurn {
		t.Error("skip flag must be consumed")
	}
}

func TestUnknownToolReportsFailure(t *testing.T) {
	f := newFixture(t, nil, providertest.Calls("Let me look.", provider.ToolCall{ID: "call_9", Name: "look_around", Arguments: "{}"}))
	if _, err := f.loop.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	st := f.store.State()
	if st.Log[1].Kind != session.KindAssistantMessage || st.Log[1].Text != "Let me look." {
		t.Errorf("assistant text not kept in stream order: %+v", st.Log[1])
	}
	result := st.Log[len(st.Log)-1]
	if result.CallID != "call_9" || !strings.Contains(result.PlainText(), `unknown tool \"look_around\"`) {
		t.Errorf("unexpected result turn %q", result.PlainText())
	}
}

func TestNavigationPlanExpires(t *testing.T) {
	f := newFixture(t, nil, providertest.Calls("", actionCall("call_1", `{"actions":[{"type":"key_press","keys":["up"]}]}`)))
	st := f.store.State()
	st.Plan = &session.NavigationPlan{Destination: "Pewter City", Reason: "gym", StepsTaken: 79}

	if _, err := f.loop.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if st.Plan != nil {
		t.Errorf("expected plan to expire, got %+v", st.Plan)
	}
}

func TestRunBacksOffAndReloadsOnError(t *testing.T) {
	f := newFixture(t, func(o *LoopOptions) { o.MaxCycles = 2 },
		providertest.Broken(errors.New("connection reset")),
		providertest.Calls("", actionCall("call_1", `{"actions":[{"type":"key_press","keys":["up"]}]}`)),
	)
	if err := f.loop.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]time.Duration{5 * time.Second}, f.sleeps); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
	errs := f.eventsOf(bus.EventErrorMessage)
	if len(errs) != 1 || errs[0].Payload.(bus.ErrorPayload).Stage != "act" {
		t.Fatalf("expected one act error event, got %+v", errs)
	}

	// The failed cycle's user turn was discarded by the reload.
	st := f.store.State()
	if st.Counters.CurrentStep != 1 {
		t.Errorf("expected step 1, got %d", st.Counters.CurrentStep)
	}
	users := 0
	for _, turn := range st.Log {
		if turn.Kind == session.KindUser {
			users++
		}
	}
	if users != 1 {
		t.Errorf("expected exactly one user turn after reload, got %d", users)
	}
}

func TestRunSnapshotFailure(t *testing.T) {
	f := newFixture(t, func(o *LoopOptions) { o.MaxCycles = 1 })
	f.env.SnapshotFunc = func(int) (*bridge.Snapshot, error) {
		return nil, &bridge.TransientError{Op: "requestData", Err: errors.New("connection refused")}
	}
	if err := f.loop.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	errs := f.eventsOf(bus.EventErrorMessage)
	if len(errs) != 1 || errs[0].Payload.(bus.ErrorPayload).Stage != "snapshot" {
		t.Fatalf("expected snapshot error event, got %+v", errs)
	}
	if len(f.client.Requests()) != 0 {
		t.Error("model must not be called without a snapshot")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.loop.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.loop.Running() {
		t.Error("loop must not report running after Run returns")
	}
}

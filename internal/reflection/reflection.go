// Package reflection runs the operations that consult the model about the
// conversation itself: summaries, summary rollups and self-critiques.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fireredbot/fireredbot/internal/bridge"
	"github.com/fireredbot/fireredbot/internal/bus"
	"github.com/fireredbot/fireredbot/internal/history"
	"github.com/fireredbot/fireredbot/internal/provider"
	"github.com/fireredbot/fireredbot/internal/session"
)

// SummaryTag encloses the summary the model is asked to produce.
const SummaryTag = "summary"

// DefaultRollupThreshold is the working-set size that triggers a rollup.
const DefaultRollupThreshold = 10

var (
	// ErrMalformedOutput is returned when the model reply lacks a closed
	// summary block. Nothing has been mutated when it is returned.
	ErrMalformedOutput = errors.New("model output has no closed <summary> block")
	// ErrEmptyCritique is returned when the critique reply has no text.
	ErrEmptyCritique = errors.New("model returned an empty critique")
)

// Options configure an Engine.
type Options struct {
	Model           string
	System          string
	MaxTokens       int
	Temperature     float64
	ReasoningEffort string
	RollupThreshold int
	Limits          history.Limits
}

// Engine folds summaries and critiques back into the conversation store.
type Engine struct {
	client  provider.ModelClient
	store   *session.Store
	pub     bus.Publisher
	opts    Options
	entropy *rand.Rand
	now     func() time.Time
}

// New creates an engine.
func New(client provider.ModelClient, store *session.Store, pub bus.Publisher, opts Options) *Engine {
	if opts.RollupThreshold <= 0 {
		opts.RollupThreshold = DefaultRollupThreshold
	}
	if opts.Limits.SectionKeep == nil {
		opts.Limits = history.DefaultLimits()
	}
	if pub == nil {
		pub = bus.Discard{}
	}
	return &Engine{
		client:  client,
		store:   store,
		pub:     pub,
		opts:    opts,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// Outcome reports what a reflection did. Usage is filled even on failure
// when the model answered.
type Outcome struct {
	Usage    provider.Usage
	Summary  *session.Summary
	RolledUp bool
	Critique string
}

func (e *Engine) newID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), e.entropy).String()
}

// streamEvents names the broadcast events of one reflection stream. A zero
// value disables broadcasting.
type streamEvents struct {
	start, chunk, end bus.EventType
}

var (
	summaryEvents   = streamEvents{bus.EventSummaryStart, bus.EventSummaryChunk, bus.EventSummaryEnd}
	criticismEvents = streamEvents{bus.EventCriticismStart, bus.EventCriticismChunk, bus.EventCriticismEnd}
)

// stream runs one tool-less completion and relays its text as it arrives.
func (e *Engine) stream(ctx context.Context, turns session.Log, ev streamEvents, step int) (*provider.Result, error) {
	if ev.start != "" {
		e.pub.Publish(ev.start, bus.TextPayload{Step: step})
	}
	events, err := e.client.Stream(ctx, &provider.StreamRequest{
		Model:           e.opts.Model,
		System:          e.opts.System,
		Turns:           turns,
		ToolChoice:      provider.ToolChoiceNone,
		MaxTokens:       e.opts.MaxTokens,
		Temperature:     e.opts.Temperature,
		ReasoningEffort: e.opts.ReasoningEffort,
	})
	if err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}
	var onEvent func(provider.StreamEvent)
	if ev.chunk != "" {
		onEvent = func(se provider.StreamEvent) {
			if se.Type == provider.EventTextDelta {
				e.pub.Publish(ev.chunk, bus.TextPayload{Text: se.Text, Step: step})
			}
		}
	}
	res, err := provider.Collect(ctx, events, onEvent)
	if err != nil {
		return nil, err
	}
	if ev.end != "" {
		e.pub.Publish(ev.end, bus.TextPayload{Text: res.Text(), Step: step})
	}
	return res, nil
}

func extractSummary(text string) (string, bool) {
	body, found := history.Find(text, SummaryTag)
	if !found {
		return "", false
	}
	body = strings.TrimSpace(body)
	return body, body != ""
}

// Summarize asks the model for a summary of the conversation so far and
// resets the log around it.
//
// On success the new summary is recorded, a rollup runs once the working
// set reaches the threshold, and the log becomes the two previous summaries
// as carry-over turns, the raw summary reply and a resume turn.
func (e *Engine) Summarize(ctx context.Context, snap *bridge.Snapshot) (*Outcome, error) {
	st := e.store.State()
	step := st.Counters.CurrentStep

	turns := history.CompactForTransmission(st.Log, e.opts.Limits)
	turns = append(turns, session.UserText(summaryRequest(snap, step)))

	res, err := e.stream(ctx, turns, summaryEvents, step)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	out := &Outcome{Usage: res.Usage}
	raw := strings.TrimSpace(res.Text())
	body, valid := extractSummary(raw)
	if !valid {
		slog.Warn("Summary reply had no closed summary block", "step", step, "chars", len(raw))
		return out, ErrMalformedOutput
	}

	prior := lastN(st.Summaries.Working, 2)

	at := e.now().UTC()
	sum := session.Summary{ID: e.newID(at), Text: body, Step: step, Timestamp: at, Kind: session.SummaryPlain}
	st.Summaries.Record(sum)
	out.Summary = &sum

	if len(st.Summaries.Working) >= e.opts.RollupThreshold {
		usage, err := e.Rollup(ctx)
		out.Usage.Add(usage)
		if err != nil {
			slog.Warn("Summary rollup failed, working set kept", "error", err, "working", len(st.Summaries.Working))
		} else {
			out.RolledUp = true
		}
	}

	log := make(session.Log, 0, len(prior)+2)
	for _, p := range prior {
		log = append(log, CarryOverTurn(p))
	}
	log = append(log, session.AssistantMessage(raw), session.UserText(resumeText(step)))
	e.store.ReplaceLog(log)
	st.Counters.MarkSummary()

	slog.Info("Conversation summarized", "step", step, "summary_id", sum.ID, "working", len(st.Summaries.Working), "rolled_up", out.RolledUp)
	return out, nil
}

// Rollup condenses the working summaries into one entry. On failure the
// working set is left as it was.
func (e *Engine) Rollup(ctx context.Context) (provider.Usage, error) {
	st := e.store.State()
	working := st.Summaries.Working
	if len(working) == 0 {
		return provider.Usage{}, nil
	}
	step := st.Counters.CurrentStep
	res, err := e.stream(ctx, session.Log{session.UserText(rollupRequest(working))}, streamEvents{}, step)
	if err != nil {
		return provider.Usage{}, fmt.Errorf("rollup: %w", err)
	}
	body, valid := extractSummary(res.Text())
	if !valid {
		return res.Usage, ErrMalformedOutput
	}
	at := e.now().UTC()
	st.Summaries.Rollup(session.Summary{ID: e.newID(at), Text: body, Step: step, Timestamp: at})
	slog.Info("Summaries rolled up", "entries", len(working), "step", step)
	return res.Usage, nil
}

// Critique asks the model to assess its own recent play. The critique is
// stored in the side file, appended to the log behind its request, and
// raises the one-shot reminder for the next prompt.
func (e *Engine) Critique(ctx context.Context, snap *bridge.Snapshot) (*Outcome, error) {
	st := e.store.State()
	step := st.Counters.CurrentStep
	request := critiqueRequest(snap, step)

	turns := history.CompactForTransmission(st.Log, e.opts.Limits)
	turns = append(turns, session.UserText(request))

	res, err := e.stream(ctx, turns, criticismEvents, step)
	if err != nil {
		return nil, fmt.Errorf("critique: %w", err)
	}
	out := &Outcome{Usage: res.Usage}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		return out, ErrEmptyCritique
	}
	if err := e.store.WriteCritique(text); err != nil {
		return out, fmt.Errorf("write critique: %w", err)
	}
	e.store.Append(session.UserText(request), session.AssistantMessage(session.CritiqueMarker+"\n"+text))
	st.CritiqueReminderPending = true
	st.Counters.MarkCriticism()
	out.Critique = text

	slog.Info("Self-critique recorded", "step", step, "chars", len(text))
	return out, nil
}

// CarryOverTurn renders a stored summary as a user turn that survives log
// resets and section stripping.
func CarryOverTurn(s session.Summary) session.Turn {
	attrs := fmt.Sprintf(`step="%d" kind="%s"`, s.Step, s.Kind)
	return session.UserText(history.Wrap(session.CarryOverTag, attrs, s.Text))
}

func lastN(s []session.Summary, n int) []session.Summary {
	if len(s) <= n {
		return append([]session.Summary(nil), s...)
	}
	return append([]session.Summary(nil), s[len(s)-n:]...)
}

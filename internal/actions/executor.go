package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/fireredbot/fireredbot/internal/bridge"
	"github.com/fireredbot/fireredbot/internal/bus"
	"github.com/fireredbot/fireredbot/internal/session"
)

// Options configure an Executor.
type Options struct {
	// PathRetries is the number of attempts for path_to_location on
	// transient bridge errors.
	PathRetries int
	// RetryDelay is the pause between path attempts.
	RetryDelay time.Duration
}

// Executor runs action batches against the environment and the state.
type Executor struct {
	env  bridge.Environment
	pub  bus.Publisher
	opts Options
}

// NewExecutor creates an executor.
func NewExecutor(env bridge.Environment, pub bus.Publisher, opts Options) *Executor {
	if opts.PathRetries <= 0 {
		opts.PathRetries = 3
	}
	if pub == nil {
		pub = bus.Discard{}
	}
	return &Executor{env: env, pub: pub, opts: opts}
}

// run is the per-batch execution context.
type run struct {
	*Executor
	st        *session.State
	snap      *bridge.Snapshot
	callID    string
	keyPress  int
	pathCalls int
}

// Execute validates batch-level rules, then runs every action in order.
// A rejected batch returns an error wrapping ErrEmptyBatch or
// ErrRestartNotAlone and runs nothing; an empty batch also sets
// SkipNextUserTurn.
func (e *Executor) Execute(ctx context.Context, st *session.State, snap *bridge.Snapshot, callID string, batch []Parsed) (*BatchResult, error) {
	if len(batch) == 0 {
		st.SkipNextUserTurn = true
		return &BatchResult{Error: ErrEmptyBatch.Error()}, ErrEmptyBatch
	}
	if len(batch) > 1 {
		for _, p := range batch {
			if p.Type == TypeRestart {
				return &BatchResult{Error: ErrRestartNotAlone.Error()}, ErrRestartNotAlone
			}
		}
	}
	if snap == nil {
		snap = &bridge.Snapshot{}
	}

	r := &run{Executor: e, st: st, snap: snap, callID: callID}
	res := &BatchResult{OverallSuccess: true}
	for i, p := range batch {
		typ := p.Type
		if typ == "" {
			typ = "unknown"
		}
		e.pub.Publish(bus.EventActionStart, bus.ActionPayload{CallID: callID, Index: i, Type: typ})
		out := r.one(ctx, p)
		out.ActionType = typ
		res.Results = append(res.Results, out)
		if !out.Success {
			res.OverallSuccess = false
		}
		e.pub.Publish(bus.EventActionExecuted, bus.ActionPayload{
			CallID: callID, Index: i, Type: typ, Success: out.Success, Message: out.Message, Details: out.Details,
		})
	}
	return res, nil
}

// one runs a single action; a panic becomes a failed result.
func (r *run) one(ctx context.Context, p Parsed) (out Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Action panicked", "type", p.Type, "panic", rec, "stack", string(debug.Stack()))
			out = fail(fmt.Sprintf("internal error: %v", rec))
		}
	}()
	if p.Err != nil {
		return fail(p.Err.Error())
	}
	switch a := p.Action.(type) {
	case KeyPress:
		return r.keyPressAction(ctx, a)
	case PathToLocation:
		return r.pathAction(ctx, a)
	case AddMarker:
		return r.addMarker(a)
	case DeleteMarker:
		return r.deleteMarker(a)
	case WriteMemory:
		return r.writeMemory(a)
	case DeleteMemory:
		return r.deleteMemory(a)
	case UpdateObjectives:
		return r.updateObjectives(a)
	case Restart:
		return r.restart(ctx)
	case SetNavigationPlan:
		return r.setPlan(a)
	case ClearNavigationPlan:
		return r.clearPlan()
	default:
		return fail(fmt.Sprintf("unknown action type %q", p.Type))
	}
}

func succeed(msg string, details any) Result {
	return Result{Success: true, Message: msg, Details: details}
}

func fail(msg string) Result {
	return Result{Success: false, Message: msg}
}

func failWith(msg string, details any) Result {
	return Result{Success: false, Message: msg, Details: details}
}

// refresh re-reads the environment after movement so later actions in the
// batch see the new position. The old snapshot is kept on failure.
func (r *run) refresh(ctx context.Context) {
	snap, err := r.env.FetchSnapshot(ctx)
	if err != nil {
		slog.Warn("Snapshot refresh after movement failed", "error", err)
		return
	}
	r.snap = snap
}

func traceDetails(keys []string, trace *bridge.CommandTrace) map[string]any {
	d := map[string]any{
		"keys_sent": keys,
		"status":    trace.Status,
	}
	if trace.InterruptedByDialog {
		d["interrupted_by_dialog"] = true
	}
	if trace.InterruptedByBattle {
		d["interrupted_by_battle"] = true
	}
	if trace.InterruptedAtIndex != nil {
		d["interrupted_at_index"] = *trace.InterruptedAtIndex
	}
	if rem := trace.Remaining(); len(rem) > 0 {
		d["remaining_keys"] = rem
	}
	return d
}

func interruption(trace *bridge.CommandTrace) string {
	switch {
	case trace.InterruptedByDialog:
		return "dialog"
	case trace.InterruptedByBattle:
		return "battle"
	case trace.InterruptedByCollision:
		return "collision"
	}
	return ""
}

func (r *run) keyPressAction(ctx context.Context, a KeyPress) Result {
	r.keyPress++
	if r.keyPress > 1 {
		return fail("only one key_press per batch")
	}
	trace, err := r.env.SendCommands(ctx, a.Keys)
	if err != nil {
		return failWith(fmt.Sprintf("key press failed: %v", err), map[string]any{"keys": a.Keys, "transient": bridge.IsTransient(err)})
	}
	r.refresh(ctx)
	details := traceDetails(a.Keys, trace)
	if why := interruption(trace); why != "" {
		return failWith(fmt.Sprintf("key sequence interrupted by %s", why), details)
	}
	if !trace.Status {
		return failWith("bridge reported a failed key press", details)
	}
	return succeed(fmt.Sprintf("pressed %d key(s)", len(a.Keys)), details)
}

func (r *run) currentMap(mapID string) string {
	if mapID == "" {
		return r.snap.MapID()
	}
	return mapID
}

func (r *run) addMarker(a AddMarker) Result {
	if r.snap.Blocked() {
		return fail("cannot add a marker during a dialog or battle")
	}
	mapID := r.currentMap(a.MapID)
	mk := session.Marker{Emoji: a.Emoji, Label: a.Label}
	onCurrent := mapID == r.snap.MapID()
	if onCurrent {
		if !r.snap.InBounds(a.X, a.Y) {
			return fail(fmt.Sprintf("coordinates (%d,%d) are out of bounds for map %s", a.X, a.Y, mapID))
		}
		mk.MapName = r.snap.Map.Name
		if npc, found := r.snap.EntityAt(a.X, a.Y); found && npc.UID != "" {
			mk.OwnerUID = npc.UID
		}
	}
	if r.st.Markers == nil {
		r.st.Markers = session.Markers{}
	}
	if err := r.st.Markers.Add(mapID, a.X, a.Y, mk); err != nil {
		if errors.Is(err, session.ErrMarkerExists) {
			return fail("marker already exists")
		}
		return fail(err.Error())
	}
	r.pub.Publish(bus.EventMarkersUpdate, bus.MarkersPayload{Markers: r.st.Markers.Clone()})
	details := map[string]any{"map_id": mapID, "x": a.X, "y": a.Y}
	if mk.OwnerUID != "" {
		details["owner_uid"] = mk.OwnerUID
	}
	return succeed(fmt.Sprintf("marker %s %q added at (%d,%d) on map %s", a.Emoji, a.Label, a.X, a.Y, mapID), details)
}

func (r *run) deleteMarker(a DeleteMarker) Result {
	mapID := r.currentMap(a.MapID)
	if !r.st.Markers.Delete(mapID, a.X, a.Y) {
		return fail(fmt.Sprintf("no marker at (%d,%d) on map %s", a.X, a.Y, mapID))
	}
	r.pub.Publish(bus.EventMarkersUpdate, bus.MarkersPayload{Markers: r.st.Markers.Clone()})
	return succeed(fmt.Sprintf("marker at (%d,%d) on map %s deleted", a.X, a.Y, mapID), nil)
}

func (r *run) memorySnapshot() map[string]string {
	out := make(map[string]string, len(r.st.Memory))
	for k, v := range r.st.Memory {
		out[k] = v
	}
	return out
}

func (r *run) writeMemory(a WriteMemory) Result {
	if r.st.Memory == nil {
		r.st.Memory = map[string]string{}
	}
	_, existed := r.st.Memory[a.Key]
	r.st.Memory[a.Key] = a.Value
	r.pub.Publish(bus.EventMemoryUpdate, bus.MemoryPayload{Memory: r.memorySnapshot()})
	if existed {
		return succeed(fmt.Sprintf("memory %q updated", a.Key), nil)
	}
	return succeed(fmt.Sprintf("memory %q written", a.Key), nil)
}

func (r *run) deleteMemory(a DeleteMemory) Result {
	if _, found := r.st.Memory[a.Key]; !found {
		return fail(fmt.Sprintf("memory key %q not found", a.Key))
	}
	delete(r.st.Memory, a.Key)
	r.pub.Publish(bus.EventMemoryUpdate, bus.MemoryPayload{Memory: r.memorySnapshot()})
	return succeed(fmt.Sprintf("memory %q deleted", a.Key), nil)
}

func (r *run) updateObjectives(a UpdateObjectives) Result {
	var changed []string
	apply := func(name string, slot ObjectiveSlot, dst **session.Objective) {
		if !slot.Set {
			return
		}
		if slot.Value == nil {
			*dst = nil
		} else {
			v := *slot.Value
			*dst = &v
		}
		changed = append(changed, name)
	}
	apply("primary", a.Primary, &r.st.Objectives.Primary)
	apply("secondary", a.Secondary, &r.st.Objectives.Secondary)
	apply("third", a.Third, &r.st.Objectives.Third)
	if a.OthersSet {
		r.st.Objectives.Others = append([]session.Objective(nil), a.Others...)
		changed = append(changed, "others")
	}
	objectives := r.st.Objectives
	objectives.Others = append([]session.Objective(nil), r.st.Objectives.Others...)
	r.pub.Publish(bus.EventObjectivesUpdate, bus.ObjectivesPayload{Objectives: objectives})
	return succeed("objectives updated", map[string]any{"updated": changed})
}

func (r *run) restart(ctx context.Context) Result {
	res, err := r.env.Restart(ctx)
	if err != nil {
		return fail(fmt.Sprintf("restart failed: %v", err))
	}
	if !res.Status {
		return fail("restart refused: " + res.Message)
	}
	return succeed(res.Message, nil)
}

func (r *run) setPlan(a SetNavigationPlan) Result {
	replaced := r.st.Plan != nil
	r.st.Plan = &session.NavigationPlan{
		Destination:   a.Destination,
		Reason:        a.Reason,
		RouteNotes:    a.RouteNotes,
		CreatedAtStep: r.st.Counters.CurrentStep,
	}
	if replaced {
		return succeed("navigation plan replaced: "+a.Destination, nil)
	}
	return succeed("navigation plan set: "+a.Destination, nil)
}

func (r *run) clearPlan() Result {
	if r.st.Plan == nil {
		return succeed("no active navigation plan", nil)
	}
	r.st.Plan = nil
	return succeed("navigation plan cleared", nil)
}

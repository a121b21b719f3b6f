package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fireredbot/fireredbot/internal/bridge"
	"github.com/fireredbot/fireredbot/internal/pathfind"
)

// errPathAbort marks conditions that make retrying pointless.
type errPathAbort string

func (e errPathAbort) Error() string { return string(e) }

func (r *run) pathAction(ctx context.Context, a PathToLocation) Result {
	r.pathCalls++
	if r.pathCalls > 1 {
		return fail("only one path_to_location per batch")
	}

	var lastErr error
	for attempt := 1; attempt <= r.opts.PathRetries; attempt++ {
		if attempt > 1 {
			if r.opts.RetryDelay > 0 {
				select {
				case <-ctx.Done():
					return fail(fmt.Sprintf("path aborted: %v", ctx.Err()))
				case <-time.After(r.opts.RetryDelay):
				}
			}
			snap, err := r.env.FetchSnapshot(ctx)
			if err != nil {
				lastErr = err
				slog.Warn("Path retry snapshot failed", "attempt", attempt, "error", err)
				continue
			}
			r.snap = snap
		}
		res, err := r.walk(ctx, a)
		if err == nil {
			return res
		}
		if abort, isAbort := err.(errPathAbort); isAbort {
			return fail(string(abort))
		}
		if !bridge.IsTransient(err) {
			return fail(fmt.Sprintf("path failed: %v", err))
		}
		lastErr = err
		slog.Warn("Path attempt failed", "attempt", attempt, "error", err)
	}
	return fail(fmt.Sprintf("path failed after %d attempts: %v", r.opts.PathRetries, lastErr))
}

// walk plans on the current snapshot and sends the route.
func (r *run) walk(ctx context.Context, a PathToLocation) (Result, error) {
	snap := r.snap
	if got := snap.MapID(); got != a.MapID {
		return Result{}, errPathAbort(fmt.Sprintf("not on expected map: on %s, expected %s", got, a.MapID))
	}
	if snap.Dialog.InDialog {
		return Result{}, errPathAbort("in a blocking dialog: close it before moving")
	}
	if snap.Emulator.InBattle {
		return Result{}, errPathAbort("in a battle: finish it before moving")
	}

	grid := pathfind.NewGrid(snap.FullMap.Minimap.Grid)
	start := pathfind.Point{X: snap.Player.Position.X(), Y: snap.Player.Position.Y()}
	goal := pathfind.Point{X: a.X, Y: a.Y}
	plan := pathfind.Plan(grid, start, goal, pathfind.Options{
		Strength: snap.Player.StrengthEnabled,
		Mode:     snap.Player.MovementMode,
	})
	details := map[string]any{"plan": plan}
	if plan.NoRoute {
		return failWith(fmt.Sprintf("no route from %s to %s", start, goal), details), nil
	}
	if len(plan.Keys) == 0 {
		if plan.Reached() {
			return succeed("already at destination", details), nil
		}
		return failWith(stopMessage(plan), details), nil
	}

	trace, err := r.env.SendCommands(ctx, plan.Keys)
	if err != nil {
		return Result{}, err
	}
	r.refresh(ctx)
	for k, v := range traceDetails(plan.Keys, trace) {
		details[k] = v
	}
	details["position"] = r.snap.Player.Position
	if why := interruption(trace); why != "" {
		return failWith(fmt.Sprintf("path interrupted by %s", why), details), nil
	}
	if !plan.Reached() {
		return failWith(stopMessage(plan), details), nil
	}
	return succeed(fmt.Sprintf("walked %d step(s) to %s", len(plan.Keys), goal), details), nil
}

func stopMessage(plan pathfind.Result) string {
	switch {
	case plan.Stop != nil:
		return fmt.Sprintf("stopped at %s before %s: %s (face %s)", plan.Stop.Tile, plan.Stop.Blocking, plan.Stop.Reason, plan.Stop.Facing)
	case plan.Fallback != nil:
		return fmt.Sprintf("destination unreachable, moved next to it at %s", *plan.Fallback)
	}
	return "destination not reached"
}

// Package bridgetest provides an in-memory environment for tests.
package bridgetest

import (
	"context"
	"sync"

	"github.com/fireredbot/fireredbot/internal/bridge"
)

// Env is a scriptable bridge.Environment. The zero value answers every call
// successfully with an empty snapshot.
type Env struct {
	mu sync.Mutex

	// Snap is returned by FetchSnapshot when SnapshotFunc is nil.
	Snap *bridge.Snapshot
	// SnapshotFunc overrides FetchSnapshot.
	SnapshotFunc func(call int) (*bridge.Snapshot, error)
	// SendFunc overrides SendCommands. call counts from 0.
	SendFunc func(call int, commands []string) (*bridge.CommandTrace, error)
	// RestartErr fails Restart when set.
	RestartErr error

	snapshots int
	sent      [][]string
	restarts  int
}

// FetchSnapshot implements bridge.Environment.
func (e *Env) FetchSnapshot(ctx context.Context) (*bridge.Snapshot, error) {
	e.mu.Lock()
	call := e.snapshots
	e.snapshots++
	fn, snap := e.SnapshotFunc, e.Snap
	e.mu.Unlock()

	if fn != nil {
		return fn(call)
	}
	if snap == nil {
		return &bridge.Snapshot{}, nil
	}
	cp := *snap
	return &cp, nil
}

// SendCommands implements bridge.Environment.
func (e *Env) SendCommands(ctx context.Context, commands []string) (*bridge.CommandTrace, error) {
	e.mu.Lock()
	call := len(e.sent)
	e.sent = append(e.sent, append([]string(nil), commands...))
	fn := e.SendFunc
	e.mu.Unlock()

	if fn != nil {
		return fn(call, commands)
	}
	steps := make([]bridge.Step, len(commands))
	for i := range commands {
		steps[i] = bridge.Step{Index: i, Type: "control", OK: true}
	}
	return &bridge.CommandTrace{Status: true, Results: steps}, nil
}

// Restart implements bridge.Environment.
func (e *Env) Restart(ctx context.Context) (*bridge.RestartResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restarts++
	if e.RestartErr != nil {
		return nil, e.RestartErr
	}
	return &bridge.RestartResult{Status: true, Message: "Console reset requested."}, nil
}

// Sent returns every command sequence sent so far.
func (e *Env) Sent() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.sent...)
}

// Restarts returns how many times Restart was called.
func (e *Env) Restarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

// Grid builds a minimap grid from rows of tile ids; -1 marks an unexplored cell.
func Grid(rows ...[]int) [][]*int {
	out := make([][]*int, len(rows))
	for y, row := range rows {
		out[y] = make([]*int, len(row))
		for x, v := range row {
			if v < 0 {
				continue
			}
			tile := v
			out[y][x] = &tile
		}
	}
	return out
}

// Package bridge talks to the environment bridge that exposes the running
// game over HTTP.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fireredbot/fireredbot/internal/session"
)

// Environment is the contract the agent needs from the bridge.
type Environment interface {
	// FetchSnapshot returns the current environment state.
	FetchSnapshot(ctx context.Context) (*Snapshot, error)
	// SendCommands plays the commands in order and reports how far it got.
	SendCommands(ctx context.Context, commands []string) (*CommandTrace, error)
	// Restart soft-resets the console.
	Restart(ctx context.Context) (*RestartResult, error)
}

// Position is an [x, y] tile coordinate as sent by the bridge.
type Position [2]int

// X returns the column.
func (p Position) X() int { return p[0] }

// Y returns the row.
func (p Position) Y() int { return p[1] }

// Movement modes reported in Player.MovementMode.
const (
	ModeWalk = "WALK"
	ModeSurf = "SURF"
)

// Player is the controlled character.
type Player struct {
	Position        Position `json:"position"`
	Facing          string   `json:"facing,omitempty"`
	MovementMode    string   `json:"movementMode"`
	StrengthEnabled bool     `json:"strengthEnabled"`
	Money           int      `json:"money,omitempty"`
}

// MapInfo identifies the current map.
type MapInfo struct {
	Group  int    `json:"group"`
	Number int    `json:"number"`
	Name   string `json:"name"`
}

// ID returns the "group-number" map identifier used by markers.
func (m MapInfo) ID() string {
	return strconv.Itoa(m.Group) + "-" + strconv.Itoa(m.Number)
}

// Dialog is the on-screen dialog state.
type Dialog struct {
	InDialog bool   `json:"inDialog"`
	Text     string `json:"text,omitempty"`
}

// Emulator carries emulator level flags.
type Emulator struct {
	InBattle          bool   `json:"inBattle"`
	AllControlsLocked bool   `json:"allControlsLocked"`
	ScreenshotOK      bool   `json:"screenshotOk"`
	ScreenshotPath    string `json:"screenshotRawPath,omitempty"`
}

// NPC is a movable entity on the current map.
type NPC struct {
	UID       string   `json:"uid"`
	Position  Position `json:"position"`
	Type      string   `json:"type,omitempty"`
	OffScreen bool     `json:"isOffScreen,omitempty"`
}

// Minimap is the explored tile grid. A nil cell is unexplored.
type Minimap struct {
	Grid [][]*int `json:"grid"`
}

// FullMap is the whole current map as far as it has been explored.
type FullMap struct {
	Minimap Minimap `json:"minimap_data"`
	NPCs    []NPC   `json:"npcs"`
}

// Snapshot is one environment observation.
type Snapshot struct {
	Player   Player   `json:"player"`
	Map      MapInfo  `json:"map"`
	Dialog   Dialog   `json:"dialog"`
	Emulator Emulator `json:"emulator"`
	FullMap  FullMap  `json:"fullMap"`

	// Raw is the complete data object for prompt rendering.
	Raw json.RawMessage `json:"-"`
}

// MapID returns the current map identifier.
func (s *Snapshot) MapID() string { return s.Map.ID() }

// Blocked reports whether a dialog, a battle or a control lock prevents
// free movement.
func (s *Snapshot) Blocked() bool {
	return s.Dialog.InDialog || s.Emulator.InBattle || s.Emulator.AllControlsLocked
}

// InBounds reports whether (x, y) lies inside the explored map grid.
func (s *Snapshot) InBounds(x, y int) bool {
	g := s.FullMap.Minimap.Grid
	return y >= 0 && y < len(g) && x >= 0 && x < len(g[y])
}

// EntityAt returns the movable entity standing on (x, y) of the current map.
func (s *Snapshot) EntityAt(x, y int) (NPC, bool) {
	for _, n := range s.FullMap.NPCs {
		if n.Position.X() == x && n.Position.Y() == y {
			return n, true
		}
	}
	return NPC{}, false
}

// Entities lists the current map's movable entities for marker reconciliation.
func (s *Snapshot) Entities() []session.EntityPosition {
	mapID := s.MapID()
	out := make([]session.EntityPosition, 0, len(s.FullMap.NPCs))
	for _, n := range s.FullMap.NPCs {
		if n.UID == "" {
			continue
		}
		out = append(out, session.EntityPosition{UID: n.UID, MapID: mapID, X: n.Position.X(), Y: n.Position.Y()})
	}
	return out
}

// Screenshot returns the screenshot as a PNG data URL, or "" when the bridge
// did not produce one.
func (s *Snapshot) Screenshot() (string, error) {
	if !s.Emulator.ScreenshotOK || s.Emulator.ScreenshotPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(s.Emulator.ScreenshotPath)
	if err != nil {
		return "", fmt.Errorf("read screenshot: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Command is a normalized bridge command.
type Command struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// Step is the outcome of one command.
type Step struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CommandTrace is the result of a sendCommands call.
type CommandTrace struct {
	Status                 bool      `json:"status"`
	StartedInDialog        bool      `json:"startedInDialog"`
	StartedInBattle        bool      `json:"startedInBattle"`
	InterruptedByDialog    bool      `json:"interruptedByDialog"`
	InterruptedByBattle    bool      `json:"interruptedByBattle"`
	InterruptedByCollision bool      `json:"interruptedByCollision"`
	InterruptedAtIndex     *int      `json:"interruptedAtIndex"`
	RemainingKeys          []Command `json:"remaining_keys"`
	Results                []Step    `json:"results"`
}

// Interrupted reports whether the sequence stopped early.
func (t *CommandTrace) Interrupted() bool {
	return t.InterruptedByDialog || t.InterruptedByBattle || t.InterruptedByCollision
}

// Remaining returns the unplayed command names.
func (t *CommandTrace) Remaining() []string {
	out := make([]string, 0, len(t.RemainingKeys))
	for _, c := range t.RemainingKeys {
		out = append(out, c.Command)
	}
	return out
}

// RestartResult is the answer of a console restart.
type RestartResult struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// TransientError is a bridge failure worth retrying: the bridge was
// unreachable, answered with a server error, or reported ok=false.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("bridge %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Describe renders the player-facing essentials of the snapshot as plain
// text lines.
func (s *Snapshot) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Map: %s (%s)\n", s.Map.Name, s.MapID())
	fmt.Fprintf(&sb, "Position: (%d,%d)", s.Player.Position.X(), s.Player.Position.Y())
	if s.Player.Facing != "" {
		fmt.Fprintf(&sb, " facing %s", s.Player.Facing)
	}
	sb.WriteString("\n")
	mode := s.Player.MovementMode
	if mode == "" {
		mode = ModeWalk
	}
	fmt.Fprintf(&sb, "Movement: %s, strength %t\n", mode, s.Player.StrengthEnabled)
	switch {
	case s.Emulator.InBattle:
		sb.WriteString("State: in battle\n")
	case s.Dialog.InDialog:
		sb.WriteString("State: in dialog\n")
		if t := strings.TrimSpace(s.Dialog.Text); t != "" {
			fmt.Fprintf(&sb, "Dialog: %s\n", t)
		}
	case s.Emulator.AllControlsLocked:
		sb.WriteString("State: controls locked\n")
	default:
		sb.WriteString("State: free roam\n")
	}
	return sb.String()
}

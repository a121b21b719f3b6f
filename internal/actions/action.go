// Package actions parses and executes the model's action batches.
package actions

import (
	"errors"
	"fmt"

	"github.com/fireredbot/fireredbot/internal/session"
)

// Action type names as they appear in tool arguments.
const (
	TypeKeyPress            = "key_press"
	TypePathToLocation      = "path_to_location"
	TypeAddMarker           = "add_marker"
	TypeDeleteMarker        = "delete_marker"
	TypeWriteMemory         = "write_memory"
	TypeDeleteMemory        = "delete_memory"
	TypeUpdateObjectives    = "update_objectives"
	TypeRestart             = "restart"
	TypeSetNavigationPlan   = "set_navigation_plan"
	TypeClearNavigationPlan = "clear_navigation_plan"
)

// Types lists every known action type.
var Types = []string{
	TypeKeyPress, TypePathToLocation, TypeAddMarker, TypeDeleteMarker,
	TypeWriteMemory, TypeDeleteMemory, TypeUpdateObjectives, TypeRestart,
	TypeSetNavigationPlan, TypeClearNavigationPlan,
}

// Action is one of the concrete action variants below.
type Action interface {
	Type() string
	sealed()
}

// KeyPress plays a key sequence.
type KeyPress struct {
	Keys []string
}

// PathToLocation walks to a tile of the current map.
type PathToLocation struct {
	X, Y  int
	MapID string
}

// AddMarker places a labelled marker. An empty MapID means the current map.
type AddMarker struct {
	X, Y         int
	Emoji, Label string
	MapID        string
}

// DeleteMarker removes a marker. An empty MapID means the current map.
type DeleteMarker struct {
	X, Y  int
	MapID string
}

// WriteMemory sets a memory entry.
type WriteMemory struct {
	Key, Value string
}

// DeleteMemory removes a memory entry.
type DeleteMemory struct {
	Key string
}

// ObjectiveSlot is one supplied objective slot. A supplied null clears it.
type ObjectiveSlot struct {
	Set   bool
	Value *session.Objective
}

// UpdateObjectives replaces the supplied slots and leaves the others alone.
type UpdateObjectives struct {
	Primary, Secondary, Third ObjectiveSlot
	Others                    []session.Objective
	OthersSet                 bool
}

// Restart soft-resets the console. It must be alone in its batch.
type Restart struct{}

// SetNavigationPlan records a multi-cycle navigation intent.
type SetNavigationPlan struct {
	Destination, Reason, RouteNotes string
}

// ClearNavigationPlan drops the active navigation plan.
type ClearNavigationPlan struct{}

func (KeyPress) Type() string            { return TypeKeyPress }
func (PathToLocation) Type() string      { return TypePathToLocation }
func (AddMarker) Type() string           { return TypeAddMarker }
func (DeleteMarker) Type() string        { return TypeDeleteMarker }
func (WriteMemory) Type() string         { return TypeWriteMemory }
func (DeleteMemory) Type() string        { return TypeDeleteMemory }
func (UpdateObjectives) Type() string    { return TypeUpdateObjectives }
func (Restart) Type() string             { return TypeRestart }
func (SetNavigationPlan) Type() string   { return TypeSetNavigationPlan }
func (ClearNavigationPlan) Type() string { return TypeClearNavigationPlan }

func (KeyPress) sealed()            {}
func (PathToLocation) sealed()      {}
func (AddMarker) sealed()           {}
func (DeleteMarker) sealed()        {}
func (WriteMemory) sealed()         {}
func (DeleteMemory) sealed()        {}
func (UpdateObjectives) sealed()    {}
func (Restart) sealed()             {}
func (SetNavigationPlan) sealed()   {}
func (ClearNavigationPlan) sealed() {}

// ValidationError is a malformed action or batch.
type ValidationError struct {
	Action string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Action == "" && e.Field == "":
		return e.Reason
	case e.Action == "":
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	case e.Field == "":
		return fmt.Sprintf("invalid %s: %s", e.Action, e.Reason)
	default:
		return fmt.Sprintf("invalid %s: %s: %s", e.Action, e.Field, e.Reason)
	}
}

var (
	// ErrEmptyBatch rejects a batch without actions.
	ErrEmptyBatch = errors.New("empty action batch")
	// ErrRestartNotAlone rejects a batch mixing restart with other actions.
	ErrRestartNotAlone = errors.New("restart must be the only action in its batch")
)

// Result is the outcome of one action.
type Result struct {
	ActionType string `json:"action_type"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

// BatchResult is the outcome of a whole batch.
type BatchResult struct {
	Results        []Result `json:"results"`
	OverallSuccess bool     `json:"overall_success"`
	// Error is set when the batch was rejected before any action ran.
	Error string `json:"error,omitempty"`
}

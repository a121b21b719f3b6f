package actions

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/fireredbot/fireredbot/internal/session"
)

// Parsed is one batch entry after boundary validation. Exactly one of
// Action and Err is set.
type Parsed struct {
	Type   string
	Action Action
	Err    error
}

// validKeys are the commands the bridge accepts for key presses.
var validKeys = map[string]bool{
	"up": true, "down": true, "left": true, "right": true,
	"a": true, "b": true, "start": true, "select": true, "l": true, "r": true,
	"a_until_end_of_dialog": true,
}

// ParseBatch decodes tool arguments of the form {"actions": [...]}. A
// malformed envelope fails the whole batch; a malformed entry only fails
// that entry.
func ParseBatch(arguments string) ([]Parsed, error) {
	var envelope struct {
		Actions []json.RawMessage `json:"actions"`
	}
	dec := json.NewDecoder(strings.NewReader(arguments))
	if err := dec.Decode(&envelope); err != nil {
		return nil, &ValidationError{Field: "actions", Reason: "arguments must be an object with an actions array: " + err.Error()}
	}
	out := make([]Parsed, 0, len(envelope.Actions))
	for _, raw := range envelope.Actions {
		out = append(out, ParseAction(raw))
	}
	return out, nil
}

// ParseAction validates a single action object.
func ParseAction(raw json.RawMessage) Parsed {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Parsed{Err: &ValidationError{Reason: "action must be a JSON object"}}
	}
	f := fields{obj: obj}
	typ, err := f.str("type", true)
	if err != nil {
		return Parsed{Err: err}
	}
	f.action = typ

	var act Action
	switch typ {
	case TypeKeyPress:
		act, err = parseKeyPress(&f)
	case TypePathToLocation:
		var a PathToLocation
		if a.X, err = f.integer("x"); err == nil {
			if a.Y, err = f.integer("y"); err == nil {
				a.MapID, err = f.str("map_id", true)
			}
		}
		act = a
	case TypeAddMarker:
		var a AddMarker
		if a.X, err = f.integer("x"); err == nil {
			if a.Y, err = f.integer("y"); err == nil {
				if a.Emoji, err = f.str("emoji", true); err == nil {
					if a.Label, err = f.str("label", true); err == nil {
						a.MapID, err = f.str("map_id", false)
					}
				}
			}
		}
		act = a
	case TypeDeleteMarker:
		var a DeleteMarker
		if a.X, err = f.integer("x"); err == nil {
			if a.Y, err = f.integer("y"); err == nil {
				a.MapID, err = f.str("map_id", false)
			}
		}
		act = a
	case TypeWriteMemory:
		var a WriteMemory
		if a.Key, err = f.str("key", true); err == nil {
			a.Value, err = f.text("value")
		}
		act = a
	case TypeDeleteMemory:
		var a DeleteMemory
		a.Key, err = f.str("key", true)
		act = a
	case TypeUpdateObjectives:
		act, err = parseObjectives(&f)
	case TypeRestart:
		act = Restart{}
	case TypeSetNavigationPlan:
		var a SetNavigationPlan
		if a.Destination, err = f.str("destination", true); err == nil {
			if a.Reason, err = f.str("reason", true); err == nil {
				a.RouteNotes, err = f.str("route_notes", false)
			}
		}
		act = a
	case TypeClearNavigationPlan:
		act = ClearNavigationPlan{}
	default:
		return Parsed{Type: typ, Err: &ValidationError{Action: typ, Reason: "unknown action type"}}
	}
	if err != nil {
		return Parsed{Type: typ, Err: err}
	}
	return Parsed{Type: typ, Action: act}
}

func parseKeyPress(f *fields) (Action, error) {
	raw, ok := f.obj["keys"]
	if !ok {
		return nil, f.invalid("keys", "is required")
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, f.invalid("keys", "must be a list of strings")
	}
	if len(keys) == 0 {
		return nil, f.invalid("keys", "must not be empty")
	}
	for i, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if !validKeys[k] {
			return nil, f.invalid("keys", "unknown key "+strconv.Quote(keys[i]))
		}
		keys[i] = k
	}
	return KeyPress{Keys: keys}, nil
}

// parseObjectives validates every supplied slot; the first malformed slot
// fails the whole action.
func parseObjectives(f *fields) (Action, error) {
	var a UpdateObjectives
	supplied := false
	for _, slot := range []struct {
		name string
		dst  *ObjectiveSlot
	}{{"primary", &a.Primary}, {"secondary", &a.Secondary}, {"third", &a.Third}} {
		raw, ok := f.obj[slot.name]
		if !ok {
			continue
		}
		supplied = true
		slot.dst.Set = true
		if isNull(raw) {
			continue
		}
		obj, err := decodeObjective(raw)
		if err != nil {
			return nil, f.invalid(slot.name, err.Error())
		}
		slot.dst.Value = &obj
	}
	if raw, ok := f.obj["others"]; ok {
		supplied = true
		a.OthersSet = true
		if !isNull(raw) {
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, f.invalid("others", "must be a list of objectives")
			}
			for i, item := range items {
				obj, err := decodeObjective(item)
				if err != nil {
					return nil, f.invalid("others["+strconv.Itoa(i)+"]", err.Error())
				}
				a.Others = append(a.Others, obj)
			}
		}
	}
	if !supplied {
		return nil, &ValidationError{Action: TypeUpdateObjectives, Reason: "at least one of primary, secondary, third, others is required"}
	}
	return a, nil
}

func decodeObjective(raw json.RawMessage) (session.Objective, error) {
	var obj struct {
		ShortDescription *string `json:"short_description"`
		Description      *string `json:"description"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return session.Objective{}, errString("must be an object with short_description and description")
	}
	if obj.ShortDescription == nil || strings.TrimSpace(*obj.ShortDescription) == "" {
		return session.Objective{}, errString("short_description is required")
	}
	if obj.Description == nil || strings.TrimSpace(*obj.Description) == "" {
		return session.Objective{}, errString("description is required")
	}
	return session.Objective{ShortDescription: strings.TrimSpace(*obj.ShortDescription), Description: strings.TrimSpace(*obj.Description)}, nil
}

type errString string

func (e errString) Error() string { return string(e) }

type fields struct {
	action string
	obj    map[string]json.RawMessage
}

func (f *fields) invalid(field, reason string) *ValidationError {
	return &ValidationError{Action: f.action, Field: field, Reason: reason}
}

// str reads a string field. Optional fields may be absent or null.
func (f *fields) str(name string, required bool) (string, error) {
	raw, ok := f.obj[name]
	if !ok || isNull(raw) {
		if required {
			return "", f.invalid(name, "is required")
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", f.invalid(name, "must be a string")
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		return "", f.invalid(name, "must not be empty")
	}
	return s, nil
}

// text reads a required string field that may be empty.
func (f *fields) text(name string) (string, error) {
	raw, ok := f.obj[name]
	if !ok || isNull(raw) {
		return "", f.invalid(name, "is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", f.invalid(name, "must be a string")
	}
	return s, nil
}

// integer reads a required integral number. 5.0 is accepted, 5.5 and "5"
// are not.
func (f *fields) integer(name string) (int, error) {
	raw, ok := f.obj[name]
	if !ok || isNull(raw) {
		return 0, f.invalid(name, "is required")
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, f.invalid(name, "must be an integer")
	}
	if v != math.Trunc(v) || math.Abs(v) > 1<<31 {
		return 0, f.invalid(name, "must be an integer")
	}
	return int(v), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

package session

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StepCounters tracks cycle progress. CurrentStep never decreases and the
// two "last" counters never exceed it.
type StepCounters struct {
	CurrentStep       int `json:"current_step"`
	LastCriticismStep int `json:"last_criticism_step"`
	LastSummaryStep   int `json:"last_summary_step"`
}

// Advance moves CurrentStep forward by one.
func (c *StepCounters) Advance() { c.CurrentStep++ }

// MarkSummary records a summary at the current step. A summary also counts
// as a critique point.
func (c *StepCounters) MarkSummary() {
	c.LastSummaryStep = c.CurrentStep
	c.LastCriticismStep = c.CurrentStep
}

// MarkCriticism records a critique at the current step.
func (c *StepCounters) MarkCriticism() { c.LastCriticismStep = c.CurrentStep }

// StepsSinceSummary returns the number of steps since the last summary.
func (c StepCounters) StepsSinceSummary() int { return c.CurrentStep - c.LastSummaryStep }

// StepsSinceCriticism returns the number of steps since the last critique.
func (c StepCounters) StepsSinceCriticism() int { return c.CurrentStep - c.LastCriticismStep }

// normalize repairs counters loaded from disk so the invariants hold.
func (c *StepCounters) normalize() {
	if c.CurrentStep < 0 {
		c.CurrentStep = 0
	}
	if c.LastSummaryStep > c.CurrentStep || c.LastSummaryStep < 0 {
		c.LastSummaryStep = c.CurrentStep
	}
	if c.LastCriticismStep > c.CurrentStep || c.LastCriticismStep < 0 {
		c.LastCriticismStep = c.CurrentStep
	}
}

// Objective is one slot of the objectives record.
type Objective struct {
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
}

// Objectives is the fixed-shape objectives record.
type Objectives struct {
	Primary   *Objective  `json:"primary,omitempty"`
	Secondary *Objective  `json:"secondary,omitempty"`
	Third     *Objective  `json:"third,omitempty"`
	Others    []Objective `json:"others,omitempty"`
}

// Marker annotates one map coordinate.
type Marker struct {
	Emoji    string `json:"emoji"`
	Label    string `json:"label"`
	MapName  string `json:"map_name,omitempty"`
	OwnerUID string `json:"owner_uid,omitempty"`
}

// Markers maps a map id to its markers keyed by "x_y".
type Markers map[string]map[string]Marker

// ErrMarkerExists is returned when a coordinate already holds a marker.
var ErrMarkerExists = errors.New("marker already exists")

// CoordKey formats a coordinate as a marker key.
func CoordKey(x, y int) string { return strconv.Itoa(x) + "_" + strconv.Itoa(y) }

// ParseCoordKey parses a "x_y" marker key.
func ParseCoordKey(key string) (int, int, bool) {
	xs, ys, ok := strings.Cut(key, "_")
	if !ok {
		return 0, 0, false
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return 0, 0, false
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return 0, 0, false
	}
	return x, y, true
}

// Get returns the marker at a coordinate.
func (m Markers) Get(mapID string, x, y int) (Marker, bool) {
	mk, ok := m[mapID][CoordKey(x, y)]
	return mk, ok
}

// Add inserts a marker, refusing duplicates on the same coordinate.
func (m Markers) Add(mapID string, x, y int, mk Marker) error {
	byCoord, ok := m[mapID]
	if !ok {
		byCoord = map[string]Marker{}
		m[mapID] = byCoord
	}
	key := CoordKey(x, y)
	if _, exists := byCoord[key]; exists {
		return fmt.Errorf("%w at (%d,%d) on map %s", ErrMarkerExists, x, y, mapID)
	}
	byCoord[key] = mk
	return nil
}

// Delete removes a marker. It reports whether one existed.
func (m Markers) Delete(mapID string, x, y int) bool {
	byCoord, ok := m[mapID]
	if !ok {
		return false
	}
	key := CoordKey(x, y)
	if _, ok := byCoord[key]; !ok {
		return false
	}
	delete(byCoord, key)
	if len(byCoord) == 0 {
		delete(m, mapID)
	}
	return true
}

// Count returns the number of markers on a map.
func (m Markers) Count(mapID string) int { return len(m[mapID]) }

// Clone copies the marker maps.
func (m Markers) Clone() Markers {
	out := make(Markers, len(m))
	for mapID, byCoord := range m {
		cp := make(map[string]Marker, len(byCoord))
		for k, v := range byCoord {
			cp[k] = v
		}
		out[mapID] = cp
	}
	return out
}

// EntityPosition is the current position of a movable environment entity.
type EntityPosition struct {
	UID   string `json:"uid"`
	MapID string `json:"map_id"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
}

// Reconcile moves owner-linked markers to their entity's current position.
// Markers whose entity is absent from entities are left alone. When the
// destination coordinate is held by another marker the move is skipped; when
// an owner has more than one marker only the first (by key order) survives.
func (m Markers) Reconcile(entities []EntityPosition) bool {
	byUID := make(map[string]EntityPosition, len(entities))
	for _, e := range entities {
		if e.UID != "" {
			byUID[e.UID] = e
		}
	}
	changed := false
	mapIDs := make([]string, 0, len(m))
	for id := range m {
		mapIDs = append(mapIDs, id)
	}
	sort.Strings(mapIDs)
	for _, mapID := range mapIDs {
		byCoord := m[mapID]
		keys := make([]string, 0, len(byCoord))
		for k := range byCoord {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		seen := map[string]bool{}
		for _, key := range keys {
			mk, ok := byCoord[key]
			if !ok || mk.OwnerUID == "" {
				continue
			}
			if seen[mk.OwnerUID] {
				delete(byCoord, key)
				changed = true
				continue
			}
			seen[mk.OwnerUID] = true
			ent, ok := byUID[mk.OwnerUID]
			if !ok || ent.MapID != mapID {
				continue
			}
			target := CoordKey(ent.X, ent.Y)
			if target == key {
				continue
			}
			if _, taken := byCoord[target]; taken {
				continue
			}
			delete(byCoord, key)
			byCoord[target] = mk
			changed = true
		}
	}
	return changed
}

// SummaryKind distinguishes plain summaries from rollups.
type SummaryKind string

const (
	SummaryPlain  SummaryKind = "summary"
	SummaryRollup SummaryKind = "rollup"
)

// Summary is one entry of the summary set.
type Summary struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Step      int         `json:"step"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      SummaryKind `json:"kind"`
}

// SummarySet holds the append-only audit trail and the working set.
type SummarySet struct {
	All     []Summary `json:"all_summaries"`
	Working []Summary `json:"summaries"`
}

// Record appends a summary to both the audit trail and the working set.
func (s *SummarySet) Record(sum Summary) {
	s.All = append(s.All, sum)
	s.Working = append(s.Working, sum)
}

// Rollup replaces the working set with a single rolled-up entry, which is
// also appended to the audit trail.
func (s *SummarySet) Rollup(sum Summary) {
	sum.Kind = SummaryRollup
	s.All = append(s.All, sum)
	s.Working = []Summary{sum}
}

// Last returns the newest working summary.
func (s SummarySet) Last() (Summary, bool) {
	if len(s.Working) == 0 {
		return Summary{}, false
	}
	return s.Working[len(s.Working)-1], true
}

// NavigationPlan is the agent's current travel intent.
type NavigationPlan struct {
	Destination   string `json:"destination"`
	Reason        string `json:"reason"`
	RouteNotes    string `json:"route_notes,omitempty"`
	StepsTaken    int    `json:"steps_taken"`
	CreatedAtStep int    `json:"created_at_step"`
}

// State is the single aggregate mutated by the cycle loop. Other components
// receive it as an explicit parameter.
type State struct {
	Log        Log
	Counters   StepCounters
	Memory     map[string]string
	Objectives Objectives
	Markers    Markers
	Summaries  SummarySet
	Plan       *NavigationPlan

	// CritiqueReminderPending is consumed by the next prompt build.
	CritiqueReminderPending bool
	// SkipNextUserTurn suppresses the environment prompt on the next act cycle.
	SkipNextUserTurn bool
	// OversizeStreak counts consecutive oversize-triggered summaries.
	OversizeStreak int
	// SummaryRequested is raised when an oversize condition forces a summary.
	SummaryRequested bool
	// LastPromptTokens is the prompt size reported by the previous model call.
	LastPromptTokens int
}

// NewState returns an empty state as created on first boot.
func NewState() *State {
	return &State{
		Memory:  map[string]string{},
		Markers: Markers{},
	}
}

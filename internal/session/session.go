// Package session provides the durable conversation store: the turn log,
// the structured agent state around it, and crash recovery on load.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// File names inside the state directory.
const (
	LogFile        = "conversation.jsonl"
	MemoryFile     = "memory.json"
	ObjectivesFile = "objectives.json"
	MarkersFile    = "markers.json"
	CountersFile   = "counters.json"
	SummariesFile  = "summaries.json"
	PlanFile       = "navigation_plan.json"
	CritiqueFile   = "critique.md"
	BackupDir      = "backups"
	LockFile       = "agent.lock"
)

// ErrLocked is returned by LockDir when another process owns the state
// directory.
var ErrLocked = errors.New("state directory is locked by another process")

// DefaultRecoveryByteCeiling is the serialized log size above which Load
// truncates the log at the most recent carry-over summary.
const DefaultRecoveryByteCeiling = 8_000_000

// Options configures a Store.
type Options struct {
	Dir                 string
	RecoveryByteCeiling int64
	// StorageCompactor is applied to the log each time turns are appended.
	// It must be idempotent since earlier turns pass through it again.
	StorageCompactor func(Log) Log
}

// Store owns the State and its persistence. It is driven by a single
// goroutine; concurrent readers use Snapshot.
type Store struct {
	dir             string
	recoveryCeiling int64
	compact         func(Log) Log
	state           *State
	snapshot        atomic.Pointer[Snapshot]
	lastRecovery    RecoveryReport
}

// NewStore creates a store rooted at opts.Dir. Call Load before use.
func NewStore(opts Options) *Store {
	ceiling := opts.RecoveryByteCeiling
	if ceiling <= 0 {
		ceiling = DefaultRecoveryByteCeiling
	}
	s := &Store{
		dir:             opts.Dir,
		recoveryCeiling: ceiling,
		compact:         opts.StorageCompactor,
		state:           NewState(),
	}
	s.publish()
	return s
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// State returns the live state. Only the cycle loop may mutate it.
func (s *Store) State() *State { return s.state }

// LastRecovery returns what the most recent Load repaired.
func (s *Store) LastRecovery() RecoveryReport { return s.lastRecovery }

type logMetadata struct {
	Type      string    `json:"_type"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     int       `json:"turns"`
}

type countersFile struct {
	StepCounters
	SkipNextUserTurn bool `json:"skip_next_user_turn,omitempty"`
	OversizeStreak   int  `json:"oversize_streak,omitempty"`
	SummaryRequested bool `json:"summary_requested,omitempty"`
	LastPromptTokens int  `json:"last_prompt_tokens,omitempty"`
}

// Load reconstructs the state from the state directory and applies crash
// recovery. Missing files yield empty aggregates.
func (s *Store) Load() (*State, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	st := NewState()

	var counters countersFile
	if err := readJSON(filepath.Join(s.dir, CountersFile), &counters); err != nil {
		return nil, err
	}
	st.Counters = counters.StepCounters
	st.Counters.normalize()
	st.SkipNextUserTurn = counters.SkipNextUserTurn
	st.OversizeStreak = counters.OversizeStreak
	st.SummaryRequested = counters.SummaryRequested
	st.LastPromptTokens = counters.LastPromptTokens

	if err := readJSON(filepath.Join(s.dir, MemoryFile), &st.Memory); err != nil {
		return nil, err
	}
	if st.Memory == nil {
		st.Memory = map[string]string{}
	}
	if err := readJSON(filepath.Join(s.dir, ObjectivesFile), &st.Objectives); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(s.dir, MarkersFile), &st.Markers); err != nil {
		return nil, err
	}
	if st.Markers == nil {
		st.Markers = Markers{}
	}
	if err := readJSON(filepath.Join(s.dir, SummariesFile), &st.Summaries); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(s.dir, PlanFile), &st.Plan); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, LogFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read conversation log: %w", err)
	}
	st.Log = decodeLog(raw)

	report, err := s.recover(st, raw)
	if err != nil {
		return nil, err
	}
	s.lastRecovery = report
	if report.Changed() {
		slog.Info("Conversation recovered",
			"stripped_tail", report.StrippedTail,
			"undecodable", report.Undecodable,
			"dropped_prefix", report.DroppedTurns,
			"backup", report.BackupPath,
			"reminder_restored", report.ReminderRestored)
	}

	s.state = st
	s.publish()
	return st, nil
}

// decodeLog parses the JSONL log. Undecodable lines become zero turns, which
// recovery drops.
func decodeLog(raw []byte) Log {
	if len(raw) == 0 {
		return nil
	}
	var log Log
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Type string `json:"_type"`
		}
		if json.Unmarshal(line, &probe) == nil && probe.Type == "metadata" {
			continue
		}
		var t Turn
		if err := json.Unmarshal(line, &t); err != nil {
			slog.Warn("Undecodable conversation line", "error", err)
			log = append(log, Turn{})
			continue
		}
		log = append(log, t)
	}
	return log
}

// Append adds turns in order and storage-compacts the result.
func (s *Store) Append(turns ...Turn) {
	if len(turns) == 0 {
		return
	}
	s.state.Log = append(s.state.Log, turns...)
	if s.compact != nil {
		s.state.Log = s.compact(s.state.Log)
	}
}

// ReplaceLog swaps the whole log.
func (s *Store) ReplaceLog(log Log) {
	s.state.Log = log
}

// ReconcileMarkers relocates owner-linked markers and persists immediately
// when anything moved, so the change survives a crash before the next save.
func (s *Store) ReconcileMarkers(entities []EntityPosition) (bool, error) {
	if !s.state.Markers.Reconcile(entities) {
		return false, nil
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, MarkersFile), s.state.Markers); err != nil {
		return true, fmt.Errorf("persist reconciled markers: %w", err)
	}
	return true, nil
}

// Save writes every state file.
func (s *Store) Save() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	st := s.state
	if err := writeFileAtomic(filepath.Join(s.dir, LogFile), encodeLog(st.Log)); err != nil {
		return fmt.Errorf("save conversation log: %w", err)
	}
	files := []struct {
		name string
		v    any
	}{
		{MemoryFile, st.Memory},
		{ObjectivesFile, st.Objectives},
		{MarkersFile, st.Markers},
		{SummariesFile, st.Summaries},
		{PlanFile, st.Plan},
		{CountersFile, countersFile{
			StepCounters:     st.Counters,
			SkipNextUserTurn: st.SkipNextUserTurn,
			OversizeStreak:   st.OversizeStreak,
			SummaryRequested: st.SummaryRequested,
			LastPromptTokens: st.LastPromptTokens,
		}},
	}
	for _, f := range files {
		if err := writeJSONAtomic(filepath.Join(s.dir, f.name), f.v); err != nil {
			return fmt.Errorf("save %s: %w", f.name, err)
		}
	}
	s.publish()
	return nil
}

// WriteCritique stores the latest critique text in its side file.
func (s *Store) WriteCritique(text string) error {
	return writeFileAtomic(filepath.Join(s.dir, CritiqueFile), []byte(text+"\n"))
}

func encodeLog(log Log) []byte {
	var buf bytes.Buffer
	meta, _ := json.Marshal(logMetadata{Type: "metadata", UpdatedAt: time.Now().UTC(), Turns: len(log)})
	buf.Write(meta)
	buf.WriteByte('\n')
	for _, t := range log {
		line, err := json.Marshal(t)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Snapshot is an immutable view of the state for concurrent readers.
type Snapshot struct {
	Counters       StepCounters      `json:"counters"`
	Memory         map[string]string `json:"memory"`
	Objectives     Objectives        `json:"objectives"`
	Markers        Markers           `json:"markers"`
	Plan           *NavigationPlan   `json:"navigation_plan,omitempty"`
	LogTurns       int               `json:"log_turns"`
	WorkingCount   int               `json:"working_summaries"`
	AllCount       int               `json:"all_summaries"`
	LatestSummary  string            `json:"latest_summary,omitempty"`
	ReminderActive bool              `json:"critique_reminder_pending"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Snapshot returns the state as of the last persistence point.
func (s *Store) Snapshot() *Snapshot { return s.snapshot.Load() }

func (s *Store) publish() {
	st := s.state
	mem := make(map[string]string, len(st.Memory))
	for k, v := range st.Memory {
		mem[k] = v
	}
	snap := &Snapshot{
		Counters:       st.Counters,
		Memory:         mem,
		Objectives:     cloneObjectives(st.Objectives),
		Markers:        st.Markers.Clone(),
		LogTurns:       len(st.Log),
		WorkingCount:   len(st.Summaries.Working),
		AllCount:       len(st.Summaries.All),
		ReminderActive: st.CritiqueReminderPending,
		UpdatedAt:      time.Now().UTC(),
	}
	if st.Plan != nil {
		plan := *st.Plan
		snap.Plan = &plan
	}
	if last, ok := st.Summaries.Last(); ok {
		snap.LatestSummary = last.Text
	}
	s.snapshot.Store(snap)
}

func cloneObjectives(o Objectives) Objectives {
	out := Objectives{Others: append([]Objective(nil), o.Others...)}
	for _, pair := range []struct {
		src *Objective
		dst **Objective
	}{{o.Primary, &out.Primary}, {o.Secondary, &out.Secondary}, {o.Third, &out.Third}} {
		if pair.src != nil {
			v := *pair.src
			*pair.dst = &v
		}
	}
	return out
}

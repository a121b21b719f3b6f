package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RecoveryReport describes what Load repaired.
type RecoveryReport struct {
	StrippedTail     int
	Undecodable      int
	OrphansDropped   int
	DroppedTurns     int
	BackupPath       string
	ReminderRestored bool
}

// Changed reports whether recovery altered anything.
func (r RecoveryReport) Changed() bool {
	return r.StrippedTail > 0 || r.Undecodable > 0 || r.OrphansDropped > 0 || r.DroppedTurns > 0 || r.ReminderRestored
}

func (s *Store) recover(st *State, raw []byte) (RecoveryReport, error) {
	var report RecoveryReport

	st.Log, report.Undecodable = dropUndecodable(st.Log)
	st.Log, report.StrippedTail = StripCorruptTail(st.Log)
	st.Log, report.OrphansDropped = dropOrphans(st.Log)

	if int64(len(raw)) > s.recoveryCeiling {
		idx := st.Log.LastIndex(Turn.IsCarryOverSummary)
		if idx <= 0 {
			// Nothing to cut at; force a summary on the next cycle instead.
			slog.Warn("Conversation log over recovery ceiling without carry-over summary",
				"bytes", len(raw), "ceiling", s.recoveryCeiling)
			st.SummaryRequested = true
		} else {
			path, err := s.writeBackup(raw)
			if err != nil {
				return report, fmt.Errorf("write recovery backup: %w", err)
			}
			report.BackupPath = path
			report.DroppedTurns = idx
			st.Log = append(Log(nil), st.Log[idx:]...)
			st.Counters.LastSummaryStep = st.Counters.CurrentStep
			st.Counters.LastCriticismStep = st.Counters.CurrentStep
		}
	}

	if !st.CritiqueReminderPending && critiqueUnacknowledged(st.Log) {
		st.CritiqueReminderPending = true
		report.ReminderRestored = true
	}
	return report, nil
}

// StripCorruptTail removes trailing turns that are corrupt, along with tool
// calls left without a result at the end of the log. It returns the kept log
// and the number of removed turns.
func StripCorruptTail(log Log) (Log, int) {
	n := len(log)
	for n > 0 {
		last := log[n-1]
		if last.Corrupt() || last.Kind == KindToolCall {
			n--
			continue
		}
		break
	}
	return log[:n], len(log) - n
}

// dropUndecodable removes turns of no known kind, which is how decodeLog
// records a line it could not parse, wherever they sit in the log.
func dropUndecodable(log Log) (Log, int) {
	out := log[:0:0]
	for _, t := range log {
		if t.Kind.Known() {
			out = append(out, t)
		}
	}
	if len(out) == len(log) {
		return log, 0
	}
	return out, len(log) - len(out)
}

// dropOrphans removes tool calls that never received a result and results
// that have no preceding call, so the pairing invariant holds after load.
func dropOrphans(log Log) (Log, int) {
	if log.Validate() == nil {
		return log, 0
	}
	answered := map[string]bool{}
	called := map[string]bool{}
	for _, t := range log {
		switch t.Kind {
		case KindToolCall:
			called[t.CallID] = true
		case KindToolResult:
			if called[t.CallID] {
				answered[t.CallID] = true
			}
		}
	}
	out := make(Log, 0, len(log))
	pending := map[string]bool{}
	for _, t := range log {
		switch t.Kind {
		case KindToolCall:
			if !answered[t.CallID] || pending[t.CallID] {
				continue
			}
			pending[t.CallID] = true
		case KindToolResult:
			if !pending[t.CallID] {
				continue
			}
			delete(pending, t.CallID)
			answered[t.CallID] = false
		}
		out = append(out, t)
	}
	return out, len(log) - len(out)
}

// critiqueUnacknowledged reports whether the last assistant message is a
// self-critique that no later user turn has acknowledged.
func critiqueUnacknowledged(log Log) bool {
	idx := log.LastIndex(func(t Turn) bool { return t.Kind == KindAssistantMessage })
	if idx < 0 || !strings.Contains(log[idx].Text, CritiqueMarker) {
		return false
	}
	for _, t := range log[idx+1:] {
		if t.Kind == KindUser && strings.Contains(t.PlainText(), CritiqueAckMarker) {
			return false
		}
	}
	return true
}

func (s *Store) writeBackup(raw []byte) (string, error) {
	dir := filepath.Join(s.dir, BackupDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	stamp := time.Now().Unix()
	path := filepath.Join(dir, fmt.Sprintf("conversation-%d.jsonl", stamp))
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("conversation-%d-%d.jsonl", stamp, i))
	}
	if err := writeFileAtomic(path, raw); err != nil {
		return "", err
	}
	return path, nil
}

// Package timeline keeps a SQLite audit trail of broadcast events and model
// token usage.
package timeline

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type TimelineService struct {
	db *sql.DB
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &TimelineService{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *TimelineService) DB() *sql.DB { return s.db }

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// AddEvent inserts an event. A repeated event id is ignored.
func (s *TimelineService) AddEvent(evt *TimelineEvent) error {
	query := `
	INSERT INTO timeline (event_id, timestamp, event_type, step, summary, payload)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(event_id) DO NOTHING
	`
	_, err := s.db.Exec(query,
		evt.EventID,
		evt.Timestamp.UTC(),
		evt.EventType,
		evt.Step,
		evt.Summary,
		evt.Payload,
	)
	return err
}

type FilterArgs struct {
	EventType string
	Limit     int
	Offset    int
	StartDate *time.Time
	EndDate   *time.Time
}

// GetEvents returns matching events, newest first.
func (s *TimelineService) GetEvents(filter FilterArgs) ([]TimelineEvent, error) {
	query := `SELECT id, COALESCE(event_id,''), timestamp, event_type, step, COALESCE(summary,''), COALESCE(payload,'') FROM timeline WHERE 1=1`
	args := []interface{}{}

	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if filter.StartDate != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if filter.EndDate != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndDate.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TimelineEvent
	for rows.Next() {
		var e TimelineEvent
		err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.Timestamp,
			&e.EventType,
			&e.Step,
			&e.Summary,
			&e.Payload,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetSetting returns a setting value by key.
func (s *TimelineService) GetSetting(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetSetting persists a setting value.
func (s *TimelineService) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}

// IncrementSettingCounter adds delta to an integer setting and returns the
// new value. A missing or unparsable value counts as zero.
func (s *TimelineService) IncrementSettingCounter(key string, delta int) (int, error) {
	if strings.TrimSpace(key) == "" {
		return 0, fmt.Errorf("empty setting key")
	}
	next := delta
	if raw, err := s.GetSetting(key); err == nil {
		if n, convErr := strconv.Atoi(strings.TrimSpace(raw)); convErr == nil && n >= 0 {
			next = n + delta
		}
	}
	if err := s.SetSetting(key, strconv.Itoa(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// dailyTokensKey is the settings key of the token tally for day.
func dailyTokensKey(day time.Time) string {
	return "tokens_daily_" + day.UTC().Format("2006-01-02")
}

// RecordUsage stores one usage row and adds its total to the daily tally.
func (s *TimelineService) RecordUsage(rec *UsageRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO token_usage (timestamp, source, model, step, prompt_tokens, completion_tokens, reasoning_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC(), rec.Source, rec.Model, rec.Step, rec.PromptTokens, rec.CompletionTokens, rec.ReasoningTokens, rec.TotalTokens)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	if _, err := s.IncrementSettingCounter(dailyTokensKey(ts), rec.TotalTokens); err != nil {
		return fmt.Errorf("update daily tally: %w", err)
	}
	return nil
}

// GetDailyTokenUsage returns the tokens tallied on the given day.
func (s *TimelineService) GetDailyTokenUsage(day time.Time) (int, error) {
	raw, err := s.GetSetting(dailyTokensKey(day))
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(raw))
}

// UsageTotals sums usage per source since the given time.
func (s *TimelineService) UsageTotals(since time.Time) ([]UsageTotal, error) {
	rows, err := s.db.Query(`SELECT source, COUNT(*), COALESCE(SUM(total_tokens), 0) FROM token_usage
		WHERE timestamp >= ? GROUP BY source ORDER BY source`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []UsageTotal
	for rows.Next() {
		var t UsageTotal
		if err := rows.Scan(&t.Source, &t.Calls, &t.TotalTokens); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

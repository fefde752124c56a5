package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timestamps are stored as fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	meeting_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT
);

CREATE TABLE IF NOT EXISTS transcript_lines (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	speaker TEXT,
	text TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	confidence REAL,
	has_voice_command INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_lines_session ON transcript_lines(session_id, timestamp);

CREATE TABLE IF NOT EXISTS ai_responses (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	question TEXT NOT NULL,
	answer TEXT NOT NULL,
	asked_by TEXT,
	trigger_type TEXT NOT NULL,
	confidence REAL,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_responses_session ON ai_responses(session_id);
`

// SQLiteSink stores records in a local SQLite database
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens or creates the database at path
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer avoids "database is locked"
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Name returns the sink name
func (s *SQLiteSink) Name() string {
	return "sqlite"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// SaveSession inserts a session row. Repeats are ignored so retries are safe.
func (s *SQLiteSink) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, meeting_id, status, started_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.MeetingID, rec.Status, formatTime(rec.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// EndSession records the terminal status and end time
func (s *SQLiteSink) EndSession(ctx context.Context, rec SessionRecord) error {
	endedAt := time.Now()
	if rec.EndedAt != nil {
		endedAt = *rec.EndedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, meeting_id, status, started_at, ended_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, ended_at = excluded.ended_at`,
		rec.ID, rec.MeetingID, rec.Status, formatTime(rec.StartedAt), formatTime(endedAt))
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// SaveLine inserts a final transcript line
func (s *SQLiteSink) SaveLine(ctx context.Context, rec LineRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO transcript_lines (id, session_id, participant_id, speaker, text, timestamp, confidence, has_voice_command)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.ParticipantID, rec.Speaker, rec.Text, formatTime(rec.Timestamp), rec.Confidence, rec.HasVoiceCommand)
	if err != nil {
		return fmt.Errorf("failed to save transcript line: %w", err)
	}
	return nil
}

// SaveAIResponse inserts an AI response
func (s *SQLiteSink) SaveAIResponse(ctx context.Context, rec AIResponseRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ai_responses (id, session_id, question, answer, asked_by, trigger_type, confidence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Question, rec.Answer, rec.AskedBy, rec.TriggerType, rec.Confidence, formatTime(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to save AI response: %w", err)
	}
	return nil
}

// Lines returns a session's final lines in timestamp order
func (s *SQLiteSink) Lines(ctx context.Context, sessionID string) ([]LineRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, participant_id, speaker, text, timestamp, confidence, has_voice_command
		 FROM transcript_lines WHERE session_id = ? ORDER BY timestamp, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcript lines: %w", err)
	}
	defer rows.Close()

	lines := []LineRecord{}
	for rows.Next() {
		var (
			rec     LineRecord
			speaker sql.NullString
			ts      string
			conf    sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ParticipantID, &speaker, &rec.Text, &ts, &conf, &rec.HasVoiceCommand); err != nil {
			return nil, fmt.Errorf("failed to scan transcript line: %w", err)
		}
		rec.Speaker = speaker.String
		rec.Confidence = conf.Float64
		rec.Timestamp = parseTime(ts)
		lines = append(lines, rec)
	}
	return lines, rows.Err()
}

// AIResponses returns a session's AI responses in timestamp order
func (s *SQLiteSink) AIResponses(ctx context.Context, sessionID string) ([]AIResponseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, question, answer, asked_by, trigger_type, confidence, timestamp
		 FROM ai_responses WHERE session_id = ? ORDER BY timestamp, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list AI responses: %w", err)
	}
	defer rows.Close()

	responses := []AIResponseRecord{}
	for rows.Next() {
		var (
			rec     AIResponseRecord
			askedBy sql.NullString
			conf    sql.NullFloat64
			ts      string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Question, &rec.Answer, &askedBy, &rec.TriggerType, &conf, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan AI response: %w", err)
		}
		rec.AskedBy = askedBy.String
		rec.Confidence = conf.Float64
		rec.Timestamp = parseTime(ts)
		responses = append(responses, rec)
	}
	return responses, rows.Err()
}

// Session returns one session row
func (s *SQLiteSink) Session(ctx context.Context, id string) (SessionRecord, error) {
	var (
		rec     SessionRecord
		started string
		ended   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, meeting_id, status, started_at, ended_at FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.MeetingID, &rec.Status, &started, &ended)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to get session: %w", err)
	}
	rec.StartedAt = parseTime(started)
	if ended.Valid {
		t := parseTime(ended.String)
		rec.EndedAt = &t
	}
	return rec, nil
}

// Ping checks the database connection
func (s *SQLiteSink) Ping(ctx context.Context) (bool, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

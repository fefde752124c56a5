// Package store persists finalized transcript lines, AI responses and
// session metadata. Writes are fire-and-forget: the transcript pipeline
// enqueues and moves on, and a background worker per sink does the I/O.
package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/observability"
)

// SessionRecord is the metadata of one transcription session
type SessionRecord struct {
	ID        string     `json:"id"`
	MeetingID string     `json:"meetingId"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// LineRecord is one final transcript line
type LineRecord struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	ParticipantID   string    `json:"participantId"`
	Speaker         string    `json:"speaker"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	Confidence      float64   `json:"confidence"`
	HasVoiceCommand bool      `json:"hasVoiceCommand"`
}

// AIResponseRecord is one answered question
type AIResponseRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	AskedBy     string    `json:"askedBy"`
	TriggerType string    `json:"triggerType"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink is an append-only persistence backend
type Sink interface {
	Name() string
	SaveSession(ctx context.Context, rec SessionRecord) error
	EndSession(ctx context.Context, rec SessionRecord) error
	SaveLine(ctx context.Context, rec LineRecord) error
	SaveAIResponse(ctx context.Context, rec AIResponseRecord) error
	Close() error
}

// LogSink only logs records. It is used when no driver is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log-only sink
func NewLogSink() *LogSink {
	return &LogSink{logger: observability.WithComponent("store")}
}

// Name returns the sink name
func (s *LogSink) Name() string {
	return "log"
}

// SaveSession logs the session start
func (s *LogSink) SaveSession(ctx context.Context, rec SessionRecord) error {
	s.logger.Debug().Str("session_id", rec.ID).Str("meeting_id", rec.MeetingID).Msg("Session started")
	return nil
}

// EndSession logs the session end
func (s *LogSink) EndSession(ctx context.Context, rec SessionRecord) error {
	s.logger.Debug().Str("session_id", rec.ID).Str("status", rec.Status).Msg("Session ended")
	return nil
}

// SaveLine logs a final line
func (s *LogSink) SaveLine(ctx context.Context, rec LineRecord) error {
	s.logger.Debug().
		Str("session_id", rec.SessionID).
		Str("participant_id", rec.ParticipantID).
		Str("text", rec.Text).
		Msg("Transcript line")
	return nil
}

// SaveAIResponse logs an AI response
func (s *LogSink) SaveAIResponse(ctx context.Context, rec AIResponseRecord) error {
	s.logger.Debug().
		Str("session_id", rec.SessionID).
		Str("trigger", rec.TriggerType).
		Str("question", rec.Question).
		Msg("AI response")
	return nil
}

// Close is a no-op
func (s *LogSink) Close() error {
	return nil
}

// Package transcription owns transcription sessions: it joins a meeting,
// runs one recognizer per inbound audio track, merges their candidates into
// one ordered transcript per session and drives the voice-command side
// channel.
package transcription

import (
	"errors"
	"time"

	"github.com/lexiqai/meet-transcriber/internal/assistant"
	"github.com/lexiqai/meet-transcriber/internal/participant"
	"github.com/lexiqai/meet-transcriber/internal/store"
)

var (
	// ErrSessionNotFound is returned for unknown or evicted session ids
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned for commands that need an active session
	ErrSessionNotActive = errors.New("session not active")

	// ErrInvalidConfig is returned by Start for an unusable StartConfig
	ErrInvalidConfig = errors.New("invalid session config")

	// ErrEmptyQuestion is returned by AskQuestion for a blank question
	ErrEmptyQuestion = errors.New("question is required")

	// ErrShuttingDown is returned by Start once Shutdown has begun
	ErrShuttingDown = errors.New("service shutting down")
)

// Status is the lifecycle of a session. starting, active and stopping are
// live; ended and error are terminal.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
	StatusEnded    Status = "ended"
	StatusError    Status = "error"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// AISettings are the per-session assistant switches
type AISettings struct {
	EnableQA      bool     `json:"enableQA"`
	EnableSummary bool     `json:"enableSummary"`
	VoiceCommands []string `json:"voiceCommands"`
	AutoResponse  bool     `json:"autoResponse"`
}

// SettingsPatch is a partial AISettings update. Nil fields are left alone.
type SettingsPatch struct {
	EnableQA      *bool    `json:"enableQA,omitempty"`
	EnableSummary *bool    `json:"enableSummary,omitempty"`
	VoiceCommands []string `json:"voiceCommands,omitempty"`
	AutoResponse  *bool    `json:"autoResponse,omitempty"`
}

// Apply returns s with the patch merged in
func (p SettingsPatch) Apply(s AISettings) AISettings {
	if p.EnableQA != nil {
		s.EnableQA = *p.EnableQA
	}
	if p.EnableSummary != nil {
		s.EnableSummary = *p.EnableSummary
	}
	if p.VoiceCommands != nil {
		s.VoiceCommands = append([]string(nil), p.VoiceCommands...)
	}
	if p.AutoResponse != nil {
		s.AutoResponse = *p.AutoResponse
	}
	return s
}

func (s AISettings) clone() AISettings {
	s.VoiceCommands = append([]string(nil), s.VoiceCommands...)
	return s
}

// StartConfig describes the meeting to transcribe
type StartConfig struct {
	MeetingID   string         `json:"meetingId"`
	AccessToken string         `json:"accessToken"`
	Settings    *SettingsPatch `json:"aiSettings,omitempty"`
}

// TranscriptLine is one transcript event. Each line has a unique ID; interim
// lines share UtteranceID with the final line that supersedes them.
type TranscriptLine struct {
	ID              string    `json:"id"`
	UtteranceID     string    `json:"utteranceId"`
	SessionID       string    `json:"sessionId"`
	ParticipantID   string    `json:"participantId"`
	Speaker         string    `json:"speaker"`
	TrackID         string    `json:"trackId"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	IsFinal         bool      `json:"isFinal"`
	Confidence      float64   `json:"confidence,omitempty"`
	SpeakerTag      int       `json:"speakerTag,omitempty"`
	HasVoiceCommand bool      `json:"hasVoiceCommand"`
}

func (l TranscriptLine) record() store.LineRecord {
	return store.LineRecord{
		ID:              l.ID,
		SessionID:       l.SessionID,
		ParticipantID:   l.ParticipantID,
		Speaker:         l.Speaker,
		Text:            l.Text,
		Timestamp:       l.Timestamp,
		Confidence:      l.Confidence,
		HasVoiceCommand: l.HasVoiceCommand,
	}
}

// VoiceCommandPayload is broadcast before a voice command is dispatched
type VoiceCommandPayload struct {
	LineID        string `json:"lineId"`
	ParticipantID string `json:"participantId"`
	Speaker       string `json:"speaker"`
	Command       string `json:"command"`
	Question      string `json:"question"`
}

// SessionInfo is the session_update payload and the status view
type SessionInfo struct {
	SessionID           string                    `json:"sessionId"`
	MeetingID           string                    `json:"meetingId"`
	Status              Status                    `json:"status"`
	Participants        []participant.Participant `json:"participants"`
	AISettings          AISettings                `json:"aiSettings"`
	StartTime           time.Time                 `json:"startTime"`
	EndTime             *time.Time                `json:"endTime,omitempty"`
	MeetConnectionState string                    `json:"meetConnectionState"`
	ActiveTracks        int                       `json:"activeTracks"`
}

func responseRecord(r assistant.Response) store.AIResponseRecord {
	return store.AIResponseRecord{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Question:    r.Question,
		Answer:      r.Answer,
		AskedBy:     r.AskedBy,
		TriggerType: string(r.TriggerType),
		Confidence:  r.Confidence,
		Timestamp:   r.Timestamp,
	}
}

// Package broadcast fans session events out to observers without letting a
// slow observer hold up the producer or anyone else.
package broadcast

import "time"

// EventType names an event on the wire
type EventType string

const (
	EventTranscript           EventType = "transcript"
	EventSessionUpdate        EventType = "session_update"
	EventConnectionStatus     EventType = "connection_status"
	EventError                EventType = "error"
	EventAIResponse           EventType = "ai_response"
	EventVoiceCommandDetected EventType = "voice_command_detected"
	EventTrackStatus          EventType = "track_status"
)

// Event is the envelope every observer receives
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent stamps an event with the current time
func NewEvent(eventType EventType, sessionID string, payload interface{}) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorPayload reports a fatal condition with a stable code
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	TrackID       string `json:"trackId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
}

// Connection states carried by connection_status events
const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

// ConnectionStatusPayload reports the conference connection
type ConnectionStatusPayload struct {
	Status              string `json:"status"`
	MeetConnectionState string `json:"meetConnectionState"`
	Reason              string `json:"reason,omitempty"`
}

// Track states carried by track_status events
const (
	TrackDegraded  = "degraded"
	TrackRecovered = "recovered"
	TrackStopped   = "stopped"
)

// TrackStatusPayload reports a recognizer state change for one track
type TrackStatusPayload struct {
	TrackID       string `json:"trackId"`
	ParticipantID string `json:"participantId"`
	Status        string `json:"status"`
	Dropped       int    `json:"dropped,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

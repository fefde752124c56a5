// Package conference connects to a meeting's media transport and exposes its
// participant presence and inbound audio tracks as channels.
package conference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/meet-transcriber/internal/audio"
)

// State is the connection state of a Session
type State int32

const (
	StateWaiting State = iota
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateJoined:
		return "JOINED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ParticipantRef identifies a participant as the transport reports it
type ParticipantRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Email       string `json:"email,omitempty"`
}

// ParticipantEventKind is joined or left
type ParticipantEventKind string

const (
	ParticipantJoined ParticipantEventKind = "joined"
	ParticipantLeft   ParticipantEventKind = "left"
)

// ParticipantEvent is one presence change
type ParticipantEvent struct {
	Kind        ParticipantEventKind
	Participant ParticipantRef
	At          time.Time
}

// TrackEventKind is added or removed
type TrackEventKind string

const (
	TrackAdded   TrackEventKind = "added"
	TrackRemoved TrackEventKind = "removed"
)

// TrackKindAudio is the only track kind surfaced by a Session
const TrackKindAudio = "audio"

// TrackHandle references one inbound audio track
type TrackHandle struct {
	TrackID     string
	Kind        string
	SourceID    string // transport participant id owning the track
	DisplayName string
	Format      audio.Format
}

// TrackEvent is one track lifecycle change. Audio carries the track's frames
// for added events and is closed when the track goes away.
type TrackEvent struct {
	Kind  TrackEventKind
	Track TrackHandle
	Audio <-chan []byte
}

// Session is one conference connection.
//
// State moves WAITING -> JOINED -> DISCONNECTED, or WAITING -> DISCONNECTED
// when Connect fails. Both event channels are closed once the session is
// disconnected, whether by Disconnect or by the transport.
type Session interface {
	// Connect joins the conference. It never retries.
	Connect(ctx context.Context) error

	// Disconnect leaves the conference. Safe to call more than once.
	Disconnect()

	ParticipantEvents() <-chan ParticipantEvent
	TrackEvents() <-chan TrackEvent

	State() State

	// Err reports why the streams ended: nil after Disconnect,
	// ErrConferenceEnded when the meeting finished, otherwise the transport
	// failure.
	Err() error
}

// Config holds what a Session needs to join one meeting
type Config struct {
	MeetingID      string
	AccessToken    string
	BridgeURL      string
	ConnectTimeout time.Duration
	FrameBuffer    int // per-track frame channel capacity
}

// Factory creates an unconnected Session
type Factory func(cfg Config) Session

// ConnectErrorKind classifies connect failures
type ConnectErrorKind string

const (
	ConnectAuthInvalid      ConnectErrorKind = "auth_invalid"
	ConnectNotFound         ConnectErrorKind = "not_found"
	ConnectTimeout          ConnectErrorKind = "timeout"
	ConnectTransportFailure ConnectErrorKind = "transport_failure"
)

// ConnectError is returned by Connect
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect failed: %s", e.Kind)
	}
	return fmt.Sprintf("connect failed: %s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// NewConnectError creates a ConnectError
func NewConnectError(kind ConnectErrorKind, err error) *ConnectError {
	return &ConnectError{Kind: kind, Err: err}
}

var (
	// ErrConferenceEnded reports that the meeting itself finished
	ErrConferenceEnded = errors.New("conference ended")

	// ErrTransportClosed reports that the transport went away unexpectedly
	ErrTransportClosed = errors.New("transport closed")
)

// classifyContextError maps a context failure during connect
func classifyContextError(err error) *ConnectError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewConnectError(ConnectTimeout, err)
	}
	return NewConnectError(ConnectTransportFailure, err)
}

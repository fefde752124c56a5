package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TranscriptionResult is one candidate returned by an ASR stream
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates if this is a final transcription (true) or interim (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// SpeakerTag is the diarization speaker hint, 0 when absent
	SpeakerTag int

	// StartTime is the start time of the utterance in seconds
	StartTime float64

	// Duration is the duration of the utterance in seconds
	Duration float64
}

// StreamConfig describes the audio a stream will receive
type StreamConfig struct {
	Encoding                string // linear16 or mulaw
	SampleRate              int
	Channels                int
	Language                string
	Model                   string
	EnableDiarization       bool
	DiarizationSpeakerCount int
	InterimResults          bool
}

// STTClient is one streaming recognition session
type STTClient interface {
	// Start opens the stream. ctx bounds the open, not the stream lifetime.
	Start(ctx context.Context) error

	// SendAudio sends an audio chunk to the STT service
	SendAudio(audioData []byte) error

	// GetTranscription returns the candidate channel. It is closed when the
	// stream ends for any reason.
	GetTranscription() <-chan *TranscriptionResult

	// Err returns the terminal error once the candidate channel is closed,
	// nil after a clean Close
	Err() error

	// Close closes the client and cleans up resources
	Close() error
}

// Provider opens streams against one ASR backend
type Provider interface {
	Name() string
	NewClient(cfg StreamConfig) (STTClient, error)
}

// ErrorKind classifies terminal ASR failures
type ErrorKind string

const (
	ErrorQuota          ErrorKind = "quota"
	ErrorStreamClosed   ErrorKind = "stream_closed"
	ErrorMalformedAudio ErrorKind = "malformed_audio"
	ErrorAuthExpired    ErrorKind = "auth_expired"
)

// RecognizerError is a terminal failure of one ASR stream
type RecognizerError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *RecognizerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *RecognizerError) Unwrap() error {
	return e.Err
}

// NewRecognizerError wraps err with a kind
func NewRecognizerError(provider string, kind ErrorKind, err error) *RecognizerError {
	return &RecognizerError{Kind: kind, Provider: provider, Err: err}
}

// KindOf extracts the kind from err, defaulting to stream_closed
func KindOf(err error) ErrorKind {
	var recErr *RecognizerError
	if errors.As(err, &recErr) {
		return recErr.Kind
	}
	return ErrorStreamClosed
}

// ClassifyMessage maps a provider error message to a kind
func ClassifyMessage(msg string) ErrorKind {
	msg = strings.ToLower(msg)
	switch {
	case containsAny(msg, "quota", "rate limit", "too many requests", "429", "insufficient", "resource exhausted"):
		return ErrorQuota
	case containsAny(msg, "unauthorized", "401", "403", "forbidden", "invalid credentials", "expired", "auth"):
		return ErrorAuthExpired
	case containsAny(msg, "malformed", "invalid audio", "corrupt", "unsupported encoding", "could not process audio", "400"):
		return ErrorMalformedAudio
	default:
		return ErrorStreamClosed
	}
}

func containsAny(s string, fragments ...string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

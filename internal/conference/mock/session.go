// Package mock provides a scripted conference.Session for deterministic tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lexiqai/meet-transcriber/internal/audio"
	"github.com/lexiqai/meet-transcriber/internal/conference"
)

// Session is a conference.Session driven by test code
type Session struct {
	Config conference.Config

	mu           sync.Mutex
	state        conference.State
	err          error
	connectErr   error
	connectGate  chan struct{}
	audio        map[string]chan []byte
	disconnects  int
	participants chan conference.ParticipantEvent
	tracks       chan conference.TrackEvent
	done         chan struct{}
	closeOnce    sync.Once
}

// NewSession creates a scripted session in WAITING state
func NewSession(cfg conference.Config) *Session {
	return &Session{
		Config:       cfg,
		state:        conference.StateWaiting,
		audio:        make(map[string]chan []byte),
		participants: make(chan conference.ParticipantEvent, 64),
		tracks:       make(chan conference.TrackEvent, 64),
		done:         make(chan struct{}),
	}
}

// FailConnect makes Connect return err
func (s *Session) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// HoldConnect makes Connect block until ReleaseConnect or ctx ends
func (s *Session) HoldConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectGate = make(chan struct{})
}

// ReleaseConnect unblocks a held Connect
func (s *Session) ReleaseConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectGate != nil {
		close(s.connectGate)
		s.connectGate = nil
	}
}

// Connect joins unless scripted to fail
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	gate := s.connectGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			err := conference.NewConnectError(conference.ConnectTimeout, ctx.Err())
			if ctx.Err() == context.Canceled {
				err = conference.NewConnectError(conference.ConnectTransportFailure, ctx.Err())
			}
			s.end(err)
			return err
		}
	}

	s.mu.Lock()
	connectErr := s.connectErr
	if connectErr == nil && s.state == conference.StateWaiting {
		s.state = conference.StateJoined
	}
	state := s.state
	s.mu.Unlock()

	if connectErr != nil {
		s.end(connectErr)
		return connectErr
	}
	if state != conference.StateJoined {
		return conference.NewConnectError(conference.ConnectTransportFailure, nil)
	}
	return nil
}

// Disconnect ends the session cleanly
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
	s.end(nil)
}

// EndConference ends the streams as the transport would, with err as Err()
func (s *Session) EndConference(err error) {
	s.end(err)
}

func (s *Session) end(err error) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.state = conference.StateDisconnected
		s.err = err
		for id, ch := range s.audio {
			close(ch)
			delete(s.audio, id)
		}
		close(s.participants)
		close(s.tracks)
	})
}

// Join emits a participant joined event
func (s *Session) Join(id, name string) bool {
	return s.emitParticipant(conference.ParticipantJoined, id, name)
}

// Leave emits a participant left event
func (s *Session) Leave(id, name string) bool {
	return s.emitParticipant(conference.ParticipantLeft, id, name)
}

func (s *Session) emitParticipant(kind conference.ParticipantEventKind, id, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == conference.StateDisconnected {
		return false
	}
	s.participants <- conference.ParticipantEvent{
		Kind:        kind,
		Participant: conference.ParticipantRef{ID: id, DisplayName: name},
		At:          time.Now().UTC(),
	}
	return true
}

// AddTrack emits an added event for a 16kHz linear16 track. Repeating it
// for a live track re-emits the same handle.
func (s *Session) AddTrack(trackID, sourceID, name string) bool {
	return s.AddTrackWithFormat(trackID, sourceID, name, audio.Format{Encoding: audio.EncodingLinear16, SampleRate: 16000, Channels: 1})
}

// AddTrackWithFormat emits an added event with an explicit format
func (s *Session) AddTrackWithFormat(trackID, sourceID, name string, format audio.Format) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == conference.StateDisconnected {
		return false
	}
	ch, ok := s.audio[trackID]
	if !ok {
		ch = make(chan []byte, 256)
		s.audio[trackID] = ch
	}
	s.tracks <- conference.TrackEvent{
		Kind: conference.TrackAdded,
		Track: conference.TrackHandle{
			TrackID:     trackID,
			Kind:        conference.TrackKindAudio,
			SourceID:    sourceID,
			DisplayName: name,
			Format:      format,
		},
		Audio: ch,
	}
	return true
}

// RemoveTrack closes the track's audio and emits a removed event
func (s *Session) RemoveTrack(trackID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.audio[trackID]
	if !ok || s.state == conference.StateDisconnected {
		return false
	}
	delete(s.audio, trackID)
	close(ch)
	s.tracks <- conference.TrackEvent{
		Kind:  conference.TrackRemoved,
		Track: conference.TrackHandle{TrackID: trackID, Kind: conference.TrackKindAudio},
	}
	return true
}

// SendAudio queues one frame on a live track without blocking
func (s *Session) SendAudio(trackID string, frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.audio[trackID]
	if !ok {
		return false
	}
	select {
	case ch <- frame:
		return true
	default:
		return false
	}
}

// ParticipantEvents returns presence changes
func (s *Session) ParticipantEvents() <-chan conference.ParticipantEvent {
	return s.participants
}

// TrackEvents returns track changes
func (s *Session) TrackEvents() <-chan conference.TrackEvent {
	return s.tracks
}

// State returns the connection state
func (s *Session) State() conference.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports why the streams ended
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Disconnects returns how many times Disconnect was called
func (s *Session) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// Done is closed once the session has ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Factory records every Session it creates
type Factory struct {
	mu       sync.Mutex
	sessions []*Session
	prepare  func(*Session)
	created  chan *Session
}

// NewFactory creates a Factory. prepare, when set, scripts each new session
// before it is returned.
func NewFactory(prepare func(*Session)) *Factory {
	return &Factory{prepare: prepare, created: make(chan *Session, 64)}
}

// New satisfies conference.Factory
func (f *Factory) New(cfg conference.Config) conference.Session {
	s := NewSession(cfg)
	if f.prepare != nil {
		f.prepare(s)
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	select {
	case f.created <- s:
	default:
	}
	return s
}

// Sessions returns every session created so far
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Session, len(f.sessions))
	copy(out, f.sessions)
	return out
}

// Next waits for the next created session
func (f *Factory) Next(timeout time.Duration) *Session {
	select {
	case s := <-f.created:
		return s
	case <-time.After(timeout):
		return nil
	}
}

package conference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/audio"
	"github.com/lexiqai/meet-transcriber/internal/observability"
)

// BridgeMessage is a frame exchanged with the media bridge
type BridgeMessage struct {
	Event       string          `json:"event"`
	MeetingID   string          `json:"meetingId,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Participant *ParticipantRef `json:"participant,omitempty"`
	Track       *BridgeTrack    `json:"track,omitempty"`
	Media       *BridgeMedia    `json:"media,omitempty"`
}

// BridgeTrack describes a track in track_added and track_removed events
type BridgeTrack struct {
	ID              string `json:"id"`
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	Kind            string `json:"kind"`
	Encoding        string `json:"encoding"`
	SampleRate      int    `json:"sampleRate"`
	Channels        int    `json:"channels"`
}

// BridgeMedia carries one audio frame
type BridgeMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"` // Base64 encoded audio
}

const (
	defaultFrameBuffer = 100
	writeWait          = 5 * time.Second
)

// BridgeSession implements Session over the media bridge websocket
type BridgeSession struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	state atomic.Int32

	participants chan ParticipantEvent
	tracks       chan TrackEvent
	audioIn      map[string]chan []byte // track id -> frames, read loop only

	mu           sync.Mutex
	err          error
	disconnected bool
	loopStarted  bool

	done       chan struct{}
	closeOnce  sync.Once
	streamOnce sync.Once
}

// NewBridgeSession creates an unconnected session
func NewBridgeSession(cfg Config) *BridgeSession {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	s := &BridgeSession{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger:       observability.WithComponent("conference").With().Str("meeting_id", cfg.MeetingID).Logger(),
		participants: make(chan ParticipantEvent, 32),
		tracks:       make(chan TrackEvent, 32),
		audioIn:      make(map[string]chan []byte),
		done:         make(chan struct{}),
	}
	s.state.Store(int32(StateWaiting))
	return s
}

// NewBridgeFactory returns a Factory producing BridgeSessions
func NewBridgeFactory() Factory {
	return func(cfg Config) Session {
		return NewBridgeSession(cfg)
	}
}

// Connect dials the bridge, asks to join the meeting and waits for the
// joined acknowledgement
func (s *BridgeSession) Connect(ctx context.Context) error {
	if s.State() != StateWaiting {
		return NewConnectError(ConnectTransportFailure, errors.New("session already used"))
	}
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	pending, err := s.handshake(ctx)
	if err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		s.closeConn()
		s.closeStreams()
		return NewConnectError(ConnectTransportFailure, errors.New("disconnected during connect"))
	}
	s.loopStarted = true
	s.mu.Unlock()

	s.state.Store(int32(StateJoined))
	s.logger.Info().Msg("Joined conference")

	go s.readLoop(pending)
	return nil
}

func (s *BridgeSession) handshake(ctx context.Context) ([][]byte, error) {
	header := http.Header{}
	if s.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.BridgeURL, header)
	if err != nil {
		return nil, classifyDialError(ctx, resp, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// unblock the handshake read when ctx ends
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := s.writeJSON(BridgeMessage{Event: "join", MeetingID: s.cfg.MeetingID}); err != nil {
		return nil, NewConnectError(ConnectTransportFailure, err)
	}

	var pending [][]byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, classifyContextError(ctxErr)
			}
			return nil, NewConnectError(ConnectTransportFailure, err)
		}

		var msg BridgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to parse bridge message during join")
			continue
		}

		switch msg.Event {
		case "joined":
			if !stop() && ctx.Err() != nil {
				return nil, classifyContextError(ctx.Err())
			}
			conn.SetReadDeadline(time.Time{})
			return pending, nil
		case "error":
			return nil, NewConnectError(joinErrorKind(msg.Code), errors.New(msg.Message))
		case "ended":
			return nil, NewConnectError(ConnectNotFound, ErrConferenceEnded)
		default:
			// events racing ahead of the acknowledgement are replayed once joined
			pending = append(pending, data)
		}
	}
}

func classifyDialError(ctx context.Context, resp *http.Response, err error) *ConnectError {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return NewConnectError(ConnectAuthInvalid, fmt.Errorf("bridge returned %d", resp.StatusCode))
		case http.StatusNotFound:
			return NewConnectError(ConnectNotFound, fmt.Errorf("bridge returned %d", resp.StatusCode))
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return classifyContextError(ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewConnectError(ConnectTimeout, err)
	}
	return NewConnectError(ConnectTransportFailure, err)
}

func joinErrorKind(code string) ConnectErrorKind {
	switch code {
	case "auth_invalid", "unauthorized", "forbidden":
		return ConnectAuthInvalid
	case "not_found":
		return ConnectNotFound
	default:
		return ConnectTransportFailure
	}
}

// readLoop owns the event channels until the connection ends
func (s *BridgeSession) readLoop(pending [][]byte) {
	defer func() {
		s.state.Store(int32(StateDisconnected))
		s.closeConn()
		s.closeStreams()
	}()

	for _, data := range pending {
		if !s.handleMessage(data) {
			return
		}
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isDisconnecting() {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn().Err(err).Msg("Bridge read error")
				}
				s.setErr(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			}
			return
		}
		if !s.handleMessage(data) {
			return
		}
	}
}

// handleMessage returns false when the loop should stop
func (s *BridgeSession) handleMessage(data []byte) bool {
	var msg BridgeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse bridge message")
		return true
	}

	switch msg.Event {
	case "participant_joined", "participant_left":
		if msg.Participant == nil || msg.Participant.ID == "" {
			return true
		}
		kind := ParticipantJoined
		if msg.Event == "participant_left" {
			kind = ParticipantLeft
		}
		return s.emitParticipant(ParticipantEvent{Kind: kind, Participant: *msg.Participant, At: time.Now().UTC()})

	case "track_added":
		if msg.Track == nil || msg.Track.ID == "" || msg.Track.Kind != TrackKindAudio {
			return true
		}
		ch, ok := s.audioIn[msg.Track.ID]
		if !ok {
			ch = make(chan []byte, s.cfg.FrameBuffer)
			s.audioIn[msg.Track.ID] = ch
		}
		return s.emitTrack(TrackEvent{Kind: TrackAdded, Track: trackHandle(msg.Track), Audio: ch})

	case "track_removed":
		if msg.Track == nil {
			return true
		}
		ch, ok := s.audioIn[msg.Track.ID]
		if !ok {
			return true
		}
		delete(s.audioIn, msg.Track.ID)
		close(ch)
		return s.emitTrack(TrackEvent{Kind: TrackRemoved, Track: trackHandle(msg.Track)})

	case "media":
		if msg.Media != nil {
			s.handleMedia(msg.Media)
		}
		return true

	case "ended":
		s.logger.Info().Str("reason", msg.Reason).Msg("Conference ended")
		s.setErr(ErrConferenceEnded)
		return false

	case "error":
		s.setErr(fmt.Errorf("%w: %s %s", ErrTransportClosed, msg.Code, msg.Message))
		return false

	default:
		s.logger.Debug().Str("event", msg.Event).Msg("Unknown bridge event")
		return true
	}
}

func (s *BridgeSession) handleMedia(media *BridgeMedia) {
	ch, ok := s.audioIn[media.Track]
	if !ok {
		return
	}

	frame, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("track_id", media.Track).Msg("Failed to decode base64 audio")
		return
	}

	select {
	case ch <- frame:
	default:
		observability.RecordFramesDropped("transport", 1)
	}
}

func trackHandle(t *BridgeTrack) TrackHandle {
	return TrackHandle{
		TrackID:     t.ID,
		Kind:        TrackKindAudio,
		SourceID:    t.ParticipantID,
		DisplayName: t.ParticipantName,
		Format: audio.Format{
			Encoding:   t.Encoding,
			SampleRate: t.SampleRate,
			Channels:   t.Channels,
		}.Normalize(),
	}
}

func (s *BridgeSession) emitParticipant(ev ParticipantEvent) bool {
	select {
	case s.participants <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *BridgeSession) emitTrack(ev TrackEvent) bool {
	select {
	case s.tracks <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Disconnect leaves the conference and closes the streams
func (s *BridgeSession) Disconnect() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.disconnected = true
		started := s.loopStarted
		conn := s.conn
		s.mu.Unlock()

		close(s.done)

		if conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
				time.Now().Add(writeWait))
			s.writeMu.Unlock()
		}
		s.closeConn()

		if !started {
			s.state.Store(int32(StateDisconnected))
			s.closeStreams()
		}
		s.logger.Info().Msg("Disconnected from conference")
	})
}

func (s *BridgeSession) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(StateDisconnected))
	s.closeConn()
	s.closeStreams()
}

func (s *BridgeSession) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *BridgeSession) closeStreams() {
	s.streamOnce.Do(func() {
		for id, ch := range s.audioIn {
			close(ch)
			delete(s.audioIn, id)
		}
		close(s.participants)
		close(s.tracks)
	})
}

func (s *BridgeSession) writeJSON(msg BridgeMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *BridgeSession) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !s.disconnected {
		s.err = err
	}
}

func (s *BridgeSession) isDisconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// ParticipantEvents returns presence changes
func (s *BridgeSession) ParticipantEvents() <-chan ParticipantEvent {
	return s.participants
}

// TrackEvents returns audio track changes
func (s *BridgeSession) TrackEvents() <-chan TrackEvent {
	return s.tracks
}

// State returns the connection state
func (s *BridgeSession) State() State {
	return State(s.state.Load())
}

// Err reports why the streams ended
func (s *BridgeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/assistant"
	"github.com/lexiqai/meet-transcriber/internal/broadcast"
	"github.com/lexiqai/meet-transcriber/internal/conference"
	"github.com/lexiqai/meet-transcriber/internal/observability"
	"github.com/lexiqai/meet-transcriber/internal/participant"
	"github.com/lexiqai/meet-transcriber/internal/recognizer"
	"github.com/lexiqai/meet-transcriber/internal/resilience"
	"github.com/lexiqai/meet-transcriber/internal/store"
	"github.com/lexiqai/meet-transcriber/internal/stt"
)

// SummaryDisabledReply is returned by Summary when summaries are off
const SummaryDisabledReply = "AI summarization is currently disabled for this session."

const (
	teardownTimeout    = 5 * time.Second
	maxReattachBackoff = 10 * time.Second
	mailboxSize        = 256
)

// trackState is the session's view of one live track. Guarded by session.mu.
type trackState struct {
	handle        conference.TrackHandle
	frames        <-chan []byte
	participantID string

	rec        *recognizer.Recognizer
	generation int

	// reattaches counts consecutive stream_closed re-attaches; a final from
	// the current attachment resets it
	reattaches int

	// merge state
	utteranceID string
	lastInterim string
}

// recMessage carries one recognizer event, or an attach failure, into the
// session loop. generation identifies the attachment it came from.
type recMessage struct {
	trackID    string
	generation int
	event      recognizer.Event
	attachErr  error
}

type reattachRequest struct {
	trackID    string
	generation int
}

// session is one transcription session. All transport and recognizer
// events are handled by run, a single goroutine; mu only protects state
// that callers outside run read or patch.
type session struct {
	id        string
	meetingID string
	svc       *Service
	conn      conference.Session
	logger    zerolog.Logger
	metrics   *observability.SessionMetrics

	// Lifetime
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}

	// Mailboxes drained by run
	recEvents chan recMessage
	reattach  chan reattachRequest
	qaResults chan assistant.Response
	workers   sync.WaitGroup

	mu          sync.Mutex
	status      Status
	startTime   time.Time
	endTime     *time.Time
	connected   bool
	registry    *participant.Registry
	tracks      map[string]*trackState
	settings    AISettings
	window      *assistant.ContextWindow
	lastFinalAt time.Time

	// pubMu serialises publishing so nothing follows the final update
	pubMu  sync.Mutex
	sealed bool
}

func newSession(svc *Service, id, meetingID string, conn conference.Session, settings AISettings) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:        id,
		meetingID: meetingID,
		svc:       svc,
		conn:      conn,
		logger:    observability.WithSession(id, meetingID),
		metrics:   observability.NewSessionMetrics(id),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
		recEvents: make(chan recMessage, mailboxSize),
		reattach:  make(chan reattachRequest, 16),
		qaResults: make(chan assistant.Response, 16),
		status:    StatusStarting,
		startTime: time.Now().UTC(),
		registry:  participant.NewRegistry(svc.rules),
		tracks:    make(map[string]*trackState),
		settings:  settings,
		window:    assistant.NewContextWindow(svc.opts.ContextWindow),
	}
}

// requestStop asks run to tear the session down. In-flight connects,
// recognizers and Q&A calls are cancelled right away.
func (s *session) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
	})
}

func (s *session) run() {
	defer close(s.done)

	s.metrics.RecordSessionStart()
	s.publishUpdate()

	if err := s.connect(); err != nil {
		select {
		case <-s.stopCh:
			s.finish(StatusEnded, nil)
		default:
			s.logger.Error().Err(err).Msg("Failed to join meeting")
			s.finish(StatusError, connectFault(err))
		}
		return
	}

	participants := s.conn.ParticipantEvents()
	tracks := s.conn.TrackEvents()

	for {
		if participants == nil && tracks == nil {
			s.transportEnded()
			return
		}

		select {
		case <-s.stopCh:
			s.finish(StatusEnded, nil)
			return

		case ev, ok := <-participants:
			if !ok {
				participants = nil
				continue
			}
			s.onParticipant(ev)

		case ev, ok := <-tracks:
			if !ok {
				tracks = nil
				continue
			}
			s.onTrack(ev)

		case msg := <-s.recEvents:
			s.onRecognizerMessage(msg)

		case req := <-s.reattach:
			s.onReattach(req)

		case resp := <-s.qaResults:
			s.onResponse(resp)
		}
	}
}

func (s *session) connect() error {
	s.metrics.RecordConnectStart()

	ctx, cancel := context.WithTimeout(s.ctx, s.svc.opts.ConnectTimeout)
	defer cancel()

	err := s.conn.Connect(ctx)
	s.metrics.RecordConnectEnd(err == nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status == StatusStarting {
		s.status = StatusActive
	}
	s.connected = true
	started := s.startTime
	s.mu.Unlock()

	s.svc.recorder.SaveSession(store.SessionRecord{
		ID:        s.id,
		MeetingID: s.meetingID,
		Status:    string(StatusActive),
		StartedAt: started,
	})

	s.logger.Info().Msg("Joined meeting")
	s.publish(broadcast.NewEvent(broadcast.EventConnectionStatus, s.id, broadcast.ConnectionStatusPayload{
		Status:              broadcast.ConnectionConnected,
		MeetConnectionState: conference.StateJoined.String(),
	}))
	s.publishUpdate()
	return nil
}

// transportEnded handles both conference streams closing on their own
func (s *session) transportEnded() {
	err := s.conn.Err()
	if err == nil || errors.Is(err, conference.ErrConferenceEnded) {
		s.logger.Info().Msg("Conference ended")
		s.finish(StatusEnded, nil)
		return
	}
	s.logger.Error().Err(err).Msg("Conference transport closed")
	s.finish(StatusError, &broadcast.ErrorPayload{
		Code:    "TRANSPORT_CLOSED",
		Message: err.Error(),
	})
}

// finish releases everything the session holds and publishes the final
// session_update. It runs on the session goroutine.
func (s *session) finish(status Status, fault *broadcast.ErrorPayload) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopping
	tracks := s.tracks
	s.tracks = make(map[string]*trackState)
	s.registry.ReleaseAll()
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	close(s.stopping)
	s.cancel()
	for _, ts := range tracks {
		if ts.rec != nil {
			ts.rec.Detach()
		}
	}
	s.conn.Disconnect()
	s.waitWorkers()

	s.mu.Lock()
	s.status = status
	ended := time.Now().UTC()
	s.endTime = &ended
	info := s.infoLocked()
	s.mu.Unlock()

	if fault != nil {
		s.metrics.RecordError(fault.Code, "session")
		s.publish(broadcast.NewEvent(broadcast.EventError, s.id, *fault))
	}
	if wasConnected {
		s.publish(broadcast.NewEvent(broadcast.EventConnectionStatus, s.id, broadcast.ConnectionStatusPayload{
			Status:              broadcast.ConnectionDisconnected,
			MeetConnectionState: conference.StateDisconnected.String(),
		}))
	}
	s.seal(broadcast.NewEvent(broadcast.EventSessionUpdate, s.id, info))

	s.svc.recorder.EndSession(store.SessionRecord{
		ID:        s.id,
		MeetingID: s.meetingID,
		Status:    string(status),
		StartedAt: info.StartTime,
		EndedAt:   &ended,
	})
	s.metrics.RecordSessionEnd(string(status))

	s.logger.Info().
		Str("status", string(status)).
		Int("tracks", len(tracks)).
		Dur("duration", ended.Sub(info.StartTime)).
		Msg("Transcription session finished")
}

func (s *session) waitWorkers() {
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(teardownTimeout):
		s.logger.Warn().Msg("Timed out waiting for session workers")
	}
}

func (s *session) onParticipant(ev conference.ParticipantEvent) {
	s.mu.Lock()
	var changed bool
	switch ev.Kind {
	case conference.ParticipantJoined:
		_, changed = s.registry.Join(ev.Participant)
	case conference.ParticipantLeft:
		_, changed = s.registry.Leave(ev.Participant)
	}
	s.mu.Unlock()

	if changed {
		s.logger.Debug().Str("kind", string(ev.Kind)).Str("source_id", ev.Participant.ID).Msg("Participant presence changed")
		s.publishUpdate()
	}
}

func (s *session) onTrack(ev conference.TrackEvent) {
	switch ev.Kind {
	case conference.TrackAdded:
		s.addTrack(ev)
	case conference.TrackRemoved:
		s.removeTrack(ev.Track.TrackID)
	}
}

func (s *session) addTrack(ev conference.TrackEvent) {
	if ev.Track.Kind != "" && ev.Track.Kind != conference.TrackKindAudio {
		return
	}

	s.mu.Lock()
	if _, ok := s.tracks[ev.Track.TrackID]; ok {
		s.mu.Unlock()
		s.logger.Debug().Str("track_id", ev.Track.TrackID).Msg("Track already attached, ignoring duplicate")
		return
	}
	p, _ := s.registry.Resolve(ev.Track)
	ts := &trackState{
		handle:        ev.Track,
		frames:        ev.Audio,
		participantID: p.ID,
	}
	s.tracks[ev.Track.TrackID] = ts
	s.attach(ts)
	s.mu.Unlock()

	s.logger.Info().
		Str("track_id", ev.Track.TrackID).
		Str("participant_id", p.ID).
		Str("role", string(p.Role)).
		Msg("Track added")
	s.publishUpdate()
}

func (s *session) removeTrack(trackID string) {
	s.mu.Lock()
	ts, ok := s.tracks[trackID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tracks, trackID)
	s.registry.Release(ts.handle)
	rec := ts.rec
	s.mu.Unlock()

	if rec != nil {
		rec.Detach()
	}
	s.logger.Info().Str("track_id", trackID).Str("participant_id", ts.participantID).Msg("Track removed")
	s.publishUpdate()
}

// attach starts a recognizer for ts in the background. Caller holds mu.
func (s *session) attach(ts *trackState) {
	rec := recognizer.New(ts.handle, ts.participantID, ts.frames, s.svc.provider, s.svc.opts.Recognizer)
	ts.generation++
	ts.rec = rec
	ts.utteranceID = ""
	ts.lastInterim = ""

	trackID := ts.handle.TrackID
	generation := ts.generation

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()

		events, err := rec.Attach(s.ctx)
		if err != nil {
			s.post(recMessage{trackID: trackID, generation: generation, attachErr: err})
			return
		}
		for ev := range events {
			if !s.post(recMessage{trackID: trackID, generation: generation, event: ev}) {
				rec.Detach()
				for range events {
				}
				return
			}
		}
	}()
}

func (s *session) post(msg recMessage) bool {
	select {
	case s.recEvents <- msg:
		return true
	case <-s.stopping:
		return false
	}
}

func (s *session) onRecognizerMessage(msg recMessage) {
	s.mu.Lock()
	ts, ok := s.tracks[msg.trackID]
	if !ok || ts.generation != msg.generation {
		// removed track or a superseded attachment
		s.mu.Unlock()
		return
	}

	if msg.attachErr != nil {
		ts.rec = nil
		s.mu.Unlock()
		s.trackFailed(ts, "RECOGNIZER_START_FAILED", msg.attachErr)
		return
	}

	ev := msg.event
	switch ev.Kind {
	case recognizer.EventCandidate:
		if ev.Candidate.IsFinal {
			ts.reattaches = 0
		}
		line, cmd, emit := s.merge(ts, ev.Candidate)
		s.mu.Unlock()
		if emit {
			s.emitLine(line, cmd)
		}

	case recognizer.EventDegraded, recognizer.EventRecovered:
		s.mu.Unlock()
		status := broadcast.TrackDegraded
		if ev.Kind == recognizer.EventRecovered {
			status = broadcast.TrackRecovered
		}
		s.publish(broadcast.NewEvent(broadcast.EventTrackStatus, s.id, broadcast.TrackStatusPayload{
			TrackID:       ts.handle.TrackID,
			ParticipantID: ts.participantID,
			Status:        status,
			Dropped:       ev.Dropped,
		}))

	case recognizer.EventError:
		kind := stt.KindOf(ev.Err)
		ts.rec = nil
		ts.utteranceID = ""
		ts.lastInterim = ""
		retry := kind == stt.ErrorStreamClosed && ts.reattaches < s.svc.opts.MaxReattach
		if retry {
			ts.reattaches++
		}
		attempt := ts.reattaches
		s.mu.Unlock()

		if retry {
			s.scheduleReattach(ts.handle.TrackID, msg.generation, attempt, ev.Err)
			return
		}
		s.trackFailed(ts, recognizerCode(kind), ev.Err)

	default:
		s.mu.Unlock()
	}
}

func (s *session) scheduleReattach(trackID string, generation, attempt int, cause error) {
	delay := resilience.CalculateBackoff(attempt-1, s.svc.opts.ReattachBackoff, maxReattachBackoff, 2.0)
	s.logger.Warn().
		Err(cause).
		Str("track_id", trackID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Recognizer stream closed, re-attaching")

	time.AfterFunc(delay, func() {
		select {
		case s.reattach <- reattachRequest{trackID: trackID, generation: generation}:
		case <-s.stopping:
		}
	})
}

func (s *session) onReattach(req reattachRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tracks[req.trackID]
	if !ok || ts.generation != req.generation || ts.rec != nil {
		return
	}
	s.attach(ts)
}

// trackFailed reports a track whose recognizer will not come back. The
// session carries on with its other tracks.
func (s *session) trackFailed(ts *trackState, code string, err error) {
	s.logger.Error().Err(err).Str("track_id", ts.handle.TrackID).Str("code", code).Msg("Recognizer stopped")
	s.metrics.RecordError(code, "recognizer")

	s.publish(broadcast.NewEvent(broadcast.EventError, s.id, broadcast.ErrorPayload{
		Code:          code,
		Message:       err.Error(),
		TrackID:       ts.handle.TrackID,
		ParticipantID: ts.participantID,
	}))
	s.publish(broadcast.NewEvent(broadcast.EventTrackStatus, s.id, broadcast.TrackStatusPayload{
		TrackID:       ts.handle.TrackID,
		ParticipantID: ts.participantID,
		Status:        broadcast.TrackStopped,
		Reason:        err.Error(),
	}))
}

// merge applies a candidate to the track's merge state. Only the latest
// interim per track is emitted and a final clears it. Every line gets its
// own id; interims and the final that supersedes them share UtteranceID.
// Finals leave here with strictly increasing timestamps. Caller holds mu.
func (s *session) merge(ts *trackState, c recognizer.Candidate) (TranscriptLine, *assistant.VoiceCommand, bool) {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return TranscriptLine{}, nil, false
	}

	if ts.utteranceID == "" {
		ts.utteranceID = uuid.New().String()
	}
	line := TranscriptLine{
		ID:            uuid.New().String(),
		UtteranceID:   ts.utteranceID,
		SessionID:     s.id,
		ParticipantID: ts.participantID,
		Speaker:       s.speakerName(ts),
		TrackID:       ts.handle.TrackID,
		Text:          text,
		Timestamp:     time.Now().UTC(),
		IsFinal:       c.IsFinal,
		Confidence:    c.Confidence,
		SpeakerTag:    c.SpeakerTag,
	}

	if !c.IsFinal {
		if text == ts.lastInterim {
			return TranscriptLine{}, nil, false
		}
		ts.lastInterim = text
		return line, nil, true
	}

	ts.utteranceID = ""
	ts.lastInterim = ""

	if !line.Timestamp.After(s.lastFinalAt) {
		line.Timestamp = s.lastFinalAt.Add(time.Microsecond)
	}
	s.lastFinalAt = line.Timestamp

	s.window.Add(assistant.ContextLine{Speaker: line.Speaker, Text: text, Timestamp: line.Timestamp})

	cmd, ok := assistant.DetectCommand(text, s.settings.EnableQA, s.settings.VoiceCommands)
	if !ok {
		return line, nil, true
	}
	line.HasVoiceCommand = true
	return line, &cmd, true
}

func (s *session) speakerName(ts *trackState) string {
	if p, ok := s.registry.Lookup(ts.participantID); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	if ts.handle.DisplayName != "" {
		return ts.handle.DisplayName
	}
	return ts.participantID
}

func (s *session) emitLine(line TranscriptLine, cmd *assistant.VoiceCommand) {
	s.metrics.RecordLine(line.IsFinal)
	s.publish(broadcast.NewEvent(broadcast.EventTranscript, s.id, line))
	if !line.IsFinal {
		return
	}

	s.svc.recorder.SaveLine(line.record())
	if cmd != nil {
		s.dispatchCommand(line, *cmd)
	}
}

// dispatchCommand answers a voice command off the session goroutine. The
// answer comes back through qaResults.
func (s *session) dispatchCommand(line TranscriptLine, cmd assistant.VoiceCommand) {
	question := cmd.Question()
	s.logger.Info().
		Str("participant_id", line.ParticipantID).
		Str("command", cmd.Trigger).
		Msg("Voice command detected")

	s.publish(broadcast.NewEvent(broadcast.EventVoiceCommandDetected, s.id, VoiceCommandPayload{
		LineID:        line.ID,
		ParticipantID: line.ParticipantID,
		Speaker:       line.Speaker,
		Command:       cmd.Trigger,
		Question:      question,
	}))

	s.mu.Lock()
	history := s.window.Lines()
	s.mu.Unlock()

	req := assistant.Request{
		SessionID: s.id,
		Question:  question,
		AskedBy:   line.Speaker,
		Trigger:   assistant.TriggerVoiceCommand,
		Context:   history,
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		resp := s.svc.responder.Respond(s.ctx, req)
		select {
		case s.qaResults <- resp:
		case <-s.stopping:
		}
	}()
}

func (s *session) onResponse(resp assistant.Response) {
	if s.ctx.Err() != nil {
		return
	}
	s.svc.recorder.SaveAIResponse(responseRecord(resp))
	s.publish(broadcast.NewEvent(broadcast.EventAIResponse, s.id, resp))
}

// ask answers a manual question on the caller's goroutine. The call is
// cancelled if the session stops first.
func (s *session) ask(ctx context.Context, question, askedBy string) (assistant.Response, error) {
	if askedBy == "" {
		askedBy = "User"
	}

	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return assistant.Response{}, ErrSessionNotActive
	}
	enabled := s.settings.EnableQA
	history := s.window.Lines()
	s.mu.Unlock()

	if !enabled {
		return assistant.Response{
			ID:          uuid.New().String(),
			SessionID:   s.id,
			Question:    question,
			Answer:      assistant.DisabledReply,
			AskedBy:     askedBy,
			TriggerType: assistant.TriggerManual,
			Timestamp:   time.Now().UTC(),
		}, nil
	}

	return s.respond(ctx, assistant.Request{
		SessionID: s.id,
		Question:  question,
		AskedBy:   askedBy,
		Trigger:   assistant.TriggerManual,
		Context:   history,
	}), nil
}

func (s *session) summary(ctx context.Context, askedBy string) (assistant.Response, error) {
	if askedBy == "" {
		askedBy = "User"
	}

	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return assistant.Response{}, ErrSessionNotActive
	}
	enabled := s.settings.EnableSummary
	history := s.window.Lines()
	s.mu.Unlock()

	if !enabled {
		return assistant.Response{
			ID:          uuid.New().String(),
			SessionID:   s.id,
			Question:    assistant.SummaryQuestion,
			Answer:      SummaryDisabledReply,
			AskedBy:     askedBy,
			TriggerType: assistant.TriggerManual,
			Timestamp:   time.Now().UTC(),
		}, nil
	}

	return s.respond(ctx, assistant.Request{
		SessionID: s.id,
		Question:  assistant.SummaryQuestion,
		AskedBy:   askedBy,
		Trigger:   assistant.TriggerManual,
		Context:   history,
	}), nil
}

func (s *session) respond(ctx context.Context, req assistant.Request) assistant.Response {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	resp := s.svc.responder.Respond(callCtx, req)
	if s.ctx.Err() == nil {
		s.svc.recorder.SaveAIResponse(responseRecord(resp))
		s.publish(broadcast.NewEvent(broadcast.EventAIResponse, s.id, resp))
	}
	return resp
}

func (s *session) updateSettings(patch SettingsPatch) (AISettings, error) {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return AISettings{}, ErrSessionNotActive
	}
	s.settings = patch.Apply(s.settings)
	settings := s.settings.clone()
	s.mu.Unlock()

	s.logger.Info().Bool("enable_qa", settings.EnableQA).Strs("voice_commands", settings.VoiceCommands).Msg("AI settings updated")
	s.publishUpdate()
	return settings, nil
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *session) infoLocked() SessionInfo {
	state := conference.StateWaiting
	switch {
	case s.connected:
		state = conference.StateJoined
	case s.status != StatusStarting:
		state = conference.StateDisconnected
	}
	return SessionInfo{
		SessionID:           s.id,
		MeetingID:           s.meetingID,
		Status:              s.status,
		Participants:        s.registry.Snapshot(),
		AISettings:          s.settings.clone(),
		StartTime:           s.startTime,
		EndTime:             s.endTime,
		MeetConnectionState: state.String(),
		ActiveTracks:        len(s.tracks),
	}
}

func (s *session) publishUpdate() {
	info := s.info()
	s.publish(broadcast.NewEvent(broadcast.EventSessionUpdate, s.id, info))
}

func (s *session) publish(ev broadcast.Event) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.sealed {
		return
	}
	s.svc.broadcaster.Publish(s.id, ev)
}

// seal publishes ev as the last event of the session
func (s *session) seal(ev broadcast.Event) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.sealed {
		return
	}
	s.sealed = true
	s.svc.broadcaster.Publish(s.id, ev)
}

func connectFault(err error) *broadcast.ErrorPayload {
	code := "CONNECT_TRANSPORT_FAILURE"
	var connectErr *conference.ConnectError
	if errors.As(err, &connectErr) {
		code = "CONNECT_" + strings.ToUpper(string(connectErr.Kind))
	}
	return &broadcast.ErrorPayload{
		Code:    code,
		Message: fmt.Sprintf("failed to join meeting: %v", err),
	}
}

func recognizerCode(kind stt.ErrorKind) string {
	return "RECOGNIZER_" + strings.ToUpper(string(kind))
}

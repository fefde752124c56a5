package transcription

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/assistant"
	"github.com/lexiqai/meet-transcriber/internal/audio"
	"github.com/lexiqai/meet-transcriber/internal/broadcast"
	"github.com/lexiqai/meet-transcriber/internal/conference"
	"github.com/lexiqai/meet-transcriber/internal/config"
	"github.com/lexiqai/meet-transcriber/internal/observability"
	"github.com/lexiqai/meet-transcriber/internal/participant"
	"github.com/lexiqai/meet-transcriber/internal/recognizer"
	"github.com/lexiqai/meet-transcriber/internal/store"
	"github.com/lexiqai/meet-transcriber/internal/stt"
)

// Recorder receives durable records. Implementations must not block.
type Recorder interface {
	SaveSession(rec store.SessionRecord)
	EndSession(rec store.SessionRecord)
	SaveLine(rec store.LineRecord)
	SaveAIResponse(rec store.AIResponseRecord)
}

type noopRecorder struct{}

func (noopRecorder) SaveSession(store.SessionRecord)       {}
func (noopRecorder) EndSession(store.SessionRecord)        {}
func (noopRecorder) SaveLine(store.LineRecord)             {}
func (noopRecorder) SaveAIResponse(store.AIResponseRecord) {}

// Deps are the collaborators a Service drives
type Deps struct {
	Conferences conference.Factory
	Recognizers stt.Provider
	Responder   *assistant.Responder
	Broadcaster *broadcast.Broadcaster

	// Recorder may be nil
	Recorder Recorder

	// Rules may be nil, in which case the first participant is a manager
	Rules *participant.Rules
}

// Options tune every session a Service starts
type Options struct {
	BridgeURL      string
	ConnectTimeout time.Duration
	FrameBuffer    int

	Recognizer recognizer.Options

	// MaxReattach bounds recognizer restarts per track after stream_closed
	MaxReattach     int
	ReattachBackoff time.Duration

	DefaultSettings AISettings

	// ContextWindow is how many final lines are kept for Q&A
	ContextWindow int

	// Retention is how long a terminal session stays queryable
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = 256
	}
	if o.MaxReattach < 0 {
		o.MaxReattach = 0
	}
	if o.ReattachBackoff <= 0 {
		o.ReattachBackoff = 500 * time.Millisecond
	}
	if o.DefaultSettings.VoiceCommands == nil {
		o.DefaultSettings.VoiceCommands = append([]string(nil), assistant.DefaultVoiceCommands...)
	}
	if o.ContextWindow <= 0 {
		o.ContextWindow = 50
	}
	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}
	return o
}

// OptionsFromConfig maps service configuration onto session options
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		BridgeURL:      cfg.MediaBridgeURL,
		ConnectTimeout: cfg.ConnectTimeoutDuration(),
		Recognizer: recognizer.Options{
			Stream: stt.StreamConfig{
				Encoding:                cfg.ASREncoding,
				SampleRate:              cfg.ASRSampleRate,
				Channels:                1,
				Language:                cfg.SpeechLanguageCode,
				EnableDiarization:       cfg.EnableSpeakerDiarization,
				DiarizationSpeakerCount: cfg.DiarizationSpeakerCount,
				InterimResults:          true,
			},
			BufferSize: cfg.AudioBufferSize,
			ChunkMs:    cfg.AudioChunkMs,
		},
		MaxReattach:     cfg.RecognizerMaxReattach,
		ReattachBackoff: cfg.RetryInitialBackoffDuration(),
		DefaultSettings: AISettings{
			EnableQA:      cfg.QAEnabledDefault,
			EnableSummary: cfg.QAEnabledDefault,
			VoiceCommands: append([]string(nil), cfg.VoiceCommands...),
		},
		Retention: cfg.SessionRetentionDuration(),
	}
	switch cfg.STTProvider {
	case config.STTProviderGoogle:
		opts.Recognizer.Stream.Model = cfg.SpeechModel
	case config.STTProviderDeepgram:
		opts.Recognizer.Stream.Model = cfg.DeepgramModel
	}
	if cfg.SkipSilence {
		opts.Recognizer.Gate = &audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
		}
	}
	return opts
}

// Service owns every transcription session. Each session is driven by its
// own goroutine; the service only keeps the id index.
type Service struct {
	conferences conference.Factory
	provider    stt.Provider
	responder   *assistant.Responder
	broadcaster *broadcast.Broadcaster
	recorder    Recorder
	rules       *participant.Rules
	opts        Options
	logger      zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	closing  bool
	running  sync.WaitGroup
}

// NewService creates a Service and registers it as the broadcaster's
// snapshot provider
func NewService(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Conferences == nil:
		return nil, fmt.Errorf("conference factory is required")
	case deps.Recognizers == nil:
		return nil, fmt.Errorf("speech provider is required")
	case deps.Responder == nil:
		return nil, fmt.Errorf("responder is required")
	case deps.Broadcaster == nil:
		return nil, fmt.Errorf("broadcaster is required")
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Rules == nil {
		deps.Rules = participant.DefaultRules(participant.RoleManager)
	}

	s := &Service{
		conferences: deps.Conferences,
		provider:    deps.Recognizers,
		responder:   deps.Responder,
		broadcaster: deps.Broadcaster,
		recorder:    deps.Recorder,
		rules:       deps.Rules,
		opts:        opts.withDefaults(),
		logger:      observability.WithComponent("transcription"),
		sessions:    make(map[string]*session),
	}
	deps.Broadcaster.SetSnapshotProvider(s)
	return s, nil
}

// Start allocates a session and joins the meeting in the background. The
// returned id is usable immediately; progress is reported through the
// broadcaster.
func (s *Service) Start(cfg StartConfig) (string, error) {
	meetingID := strings.TrimSpace(cfg.MeetingID)
	if meetingID == "" {
		return "", fmt.Errorf("%w: meetingId is required", ErrInvalidConfig)
	}

	settings := s.opts.DefaultSettings.clone()
	if cfg.Settings != nil {
		settings = cfg.Settings.Apply(settings)
	}

	// The factory only builds the session; nothing dials until run
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	id := uuid.New().String()
	conn := s.conferences(conference.Config{
		MeetingID:      meetingID,
		AccessToken:    cfg.AccessToken,
		BridgeURL:      s.opts.BridgeURL,
		ConnectTimeout: s.opts.ConnectTimeout,
		FrameBuffer:    s.opts.FrameBuffer,
	})
	sess := newSession(s, id, meetingID, conn, settings)
	s.sessions[id] = sess
	s.running.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.running.Done()
		sess.run()
		time.AfterFunc(s.opts.Retention, func() { s.evict(id) })
	}()

	s.logger.Info().Str("session_id", id).Str("meeting_id", meetingID).Msg("Transcription session starting")
	return id, nil
}

func (s *Service) lookup(id string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Stop ends a session and waits until its resources are released. Stopping
// a session that already ended is a no-op.
func (s *Service) Stop(ctx context.Context, id string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	sess.requestStop()

	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current view of one session
func (s *Service) Status(id string) (SessionInfo, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return sess.info(), nil
}

// Sessions lists every known session, oldest first
func (s *Service) Sessions() []SessionInfo {
	s.mu.RLock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(all))
	for _, sess := range all {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// UpdateSettings merges patch into an active session's AI settings
func (s *Service) UpdateSettings(id string, patch SettingsPatch) (AISettings, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return AISettings{}, err
	}
	return sess.updateSettings(patch)
}

// AskQuestion answers a manual question against the session's transcript.
// Answerer failures come back as an apology, not an error.
func (s *Service) AskQuestion(ctx context.Context, id, question, askedBy string) (assistant.Response, error) {
	if strings.TrimSpace(question) == "" {
		return assistant.Response{}, ErrEmptyQuestion
	}
	sess, err := s.lookup(id)
	if err != nil {
		return assistant.Response{}, err
	}
	return sess.ask(ctx, strings.TrimSpace(question), askedBy)
}

// Summary asks for a summary of the session so far
func (s *Service) Summary(ctx context.Context, id, askedBy string) (assistant.Response, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return assistant.Response{}, err
	}
	return sess.summary(ctx, askedBy)
}

// Snapshot returns one session_update per live session matching sessionID,
// or per live session when sessionID is empty
func (s *Service) Snapshot(sessionID string) []broadcast.Event {
	s.mu.RLock()
	var matched []*session
	for id, sess := range s.sessions {
		if sessionID == "" || id == sessionID {
			matched = append(matched, sess)
		}
	}
	s.mu.RUnlock()

	var events []broadcast.Event
	for _, sess := range matched {
		info := sess.info()
		if info.Status.Terminal() {
			continue
		}
		events = append(events, broadcast.NewEvent(broadcast.EventSessionUpdate, info.SessionID, info))
	}
	return events
}

// ActiveCount returns the number of live sessions
func (s *Service) ActiveCount() int {
	n := 0
	for _, info := range s.Sessions() {
		if !info.Status.Terminal() {
			n++
		}
	}
	return n
}

// Shutdown stops every session and refuses new ones
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	for _, sess := range all {
		sess.requestStop()
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Int("sessions", len(all)).Msg("All sessions stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sessions still running at shutdown: %w", ctx.Err())
	}
}

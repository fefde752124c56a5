// Package recognizer runs one audio track through a streaming ASR client.
//
// Each attached recognizer owns three goroutines: a pump that reads track
// frames into a bounded ring, a sender that writes fixed-size chunks to the
// ASR stream, and a reader that relays candidates. When the ring is full,
// frames are dropped and a degraded event is emitted; the media pipeline
// is never blocked. A terminal ASR failure produces one error event and
// the recognizer stops. It never reconnects on its own.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/audio"
	"github.com/lexiqai/meet-transcriber/internal/conference"
	"github.com/lexiqai/meet-transcriber/internal/observability"
	"github.com/lexiqai/meet-transcriber/internal/stt"
)

var (
	// ErrAlreadyAttached is returned by a second Attach
	ErrAlreadyAttached = errors.New("recognizer already attached")

	// ErrStopped is returned by Attach after Detach
	ErrStopped = errors.New("recognizer stopped")
)

// EventKind identifies a recognizer event
type EventKind string

const (
	EventCandidate EventKind = "candidate"
	EventDegraded  EventKind = "degraded"
	EventRecovered EventKind = "recovered"
	EventError     EventKind = "error"
)

// State is the recognizer lifecycle
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Candidate is one ASR hypothesis tagged with its owner
type Candidate struct {
	Text          string
	Confidence    float64
	IsFinal       bool
	SpeakerTag    int
	TrackID       string
	ParticipantID string
}

// Event is emitted on the stream returned by Attach
type Event struct {
	Kind          EventKind
	TrackID       string
	ParticipantID string
	Candidate     Candidate

	// Err is set for EventError
	Err error

	// Dropped counts frames lost during the degraded episode, set on
	// EventRecovered
	Dropped int
}

// Options tune one recognizer
type Options struct {
	// Stream is the format and language the ASR stream is opened with
	Stream stt.StreamConfig

	// BufferSize bounds the per-track backlog in bytes
	BufferSize int

	// ChunkMs is the duration of each ASR write
	ChunkMs int

	// Gate enables silence gating when non-nil
	Gate *audio.VADConfig

	// EventBuffer is the capacity of the event channel
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 64000
	}
	if o.ChunkMs <= 0 {
		o.ChunkMs = 100
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.Stream.SampleRate <= 0 {
		o.Stream.SampleRate = 16000
	}
	if o.Stream.Encoding == "" {
		o.Stream.Encoding = audio.EncodingLinear16
	}
	o.Stream.Channels = 1
	return o
}

// Recognizer drives one track through one ASR stream
type Recognizer struct {
	track         conference.TrackHandle
	participantID string
	frames        <-chan []byte
	provider      stt.Provider
	opts          Options
	logger        zerolog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	client    stt.STTClient
	closeOnce sync.Once
	failOnce  sync.Once
}

// New creates a recognizer for track. frames is the track's audio channel.
func New(track conference.TrackHandle, participantID string, frames <-chan []byte, provider stt.Provider, opts Options) *Recognizer {
	return &Recognizer{
		track:         track,
		participantID: participantID,
		frames:        frames,
		provider:      provider,
		opts:          opts.withDefaults(),
		logger: observability.WithComponent("recognizer").With().
			Str("track_id", track.TrackID).
			Str("participant_id", participantID).
			Str("provider", provider.Name()).
			Logger(),
	}
}

// TrackID returns the track this recognizer serves
func (r *Recognizer) TrackID() string {
	return r.track.TrackID
}

// State returns the current lifecycle state
func (r *Recognizer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attach opens the ASR stream and starts relaying. The returned channel is
// closed once the recognizer has stopped and all goroutines have exited.
// ctx bounds the whole attachment. A Detach while the stream is still
// opening makes Attach return ErrStopped.
func (r *Recognizer) Attach(ctx context.Context) (<-chan Event, error) {
	r.mu.Lock()
	switch r.state {
	case StateStarting, StateRunning:
		r.mu.Unlock()
		return nil, ErrAlreadyAttached
	case StateStopped:
		r.mu.Unlock()
		return nil, ErrStopped
	}

	target := audio.Format{
		Encoding:   r.opts.Stream.Encoding,
		SampleRate: r.opts.Stream.SampleRate,
		Channels:   1,
	}
	transcoder, err := audio.NewTranscoder(r.track.Format, target)
	if err != nil {
		r.state = StateStopped
		r.mu.Unlock()
		return nil, stt.NewRecognizerError(r.provider.Name(), stt.ErrorMalformedAudio, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.state = StateStarting
	r.mu.Unlock()

	// mu is not held while the stream opens so Detach never waits on the network
	client, err := r.provider.NewClient(r.opts.Stream)
	if err != nil {
		cancel()
		r.setStopped()
		return nil, fmt.Errorf("failed to create STT client: %w", err)
	}
	if err := client.Start(runCtx); err != nil {
		cancel()
		client.Close()
		r.setStopped()
		if runCtx.Err() != nil {
			return nil, ErrStopped
		}
		return nil, fmt.Errorf("failed to start STT stream: %w", err)
	}

	r.mu.Lock()
	if r.state == StateStopped || runCtx.Err() != nil {
		r.state = StateStopped
		r.mu.Unlock()
		cancel()
		client.Close()
		r.logger.Debug().Msg("Recognizer detached while the stream was opening")
		return nil, ErrStopped
	}
	r.client = client
	r.state = StateRunning
	r.mu.Unlock()
	observability.RecognizerAttached()

	out := make(chan Event, r.opts.EventBuffer)
	ring := audio.NewRingBuffer(r.opts.BufferSize)
	notify := make(chan struct{}, 1)
	inputDone := make(chan struct{})

	var gate *audio.SpeechGate
	if r.opts.Gate != nil {
		gate = audio.NewSpeechGate(r.opts.Gate, r.track.Format)
	}

	// Closing the client is what ends the reader's range loop
	go func() {
		<-runCtx.Done()
		r.closeClient()
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer close(inputDone)
		r.pump(runCtx, out, ring, notify, transcoder, gate)
	}()
	go func() {
		defer wg.Done()
		r.send(runCtx, out, ring, notify, inputDone)
	}()
	go func() {
		defer wg.Done()
		r.read(runCtx, out)
	}()

	go func() {
		wg.Wait()
		cancel()
		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()
		observability.RecognizerDetached()
		close(out)
	}()

	r.logger.Info().
		Str("encoding", target.Encoding).
		Int("sample_rate", target.SampleRate).
		Bool("passthrough", transcoder.Passthrough()).
		Msg("Recognizer attached")

	return out, nil
}

// Detach stops the recognizer. It is idempotent, safe before Attach and
// never blocks on a stream that is still opening.
func (r *Recognizer) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateIdle:
		r.state = StateStopped
		return
	case StateStarting:
		r.state = StateStopped
	}
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Recognizer) setStopped() {
	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
}

func (r *Recognizer) closeClient() {
	r.closeOnce.Do(func() {
		if err := r.client.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("Error closing STT client")
		}
	})
}

func (r *Recognizer) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	ev.TrackID = r.track.TrackID
	ev.ParticipantID = r.participantID
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail emits the terminal error once and stops the recognizer
func (r *Recognizer) fail(ctx context.Context, out chan<- Event, err error) {
	r.failOnce.Do(func() {
		if ctx.Err() != nil {
			return
		}
		var recErr *stt.RecognizerError
		if !errors.As(err, &recErr) {
			err = stt.NewRecognizerError(r.provider.Name(), stt.KindOf(err), err)
		}
		kind := stt.KindOf(err)
		observability.RecordRecognizerError(string(kind))
		r.logger.Error().Err(err).Str("kind", string(kind)).Msg("Recognizer stream failed")

		r.emit(ctx, out, Event{Kind: EventError, Err: err})
		r.cancel()
	})
}

func (r *Recognizer) pump(ctx context.Context, out chan<- Event, ring *audio.RingBuffer, notify chan<- struct{}, transcoder *audio.Transcoder, gate *audio.SpeechGate) {
	degraded := false
	dropped := 0

	for {
		var frame []byte
		var ok bool
		select {
		case <-ctx.Done():
			return
		case frame, ok = <-r.frames:
			if !ok {
				return
			}
		}

		if gate != nil && !gate.Allow(frame) {
			observability.RecordFramesDropped("silence", 1)
			continue
		}

		converted, err := transcoder.Convert(frame)
		if err != nil {
			observability.RecordFramesDropped("malformed", 1)
			r.logger.Debug().Err(err).Int("bytes", len(frame)).Msg("Dropping undecodable frame")
			continue
		}
		if len(converted) == 0 {
			continue
		}

		if !ring.WriteFrame(converted) {
			dropped++
			observability.RecordFramesDropped("backpressure", 1)
			if !degraded {
				degraded = true
				r.logger.Warn().Int("buffered", ring.Available()).Msg("ASR input backed up, dropping frames")
				if !r.emit(ctx, out, Event{Kind: EventDegraded}) {
					return
				}
			}
			continue
		}

		if degraded {
			degraded = false
			r.logger.Info().Int("dropped", dropped).Msg("ASR input recovered")
			if !r.emit(ctx, out, Event{Kind: EventRecovered, Dropped: dropped}) {
				return
			}
			dropped = 0
		}

		select {
		case notify <- struct{}{}:
		default:
		}
	}
}

func (r *Recognizer) chunkBytes() int {
	bytesPerSample := 2
	format := audio.Format{Encoding: r.opts.Stream.Encoding}.Normalize()
	if format.Encoding == audio.EncodingMulaw {
		bytesPerSample = 1
	}
	n := r.opts.Stream.SampleRate * bytesPerSample * r.opts.ChunkMs / 1000
	if n <= 0 {
		n = 320
	}
	return n
}

func (r *Recognizer) send(ctx context.Context, out chan<- Event, ring *audio.RingBuffer, notify <-chan struct{}, inputDone <-chan struct{}) {
	size := r.chunkBytes()
	buf := make([]byte, size)
	ticker := time.NewTicker(time.Duration(r.opts.ChunkMs) * time.Millisecond)
	defer ticker.Stop()

	write := func(min int) bool {
		for ring.Available() >= min && !ring.IsEmpty() {
			n := ring.Read(buf)
			if err := r.client.SendAudio(buf[:n]); err != nil {
				r.fail(ctx, out, err)
				return false
			}
			observability.RecordAudioBytes(n)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
			if !write(size) {
				return
			}
		case <-ticker.C:
			// flush a partial chunk so trailing audio is not held back
			if !write(1) {
				return
			}
		case <-inputDone:
			write(1)
			return
		}
	}
}

func (r *Recognizer) read(ctx context.Context, out chan<- Event) {
	for res := range r.client.GetTranscription() {
		if res == nil || strings.TrimSpace(res.Text) == "" {
			continue
		}
		candidate := Candidate{
			Text:          strings.TrimSpace(res.Text),
			Confidence:    res.Confidence,
			IsFinal:       res.IsFinal,
			SpeakerTag:    res.SpeakerTag,
			TrackID:       r.track.TrackID,
			ParticipantID: r.participantID,
		}
		if !r.emit(ctx, out, Event{Kind: EventCandidate, Candidate: candidate}) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	err := r.client.Err()
	if err == nil {
		err = stt.NewRecognizerError(r.provider.Name(), stt.ErrorStreamClosed, errors.New("stream ended"))
	}
	r.fail(ctx, out, err)
}

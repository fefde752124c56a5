package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/observability"
	"github.com/lexiqai/meet-transcriber/internal/resilience"
)

// ProviderDeepgram is the provider name used in errors and metrics
const ProviderDeepgram = "deepgram"

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	client                                 *DeepgramClient
}

// Message relays transcription results to the client
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.client.handleDeepgramMessage(message)
	return nil
}

// Error ends the stream with a classified error
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.client.handleDeepgramError(errorResponse)
	return nil
}

// Close ends the stream when the server hangs up
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.client.stream.finish(NewRecognizerError(ProviderDeepgram, ErrorStreamClosed, errors.New("deepgram closed the stream")))
	return nil
}

// DeepgramProvider opens Deepgram live transcription streams
type DeepgramProvider struct {
	apiKey         string
	model          string
	circuitBreaker *resilience.CircuitBreaker
}

// NewDeepgramProvider creates a provider. The breaker guards stream opens
// across all tracks.
func NewDeepgramProvider(apiKey, model string, circuitBreaker *resilience.CircuitBreaker) *DeepgramProvider {
	return &DeepgramProvider{
		apiKey:         apiKey,
		model:          model,
		circuitBreaker: circuitBreaker,
	}
}

// Name returns the provider name
func (p *DeepgramProvider) Name() string {
	return ProviderDeepgram
}

// NewClient creates an unopened stream
func (p *DeepgramProvider) NewClient(cfg StreamConfig) (STTClient, error) {
	if p.apiKey == "" {
		return nil, NewRecognizerError(ProviderDeepgram, ErrorAuthExpired, errors.New("missing API key"))
	}
	return NewDeepgramClient(p.apiKey, p.model, cfg, p.circuitBreaker), nil
}

// DeepgramClient implements STTClient using Deepgram's streaming API
type DeepgramClient struct {
	apiKey         string
	model          string
	cfg            StreamConfig
	client         *listenClient.WSCallback
	stream         *resultStream
	mu             sync.Mutex
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(apiKey, model string, cfg StreamConfig, circuitBreaker *resilience.CircuitBreaker) *DeepgramClient {
	if circuitBreaker == nil {
		circuitBreaker = resilience.NewCircuitBreaker(ProviderDeepgram, 5, 30*time.Second)
	}
	return &DeepgramClient{
		apiKey:         apiKey,
		model:          model,
		cfg:            cfg,
		stream:         newResultStream(100),
		circuitBreaker: circuitBreaker,
		logger:         observability.WithComponent("stt").With().Str("provider", ProviderDeepgram).Logger(),
	}
}

// Start opens the Deepgram websocket
func (d *DeepgramClient) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return fmt.Errorf("deepgram client is already active")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	channels := d.cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       d.cfg.Language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: d.cfg.InterimResults,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Diarize:        d.cfg.EnableDiarization,
		Encoding:       d.cfg.Encoding,
		Channels:       channels,
		SampleRate:     d.cfg.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		client:                 d,
	}

	err := d.circuitBreaker.Call(func() error {
		client, err := listenClient.NewWSUsingCallback(d.stream.ctx, d.apiKey, nil, tOptions, callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return fmt.Errorf("failed to connect to Deepgram")
		}
		d.client = client
		return nil
	})
	if err != nil {
		kind := ClassifyMessage(err.Error())
		observability.RecordRecognizerError(string(kind))
		return NewRecognizerError(ProviderDeepgram, kind, err)
	}

	d.logger.Info().
		Str("model", d.model).
		Str("language", d.cfg.Language).
		Str("encoding", d.cfg.Encoding).
		Int("sample_rate", d.cfg.SampleRate).
		Msg("Deepgram streaming client started")
	return nil
}

// handleDeepgramMessage processes messages from Deepgram
func (d *DeepgramClient) handleDeepgramMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	startTime := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		startTime = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - startTime
	}

	result := &TranscriptionResult{
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
		StartTime:  startTime,
		Duration:   duration,
	}

	if d.stream.emit(result) {
		d.logger.Debug().Bool("final", result.IsFinal).Float64("confidence", result.Confidence).Msg("Deepgram transcription")
	}
}

func (d *DeepgramClient) handleDeepgramError(errorResponse *msginterfaces.ErrorResponse) {
	desc := fmt.Sprintf("%+v", errorResponse)
	kind := ClassifyMessage(desc)

	d.logger.Error().Str("kind", string(kind)).Str("detail", desc).Msg("Deepgram error")
	d.circuitBreaker.RecordResult(false)
	observability.RecordRecognizerError(string(kind))

	d.stream.finish(NewRecognizerError(ProviderDeepgram, kind, errors.New(desc)))
}

// SendAudio sends an audio chunk to Deepgram
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	if client == nil || d.stream.isDone() {
		return NewRecognizerError(ProviderDeepgram, ErrorStreamClosed, errors.New("deepgram client is not active"))
	}

	if _, err := client.Write(audioData); err != nil {
		return NewRecognizerError(ProviderDeepgram, ClassifyMessage(err.Error()), fmt.Errorf("failed to send audio to Deepgram: %w", err))
	}
	observability.RecordAudioBytes(len(audioData))
	return nil
}

// GetTranscription returns a channel that receives transcription results
func (d *DeepgramClient) GetTranscription() <-chan *TranscriptionResult {
	return d.stream.out
}

// Err returns the terminal stream error
func (d *DeepgramClient) Err() error {
	return d.stream.Err()
}

// Close finishes the Deepgram stream and closes the result channel
func (d *DeepgramClient) Close() error {
	d.stream.closing.Store(true)

	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	if client != nil {
		// WSCallback Finish() doesn't return an error
		client.Finish()
	}
	d.stream.finish(nil)

	d.logger.Debug().Msg("Deepgram streaming client stopped")
	return nil
}

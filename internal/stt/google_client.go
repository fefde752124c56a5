package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lexiqai/meet-transcriber/internal/observability"
	"github.com/lexiqai/meet-transcriber/internal/resilience"
)

// ProviderGoogle is the provider name used in errors and metrics
const ProviderGoogle = "google"

// GoogleProvider opens Google Cloud Speech-to-Text streams over one shared
// gRPC client. Credentials come from GOOGLE_APPLICATION_CREDENTIALS.
type GoogleProvider struct {
	client         *speech.Client
	model          string
	circuitBreaker *resilience.CircuitBreaker
}

// NewGoogleProvider dials the speech API
func NewGoogleProvider(ctx context.Context, model string, circuitBreaker *resilience.CircuitBreaker) (*GoogleProvider, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	if circuitBreaker == nil {
		circuitBreaker = resilience.NewCircuitBreaker(ProviderGoogle, 5, 30*time.Second)
	}
	return &GoogleProvider{client: client, model: model, circuitBreaker: circuitBreaker}, nil
}

// Name returns the provider name
func (p *GoogleProvider) Name() string {
	return ProviderGoogle
}

// NewClient creates an unopened stream
func (p *GoogleProvider) NewClient(cfg StreamConfig) (STTClient, error) {
	return &GoogleClient{
		provider: p,
		cfg:      cfg,
		stream:   newResultStream(100),
		logger:   observability.WithComponent("stt").With().Str("provider", ProviderGoogle).Logger(),
	}, nil
}

// Close releases the shared gRPC connection
func (p *GoogleProvider) Close() error {
	return p.client.Close()
}

// GoogleClient implements STTClient with StreamingRecognize
type GoogleClient struct {
	provider *GoogleProvider
	cfg      StreamConfig
	grpc     speechpb.Speech_StreamingRecognizeClient
	stream   *resultStream
	sendMu   sync.Mutex
	logger   zerolog.Logger
}

// Start opens the stream and sends the recognition config
func (g *GoogleClient) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := g.provider.circuitBreaker.Call(func() error {
		stream, err := g.provider.client.StreamingRecognize(g.stream.ctx)
		if err != nil {
			return err
		}
		if err := stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: g.streamingConfig(),
			},
		}); err != nil {
			return err
		}
		g.grpc = stream
		return nil
	})
	if err != nil {
		kind := classifyGRPC(err)
		observability.RecordRecognizerError(string(kind))
		return NewRecognizerError(ProviderGoogle, kind, err)
	}

	go g.listen()

	g.logger.Info().
		Str("model", g.provider.model).
		Str("language", g.cfg.Language).
		Bool("diarization", g.cfg.EnableDiarization).
		Msg("Google streaming client started")
	return nil
}

func (g *GoogleClient) streamingConfig() *speechpb.StreamingRecognitionConfig {
	channels := g.cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	rc := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(g.cfg.Encoding),
		SampleRateHertz:            int32(g.cfg.SampleRate),
		AudioChannelCount:          int32(channels),
		LanguageCode:               g.cfg.Language,
		Model:                      g.provider.model,
		EnableAutomaticPunctuation: true,
	}
	if g.cfg.EnableDiarization {
		count := int32(g.cfg.DiarizationSpeakerCount)
		if count <= 0 {
			count = 2
		}
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          1,
			MaxSpeakerCount:          count,
		}
	}
	return &speechpb.StreamingRecognitionConfig{
		Config:         rc,
		InterimResults: g.cfg.InterimResults,
	}
}

func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(encoding) {
	case "mulaw":
		return speechpb.RecognitionConfig_MULAW
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// listen receives responses until the stream ends
func (g *GoogleClient) listen() {
	for {
		resp, err := g.grpc.Recv()
		if err == io.EOF {
			g.stream.finish(NewRecognizerError(ProviderGoogle, ErrorStreamClosed, errors.New("speech stream ended")))
			return
		}
		if err != nil {
			kind := classifyGRPC(err)
			if !g.stream.closing.Load() {
				observability.RecordRecognizerError(string(kind))
			}
			g.stream.finish(NewRecognizerError(ProviderGoogle, kind, err))
			return
		}
		if resp.Error != nil {
			err := status.Error(codes.Code(resp.Error.GetCode()), resp.Error.GetMessage())
			kind := classifyGRPC(err)
			observability.RecordRecognizerError(string(kind))
			g.stream.finish(NewRecognizerError(ProviderGoogle, kind, err))
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 || r.Alternatives[0].Transcript == "" {
				continue
			}
			alt := r.Alternatives[0]
			result := &TranscriptionResult{
				Text:       strings.TrimSpace(alt.Transcript),
				IsFinal:    r.IsFinal,
				Confidence: float64(alt.Confidence),
			}
			if n := len(alt.Words); n > 0 {
				result.SpeakerTag = int(alt.Words[n-1].SpeakerTag)
				if start := alt.Words[0].StartTime; start != nil {
					result.StartTime = start.AsDuration().Seconds()
				}
			}
			if end := r.ResultEndTime; end != nil {
				result.Duration = end.AsDuration().Seconds() - result.StartTime
			}
			if !g.stream.emit(result) {
				return
			}
		}
	}
}

// SendAudio sends an audio chunk to the speech API
func (g *GoogleClient) SendAudio(audioData []byte) error {
	if g.grpc == nil || g.stream.isDone() {
		return NewRecognizerError(ProviderGoogle, ErrorStreamClosed, errors.New("google client is not active"))
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	err := g.grpc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audioData,
		},
	})
	if err != nil {
		// the real cause surfaces from Recv
		return NewRecognizerError(ProviderGoogle, classifyGRPC(err), err)
	}
	observability.RecordAudioBytes(len(audioData))
	return nil
}

// GetTranscription returns a channel that receives transcription results
func (g *GoogleClient) GetTranscription() <-chan *TranscriptionResult {
	return g.stream.out
}

// Err returns the terminal stream error
func (g *GoogleClient) Err() error {
	return g.stream.Err()
}

// Close half-closes the stream and cancels it
func (g *GoogleClient) Close() error {
	g.stream.closing.Store(true)
	if g.grpc != nil {
		g.sendMu.Lock()
		_ = g.grpc.CloseSend()
		g.sendMu.Unlock()
	}
	g.stream.finish(nil)
	return nil
}

// classifyGRPC maps gRPC status codes to recognizer error kinds
func classifyGRPC(err error) ErrorKind {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return ErrorStreamClosed
	}
	st, ok := status.FromError(err)
	if !ok {
		return ClassifyMessage(err.Error())
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return ErrorQuota
	case codes.InvalidArgument:
		return ErrorMalformedAudio
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrorAuthExpired
	default:
		return ErrorStreamClosed
	}
}

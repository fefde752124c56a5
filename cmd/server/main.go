package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/api"
	"github.com/lexiqai/meet-transcriber/internal/assistant"
	"github.com/lexiqai/meet-transcriber/internal/broadcast"
	"github.com/lexiqai/meet-transcriber/internal/conference"
	"github.com/lexiqai/meet-transcriber/internal/config"
	"github.com/lexiqai/meet-transcriber/internal/observability"
	"github.com/lexiqai/meet-transcriber/internal/participant"
	"github.com/lexiqai/meet-transcriber/internal/resilience"
	"github.com/lexiqai/meet-transcriber/internal/store"
	"github.com/lexiqai/meet-transcriber/internal/stt"
	"github.com/lexiqai/meet-transcriber/internal/stt/mock"
	"github.com/lexiqai/meet-transcriber/internal/transcription"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("media_bridge_url", cfg.MediaBridgeURL).
		Str("stt_provider", cfg.STTProvider).
		Str("qa_provider", cfg.QAProvider).
		Strs("store_drivers", cfg.StoreDrivers).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Meet Transcriber Service starting")

	retryConfig := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    cfg.RetryInitialBackoffDuration(),
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	var closers []io.Closer
	var checks []observability.NamedCheck

	recognizers, err := newRecognizers(cfg, &closers)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create speech provider")
	}

	answerer, err := newAnswerer(cfg, retryConfig, &closers, &checks)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create question answerer")
	}
	responder := assistant.NewResponder(answerer, assistant.ResponderConfig{
		Timeout:      cfg.QATimeoutDuration(),
		ContextLines: cfg.QAContextLines,
	}, nil)

	writers, transcripts, err := newStores(cfg, retryConfig, &checks)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open transcript stores")
	}

	rules, err := newRoleRules(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load participant role rules")
	}

	broadcaster := broadcast.NewBroadcaster(cfg.BroadcastBufferSize)

	svc, err := transcription.NewService(transcription.Deps{
		Conferences: conference.NewBridgeFactory(),
		Recognizers: recognizers,
		Responder:   responder,
		Broadcaster: broadcaster,
		Recorder:    writers,
		Rules:       rules,
	}, transcription.OptionsFromConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create transcription service")
	}

	// Create HTTP server
	mux := http.NewServeMux()

	var reader api.TranscriptReader
	if transcripts != nil {
		reader = transcripts
	}
	api.NewHandler(svc, broadcaster, reader).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. Observer websockets manage their own
	// deadlines once upgraded.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("observer_endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := svc.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Sessions did not stop cleanly")
	}
	if err := writers.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Transcript stores did not drain")
	}
	broadcaster.Close()
	closeAll(logger, closers)

	logger.Info().Msg("Server exited gracefully")
}

func newRecognizers(cfg *config.Config, closers *[]io.Closer) (stt.Provider, error) {
	breaker := resilience.NewCircuitBreaker(cfg.STTProvider, cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetDuration())

	switch cfg.STTProvider {
	case config.STTProviderDeepgram:
		return stt.NewDeepgramProvider(cfg.DeepgramAPIKey, cfg.DeepgramModel, breaker), nil
	case config.STTProviderGoogle:
		provider, err := stt.NewGoogleProvider(context.Background(), cfg.SpeechModel, breaker)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, provider)
		return provider, nil
	case config.STTProviderSimulated:
		return mock.NewSimulatedProvider(0), nil
	default:
		return nil, fmt.Errorf("unknown STT_PROVIDER %q", cfg.STTProvider)
	}
}

func newAnswerer(cfg *config.Config, retryConfig *resilience.RetryConfig, closers *[]io.Closer, checks *[]observability.NamedCheck) (assistant.Answerer, error) {
	switch cfg.QAProvider {
	case config.QAProviderOpenAI:
		return assistant.NewOpenAIAnswerer(cfg.OpenAIAPIKey, cfg.OpenAIModel, ""), nil
	case config.QAProviderGRPC:
		breaker := resilience.NewCircuitBreaker("qa-grpc", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetDuration())
		answerer, err := assistant.NewGRPCAnswerer(cfg.QAGRPCURL, breaker, retryConfig)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, answerer)
		*checks = append(*checks, observability.NamedCheck{Name: "qa_grpc", Check: answerer.HealthCheck})
		return answerer, nil
	default:
		return assistant.NewStaticAnswerer(), nil
	}
}

// newStores opens one queued writer per configured driver. The SQLite sink
// doubles as the transcript reader.
func newStores(cfg *config.Config, retryConfig *resilience.RetryConfig, checks *[]observability.NamedCheck) (store.Writers, *store.SQLiteSink, error) {
	var writers store.Writers
	var sqlite *store.SQLiteSink

	if cfg.HasStoreDriver(config.StoreDriverSQLite) {
		sink, err := store.NewSQLiteSink(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		sqlite = sink
		writers = append(writers, store.NewWriter(sink, cfg.StoreQueueSize, retryConfig))
		*checks = append(*checks, observability.NamedCheck{Name: "sqlite", Check: sink.Ping})
	}

	if cfg.HasStoreDriver(config.StoreDriverKafka) {
		sink, err := store.NewKafkaSink(store.KafkaConfig{
			Brokers:        cfg.KafkaBrokers,
			TopicSessions:  cfg.KafkaTopicSessions,
			TopicLines:     cfg.KafkaTopicLines,
			TopicResponses: cfg.KafkaTopicResponses,
		})
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, store.NewWriter(sink, cfg.StoreQueueSize, retryConfig))
	}

	if len(writers) == 0 {
		writers = append(writers, store.NewWriter(store.NewLogSink(), cfg.StoreQueueSize, retryConfig))
	}
	return writers, sqlite, nil
}

func newRoleRules(cfg *config.Config) (*participant.Rules, error) {
	if cfg.RoleRulesFile == "" {
		return participant.CompileRules(nil, cfg.FirstParticipantRole)
	}
	rules, err := config.LoadRoleRules(cfg.RoleRulesFile)
	if err != nil {
		return nil, err
	}
	return participant.CompileRules(rules, cfg.FirstParticipantRole)
}

func closeAll(logger zerolog.Logger, closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close client")
		}
	}
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Supported STT providers
const (
	STTProviderDeepgram  = "deepgram"
	STTProviderGoogle    = "google"
	STTProviderSimulated = "simulated"
)

// Supported Q&A providers
const (
	QAProviderStatic = "static"
	QAProviderOpenAI = "openai"
	QAProviderGRPC   = "grpc"
)

// Supported persistence drivers
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverKafka  = "kafka"
)

// Config holds all configuration for the meet transcriber service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Conference media bridge
	MediaBridgeURL string `envconfig:"MEDIA_BRIDGE_URL" required:"true"`
	ConnectTimeout int    `envconfig:"CONNECT_TIMEOUT" default:"15"` // seconds

	// Speech recognition
	STTProvider              string `envconfig:"STT_PROVIDER" default:"deepgram"` // deepgram, google, simulated
	DeepgramAPIKey           string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel            string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	SpeechLanguageCode       string `envconfig:"SPEECH_LANGUAGE_CODE" default:"en-US"`
	SpeechModel              string `envconfig:"SPEECH_MODEL" default:"latest_long"` // Google model
	EnableSpeakerDiarization bool   `envconfig:"ENABLE_SPEAKER_DIARIZATION" default:"false"`
	DiarizationSpeakerCount  int    `envconfig:"DIARIZATION_SPEAKER_COUNT" default:"2"`
	ASREncoding              string `envconfig:"ASR_ENCODING" default:"linear16"`
	ASRSampleRate            int    `envconfig:"ASR_SAMPLE_RATE" default:"16000"`

	// Audio processing configuration
	AudioBufferSize       int     `envconfig:"AUDIO_BUFFER_SIZE" default:"64000"` // Per-track backlog in bytes
	AudioChunkMs          int     `envconfig:"AUDIO_CHUNK_MS" default:"100"`      // ASR write size
	SkipSilence           bool    `envconfig:"SKIP_SILENCE" default:"false"`
	VADEnergyThreshold    float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames      int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"`
	RecognizerMaxReattach int     `envconfig:"RECOGNIZER_MAX_REATTACH" default:"2"`

	// Question answering
	QAProvider       string   `envconfig:"QA_PROVIDER" default:"static"` // static, openai, grpc
	OpenAIAPIKey     string   `envconfig:"OPENAI_API_KEY"`
	OpenAIModel      string   `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	QAGRPCURL        string   `envconfig:"QA_GRPC_URL" default:"localhost:50051"`
	QATimeout        int      `envconfig:"QA_TIMEOUT" default:"30"` // seconds
	QAContextLines   int      `envconfig:"QA_CONTEXT_LINES" default:"10"`
	QAEnabledDefault bool     `envconfig:"QA_ENABLED_DEFAULT" default:"false"`
	VoiceCommands    []string `envconfig:"VOICE_COMMANDS" default:"hey ai,ai bot,ai summary,ai action items"`

	// Participant roles
	FirstParticipantRole string `envconfig:"FIRST_PARTICIPANT_ROLE" default:"manager"`
	RoleRulesFile        string `envconfig:"ROLE_RULES_FILE"`

	// Persistence
	StoreDrivers        []string `envconfig:"STORE_DRIVERS" default:"sqlite"` // sqlite, kafka; empty logs only
	SQLitePath          string   `envconfig:"SQLITE_PATH" default:"./data/transcripts.db"`
	KafkaBrokers        []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopicSessions  string   `envconfig:"KAFKA_TOPIC_SESSIONS" default:"meet.sessions"`
	KafkaTopicLines     string   `envconfig:"KAFKA_TOPIC_LINES" default:"meet.transcript.final"`
	KafkaTopicResponses string   `envconfig:"KAFKA_TOPIC_RESPONSES" default:"meet.ai.responses"`
	StoreQueueSize      int      `envconfig:"STORE_QUEUE_SIZE" default:"1024"`

	// Fan-out and session lifecycle
	BroadcastBufferSize int `envconfig:"BROADCAST_BUFFER_SIZE" default:"256"`
	SessionRetention    int `envconfig:"SESSION_RETENTION" default:"600"` // seconds a terminal session stays queryable

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.STTProvider = strings.ToLower(strings.TrimSpace(c.STTProvider))
	c.QAProvider = strings.ToLower(strings.TrimSpace(c.QAProvider))
	c.VoiceCommands = trimList(c.VoiceCommands, true)
	c.StoreDrivers = trimList(c.StoreDrivers, true)
	c.KafkaBrokers = trimList(c.KafkaBrokers, false)
}

// Validate checks provider-specific requirements
func (c *Config) Validate() error {
	if c.MediaBridgeURL == "" {
		return fmt.Errorf("MEDIA_BRIDGE_URL is required")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be positive, got %d", c.ConnectTimeout)
	}

	switch c.STTProvider {
	case STTProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER=deepgram")
		}
	case STTProviderGoogle, STTProviderSimulated:
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider)
	}

	switch c.QAProvider {
	case QAProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when QA_PROVIDER=openai")
		}
	case QAProviderGRPC:
		if c.QAGRPCURL == "" {
			return fmt.Errorf("QA_GRPC_URL is required when QA_PROVIDER=grpc")
		}
	case QAProviderStatic:
	default:
		return fmt.Errorf("unknown QA_PROVIDER %q", c.QAProvider)
	}

	for _, driver := range c.StoreDrivers {
		switch driver {
		case StoreDriverSQLite:
			if c.SQLitePath == "" {
				return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVERS includes sqlite")
			}
		case StoreDriverKafka:
			if len(c.KafkaBrokers) == 0 {
				return fmt.Errorf("KAFKA_BROKERS is required when STORE_DRIVERS includes kafka")
			}
		default:
			return fmt.Errorf("unknown store driver %q", driver)
		}
	}

	if c.AudioBufferSize <= 0 || c.AudioChunkMs <= 0 || c.ASRSampleRate <= 0 {
		return fmt.Errorf("AUDIO_BUFFER_SIZE, AUDIO_CHUNK_MS and ASR_SAMPLE_RATE must be positive")
	}
	return nil
}

// ConnectTimeoutDuration returns CONNECT_TIMEOUT as a duration
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// QATimeoutDuration returns QA_TIMEOUT as a duration
func (c *Config) QATimeoutDuration() time.Duration {
	return time.Duration(c.QATimeout) * time.Second
}

// SessionRetentionDuration returns SESSION_RETENTION as a duration
func (c *Config) SessionRetentionDuration() time.Duration {
	return time.Duration(c.SessionRetention) * time.Second
}

// CircuitBreakerResetDuration returns CIRCUIT_BREAKER_RESET_TIMEOUT as a duration
func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// RetryInitialBackoffDuration returns RETRY_INITIAL_BACKOFF as a duration
func (c *Config) RetryInitialBackoffDuration() time.Duration {
	return time.Duration(c.RetryInitialBackoff) * time.Millisecond
}

// HasStoreDriver reports whether driver is enabled
func (c *Config) HasStoreDriver(driver string) bool {
	for _, d := range c.StoreDrivers {
		if d == driver {
			return true
		}
	}
	return false
}

// RoleRule maps a transport source id or a display-name pattern to a role
type RoleRule struct {
	SourceID string `yaml:"source_id"`
	Pattern  string `yaml:"pattern"`
	Role     string `yaml:"role"`
}

// RoleRules is the optional YAML role map
type RoleRules struct {
	FirstParticipant string     `yaml:"first_participant"`
	Rules            []RoleRule `yaml:"rules"`
}

// LoadRoleRules reads a role map. An empty path yields empty rules.
func LoadRoleRules(path string) (*RoleRules, error) {
	rules := &RoleRules{}
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role rules: %w", err)
	}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("failed to parse role rules: %w", err)
	}

	for i, rule := range rules.Rules {
		if rule.Role == "" {
			return nil, fmt.Errorf("role rule %d has no role", i)
		}
		if (rule.SourceID == "") == (rule.Pattern == "") {
			return nil, fmt.Errorf("role rule %d needs exactly one of source_id or pattern", i)
		}
	}
	return rules, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func trimList(values []string, lower bool) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

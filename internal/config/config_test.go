package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	os.Setenv("MEDIA_BRIDGE_URL", "ws://bridge.local/ws")
	os.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Cleanup(func() {
		os.Unsetenv("MEDIA_BRIDGE_URL")
		os.Unsetenv("DEEPGRAM_API_KEY")
	})
}

func TestLoad(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MediaBridgeURL != "ws://bridge.local/ws" {
		t.Errorf("Expected MediaBridgeURL 'ws://bridge.local/ws', got '%s'", cfg.MediaBridgeURL)
	}
	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}
}

func TestLoad_MissingBridgeURL(t *testing.T) {
	os.Unsetenv("MEDIA_BRIDGE_URL")
	os.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	defer os.Unsetenv("DEEPGRAM_API_KEY")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when MEDIA_BRIDGE_URL is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.STTProvider != STTProviderDeepgram {
		t.Errorf("Expected default STTProvider 'deepgram', got '%s'", cfg.STTProvider)
	}
	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}
	if cfg.ConnectTimeoutDuration() != 15*time.Second {
		t.Errorf("Expected default connect timeout 15s, got %v", cfg.ConnectTimeoutDuration())
	}
	if cfg.AudioBufferSize != 64000 {
		t.Errorf("Expected default AudioBufferSize 64000, got %d", cfg.AudioBufferSize)
	}
	if cfg.QAProvider != QAProviderStatic {
		t.Errorf("Expected default QAProvider 'static', got '%s'", cfg.QAProvider)
	}
	if cfg.QAEnabledDefault {
		t.Error("Expected Q&A to be disabled by default")
	}
	if cfg.FirstParticipantRole != "manager" {
		t.Errorf("Expected default FirstParticipantRole 'manager', got '%s'", cfg.FirstParticipantRole)
	}
	if !cfg.HasStoreDriver(StoreDriverSQLite) || cfg.HasStoreDriver(StoreDriverKafka) {
		t.Errorf("Expected default store drivers [sqlite], got %v", cfg.StoreDrivers)
	}
	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
	if cfg.RetryInitialBackoffDuration() != 100*time.Millisecond {
		t.Errorf("Expected default retry backoff 100ms, got %v", cfg.RetryInitialBackoffDuration())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled to be true")
	}
}

func TestLoad_VoiceCommands(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	expected := []string{"hey ai", "ai bot", "ai summary", "ai action items"}
	if len(cfg.VoiceCommands) != len(expected) {
		t.Fatalf("Expected %d default voice commands, got %v", len(expected), cfg.VoiceCommands)
	}
	for i, cmd := range expected {
		if cfg.VoiceCommands[i] != cmd {
			t.Errorf("Expected voice command %q at %d, got %q", cmd, i, cfg.VoiceCommands[i])
		}
	}

	os.Setenv("VOICE_COMMANDS", " OK Robot , ,Computer")
	defer os.Unsetenv("VOICE_COMMANDS")
	cfg, err = LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if len(cfg.VoiceCommands) != 2 || cfg.VoiceCommands[0] != "ok robot" || cfg.VoiceCommands[1] != "computer" {
		t.Errorf("Expected [ok robot computer], got %v", cfg.VoiceCommands)
	}
}

func TestValidate_Providers(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{"deepgram without key", map[string]string{"STT_PROVIDER": "deepgram", "DEEPGRAM_API_KEY": ""}, true},
		{"google needs no key", map[string]string{"STT_PROVIDER": "google", "DEEPGRAM_API_KEY": ""}, false},
		{"simulated", map[string]string{"STT_PROVIDER": "Simulated"}, false},
		{"unknown stt", map[string]string{"STT_PROVIDER": "whisper"}, true},
		{"openai without key", map[string]string{"QA_PROVIDER": "openai"}, true},
		{"openai with key", map[string]string{"QA_PROVIDER": "openai", "OPENAI_API_KEY": "sk-test"}, false},
		{"unknown qa", map[string]string{"QA_PROVIDER": "oracle"}, true},
		{"kafka without brokers", map[string]string{"STORE_DRIVERS": "sqlite,kafka"}, true},
		{"kafka with brokers", map[string]string{"STORE_DRIVERS": "kafka", "KAFKA_BROKERS": "localhost:9092"}, false},
		{"log only", map[string]string{"STORE_DRIVERS": ""}, false},
		{"unknown driver", map[string]string{"STORE_DRIVERS": "mongo"}, true},
		{"zero connect timeout", map[string]string{"CONNECT_TIMEOUT": "0"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				os.Setenv(k, v)
			}
			defer func() {
				for k := range tt.env {
					os.Unsetenv(k)
				}
			}()

			_, err := LoadFromEnv()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestLoadRoleRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	content := `first_participant: host
rules:
  - source_id: "participants/abc"
    role: host
  - pattern: "(?i)intern"
    role: direct_report
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write rules file: %v", err)
	}

	rules, err := LoadRoleRules(path)
	if err != nil {
		t.Fatalf("LoadRoleRules failed: %v", err)
	}
	if rules.FirstParticipant != "host" {
		t.Errorf("Expected first_participant 'host', got '%s'", rules.FirstParticipant)
	}
	if len(rules.Rules) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(rules.Rules))
	}
	if rules.Rules[0].SourceID != "participants/abc" || rules.Rules[1].Pattern != "(?i)intern" {
		t.Errorf("Unexpected rules: %+v", rules.Rules)
	}
}

func TestLoadRoleRules_Invalid(t *testing.T) {
	dir := t.TempDir()

	both := filepath.Join(dir, "both.yaml")
	os.WriteFile(both, []byte("rules:\n  - source_id: a\n    pattern: b\n    role: host\n"), 0o600)
	if _, err := LoadRoleRules(both); err == nil {
		t.Error("Expected error when a rule sets both source_id and pattern")
	}

	noRole := filepath.Join(dir, "norole.yaml")
	os.WriteFile(noRole, []byte("rules:\n  - source_id: a\n"), 0o600)
	if _, err := LoadRoleRules(noRole); err == nil {
		t.Error("Expected error when a rule has no role")
	}

	if _, err := LoadRoleRules(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for a missing file")
	}

	rules, err := LoadRoleRules("")
	if err != nil || len(rules.Rules) != 0 {
		t.Errorf("Expected empty rules for empty path, got %+v, %v", rules, err)
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("MEET_TRANSCRIBER_TEST_VAR", "value")
	defer os.Unsetenv("MEET_TRANSCRIBER_TEST_VAR")

	if got := GetEnv("MEET_TRANSCRIBER_TEST_VAR", "default"); got != "value" {
		t.Errorf("Expected 'value', got '%s'", got)
	}
	if got := GetEnv("MEET_TRANSCRIBER_UNSET_VAR", "default"); got != "default" {
		t.Errorf("Expected 'default', got '%s'", got)
	}
}

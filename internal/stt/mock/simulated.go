package mock

import (
	"sync"

	"github.com/lexiqai/meet-transcriber/internal/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample meeting speech for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"Let's", "Let's start", "Let's start with"},
		Final:      "Let's start with the roadmap update",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"The release", "The release is on"},
		Final:      "The release is on track for Friday",
		Confidence: 0.92,
	},
	{
		Partials:   []string{"Who owns", "Who owns the"},
		Final:      "Who owns the follow-up with design",
		Confidence: 0.9,
	},
	{
		Partials:   []string{"I'll take", "I'll take that"},
		Final:      "I'll take that action item",
		Confidence: 0.96,
	},
	{
		Partials:   []string{"Hey AI", "Hey AI what are"},
		Final:      "Hey AI what are the next steps",
		Confidence: 0.88,
	},
}

// utteranceCounter spreads streams across the script so tracks differ
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// SimulatedProvider produces canned utterances driven by incoming audio,
// for demos without ASR credentials.
type SimulatedProvider struct {
	// ChunksPerStep is how many audio chunks advance one partial
	ChunksPerStep int
}

// NewSimulatedProvider creates a provider advancing every chunksPerStep chunks
func NewSimulatedProvider(chunksPerStep int) *SimulatedProvider {
	if chunksPerStep <= 0 {
		chunksPerStep = 5
	}
	return &SimulatedProvider{ChunksPerStep: chunksPerStep}
}

// Name returns the provider name
func (p *SimulatedProvider) Name() string {
	return "simulated"
}

// NewClient creates a simulated stream
func (p *SimulatedProvider) NewClient(cfg stt.StreamConfig) (stt.STTClient, error) {
	counterMu.Lock()
	start := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	return &SimulatedClient{
		Client:        NewClient(cfg),
		chunksPerStep: p.ChunksPerStep,
		utterance:     start,
	}, nil
}

// SimulatedClient emits one partial per step and then the final, cycling
// through DefaultUtterances
type SimulatedClient struct {
	*Client

	stepMu        sync.Mutex
	chunksPerStep int
	chunks        int
	utterance     int
	partialIndex  int
}

// SendAudio records the chunk and advances the script
func (s *SimulatedClient) SendAudio(audioData []byte) error {
	if err := s.Client.SendAudio(audioData); err != nil {
		return err
	}

	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	s.chunks++
	if s.chunks%s.chunksPerStep != 0 {
		return nil
	}

	utt := DefaultUtterances[s.utterance%len(DefaultUtterances)]
	if s.partialIndex < len(utt.Partials) {
		s.Emit(&stt.TranscriptionResult{Text: utt.Partials[s.partialIndex], Confidence: 0.6})
		s.partialIndex++
		return nil
	}

	s.Emit(&stt.TranscriptionResult{Text: utt.Final, IsFinal: true, Confidence: utt.Confidence})
	s.utterance++
	s.partialIndex = 0
	return nil
}

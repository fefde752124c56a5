package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Number of consecutive silence frames to mark as end of speech
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   25, // 500ms at 20ms frames
	}
}

// VADDetector performs Voice Activity Detection
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame processes an audio frame and returns whether speech is detected
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// DetectSilence detects if audio samples represent silence
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}

// SpeechGate decides per frame whether a track's audio is worth sending to
// the ASR. Frames keep flowing while speech is active and for the configured
// hangover after it, so trailing syllables are not clipped. Not safe for
// concurrent use; each track owns its gate.
type SpeechGate struct {
	vad    *VADDetector
	format Format
}

// NewSpeechGate creates a gate for frames in the given format
func NewSpeechGate(config *VADConfig, format Format) *SpeechGate {
	return &SpeechGate{
		vad:    NewVADDetector(config),
		format: format.Normalize(),
	}
}

// Allow reports whether the frame should be forwarded. Undecodable frames
// are forwarded so the ASR can report them.
func (g *SpeechGate) Allow(frame []byte) bool {
	samples, err := DecodeSamples(frame, g.format)
	if err != nil {
		return true
	}
	speaking, _, ended := g.vad.ProcessFrame(samples)
	return speaking || ended
}

// Reset drops any speech state
func (g *SpeechGate) Reset() {
	g.vad.Reset()
}

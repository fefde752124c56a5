package audio

import (
	"bytes"
	"math"
	"testing"
)

func TestConvertPCMToPCMU(t *testing.T) {
	pcmData := SamplesToBytes([]int16{0, 1000, -1000, 32767, -32768})

	pcmuData, err := ConvertPCMToPCMU(pcmData, 8000, 8000)
	if err != nil {
		t.Fatalf("ConvertPCMToPCMU failed: %v", err)
	}
	if len(pcmuData) != 5 {
		t.Errorf("Expected PCMU length 5, got %d", len(pcmuData))
	}
}

func TestConvertPCMToPCMU_Resample(t *testing.T) {
	samples := make([]int16, 2400) // 0.1s at 24kHz
	for i := range samples {
		samples[i] = int16(i % 1000)
	}

	pcmuData, err := ConvertPCMToPCMU(SamplesToBytes(samples), 24000, 8000)
	if err != nil {
		t.Fatalf("ConvertPCMToPCMU failed: %v", err)
	}
	if len(pcmuData) < 750 || len(pcmuData) > 850 {
		t.Errorf("Expected PCMU length around 800, got %d", len(pcmuData))
	}
}

func TestConvertPCMUToPCM(t *testing.T) {
	pcmuData := []byte{0x7F, 0xFF, 0x00, 0x80, 0x7E}

	pcmData, err := ConvertPCMUToPCM(pcmuData)
	if err != nil {
		t.Fatalf("ConvertPCMUToPCM failed: %v", err)
	}
	if len(pcmData) != len(pcmuData)*2 {
		t.Errorf("Expected PCM length %d, got %d", len(pcmuData)*2, len(pcmData))
	}
}

func TestMulaw_RoundTrip(t *testing.T) {
	for _, sample := range []int16{-16000, -4096, -512, 0, 512, 4096, 16000} {
		recovered := mulawToLinear(linearToMulaw(sample))
		diff := math.Abs(float64(sample) - float64(recovered))
		// μ-law quantisation error grows with magnitude
		tolerance := math.Max(64, math.Abs(float64(sample))*0.07)
		if diff > tolerance {
			t.Errorf("Round-trip for %d gave %d (diff %.0f, tolerance %.0f)", sample, recovered, diff, tolerance)
		}
	}
}

func TestResample(t *testing.T) {
	samples := make([]int16, 100)
	for i := range samples {
		samples[i] = int16(i * 100)
	}

	if got := len(resample(samples, 8000, 16000)); got != 200 {
		t.Errorf("Expected resampled length 200, got %d", got)
	}
	if got := len(resample(samples, 16000, 8000)); got != 50 {
		t.Errorf("Expected resampled length 50, got %d", got)
	}
	if got := len(resample(samples, 8000, 8000)); got != len(samples) {
		t.Errorf("Expected unchanged length %d, got %d", len(samples), got)
	}
}

func TestTranscoder_Passthrough(t *testing.T) {
	tc, err := NewTranscoder(
		Format{Encoding: "LINEAR16", SampleRate: 16000},
		Format{Encoding: EncodingLinear16, SampleRate: 16000},
	)
	if err != nil {
		t.Fatalf("NewTranscoder failed: %v", err)
	}
	if !tc.Passthrough() {
		t.Fatal("Expected identical formats to pass through")
	}

	frame := []byte{1, 2, 3, 4}
	out, err := tc.Convert(frame)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !bytes.Equal(out, frame) {
		t.Errorf("Expected frame unchanged, got %v", out)
	}
}

func TestTranscoder_MulawToLinear16Upsample(t *testing.T) {
	tc, err := NewTranscoder(
		Format{Encoding: "pcmu", SampleRate: 8000},
		Format{Encoding: EncodingLinear16, SampleRate: 16000},
	)
	if err != nil {
		t.Fatalf("NewTranscoder failed: %v", err)
	}

	out, err := tc.Convert(make([]byte, 160)) // 20ms at 8kHz
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if len(out) != 640 {
		t.Errorf("Expected 320 samples (640 bytes), got %d bytes", len(out))
	}
}

func TestTranscoder_StereoDownmix(t *testing.T) {
	tc, err := NewTranscoder(
		Format{Encoding: EncodingLinear16, SampleRate: 16000, Channels: 2},
		Format{Encoding: EncodingLinear16, SampleRate: 16000},
	)
	if err != nil {
		t.Fatalf("NewTranscoder failed: %v", err)
	}

	out, err := tc.Convert(SamplesToBytes([]int16{100, 300, -200, -400}))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	samples, _ := BytesToSamples(out)
	if len(samples) != 2 || samples[0] != 200 || samples[1] != -300 {
		t.Errorf("Expected [200 -300], got %v", samples)
	}
}

func TestTranscoder_Errors(t *testing.T) {
	if _, err := NewTranscoder(Format{Encoding: "opus", SampleRate: 48000}, Format{SampleRate: 16000}); err == nil {
		t.Error("Expected error for unsupported encoding")
	}
	if _, err := NewTranscoder(Format{SampleRate: 0}, Format{SampleRate: 16000}); err == nil {
		t.Error("Expected error for zero sample rate")
	}

	tc, _ := NewTranscoder(Format{SampleRate: 8000}, Format{SampleRate: 16000})
	if _, err := tc.Convert(nil); err == nil {
		t.Error("Expected error for empty frame")
	}
	if _, err := tc.Convert([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for odd-length PCM frame")
	}
}

func TestBytesSamplesConversion(t *testing.T) {
	raw := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}

	samples, err := BytesToSamples(raw)
	if err != nil {
		t.Fatalf("BytesToSamples failed: %v", err)
	}
	expected := []int16{0, 32767, -32768}
	for i, exp := range expected {
		if samples[i] != exp {
			t.Errorf("Expected sample %d at index %d, got %d", exp, i, samples[i])
		}
	}
	if !bytes.Equal(SamplesToBytes(samples), raw) {
		t.Error("Expected SamplesToBytes to restore the original bytes")
	}
}

func TestCalculateRMS(t *testing.T) {
	rms := CalculateRMS([]int16{1000, -1000, 2000, -2000})
	expected := math.Sqrt((1000000 + 1000000 + 4000000 + 4000000) / 4.0)
	if math.Abs(rms-expected) > 0.1 {
		t.Errorf("Expected RMS %.2f, got %.2f", expected, rms)
	}
	if CalculateRMS(nil) != 0.0 {
		t.Error("Expected RMS 0.0 for empty input")
	}
}

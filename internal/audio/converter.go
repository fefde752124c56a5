package audio

import (
	"fmt"
	"math"
	"strings"
)

// Supported wire encodings
const (
	EncodingLinear16 = "linear16" // 16-bit signed little-endian PCM
	EncodingMulaw    = "mulaw"    // G.711 PCMU
)

// Format describes raw audio on a track or at the ASR boundary
type Format struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// Normalize fills defaults and lower-cases the encoding name
func (f Format) Normalize() Format {
	f.Encoding = strings.ToLower(f.Encoding)
	switch f.Encoding {
	case "", "pcm", "pcm16", "s16le", "linear16":
		f.Encoding = EncodingLinear16
	case "pcmu", "ulaw", "mulaw":
		f.Encoding = EncodingMulaw
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

// Transcoder converts frames from a track's native format to the format the
// ASR stream was opened with. Output is always mono.
type Transcoder struct {
	in  Format
	out Format
}

// NewTranscoder validates both formats
func NewTranscoder(in, out Format) (*Transcoder, error) {
	in, out = in.Normalize(), out.Normalize()
	for _, f := range []Format{in, out} {
		if f.Encoding != EncodingLinear16 && f.Encoding != EncodingMulaw {
			return nil, fmt.Errorf("unsupported encoding %q", f.Encoding)
		}
		if f.SampleRate <= 0 {
			return nil, fmt.Errorf("invalid sample rate %d", f.SampleRate)
		}
	}
	return &Transcoder{in: in, out: out}, nil
}

// Passthrough reports whether Convert returns frames unchanged
func (t *Transcoder) Passthrough() bool {
	return t.in.Encoding == t.out.Encoding && t.in.SampleRate == t.out.SampleRate && t.in.Channels == 1
}

// Convert transcodes one frame
func (t *Transcoder) Convert(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if t.Passthrough() {
		return frame, nil
	}

	samples, err := t.decode(frame)
	if err != nil {
		return nil, err
	}
	if t.in.Channels > 1 {
		samples = downmix(samples, t.in.Channels)
	}
	samples = resample(samples, t.in.SampleRate, t.out.SampleRate)

	if t.out.Encoding == EncodingMulaw {
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = linearToMulaw(s)
		}
		return out, nil
	}
	return SamplesToBytes(samples), nil
}

func (t *Transcoder) decode(frame []byte) ([]int16, error) {
	if t.in.Encoding == EncodingMulaw {
		samples := make([]int16, len(frame))
		for i, b := range frame {
			samples[i] = mulawToLinear(b)
		}
		return samples, nil
	}
	return BytesToSamples(frame)
}

// DecodeSamples turns a frame in the given format into linear samples
func DecodeSamples(frame []byte, f Format) ([]int16, error) {
	t := &Transcoder{in: f.Normalize()}
	return t.decode(frame)
}

// BytesToSamples decodes 16-bit little-endian PCM
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples, nil
}

// SamplesToBytes encodes samples as 16-bit little-endian PCM
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ConvertPCMToPCMU converts linear PCM audio to G.711 PCMU (μ-law) format
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	t, err := NewTranscoder(
		Format{Encoding: EncodingLinear16, SampleRate: inputSampleRate},
		Format{Encoding: EncodingMulaw, SampleRate: outputSampleRate},
	)
	if err != nil {
		return nil, err
	}
	return t.Convert(pcmData)
}

// ConvertPCMUToPCM converts G.711 PCMU (μ-law) to 16-bit linear PCM
func ConvertPCMUToPCM(pcmuData []byte) ([]byte, error) {
	if len(pcmuData) == 0 {
		return nil, fmt.Errorf("empty PCMU data")
	}

	pcmData := make([]byte, len(pcmuData)*2)
	for i, mulawByte := range pcmuData {
		sample := mulawToLinear(mulawByte)
		pcmData[i*2] = byte(sample)
		pcmData[i*2+1] = byte(sample >> 8)
	}
	return pcmData, nil
}

// downmix averages interleaved channels into mono
func downmix(samples []int16, channels int) []int16 {
	out := make([]int16, len(samples)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// resample performs linear interpolation resampling
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law (ITU-T G.711)
func linearToMulaw(sample int16) byte {
	const (
		clip = 8159 // 14-bit magnitude ceiling
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample)
	if sample < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	// G.711 operates on 14-bit magnitudes
	magnitude >>= 2

	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	var segment byte
	for seg := byte(7); seg > 0; seg-- {
		if magnitude >= int32(0x20)<<seg {
			segment = seg
			break
		}
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	step := mantissa << (segment + 1)
	step += int32(33) << segment
	magnitude := (step - 33) << 2

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

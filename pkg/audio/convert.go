package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/oov/audio/resampler"
)

// resampleQuality selects the band-limited resampler's filter quality
// (0 fastest .. 10 best). Quality 10 keeps aliasing below audibility for
// speech and is still far cheaper than the DSP stages.
const resampleQuality = 10

// Convert re-encodes raw PCM bytes from one sample format to another by
// normalizing through a float32 intermediate in [-1, 1]. When from == to the
// input is returned unchanged (zero allocation). Out-of-range float input is
// not clamped here; clamping is the caller's responsibility after processing.
func Convert(data []byte, from, to SampleFormat) []byte {
	if from == to {
		return data
	}
	return EncodeFloat32(DecodeFloat32(data, from), to)
}

// DecodeFloat32 decodes raw little-endian PCM bytes in the given format into
// float32 samples normalized to [-1, 1]. Trailing bytes that do not form a
// whole sample are ignored.
func DecodeFloat32(data []byte, f SampleFormat) []float32 {
	switch f {
	case FormatInt16:
		n := len(data) / 2
		out := make([]float32, n)
		for i := range out {
			s := int16(binary.LittleEndian.Uint16(data[i*2:]))
			out[i] = float32(s) / 32768
		}
		return out
	case FormatInt32:
		n := len(data) / 4
		out := make([]float32, n)
		for i := range out {
			s := int32(binary.LittleEndian.Uint32(data[i*4:]))
			out[i] = float32(float64(s) / 2147483648)
		}
		return out
	case FormatFloat32:
		n := len(data) / 4
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out
	default:
		return nil
	}
}

// EncodeFloat32 encodes float32 samples into raw little-endian PCM bytes of
// the given format. Integer targets saturate at the representable range so a
// full-scale ±1.0 input stays valid; see [Convert] for the clamping contract
// on float targets.
func EncodeFloat32(samples []float32, f SampleFormat) []byte {
	switch f {
	case FormatInt16:
		out := make([]byte, len(samples)*2)
		for i, s := range samples {
			v := int32(math.Round(float64(s) * 32767))
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
		}
		return out
	case FormatInt32:
		out := make([]byte, len(samples)*4)
		for i, s := range samples {
			v := math.Round(float64(s) * 2147483647)
			if v > 2147483647 {
				v = 2147483647
			} else if v < -2147483648 {
				v = -2147483648
			}
			binary.LittleEndian.PutUint32(out[i*4:], uint32(int32(v)))
		}
		return out
	case FormatFloat32:
		out := make([]byte, len(samples)*4)
		for i, s := range samples {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
		}
		return out
	default:
		return nil
	}
}

// Resample converts interleaved samples from fromRate to toRate using a
// band-limited polyphase resampler. When the rates are equal the input is
// returned unchanged. The output holds round(frames × toRate / fromRate)
// frames per channel; the resampler's filter tail is flushed with silence so
// the full length is always delivered.
func Resample(samples []float32, channels, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		return samples
	}
	if channels < 1 {
		channels = 1
	}

	inFrames := len(samples) / channels
	outFrames := int(math.Round(float64(inFrames) * float64(toRate) / float64(fromRate)))
	if outFrames == 0 {
		return nil
	}

	r := resampler.New(channels, fromRate, toRate, resampleQuality)
	out := make([]float32, outFrames*channels)
	in := make([]float32, inFrames)
	chOut := make([]float32, outFrames)
	flush := make([]float32, 256)

	for ch := 0; ch < channels; ch++ {
		for i := 0; i < inFrames; i++ {
			in[i] = samples[i*channels+ch]
		}

		read, written := 0, 0
		for read < inFrames && written < outFrames {
			rd, wr := r.ProcessFloat32(ch, in[read:], chOut[written:])
			if rd == 0 && wr == 0 {
				break
			}
			read += rd
			written += wr
		}
		// The polyphase filter delays output by half its length; pushing
		// silence drains the remainder up to the target frame count.
		for tries := 0; written < outFrames && tries < 64; tries++ {
			_, wr := r.ProcessFloat32(ch, flush, chOut[written:])
			written += wr
		}

		for i := 0; i < outFrames; i++ {
			out[i*channels+ch] = chOut[i]
		}
	}
	return out
}

// MonoToStereo duplicates each mono sample into a stereo L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages each interleaved L+R pair into one mono sample.
func StereoToMono(samples []float32) []float32 {
	frames := len(samples) / 2
	out := make([]float32, frames)
	for i := range out {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// Format describes the sample rate and channel count of a sample stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatConverter normalizes incoming sample streams to a target format,
// logging a warning on the first mismatch only. Create one per ingest path;
// not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Normalize converts samples declared as (rate, channels) to the target
// format. If the source already matches the target, samples are returned
// unchanged (zero allocation). Conversion order: resample first, then channel
// convert, so a stereo source is not resampled twice.
func (c *FormatConverter) Normalize(samples []float32, rate, channels int) []float32 {
	if rate == c.Target.SampleRate && channels == c.Target.Channels {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(rate, channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	if rate != c.Target.SampleRate {
		samples = Resample(samples, channels, rate, c.Target.SampleRate)
	}

	switch {
	case channels == 1 && c.Target.Channels == 2:
		samples = MonoToStereo(samples)
	case channels == 2 && c.Target.Channels == 1:
		samples = StereoToMono(samples)
	}
	return samples
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

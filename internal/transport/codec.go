package transport

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// Payload encodings a server can be configured with.
const (
	EncodingPCM16 = "pcm16"
	EncodingOpus  = "opus"
)

// payloadCodec turns float32 frames into wire payloads and back. Codecs may
// carry per-stream state (the Opus codec does), so every session gets its
// own instance.
type payloadCodec interface {
	// Encode serializes one frame's worth of interleaved samples.
	Encode(samples []float32) ([]byte, error)

	// Decode deserializes a payload back to interleaved samples.
	Decode(payload []byte) ([]float32, error)
}

// newPayloadCodec builds a codec for the encoding, validating it against
// the stream configuration. opusBitrate is in bits per second; zero keeps
// the library default.
func newPayloadCodec(encoding string, cfg audio.StreamConfig, opusBitrate int) (payloadCodec, error) {
	switch encoding {
	case "", EncodingPCM16:
		return pcm16Codec{}, nil
	case EncodingOpus:
		return newOpusCodec(cfg.SampleRate, cfg.Channels, cfg.FrameSize, opusBitrate)
	default:
		return nil, fmt.Errorf("transport: unknown encoding %q", encoding)
	}
}

// ValidateEncoding reports whether encoding can carry streams shaped like
// cfg. The config loader uses it to reject an Opus mismatch at load time
// instead of on the first connection.
func ValidateEncoding(encoding string, cfg audio.StreamConfig) error {
	_, err := newPayloadCodec(encoding, cfg, 0)
	return err
}

// ─── PCM16 ────────────────────────────────────────────────────────────────────

// pcm16Codec is the default encoding: interleaved little-endian int16.
type pcm16Codec struct{}

func (pcm16Codec) Encode(samples []float32) ([]byte, error) {
	return audio.EncodeFloat32(samples, audio.FormatInt16), nil
}

func (pcm16Codec) Decode(payload []byte) ([]float32, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("transport: pcm16 payload has odd length %d", len(payload))
	}
	return audio.DecodeFloat32(payload, audio.FormatInt16), nil
}

// ─── Opus ─────────────────────────────────────────────────────────────────────

// opusFrameTenthMillis lists the frame durations Opus accepts, in tenths
// of a millisecond to keep the 2.5 ms entry integral.
var opusFrameTenthMillis = []int{25, 50, 100, 200, 400, 600}

// opusCodec compresses frames with the Opus audio profile. Encoder and
// decoder are stateful across consecutive frames.
type opusCodec struct {
	enc       *gopus.Encoder
	dec       *gopus.Decoder
	frameSize int // samples per channel
	channels  int
}

func newOpusCodec(sampleRate, channels, frameSize, bitrate int) (*opusCodec, error) {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("transport: opus does not support %d Hz", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("transport: opus supports mono or stereo, got %d channels", channels)
	}
	valid := false
	for _, tm := range opusFrameTenthMillis {
		if frameSize*10000 == sampleRate*tm {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("transport: opus needs a 2.5/5/10/20/40/60 ms frame, got %d samples at %d Hz", frameSize, sampleRate)
	}

	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("transport: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("transport: create opus decoder: %w", err)
	}
	return &opusCodec{enc: enc, dec: dec, frameSize: frameSize, channels: channels}, nil
}

func (c *opusCodec) Encode(samples []float32) ([]byte, error) {
	want := c.frameSize * c.channels
	if len(samples) != want {
		return nil, fmt.Errorf("transport: opus frame needs %d samples, got %d", want, len(samples))
	}
	pcm := floatToInt16(samples)
	data, err := c.enc.Encode(pcm, c.frameSize, len(pcm)*2)
	if err != nil {
		return nil, fmt.Errorf("transport: opus encode: %w", err)
	}
	return data, nil
}

func (c *opusCodec) Decode(payload []byte) ([]float32, error) {
	pcm, err := c.dec.Decode(payload, c.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("transport: opus decode: %w", err)
	}
	return int16ToFloat(pcm), nil
}

// floatToInt16 scales [-1,1] samples to int16 with clamping.
func floatToInt16(samples []float32) []int16 {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		pcm[i] = int16(v)
	}
	return pcm
}

// int16ToFloat expands int16 PCM back to float32 in [-1,1).
func int16ToFloat(pcm []int16) []float32 {
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768
	}
	return samples
}

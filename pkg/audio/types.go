package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SampleFormat identifies the on-the-wire representation of PCM samples.
// Inside the pipeline all processing happens on float32 in [-1, 1];
// SampleFormat matters at the edges (transport payloads, ingest, files).
type SampleFormat int

const (
	// FormatInt16 is little-endian signed 16-bit PCM.
	FormatInt16 SampleFormat = iota

	// FormatInt32 is little-endian signed 32-bit PCM.
	FormatInt32

	// FormatFloat32 is little-endian IEEE 754 32-bit float PCM.
	FormatFloat32
)

// String returns the short lowercase name used in configs and wire messages.
func (f SampleFormat) String() string {
	switch f {
	case FormatInt16:
		return "int16"
	case FormatInt32:
		return "int32"
	case FormatFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the encoded width of one sample.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatInt16:
		return 2
	case FormatInt32, FormatFloat32:
		return 4
	default:
		return 0
	}
}

// ParseSampleFormat converts a config/wire name into a SampleFormat.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "int16", "s16", "s16le":
		return FormatInt16, nil
	case "int32", "s32", "s32le":
		return FormatInt32, nil
	case "float32", "f32", "f32le":
		return FormatFloat32, nil
	default:
		return 0, fmt.Errorf("audio: unknown sample format %q", s)
	}
}

// Frame is one fixed-length chunk of interleaved samples, the unit exchanged
// between every pipeline stage. A frame is produced by one stage and moved
// into the next; once enqueued into a [FrameBuffer] it is owned by the buffer
// until dequeued.
type Frame struct {
	// Samples holds interleaved float32 samples in [-1, 1],
	// FrameSize × Channels long.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels interleaved in Samples.
	Channels int

	// Timestamp marks when this frame was captured or queued, relative to
	// stream start.
	Timestamp time.Duration
}

// Clone returns a deep copy whose Samples do not alias the receiver's.
func (f Frame) Clone() Frame {
	c := f
	c.Samples = make([]float32, len(f.Samples))
	copy(c.Samples, f.Samples)
	return c
}

// RMS returns the root-mean-square level of the frame's samples, 0 for an
// empty frame.
func (f Frame) RMS() float64 {
	return RMS(f.Samples)
}

// RMS returns the root-mean-square level of samples, 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// StreamConfig fixes the parameters of one pipeline session. It is
// constructed once, validated, and never mutated while the session runs;
// changing any field requires stopping and restarting the pipeline.
type StreamConfig struct {
	// InputDevice and OutputDevice are device IDs from enumeration.
	// Empty selects the platform default of the required type.
	InputDevice  string
	OutputDevice string

	// SampleRate in Hz for capture and playback.
	SampleRate int

	// Channels per frame (1 = mono, 2 = stereo).
	Channels int

	// Format is the wire/ingest sample representation. Processing is always
	// float32 internally.
	Format SampleFormat

	// FrameSize is the number of samples per channel in one frame.
	FrameSize int

	// BufferDepth is the capacity, in frames, of each of the capture and
	// playback buffers.
	BufferDepth int

	// Duplex selects one synchronized duplex stream instead of separate
	// input and output streams. Echo cancellation requires it.
	Duplex bool

	// Processing toggles.
	EchoCancel    bool
	NoiseSuppress bool
	AutoGain      bool
}

// Validate reports the structural problems with the config, or nil.
func (c StreamConfig) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Channels < 1 {
		errs = append(errs, fmt.Errorf("channels must be at least 1, got %d", c.Channels))
	}
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("frame size must be positive, got %d", c.FrameSize))
	}
	if c.BufferDepth <= 0 {
		errs = append(errs, fmt.Errorf("buffer depth must be positive, got %d", c.BufferDepth))
	}
	if c.EchoCancel && !c.Duplex {
		errs = append(errs, errors.New("echo cancellation requires a duplex stream"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("audio: invalid stream config: %w", errors.Join(errs...))
	}
	return nil
}

// FrameDuration returns the wall-clock duration of one frame at the
// configured rate. This is the real-time budget of the duplex callback.
func (c StreamConfig) FrameDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.FrameSize) / float64(c.SampleRate) * float64(time.Second))
}

package pipeline

import (
	"math"
	"time"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// Statistics is a point-in-time snapshot of the pipeline's counters. All
// counters are cumulative since construction; buffer counters survive
// restarts because the buffers are only cleared, never replaced.
type Statistics struct {
	// State is the lifecycle state at snapshot time.
	State State `json:"state"`

	// LastError describes the most recent unrecoverable failure, empty
	// after a clean start.
	LastError string `json:"last_error,omitempty"`

	// Uptime is the time since the last successful start, zero while the
	// pipeline is not running.
	Uptime time.Duration `json:"uptime"`

	// Callbacks counts audio callback invocations. CallbackTime is the
	// cumulative wall time spent inside them; divide by Callbacks for the
	// mean cost of one.
	Callbacks    uint64        `json:"callbacks"`
	CallbackTime time.Duration `json:"callback_time"`

	// FramesCaptured and FramesPlayed count frames through each side of
	// the loop. Their difference is the playback miss count.
	FramesCaptured uint64 `json:"frames_captured"`
	FramesPlayed   uint64 `json:"frames_played"`

	// Panics counts callback-level panics that were converted to silence.
	Panics uint64 `json:"panics"`

	// ProcessingFailures counts frames where a processing stage panicked
	// and its input passed through unprocessed.
	ProcessingFailures uint64 `json:"processing_failures"`

	// Input and Output are the capture and playback buffer counters.
	Input  audio.BufferStats `json:"input"`
	Output audio.BufferStats `json:"output"`

	// InputLevel and OutputLevel are the RMS levels of the most recent
	// frames, in [0, 1].
	InputLevel  float64 `json:"input_level"`
	OutputLevel float64 `json:"output_level"`

	// EchoCancel, NoiseSuppress, and AutoGain report which stages the
	// pipeline was built with.
	EchoCancel    bool `json:"echo_cancel"`
	NoiseSuppress bool `json:"noise_suppress"`
	AutoGain      bool `json:"auto_gain"`

	// NoiseCalibrated reports whether the suppressor holds a profile.
	NoiseCalibrated bool `json:"noise_calibrated"`
}

// Stats returns a snapshot of the pipeline counters. Safe to call from any
// goroutine in any state.
func (p *Pipeline) Stats() Statistics {
	s := Statistics{
		State:              p.State(),
		Callbacks:          p.callbacks.Load(),
		CallbackTime:       time.Duration(p.callbackNanos.Load()),
		FramesCaptured:     p.framesCaptured.Load(),
		FramesPlayed:       p.framesPlayed.Load(),
		Panics:             p.panics.Load(),
		ProcessingFailures: p.processingFailures.Load(),
		Input:              p.input.Stats(),
		Output:             p.output.Stats(),
		InputLevel:         math.Float64frombits(p.inLevel.Load()),
		OutputLevel:        math.Float64frombits(p.outLevel.Load()),
		EchoCancel:         p.echo != nil,
		NoiseSuppress:      p.noise != nil,
		AutoGain:           p.gain != nil,
	}
	if p.noise != nil {
		s.NoiseCalibrated = p.noise.Calibrated()
	}
	if at := p.startedAt.Load(); at != 0 {
		s.Uptime = time.Since(time.Unix(0, at))
	}
	if msg := p.lastError.Load(); msg != nil {
		s.LastError = *msg
	}
	return s
}

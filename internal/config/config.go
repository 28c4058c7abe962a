// Package config provides the YAML configuration schema and loader for the
// Duplexa audio server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// LogLevel controls log verbosity for the Duplexa server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps [time.Duration] so YAML configs can say "500ms" or "2s".
// A bare number is read as seconds.
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" || value.Tag == "!!float" {
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\" or a number of seconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Duplexa.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Stream     StreamConfig     `yaml:"stream"`
	Processing ProcessingConfig `yaml:"processing"`
	Devices    DevicesConfig    `yaml:"devices"`
	Transport  TransportConfig  `yaml:"transport"`
}

// ServerConfig holds network and logging settings for the Duplexa server.
type ServerConfig struct {
	// ListenAddr is the TCP address the streaming endpoint listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// OpsAddr is the TCP address for the operational endpoints /healthz,
	// /readyz, and /metrics (e.g., ":9090").
	OpsAddr string `yaml:"ops_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// StreamConfig selects the devices and the shape of the audio stream.
type StreamConfig struct {
	// InputDevice and OutputDevice select devices by ID or by (fuzzy)
	// display name. Empty selects the platform default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// SampleRate in Hz for capture and playback.
	SampleRate int `yaml:"sample_rate"`

	// Channels per frame (1 = mono, 2 = stereo).
	Channels int `yaml:"channels"`

	// Format names the ingest sample representation: int16, int32, or
	// float32. Processing is always float32 internally.
	Format string `yaml:"format"`

	// FrameSize is the number of samples per channel in one frame.
	FrameSize int `yaml:"frame_size"`

	// BufferDepth is the capacity, in frames, of the capture and playback
	// buffers.
	BufferDepth int `yaml:"buffer_depth"`

	// Duplex selects one synchronized duplex stream instead of separate
	// input and output streams. Defaults to true; echo cancellation
	// requires it.
	Duplex *bool `yaml:"duplex"`
}

// ProcessingConfig toggles and tunes the DSP chain. A zero tuning value
// keeps the stage's built-in default.
type ProcessingConfig struct {
	EchoCancel    bool `yaml:"echo_cancel"`
	NoiseSuppress bool `yaml:"noise_suppress"`
	AutoGain      bool `yaml:"auto_gain"`

	Echo  EchoConfig  `yaml:"echo"`
	Noise NoiseConfig `yaml:"noise"`
	Gain  GainConfig  `yaml:"gain"`
}

// EchoConfig tunes the NLMS echo canceller.
type EchoConfig struct {
	// FilterLength is the adaptive filter length in samples. Longer
	// filters model longer echo paths at higher cost.
	FilterLength int `yaml:"filter_length"`

	// StepSize is the NLMS adaptation step in (0, 2]. Larger values
	// converge faster but are less stable.
	StepSize float64 `yaml:"step_size"`
}

// NoiseConfig tunes spectral-subtraction noise suppression.
type NoiseConfig struct {
	// OverSubtraction scales the noise profile before subtraction.
	// Values above 1 trade musical-noise artifacts for deeper suppression.
	OverSubtraction float64 `yaml:"over_subtraction"`

	// SpectralFloor is the minimum fraction of each bin's original
	// magnitude kept after subtraction, in (0, 1).
	SpectralFloor float64 `yaml:"spectral_floor"`

	// CalibrationSeconds is how long the startup noise calibration
	// listens when noise suppression is enabled. Zero skips the startup
	// calibration; the suppressor then self-calibrates on first use.
	CalibrationSeconds float64 `yaml:"calibration_seconds"`
}

// GainConfig tunes the automatic gain control envelope follower.
type GainConfig struct {
	// TargetLevel is the desired output envelope level in (0, 1].
	TargetLevel float64 `yaml:"target_level"`

	// Attack is the rise time constant of the gain envelope.
	Attack Duration `yaml:"attack"`

	// Release is the fall time constant of the gain envelope.
	Release Duration `yaml:"release"`
}

// DevicesConfig controls hot-plug monitoring.
type DevicesConfig struct {
	// PollInterval is how often the device list is re-enumerated.
	PollInterval Duration `yaml:"poll_interval"`
}

// TransportConfig controls the WebSocket streaming endpoint.
type TransportConfig struct {
	// Enabled serves GET /stream on ListenAddr. Defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Encoding selects the payload codec: "pcm16" (default) or "opus".
	Encoding string `yaml:"encoding"`

	// OpusBitrate sets the Opus encoder bitrate in bits per second.
	// Zero keeps the library default. Ignored for pcm16.
	OpusBitrate int `yaml:"opus_bitrate"`
}

// DuplexEnabled resolves the tri-state duplex setting.
func (s StreamConfig) DuplexEnabled() bool {
	return s.Duplex == nil || *s.Duplex
}

// TransportEnabled resolves the tri-state enabled setting.
func (t TransportConfig) TransportEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// CalibrationWindow returns the startup noise calibration duration, or zero
// when startup calibration is disabled.
func (c *Config) CalibrationWindow() time.Duration {
	if !c.Processing.NoiseSuppress || c.Processing.Noise.CalibrationSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Processing.Noise.CalibrationSeconds * float64(time.Second))
}

// ToStreamConfig bridges the stream and processing sections into the
// [audio.StreamConfig] the pipeline consumes. Device selectors stay empty
// here: the app resolves names through the device manager, and the pipeline
// reads the active devices from the manager when it opens a stream. Call
// only after [Validate] has passed.
func (c *Config) ToStreamConfig() audio.StreamConfig {
	format, _ := audio.ParseSampleFormat(c.Stream.Format)
	return audio.StreamConfig{
		SampleRate:    c.Stream.SampleRate,
		Channels:      c.Stream.Channels,
		Format:        format,
		FrameSize:     c.Stream.FrameSize,
		BufferDepth:   c.Stream.BufferDepth,
		Duplex:        c.Stream.DuplexEnabled(),
		EchoCancel:    c.Processing.EchoCancel,
		NoiseSuppress: c.Processing.NoiseSuppress,
		AutoGain:      c.Processing.AutoGain,
	}
}

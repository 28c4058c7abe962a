package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/duplexa/internal/transport"
	"github.com/MrWong99/duplexa/pkg/audio"
)

// Opus accepts bitrates between 500 bps and 512 kbps.
const (
	minOpusBitrate = 500
	maxOpusBitrate = 512000
)

// Default returns a configuration with every default applied: a 48 kHz mono
// int16 duplex stream, all processing stages off, PCM transport and both
// listeners on their standard ports.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML configuration from r, applies defaults and
// validates the result. Unknown fields are rejected so typos surface at load
// time instead of silently falling back to defaults. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills every unset field with its default value. Pointer
// toggles (stream.duplex, transport.enabled) stay nil here; their accessors
// resolve nil to true.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.OpsAddr == "" {
		cfg.Server.OpsAddr = ":9090"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Stream.SampleRate == 0 {
		cfg.Stream.SampleRate = 48000
	}
	if cfg.Stream.Channels == 0 {
		cfg.Stream.Channels = 1
	}
	if cfg.Stream.Format == "" {
		cfg.Stream.Format = audio.FormatInt16.String()
	}
	if cfg.Stream.FrameSize == 0 {
		cfg.Stream.FrameSize = 512
	}
	if cfg.Stream.BufferDepth == 0 {
		cfg.Stream.BufferDepth = 8
	}
	if cfg.Devices.PollInterval == 0 {
		cfg.Devices.PollInterval = Duration(time.Second)
	}
	if cfg.Transport.Encoding == "" {
		cfg.Transport.Encoding = transport.EncodingPCM16
	}
}

// Validate checks that cfg holds a coherent set of values. All failures are
// collected and returned as a single joined error; questionable but workable
// settings are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Stream.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("stream.sample_rate must be positive, got %d", cfg.Stream.SampleRate))
	}
	if cfg.Stream.Channels < 1 {
		errs = append(errs, fmt.Errorf("stream.channels must be at least 1, got %d", cfg.Stream.Channels))
	}
	if _, err := audio.ParseSampleFormat(cfg.Stream.Format); err != nil {
		errs = append(errs, fmt.Errorf("stream.format: %w", err))
	}
	if cfg.Stream.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("stream.frame_size must be positive, got %d", cfg.Stream.FrameSize))
	}
	if cfg.Stream.BufferDepth <= 0 {
		errs = append(errs, fmt.Errorf("stream.buffer_depth must be positive, got %d", cfg.Stream.BufferDepth))
	}

	if cfg.Processing.EchoCancel && !cfg.Stream.DuplexEnabled() {
		errs = append(errs, errors.New("processing.echo_cancel requires stream.duplex: the canceller needs the just-played frame as reference"))
	}
	if v := cfg.Processing.Echo.FilterLength; v < 0 {
		errs = append(errs, fmt.Errorf("processing.echo.filter_length must not be negative, got %d", v))
	}
	if v := cfg.Processing.Echo.StepSize; v < 0 || v > 2 {
		errs = append(errs, fmt.Errorf("processing.echo.step_size %v is out of range (0, 2]", v))
	}
	if v := cfg.Processing.Noise.OverSubtraction; v < 0 {
		errs = append(errs, fmt.Errorf("processing.noise.over_subtraction must not be negative, got %v", v))
	}
	if v := cfg.Processing.Noise.SpectralFloor; v < 0 || v >= 1 {
		errs = append(errs, fmt.Errorf("processing.noise.spectral_floor %v is out of range [0, 1)", v))
	}
	if v := cfg.Processing.Noise.CalibrationSeconds; v < 0 || v > 30 {
		errs = append(errs, fmt.Errorf("processing.noise.calibration_seconds %v is out of range [0, 30]", v))
	}
	if v := cfg.Processing.Gain.TargetLevel; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("processing.gain.target_level %v is out of range (0, 1]", v))
	}
	if v := cfg.Processing.Gain.Attack; v < 0 {
		errs = append(errs, fmt.Errorf("processing.gain.attack must not be negative, got %v", v.Std()))
	}
	if v := cfg.Processing.Gain.Release; v < 0 {
		errs = append(errs, fmt.Errorf("processing.gain.release must not be negative, got %v", v.Std()))
	}

	if cfg.Devices.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("devices.poll_interval must not be negative, got %v", cfg.Devices.PollInterval.Std()))
	}

	if cfg.Transport.TransportEnabled() {
		if err := transport.ValidateEncoding(cfg.Transport.Encoding, cfg.ToStreamConfig()); err != nil {
			errs = append(errs, fmt.Errorf("transport.encoding: %w", err))
		}
	}
	if v := cfg.Transport.OpusBitrate; v != 0 {
		if cfg.Transport.Encoding != transport.EncodingOpus {
			slog.Warn("transport.opus_bitrate is set but the encoding is not opus, ignoring it",
				"encoding", cfg.Transport.Encoding)
		} else if v < minOpusBitrate || v > maxOpusBitrate {
			errs = append(errs, fmt.Errorf("transport.opus_bitrate %d is out of range [%d, %d]", v, minOpusBitrate, maxOpusBitrate))
		}
	}

	return errors.Join(errs...)
}

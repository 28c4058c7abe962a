package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/duplexa/internal/config"
	"github.com/MrWong99/duplexa/pkg/audio"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  ops_addr: ":9091"
  log_level: debug

stream:
  input_device: "USB Microphone"
  output_device: "hdmi-out"
  sample_rate: 48000
  channels: 2
  format: float32
  frame_size: 960
  buffer_depth: 16
  duplex: true

processing:
  echo_cancel: true
  noise_suppress: true
  auto_gain: true
  echo:
    filter_length: 1024
    step_size: 0.25
  noise:
    over_subtraction: 1.5
    spectral_floor: 0.05
    calibration_seconds: 1.5
  gain:
    target_level: 0.25
    attack: 5ms
    release: 200ms

devices:
  poll_interval: 2s

transport:
  enabled: true
  encoding: opus
  opus_bitrate: 64000
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.OpsAddr != ":9091" {
		t.Errorf("server.ops_addr: got %q, want %q", cfg.Server.OpsAddr, ":9091")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Stream.InputDevice != "USB Microphone" {
		t.Errorf("stream.input_device: got %q", cfg.Stream.InputDevice)
	}
	if cfg.Stream.Channels != 2 {
		t.Errorf("stream.channels: got %d, want 2", cfg.Stream.Channels)
	}
	if cfg.Stream.FrameSize != 960 {
		t.Errorf("stream.frame_size: got %d, want 960", cfg.Stream.FrameSize)
	}
	if !cfg.Processing.EchoCancel {
		t.Error("processing.echo_cancel should be true")
	}
	if cfg.Processing.Echo.FilterLength != 1024 {
		t.Errorf("processing.echo.filter_length: got %d, want 1024", cfg.Processing.Echo.FilterLength)
	}
	if cfg.Processing.Noise.CalibrationSeconds != 1.5 {
		t.Errorf("processing.noise.calibration_seconds: got %v, want 1.5", cfg.Processing.Noise.CalibrationSeconds)
	}
	if got := cfg.Processing.Gain.Attack.Std(); got != 5*time.Millisecond {
		t.Errorf("processing.gain.attack: got %v, want 5ms", got)
	}
	if got := cfg.Devices.PollInterval.Std(); got != 2*time.Second {
		t.Errorf("devices.poll_interval: got %v, want 2s", got)
	}
	if cfg.Transport.Encoding != "opus" {
		t.Errorf("transport.encoding: got %q, want %q", cfg.Transport.Encoding, "opus")
	}
	if cfg.Transport.OpusBitrate != 64000 {
		t.Errorf("transport.opus_bitrate: got %d, want 64000", cfg.Transport.OpusBitrate)
	}
}

func TestLoadFromReader_EmptyDocumentGetsDefaults(t *testing.T) {
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.ListenAddr != ":8080" {
			t.Errorf("server.listen_addr default: got %q, want %q", cfg.Server.ListenAddr, ":8080")
		}
		if cfg.Stream.SampleRate != 48000 {
			t.Errorf("stream.sample_rate default: got %d, want 48000", cfg.Stream.SampleRate)
		}
		if cfg.Stream.Format != "int16" {
			t.Errorf("stream.format default: got %q, want %q", cfg.Stream.Format, "int16")
		}
		if cfg.Transport.Encoding != "pcm16" {
			t.Errorf("transport.encoding default: got %q, want %q", cfg.Transport.Encoding, "pcm16")
		}
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := `
stream:
  sample_rtae: 44100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "sample_rtae") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Server.OpsAddr != ":9090" {
		t.Errorf("ops_addr: got %q, want %q", cfg.Server.OpsAddr, ":9090")
	}
	if cfg.Stream.Channels != 1 || cfg.Stream.FrameSize != 512 || cfg.Stream.BufferDepth != 8 {
		t.Errorf("stream defaults: got %d ch, frame %d, depth %d",
			cfg.Stream.Channels, cfg.Stream.FrameSize, cfg.Stream.BufferDepth)
	}
	if !cfg.Stream.DuplexEnabled() {
		t.Error("duplex should default to enabled")
	}
	if !cfg.Transport.TransportEnabled() {
		t.Error("transport should default to enabled")
	}
	if cfg.Processing.EchoCancel || cfg.Processing.NoiseSuppress || cfg.Processing.AutoGain {
		t.Error("processing stages should default to off")
	}
	if got := cfg.Devices.PollInterval.Std(); got != time.Second {
		t.Errorf("poll_interval default: got %v, want 1s", got)
	}
}

// ── Duration parsing ──────────────────────────────────────────────────────────

func TestDuration_YAMLForms(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{"string", `devices: {poll_interval: 250ms}`, 250 * time.Millisecond},
		{"int seconds", `devices: {poll_interval: 2}`, 2 * time.Second},
		{"float seconds", `devices: {poll_interval: 0.5}`, 500 * time.Millisecond},
		{"compound string", `devices: {poll_interval: 1m30s}`, 90 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := cfg.Devices.PollInterval.Std(); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDuration_RejectsGarbage(t *testing.T) {
	yaml := `devices: {poll_interval: soonish}`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
	if !strings.Contains(err.Error(), "soonish") {
		t.Errorf("error should quote the bad value, got: %v", err)
	}
}

// ── Bridging helpers ──────────────────────────────────────────────────────────

func TestToStreamConfig(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sc := cfg.ToStreamConfig()
	if sc.SampleRate != 48000 || sc.Channels != 2 {
		t.Errorf("rate/channels: got %d/%d, want 48000/2", sc.SampleRate, sc.Channels)
	}
	if sc.Format != audio.FormatFloat32 {
		t.Errorf("format: got %v, want %v", sc.Format, audio.FormatFloat32)
	}
	if sc.FrameSize != 960 || sc.BufferDepth != 16 {
		t.Errorf("frame/depth: got %d/%d, want 960/16", sc.FrameSize, sc.BufferDepth)
	}
	if !sc.Duplex || !sc.EchoCancel {
		t.Errorf("duplex/echo: got %v/%v, want true/true", sc.Duplex, sc.EchoCancel)
	}
	// Device selection happens against the live device list, not here.
	if sc.InputDevice != "" || sc.OutputDevice != "" {
		t.Errorf("device ids should stay empty, got %q/%q", sc.InputDevice, sc.OutputDevice)
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("bridged config should validate: %v", err)
	}
}

func TestCalibrationWindow(t *testing.T) {
	cfg := config.Default()
	if got := cfg.CalibrationWindow(); got != 0 {
		t.Errorf("without noise suppression: got %v, want 0", got)
	}

	cfg.Processing.NoiseSuppress = true
	if got := cfg.CalibrationWindow(); got != 0 {
		t.Errorf("without configured window: got %v, want 0", got)
	}

	cfg.Processing.Noise.CalibrationSeconds = 1.5
	if got := cfg.CalibrationWindow(); got != 1500*time.Millisecond {
		t.Errorf("got %v, want 1.5s", got)
	}
}

func TestDuplexExplicitFalse(t *testing.T) {
	yaml := `
stream:
  duplex: false
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stream.DuplexEnabled() {
		t.Error("duplex: false should disable duplex")
	}
	if cfg.ToStreamConfig().Duplex {
		t.Error("bridged config should carry duplex: false")
	}
}

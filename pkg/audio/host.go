// Package audio defines the sample formats, frame types, conversion helpers,
// buffering, and the platform host contract used throughout Duplexa.
//
// The two primary abstractions are:
//
//   - [Host] — enumerates hardware devices and opens callback-driven streams.
//   - [Stream] — an open input, output, or duplex stream with start/stop/close
//     lifecycle.
//
// Implementations of these interfaces are provided by platform-specific
// adapter packages ([github.com/MrWong99/duplexa/pkg/audio/portaudio] for real
// hardware, [github.com/MrWong99/duplexa/pkg/audio/mock] for tests). The
// interfaces are intentionally narrow so the pipeline stays decoupled from the
// platform audio API.
//
// This package lives under pkg/ because external code (alternative host
// adapters) is expected to implement [Host] and [Stream].
package audio

import (
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned by [Host] implementations when a stream
// cannot be opened or started on the requested device, e.g. because the
// device disappeared between enumeration and open, or is claimed exclusively
// by another process.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// DeviceType classifies a device by its reported channel capabilities.
type DeviceType int

const (
	// DeviceInput can only capture audio.
	DeviceInput DeviceType = iota

	// DeviceOutput can only play audio.
	DeviceOutput

	// DeviceDuplex can capture and play simultaneously. A duplex device
	// satisfies both an Input and an Output filter.
	DeviceDuplex
)

// String returns the human-readable name of the device type.
func (t DeviceType) String() string {
	switch t {
	case DeviceInput:
		return "INPUT"
	case DeviceOutput:
		return "OUTPUT"
	case DeviceDuplex:
		return "DUPLEX"
	default:
		return "UNKNOWN"
	}
}

// DeviceInfo is an immutable snapshot of one hardware device as reported by
// the platform at enumeration time. Device lists are always replaced
// wholesale; a published DeviceInfo is never mutated in place.
type DeviceInfo struct {
	// ID is an opaque, host-scoped identifier. IDs are stable within one
	// enumeration snapshot and are the unit of hot-plug diffing.
	ID string

	// Name is the display name reported by the platform.
	Name string

	// MaxInputChannels and MaxOutputChannels are the channel capabilities
	// reported by the platform. A device with both > 0 is duplex-capable.
	MaxInputChannels  int
	MaxOutputChannels int

	// DefaultSampleRate is the device's native rate in Hz.
	DefaultSampleRate float64

	// DefaultInput and DefaultOutput mark the platform-reported default
	// devices.
	DefaultInput  bool
	DefaultOutput bool

	// HostAPI names the platform backend (e.g. "ALSA", "CoreAudio").
	HostAPI string

	// InputLatency and OutputLatency are the low-latency estimates reported
	// by the platform for this device.
	InputLatency  time.Duration
	OutputLatency time.Duration
}

// Type classifies the device from its channel capabilities.
func (d DeviceInfo) Type() DeviceType {
	switch {
	case d.MaxInputChannels > 0 && d.MaxOutputChannels > 0:
		return DeviceDuplex
	case d.MaxInputChannels > 0:
		return DeviceInput
	default:
		return DeviceOutput
	}
}

// Is reports whether the device satisfies the given type filter. Duplex
// devices satisfy DeviceInput and DeviceOutput filters as well as
// DeviceDuplex.
func (d DeviceInfo) Is(t DeviceType) bool {
	dt := d.Type()
	if dt == DeviceDuplex {
		return true
	}
	return dt == t
}

// DuplexCallback is invoked on the platform's real-time audio thread once per
// frame period. in holds the captured samples, out must be filled with the
// samples to play; both are interleaved float32 of equal length
// (FrameSize × Channels). The callback must not block, log, or allocate
// unboundedly, and must never panic across the platform boundary.
type DuplexCallback func(in, out []float32)

// InputCallback is invoked per captured frame on a capture-only stream.
type InputCallback func(in []float32)

// OutputCallback is invoked per frame period on a playback-only stream and
// must fill out with the samples to play.
type OutputCallback func(out []float32)

// Stream is one open audio stream. Start begins callback delivery, Stop halts
// it (no callback fires after Stop returns), Close releases the platform
// resources. Stop and Close are idempotent.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Host is the narrow contract the pipeline requires from a platform audio
// API: device enumeration and callback-driven stream opening.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// Devices enumerates the currently visible devices. The returned slice
	// is a fresh snapshot owned by the caller.
	Devices() ([]DeviceInfo, error)

	// OpenDuplex opens one synchronized capture+playback stream, required
	// for echo cancellation to have a time-aligned reference. Device
	// selection comes from cfg; empty device IDs select the platform
	// defaults. The stream is created stopped.
	OpenDuplex(cfg StreamConfig, cb DuplexCallback) (Stream, error)

	// OpenInput opens a capture-only stream.
	OpenInput(cfg StreamConfig, cb InputCallback) (Stream, error)

	// OpenOutput opens a playback-only stream.
	OpenOutput(cfg StreamConfig, cb OutputCallback) (Stream, error)

	// Close releases the host and everything it still holds open.
	Close() error
}

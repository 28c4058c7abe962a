// Package portaudio adapts the PortAudio runtime to the [audio.Host]
// interface. It is the only package in the tree that reaches hardware, and
// therefore the only one that needs cgo.
//
// Device IDs minted by this package are the PortAudio device indices of the
// current enumeration, rendered as decimal strings. PortAudio re-indexes on
// every runtime initialization, so IDs are only meaningful against the host
// instance that produced them.
package portaudio

import (
	"fmt"
	"strconv"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// Host implements [audio.Host] on top of the PortAudio runtime.
type Host struct {
	mu     sync.Mutex
	closed bool
}

var _ audio.Host = (*Host)(nil)

// NewHost initializes the PortAudio runtime and returns a host bound to it.
// Callers must Close the host to release the runtime.
func NewHost() (*Host, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Host{}, nil
}

// Devices implements [audio.Host].
func (h *Host) Devices() ([]audio.DeviceInfo, error) {
	paDevs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: enumerate devices: %w", err)
	}

	// Default lookups only fail when no device of that direction exists,
	// which just leaves the flags unset.
	defIn, _ := pa.DefaultInputDevice()
	defOut, _ := pa.DefaultOutputDevice()

	devs := make([]audio.DeviceInfo, 0, len(paDevs))
	for i, d := range paDevs {
		info := audio.DeviceInfo{
			ID:                strconv.Itoa(i),
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defIn != nil && d == defIn,
			DefaultOutput:     defOut != nil && d == defOut,
			InputLatency:      d.DefaultLowInputLatency,
			OutputLatency:     d.DefaultLowOutputLatency,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		devs = append(devs, info)
	}
	return devs, nil
}

// OpenDuplex implements [audio.Host]. Capture and playback run in one
// PortAudio stream so the callback sees time-aligned buffers.
func (h *Host) OpenDuplex(cfg audio.StreamConfig, cb audio.DuplexCallback) (audio.Stream, error) {
	in, err := h.resolve(cfg.InputDevice, audio.DeviceInput)
	if err != nil {
		return nil, err
	}
	out, err := h.resolve(cfg.OutputDevice, audio.DeviceOutput)
	if err != nil {
		return nil, err
	}

	params := pa.LowLatencyParameters(in, out)
	params.Input.Channels = cfg.Channels
	params.Output.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FrameSize

	s, err := pa.OpenStream(params, func(inBuf, outBuf []float32) {
		cb(inBuf, outBuf)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open duplex stream: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	return &stream{s: s}, nil
}

// OpenInput implements [audio.Host].
func (h *Host) OpenInput(cfg audio.StreamConfig, cb audio.InputCallback) (audio.Stream, error) {
	in, err := h.resolve(cfg.InputDevice, audio.DeviceInput)
	if err != nil {
		return nil, err
	}

	params := pa.LowLatencyParameters(in, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FrameSize

	s, err := pa.OpenStream(params, func(inBuf []float32) {
		cb(inBuf)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	return &stream{s: s}, nil
}

// OpenOutput implements [audio.Host].
func (h *Host) OpenOutput(cfg audio.StreamConfig, cb audio.OutputCallback) (audio.Stream, error) {
	out, err := h.resolve(cfg.OutputDevice, audio.DeviceOutput)
	if err != nil {
		return nil, err
	}

	params := pa.LowLatencyParameters(nil, out)
	params.Output.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FrameSize

	s, err := pa.OpenStream(params, func(outBuf []float32) {
		cb(outBuf)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	return &stream{s: s}, nil
}

// Close implements [audio.Host]. It terminates the PortAudio runtime; open
// streams become invalid.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// resolve maps a device ID to the PortAudio device, or to the platform
// default when the ID is empty. The device must support the requested
// direction.
func (h *Host) resolve(id string, kind audio.DeviceType) (*pa.DeviceInfo, error) {
	if id == "" {
		var (
			d   *pa.DeviceInfo
			err error
		)
		if kind == audio.DeviceInput {
			d, err = pa.DefaultInputDevice()
		} else {
			d, err = pa.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("portaudio: no default %s device: %w: %v", kind, audio.ErrDeviceUnavailable, err)
		}
		return d, nil
	}

	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: enumerate devices: %w", err)
	}

	var dev *pa.DeviceInfo
	if idx, err := strconv.Atoi(id); err == nil && idx >= 0 && idx < len(devs) {
		dev = devs[idx]
	} else {
		// Fall back to an exact name match so configs written against
		// device names keep working.
		for _, d := range devs {
			if d.Name == id {
				dev = d
				break
			}
		}
	}
	if dev == nil {
		return nil, fmt.Errorf("portaudio: device %q: %w", id, audio.ErrDeviceUnavailable)
	}

	if kind == audio.DeviceInput && dev.MaxInputChannels == 0 {
		return nil, fmt.Errorf("portaudio: device %q has no input channels: %w", id, audio.ErrDeviceUnavailable)
	}
	if kind == audio.DeviceOutput && dev.MaxOutputChannels == 0 {
		return nil, fmt.Errorf("portaudio: device %q has no output channels: %w", id, audio.ErrDeviceUnavailable)
	}
	return dev, nil
}

// stream wraps a *pa.Stream; Stop and Close tolerate repeated calls.
type stream struct {
	s        *pa.Stream
	stopOnce sync.Once
	stopErr  error

	closeOnce sync.Once
	closeErr  error
}

var _ audio.Stream = (*stream)(nil)

func (s *stream) Start() error {
	if err := s.s.Start(); err != nil {
		return fmt.Errorf("portaudio: start stream: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	return nil
}

func (s *stream) Stop() error {
	s.stopOnce.Do(func() {
		if err := s.s.Stop(); err != nil {
			s.stopErr = fmt.Errorf("portaudio: stop stream: %w", err)
		}
	})
	return s.stopErr
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.Stop()
		if err := s.s.Close(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: close stream: %w", err)
		}
	})
	return s.closeErr
}

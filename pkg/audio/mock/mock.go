// Package mock provides in-memory implementations of the [audio.Host] and
// [audio.Stream] interfaces for use in unit tests.
//
// The mocks are safe for concurrent use. They record every method call so
// tests can assert on call counts and arguments, and they expose exported
// fields the test can set to control return values. Device lists are mutable
// at runtime via [Host.SetDevices] and [Host.RemoveDevice], which is how
// tests simulate hot-plug events. Streams never touch real hardware: the
// test drives the audio callback explicitly with [Stream.Tick].
//
// Typical usage:
//
//	host := &mock.Host{DevicesResult: []audio.DeviceInfo{
//	    mock.Device("mic-1", "USB Microphone", 1, 0),
//	    mock.Device("spk-1", "Speakers", 0, 2),
//	}}
//	stream, _ := host.OpenDuplex(cfg, func(in, out []float32) { copy(out, in) })
//	stream.Start()
//	out := host.LastStream().Tick(inputFrame)
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// ─── Host ─────────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single Open* invocation on [Host].
type OpenCall struct {
	// Kind is the direction of the opened stream.
	Kind audio.DeviceType

	// Config is the stream configuration passed to the Open* call.
	Config audio.StreamConfig
}

// Host is a mock implementation of [audio.Host].
// Set the exported Result fields before use; inspect the Call* fields after.
type Host struct {
	mu sync.Mutex

	// DevicesResult is returned by [Host.Devices]. Replace it with
	// [Host.SetDevices] to simulate devices appearing or disappearing.
	DevicesResult []audio.DeviceInfo

	// DevicesError is returned by [Host.Devices] when set.
	DevicesError error

	// OpenError is returned by OpenDuplex, OpenInput, and OpenOutput when
	// set, simulating a device that cannot be opened.
	OpenError error

	// CloseError is returned by [Host.Close].
	CloseError error

	// CallCountDevices records how many times Devices was called.
	CallCountDevices int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// OpenCalls records all Open* invocations in order.
	OpenCalls []OpenCall

	// Streams holds every stream handed out by Open*, in order. Tests
	// reach the stream a component opened through here.
	Streams []*Stream
}

var _ audio.Host = (*Host)(nil)

// Devices implements [audio.Host]. It returns a copy of DevicesResult so
// callers cannot mutate the mock's state through the returned slice.
func (h *Host) Devices() ([]audio.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountDevices++
	if h.DevicesError != nil {
		return nil, h.DevicesError
	}
	devs := make([]audio.DeviceInfo, len(h.DevicesResult))
	copy(devs, h.DevicesResult)
	return devs, nil
}

// SetDevices replaces the device list returned by Devices.
// Use it in tests to simulate a device being plugged in.
func (h *Host) SetDevices(devs ...audio.DeviceInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.DevicesResult = devs
}

// SetDevicesError sets the error returned by Devices. Unlike writing the
// field directly, this is safe while a monitor goroutine polls concurrently.
func (h *Host) SetDevicesError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.DevicesError = err
}

// RemoveDevice drops the device with the given ID from the device list.
// Use it in tests to simulate a device being unplugged.
func (h *Host) RemoveDevice(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.DevicesResult[:0]
	for _, d := range h.DevicesResult {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	h.DevicesResult = kept
}

// OpenDuplex implements [audio.Host]. The returned [Stream] invokes cb from
// [Stream.Tick], never from a real device.
func (h *Host) OpenDuplex(cfg audio.StreamConfig, cb audio.DuplexCallback) (audio.Stream, error) {
	return h.open(audio.DeviceDuplex, cfg, cb, nil, nil)
}

// OpenInput implements [audio.Host].
func (h *Host) OpenInput(cfg audio.StreamConfig, cb audio.InputCallback) (audio.Stream, error) {
	return h.open(audio.DeviceInput, cfg, nil, cb, nil)
}

// OpenOutput implements [audio.Host].
func (h *Host) OpenOutput(cfg audio.StreamConfig, cb audio.OutputCallback) (audio.Stream, error) {
	return h.open(audio.DeviceOutput, cfg, nil, nil, cb)
}

func (h *Host) open(kind audio.DeviceType, cfg audio.StreamConfig, duplex audio.DuplexCallback, input audio.InputCallback, output audio.OutputCallback) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.OpenCalls = append(h.OpenCalls, OpenCall{Kind: kind, Config: cfg})
	if h.OpenError != nil {
		return nil, h.OpenError
	}
	s := &Stream{
		Config:   cfg,
		duplexCB: duplex,
		inputCB:  input,
		outputCB: output,
	}
	h.Streams = append(h.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil if none was
// opened yet.
func (h *Host) LastStream() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.Streams) == 0 {
		return nil
	}
	return h.Streams[len(h.Streams)-1]
}

// Close implements [audio.Host]. Returns CloseError.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountClose++
	return h.CloseError
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream] created by [Host]. The
// audio callback registered at open time runs only when the test calls
// [Stream.Tick] or [Stream.TickOutput] while the stream is started.
type Stream struct {
	mu sync.Mutex

	// Config is the configuration the stream was opened with.
	Config audio.StreamConfig

	// StartError is returned by [Stream.Start].
	StartError error

	// StopError is returned by [Stream.Stop].
	StopError error

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	started bool

	duplexCB audio.DuplexCallback
	inputCB  audio.InputCallback
	outputCB audio.OutputCallback
}

var _ audio.Stream = (*Stream)(nil)

// Start implements [audio.Stream]. Returns StartError; on success the stream
// is marked running and Tick becomes live.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

// Stop implements [audio.Stream]. Returns StopError.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.started = false
	return s.StopError
}

// Close implements [audio.Stream]. Returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.started = false
	return s.CloseError
}

// Running reports whether the stream is between a successful Start and the
// next Stop or Close.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Tick drives one callback cycle with the given capture frame, standing in
// for the device interrupt. For a duplex stream it returns the playback
// frame the callback produced, sized like in. For an input stream it calls
// the capture callback and returns nil. Tick returns nil without invoking
// the callback when the stream is not started.
func (s *Stream) Tick(in []float32) []float32 {
	s.mu.Lock()
	duplex, input := s.duplexCB, s.inputCB
	live := s.started
	s.mu.Unlock()
	if !live {
		return nil
	}

	switch {
	case duplex != nil:
		out := make([]float32, len(in))
		duplex(in, out)
		return out
	case input != nil:
		input(in)
	}
	return nil
}

// TickOutput drives one callback cycle of an output-only stream, asking the
// callback to fill n samples. It returns the filled frame, or nil when the
// stream is not started or has no output callback.
func (s *Stream) TickOutput(n int) []float32 {
	s.mu.Lock()
	output := s.outputCB
	live := s.started
	s.mu.Unlock()
	if !live || output == nil {
		return nil
	}

	out := make([]float32, n)
	output(out)
	return out
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// Device returns a [audio.DeviceInfo] with the given identity and channel
// counts plus sane defaults for everything else. Handy for building device
// lists in tests.
func Device(id, name string, inputs, outputs int) audio.DeviceInfo {
	return audio.DeviceInfo{
		ID:                id,
		Name:              name,
		MaxInputChannels:  inputs,
		MaxOutputChannels: outputs,
		DefaultSampleRate: 48000,
		InputLatency:      10 * time.Millisecond,
		OutputLatency:     10 * time.Millisecond,
		HostAPI:           "mock",
	}
}

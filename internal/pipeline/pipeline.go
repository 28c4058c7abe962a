// Package pipeline wires capture, processing, and playback into one duplex
// audio loop with an explicit lifecycle.
//
// The pipeline owns the platform stream, the processing chain (echo
// cancellation, noise suppression, gain control, each individually
// switchable), and two bounded frame buffers: processed capture frames flow
// out through [Pipeline.Frames], playback frames flow in through
// [Pipeline.PlayAudio]. Consumers that fall behind cost frames, never
// latency: both buffers evict their oldest entry when full.
//
// Lifecycle is a state machine:
//
//	stopped -> starting -> running -> stopping -> stopped
//	                       running -> error (unrecoverable failure)
//
// When an active device disappears while running, the pipeline retargets
// onto a surviving device of the required kind and restarts itself; only
// when no replacement exists (or the restart fails) does it park in the
// error state, where Stop acknowledges the failure.
//
// The audio callback runs on the platform's real-time thread. It never
// blocks, never logs, and survives panics by emitting silence; every
// anomaly is an atomic counter surfaced through [Pipeline.Stats].
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/MrWong99/duplexa/internal/devices"
	"github.com/MrWong99/duplexa/pkg/audio"
	"github.com/MrWong99/duplexa/pkg/audio/dsp"
)

// State identifies one lifecycle state.
type State string

// Lifecycle states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// ErrNotRunning is returned by operations that require a running pipeline.
var ErrNotRunning = errors.New("pipeline: not running")

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameFunc registers fn to observe every processed capture frame. fn
// runs on the real-time audio thread and must return without blocking or
// doing I/O; hand the frame to a buffered channel to do real work.
func WithFrameFunc(fn func(audio.Frame)) Option {
	return func(p *Pipeline) {
		p.frameFunc = fn
	}
}

// WithErrorFunc registers fn for unrecoverable failures: a start that could
// not open its stream, or device loss with no replacement. fn is called
// from the goroutine that detected the failure, never the audio callback.
func WithErrorFunc(fn func(error)) Option {
	return func(p *Pipeline) {
		p.errorFunc = fn
	}
}

// WithStatsFunc registers fn to receive a statistics snapshot every
// interval while the pipeline runs. fn is called from a dedicated
// goroutine, never from the audio callback.
func WithStatsFunc(interval time.Duration, fn func(Statistics)) Option {
	return func(p *Pipeline) {
		if interval > 0 && fn != nil {
			p.statsInterval = interval
			p.statsFunc = fn
		}
	}
}

// WithEchoOptions forwards tuning options to the echo canceller.
func WithEchoOptions(opts ...dsp.EchoOption) Option {
	return func(p *Pipeline) {
		p.echoOpts = append(p.echoOpts, opts...)
	}
}

// WithNoiseOptions forwards tuning options to the noise suppressor.
func WithNoiseOptions(opts ...dsp.NoiseOption) Option {
	return func(p *Pipeline) {
		p.noiseOpts = append(p.noiseOpts, opts...)
	}
}

// WithGainOptions forwards tuning options to the gain controller.
func WithGainOptions(opts ...dsp.GainOption) Option {
	return func(p *Pipeline) {
		p.gainOpts = append(p.gainOpts, opts...)
	}
}

// Pipeline is the duplex audio loop. All exported methods are safe for
// concurrent use.
type Pipeline struct {
	host audio.Host
	mgr  *devices.Manager
	cfg  audio.StreamConfig

	sm *fsm.FSM

	echo  *dsp.EchoCanceller
	noise *dsp.NoiseSuppressor
	gain  *dsp.AutoGain

	input  *audio.FrameBuffer // processed capture frames
	output *audio.FrameBuffer // frames queued for playback

	frameDur time.Duration

	calib atomic.Pointer[audio.FrameBuffer]

	callbacks          atomic.Uint64
	callbackNanos      atomic.Int64
	framesCaptured     atomic.Uint64
	framesPlayed       atomic.Uint64
	panics             atomic.Uint64
	processingFailures atomic.Uint64
	inLevel            atomic.Uint64 // math.Float64bits
	outLevel           atomic.Uint64

	startedAt atomic.Int64 // unix nanos, 0 while not running
	lastError atomic.Pointer[string]

	mu        sync.Mutex
	stream    audio.Stream
	statsDone chan struct{}

	frameFunc     func(audio.Frame)
	errorFunc     func(error)
	statsInterval time.Duration
	statsFunc     func(Statistics)

	echoOpts  []dsp.EchoOption
	noiseOpts []dsp.NoiseOption
	gainOpts  []dsp.GainOption
}

// New validates cfg, builds the processing chain it enables, and returns a
// stopped pipeline.
func New(host audio.Host, mgr *devices.Manager, cfg audio.StreamConfig, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Pipeline{
		host:     host,
		mgr:      mgr,
		cfg:      cfg,
		input:    audio.NewFrameBuffer(cfg.BufferDepth),
		output:   audio.NewFrameBuffer(cfg.BufferDepth),
		frameDur: cfg.FrameDuration(),
	}
	for _, o := range opts {
		o(p)
	}

	if cfg.EchoCancel {
		p.echo = dsp.NewEchoCanceller(p.echoOpts...)
	}
	if cfg.NoiseSuppress {
		if cfg.Channels > 1 {
			slog.Warn("noise suppression assumes a mono signal", "channels", cfg.Channels)
		}
		p.noise = dsp.NewNoiseSuppressor(cfg.SampleRate, p.noiseOpts...)
	}
	if cfg.AutoGain {
		p.gain = dsp.NewAutoGain(cfg.SampleRate, p.gainOpts...)
	}

	p.sm = fsm.NewFSM(
		string(StateStopped),
		fsm.Events{
			{Name: "start", Src: []string{string(StateStopped)}, Dst: string(StateStarting)},
			{Name: "recover", Src: []string{string(StateError)}, Dst: string(StateStarting)},
			{Name: "started", Src: []string{string(StateStarting)}, Dst: string(StateRunning)},
			{Name: "abort", Src: []string{string(StateStarting)}, Dst: string(StateStopped)},
			{Name: "fail", Src: []string{string(StateRunning), string(StateStarting)}, Dst: string(StateError)},
			{Name: "stop", Src: []string{string(StateRunning), string(StateError)}, Dst: string(StateStopping)},
			{Name: "stopped", Src: []string{string(StateStopping)}, Dst: string(StateStopped)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				slog.Debug("pipeline state change", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return p, nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.sm.Current())
}

// Config returns the stream configuration the pipeline was built with.
func (p *Pipeline) Config() audio.StreamConfig {
	return p.cfg
}

// Frames returns the buffer of processed capture frames. Transport
// consumers read from it; the audio callback writes to it.
func (p *Pipeline) Frames() *audio.FrameBuffer {
	return p.input
}

// Play queues one frame for playback exactly as given. When the buffer is
// full the oldest pending frame is dropped in its favor.
func (p *Pipeline) Play(f audio.Frame) {
	p.output.Put(f)
}

// PlayAudio splits samples into frame-sized chunks, zero-pads the final
// chunk, and queues the lot for playback. Samples must be interleaved at
// the pipeline's configured rate and channel count; [audio.Resample] and
// the channel mixers bring foreign material into shape first.
func (p *Pipeline) PlayAudio(samples []float32) {
	size := p.cfg.FrameSize * p.cfg.Channels
	for off := 0; off < len(samples); off += size {
		end := off + size
		if end > len(samples) {
			end = len(samples)
		}
		chunk := make([]float32, size)
		copy(chunk, samples[off:end])
		p.output.Put(audio.Frame{
			Samples:    chunk,
			SampleRate: p.cfg.SampleRate,
			Channels:   p.cfg.Channels,
		})
	}
}

// AudioLevel reports the RMS level of the most recently captured frame,
// 0 when nothing has been captured yet.
func (p *Pipeline) AudioLevel() float64 {
	f, ok := p.input.Latest()
	if !ok {
		return 0
	}
	return audio.RMS(f.Samples)
}

// Start opens the stream on the currently selected devices and moves the
// pipeline to running. An open or start failure rolls back to stopped, is
// reported to the error func, and unwraps to [audio.ErrDeviceUnavailable]
// for device problems.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.sm.Event(ctx, "start"); err != nil {
		return fmt.Errorf("pipeline: start from %s: %w", p.sm.Current(), err)
	}
	return p.startStream(ctx, "abort")
}

// startStream opens and starts the platform stream; the pipeline must be
// in starting. On failure it emits failEvent, which decides whether the
// pipeline settles in stopped (user start) or error (recovery attempt).
func (p *Pipeline) startStream(ctx context.Context, failEvent string) error {
	cfg := p.cfg
	cfg.InputDevice = p.mgr.ActiveInput()
	cfg.OutputDevice = p.mgr.ActiveOutput()

	// A fresh stream means a fresh acoustic path: adaptive state restarts,
	// only the calibrated noise profile carries over.
	if p.echo != nil {
		p.echo.Reset()
	}
	if p.gain != nil {
		p.gain.Reset()
	}

	var (
		stream audio.Stream
		err    error
	)
	if cfg.Duplex {
		stream, err = p.host.OpenDuplex(cfg, p.duplexCallback)
	} else {
		stream, err = p.host.OpenInput(cfg, p.inputCallback)
	}
	if err != nil {
		err = fmt.Errorf("pipeline: open stream: %w", err)
	} else if serr := stream.Start(); serr != nil {
		_ = stream.Close()
		err = fmt.Errorf("pipeline: start stream: %w", serr)
	}
	if err != nil {
		msg := err.Error()
		p.lastError.Store(&msg)
		_ = p.sm.Event(ctx, failEvent)
		p.fireError(err)
		return err
	}

	p.mu.Lock()
	p.stream = stream
	done := make(chan struct{})
	p.statsDone = done
	p.mu.Unlock()

	p.startedAt.Store(time.Now().UnixNano())
	p.lastError.Store(nil)
	_ = p.sm.Event(ctx, "started")

	if p.statsFunc != nil {
		go p.reportStats(done)
	}

	slog.Info("pipeline running",
		"input", deviceLabel(cfg.InputDevice),
		"output", deviceLabel(cfg.OutputDevice),
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"frame_size", cfg.FrameSize,
		"duplex", cfg.Duplex,
		"echo_cancel", p.echo != nil,
		"noise_suppress", p.noise != nil,
		"auto_gain", p.gain != nil,
	)
	return nil
}

// Stop halts the stream and settles the pipeline in stopped. It also
// acknowledges the error state. Stopping a pipeline that is neither
// running nor failed returns [ErrNotRunning].
func (p *Pipeline) Stop() error {
	ctx := context.Background()
	if err := p.sm.Event(ctx, "stop"); err != nil {
		return fmt.Errorf("%w (state %s)", ErrNotRunning, p.sm.Current())
	}
	p.teardown()
	_ = p.sm.Event(ctx, "stopped")
	slog.Info("pipeline stopped")
	return nil
}

// teardown releases the stream and stops the stats reporter. Safe to call
// with no stream open.
func (p *Pipeline) teardown() {
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	done := p.statsDone
	p.statsDone = nil
	p.mu.Unlock()

	if done != nil {
		close(done)
	}
	if stream != nil {
		if err := stream.Stop(); err != nil {
			slog.Warn("pipeline: stream stop", "err", err)
		}
		if err := stream.Close(); err != nil {
			slog.Warn("pipeline: stream close", "err", err)
		}
	}

	p.startedAt.Store(0)
	p.input.Clear()
	p.output.Clear()
}

// HandleDeviceChange reacts to hot-plug events from the device monitor.
// Removal of a device the running stream depends on restarts the pipeline
// on a surviving device of the same kind, preferring the platform default.
// With no replacement available the pipeline fails into the error state.
func (p *Pipeline) HandleDeviceChange(added, removed []audio.DeviceInfo) {
	if len(removed) == 0 || p.State() != StateRunning {
		return
	}

	gone := make(map[string]bool, len(removed))
	for _, d := range removed {
		gone[d.ID] = true
	}

	activeIn := p.mgr.ActiveInput()
	activeOut := p.mgr.ActiveOutput()
	inputLost := lostRole(removed, activeIn, audio.DeviceInput)
	outputLost := p.cfg.Duplex && lostRole(removed, activeOut, audio.DeviceOutput)
	if !inputLost && !outputLost {
		return
	}

	slog.Warn("pipeline restarting, active device removed",
		"input_lost", inputLost, "output_lost", outputLost)

	ctx := context.Background()
	if err := p.sm.Event(ctx, "fail"); err != nil {
		return // already left running, someone else is tearing down
	}
	p.teardown()

	if err := p.mgr.Refresh(); err != nil {
		slog.Warn("pipeline: device refresh after removal", "err", err)
	}

	ok := true
	if inputLost {
		ok = p.retarget(audio.DeviceInput, gone) && ok
	}
	if outputLost {
		ok = p.retarget(audio.DeviceOutput, gone) && ok
	}
	if !ok {
		err := fmt.Errorf("pipeline: no replacement device available: %w", audio.ErrDeviceUnavailable)
		msg := err.Error()
		p.lastError.Store(&msg)
		slog.Error("pipeline failed, no replacement device")
		p.fireError(err)
		return
	}

	if err := p.sm.Event(ctx, "recover"); err != nil {
		return
	}
	if err := p.startStream(ctx, "fail"); err != nil {
		slog.Error("pipeline restart after device removal failed", "err", err)
	}
}

// retarget points the lost role at a surviving device of the given kind,
// preferring the platform default. Reports whether a replacement existed.
func (p *Pipeline) retarget(kind audio.DeviceType, gone map[string]bool) bool {
	var pick audio.DeviceInfo
	found := false
	for _, d := range p.mgr.Devices(kind) {
		if gone[d.ID] {
			continue
		}
		if kind == audio.DeviceInput && d.DefaultInput ||
			kind == audio.DeviceOutput && d.DefaultOutput {
			pick, found = d, true
			break
		}
		if !found {
			pick, found = d, true
		}
	}
	if !found {
		return false
	}
	if err := p.mgr.SetDevice(pick.ID, kind); err != nil {
		return false
	}
	slog.Info("pipeline retargeted", "kind", kind, "device", pick.Name)
	return true
}

// lostRole reports whether the device filling the given role is among the
// removed ones. An empty active ID means the platform default fills the
// role, so removing a default device counts.
func lostRole(removed []audio.DeviceInfo, active string, kind audio.DeviceType) bool {
	for _, d := range removed {
		if active != "" {
			if d.ID == active {
				return true
			}
			continue
		}
		if kind == audio.DeviceInput && d.DefaultInput ||
			kind == audio.DeviceOutput && d.DefaultOutput {
			return true
		}
	}
	return false
}

func (p *Pipeline) fireError(err error) {
	if p.errorFunc != nil {
		p.errorFunc(err)
	}
}

// CalibrateNoise records the processed-but-unsuppressed microphone signal
// for the given duration and rebuilds the noise profile from it. The room
// should be silent while it runs. Requires a running pipeline with noise
// suppression enabled.
func (p *Pipeline) CalibrateNoise(ctx context.Context, duration time.Duration) error {
	if p.noise == nil {
		return fmt.Errorf("pipeline: noise suppression disabled")
	}
	if p.State() != StateRunning {
		return ErrNotRunning
	}
	if duration <= 0 {
		return fmt.Errorf("pipeline: calibration duration must be positive, got %v", duration)
	}

	depth := int(duration/p.frameDur) + 2
	buf := audio.NewFrameBuffer(depth)
	p.calib.Store(buf)
	defer p.calib.Store(nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(duration):
	}
	p.calib.Store(nil)

	collected := make([]float32, 0, depth*p.cfg.FrameSize*p.cfg.Channels)
	for {
		f, ok := buf.Get(0)
		if !ok {
			break
		}
		collected = append(collected, f.Samples...)
	}
	if len(collected) == 0 {
		return fmt.Errorf("pipeline: calibration captured no audio")
	}

	p.noise.EstimateNoise(collected, duration)
	slog.Info("noise profile calibrated", "samples", len(collected), "duration", duration)
	return nil
}

// ─── Audio callbacks ──────────────────────────────────────────────────────────

// duplexCallback runs on the real-time audio thread. It must not block or
// log; failures become counters and silence. Playback comes first so the
// echo canceller sees the frame being written to the speaker as its
// reference.
func (p *Pipeline) duplexCallback(in, out []float32) {
	start := time.Now()
	defer func() {
		p.callbackNanos.Add(time.Since(start).Nanoseconds())
		if r := recover(); r != nil {
			for i := range out {
				out[i] = 0
			}
			p.panics.Add(1)
		}
	}()
	p.callbacks.Add(1)

	if f, ok := p.output.Get(0); ok {
		n := copy(out, f.Samples)
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
		p.framesPlayed.Add(1)
	} else {
		for i := range out {
			out[i] = 0
		}
	}

	captured := make([]float32, len(in))
	copy(captured, in)

	stage := captured
	if p.echo != nil {
		stage = p.runStage(stage, func(s []float32) []float32 {
			return p.echo.Process(s, out)
		})
	}
	if cb := p.calib.Load(); cb != nil {
		cb.Put(audio.Frame{
			Samples:    stage,
			SampleRate: p.cfg.SampleRate,
			Channels:   p.cfg.Channels,
		})
	}
	if p.noise != nil {
		stage = p.runStage(stage, p.noise.Process)
	}
	if p.gain != nil {
		stage = p.runStage(stage, p.gain.Process)
	}

	idx := p.framesCaptured.Add(1) - 1
	frame := audio.Frame{
		Samples:    stage,
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
		Timestamp:  time.Duration(idx) * p.frameDur,
	}
	p.input.Put(frame)
	if p.frameFunc != nil {
		p.frameFunc(frame)
	}

	p.inLevel.Store(math.Float64bits(audio.RMS(stage)))
	p.outLevel.Store(math.Float64bits(audio.RMS(out)))
}

// inputCallback is the capture-only variant used when the stream is not
// duplex.
func (p *Pipeline) inputCallback(in []float32) {
	start := time.Now()
	defer func() {
		p.callbackNanos.Add(time.Since(start).Nanoseconds())
		if r := recover(); r != nil {
			p.panics.Add(1)
		}
	}()
	p.callbacks.Add(1)

	captured := make([]float32, len(in))
	copy(captured, in)

	stage := captured
	if cb := p.calib.Load(); cb != nil {
		cb.Put(audio.Frame{
			Samples:    stage,
			SampleRate: p.cfg.SampleRate,
			Channels:   p.cfg.Channels,
		})
	}
	if p.noise != nil {
		stage = p.runStage(stage, p.noise.Process)
	}
	if p.gain != nil {
		stage = p.runStage(stage, p.gain.Process)
	}

	idx := p.framesCaptured.Add(1) - 1
	frame := audio.Frame{
		Samples:    stage,
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
		Timestamp:  time.Duration(idx) * p.frameDur,
	}
	p.input.Put(frame)
	if p.frameFunc != nil {
		p.frameFunc(frame)
	}
	p.inLevel.Store(math.Float64bits(audio.RMS(stage)))
}

// runStage applies one processing stage. A panicking stage costs its output
// for this frame, not the stream: the input passes through unchanged and
// the failure is counted.
func (p *Pipeline) runStage(in []float32, stage func([]float32) []float32) (out []float32) {
	defer func() {
		if r := recover(); r != nil {
			p.processingFailures.Add(1)
			out = in
		}
	}()
	return stage(in)
}

// ─── Stats reporter ───────────────────────────────────────────────────────────

func (p *Pipeline) reportStats(done <-chan struct{}) {
	ticker := time.NewTicker(p.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.statsFunc(p.Stats())
		}
	}
}

// deviceLabel renders a device ID for logs; the empty ID means the
// platform default was used.
func deviceLabel(id string) string {
	if id == "" {
		return "default"
	}
	return id
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/duplexa/internal/pipeline"
	"github.com/MrWong99/duplexa/pkg/audio"
)

// Sink is one way to get samples to the listener.
type Sink interface {
	// Play delivers interleaved samples. It returns once the sink has
	// accepted the audio, which for slow sinks means after playback.
	Play(ctx context.Context, samples []float32) error
}

// PlaybackPipeline is the slice of the pipeline the primary sink needs.
// *pipeline.Pipeline satisfies it.
type PlaybackPipeline interface {
	State() pipeline.State
	PlayAudio(samples []float32)
}

var _ PlaybackPipeline = (*pipeline.Pipeline)(nil)

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithBreakerConfig replaces the breaker settings shared by the player's
// backends.
func WithBreakerConfig(cfg CircuitBreakerConfig) PlayerOption {
	return func(p *Player) {
		p.breaker = cfg
	}
}

// WithFileDir sets the directory the last-resort sink writes WAV files to.
// Default is the system temp directory.
func WithFileDir(dir string) PlayerOption {
	return func(p *Player) {
		p.fileDir = dir
	}
}

// Player plays client audio through the first healthy path: the running
// pipeline's playback queue, a one-shot output stream opened directly on
// the default output device, or a WAV file on disk so the audio at least
// survives somewhere a human can find it.
type Player struct {
	chain   *Chain[Sink]
	breaker CircuitBreakerConfig
	fileDir string
}

// NewPlayer assembles the playback chain for the given pipeline and host.
// cfg fixes the sample rate and channel count of everything played.
func NewPlayer(pipe PlaybackPipeline, host audio.Host, cfg audio.StreamConfig, opts ...PlayerOption) *Player {
	p := &Player{fileDir: os.TempDir()}
	for _, o := range opts {
		o(p)
	}
	p.chain = NewChain[Sink](ChainConfig{Breaker: p.breaker}).
		Add("pipeline", &pipelineSink{pipe: pipe}).
		Add("direct-output", &directSink{host: host, cfg: cfg}).
		Add("wav-file", &wavSink{dir: p.fileDir, cfg: cfg})
	return p
}

// Play pushes samples through the chain. Exhaustion surfaces as
// [ErrNoResult]; the caller substitutes silence.
func (p *Player) Play(ctx context.Context, samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	return p.chain.Execute(func(s Sink) error {
		return s.Play(ctx, samples)
	})
}

// ─── Pipeline sink ────────────────────────────────────────────────────────────

// pipelineSink enqueues into the running pipeline's playback buffer.
type pipelineSink struct {
	pipe PlaybackPipeline
}

func (s *pipelineSink) Play(_ context.Context, samples []float32) error {
	if st := s.pipe.State(); st != pipeline.StateRunning {
		return fmt.Errorf("resilience: enqueue in state %s: %w", st, pipeline.ErrNotRunning)
	}
	s.pipe.PlayAudio(samples)
	return nil
}

// ─── Direct output sink ───────────────────────────────────────────────────────

// directSink opens a throwaway output stream on the platform default
// device, feeds it the samples, and tears it down again. It is the escape
// hatch for audio that arrives while the pipeline is down.
type directSink struct {
	host audio.Host
	cfg  audio.StreamConfig
}

func (s *directSink) Play(ctx context.Context, samples []float32) error {
	cfg := s.cfg
	cfg.OutputDevice = ""
	cfg.Duplex = false

	var (
		mu   sync.Mutex
		off  int
		once sync.Once
	)
	done := make(chan struct{})
	stream, err := s.host.OpenOutput(cfg, func(out []float32) {
		mu.Lock()
		defer mu.Unlock()
		n := copy(out, samples[off:])
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
		off += n
		if off >= len(samples) {
			once.Do(func() { close(done) })
		}
	})
	if err != nil {
		return fmt.Errorf("resilience: open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("resilience: start output stream: %w", err)
	}
	defer stream.Stop()

	// Real time for the clip itself plus a grace period for device startup.
	budget := clipDuration(cfg, len(samples)) + time.Second
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("resilience: output stream stalled")
	}
}

func clipDuration(cfg audio.StreamConfig, samples int) time.Duration {
	perSecond := cfg.SampleRate * cfg.Channels
	if perSecond <= 0 {
		return 0
	}
	return time.Duration(float64(samples) / float64(perSecond) * float64(time.Second))
}

// ─── WAV file sink ────────────────────────────────────────────────────────────

// wavSink writes the samples to a WAV file and reads them back to verify
// the write. The file is kept on success; its path is the only place the
// audio still exists.
type wavSink struct {
	dir string
	cfg audio.StreamConfig
}

func (s *wavSink) Play(_ context.Context, samples []float32) error {
	f, err := os.CreateTemp(s.dir, "duplexa-*.wav")
	if err != nil {
		return fmt.Errorf("resilience: create wav file: %w", err)
	}
	path := f.Name()
	fail := func(err error) error {
		f.Close()
		os.Remove(path)
		return err
	}

	enc := wav.NewEncoder(f, s.cfg.SampleRate, 16, s.cfg.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			SampleRate:  s.cfg.SampleRate,
			NumChannels: s.cfg.Channels,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, v := range samples {
		buf.Data[i] = int(v * math.MaxInt16)
	}
	if err := enc.Write(buf); err != nil {
		return fail(fmt.Errorf("resilience: write wav: %w", err))
	}
	if err := enc.Close(); err != nil {
		return fail(fmt.Errorf("resilience: finalize wav: %w", err))
	}
	if err := f.Close(); err != nil {
		return fail(fmt.Errorf("resilience: close wav: %w", err))
	}

	if err := verifyWAV(path, len(samples)); err != nil {
		os.Remove(path)
		return err
	}

	slog.Info("audio diverted to file", "path", path, "samples", len(samples))
	return nil
}

// verifyWAV re-reads the file and checks the sample count survived the
// round trip.
func verifyWAV(path string, want int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("resilience: reopen wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("resilience: wav verify: invalid file: %v", dec.Err())
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("resilience: wav verify: %w", err)
	}
	if len(buf.Data) != want {
		return fmt.Errorf("resilience: wav verify: wrote %d samples, read back %d", want, len(buf.Data))
	}
	return nil
}

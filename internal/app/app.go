// Package app wires all Duplexa subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the serving loops, and Shutdown tears everything
// down in order.
//
// The audio host is injected by the caller: cmd/duplexa passes the PortAudio
// backend, tests pass a scripted mock. Everything else is constructed from
// the config; use functional options to override pieces for testing.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplexa/internal/config"
	"github.com/MrWong99/duplexa/internal/devices"
	"github.com/MrWong99/duplexa/internal/health"
	"github.com/MrWong99/duplexa/internal/observe"
	"github.com/MrWong99/duplexa/internal/pipeline"
	"github.com/MrWong99/duplexa/internal/resilience"
	"github.com/MrWong99/duplexa/internal/transport"
	"github.com/MrWong99/duplexa/pkg/audio"
	"github.com/MrWong99/duplexa/pkg/audio/dsp"
)

// defaultStatsInterval is how often pipeline and transport counters are
// converted into OTel measurements.
const defaultStatsInterval = 10 * time.Second

// serverStopGrace bounds how long an HTTP listener may take to drain its
// in-flight requests once the run context ends.
const serverStopGrace = 5 * time.Second

// App owns all subsystem lifetimes and runs the duplex audio service.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	statsInterval time.Duration

	// Subsystems — initialised in New, torn down in Shutdown.
	host   audio.Host
	mgr    *devices.Manager
	pipe   *pipeline.Pipeline
	player *resilience.Player
	ts     *transport.Server // nil when transport.enabled is false
	health *health.Handler

	// lastStats and lastTraffic hold the previous counter snapshots the
	// stats bridge diffs against. Only the stats goroutine touches them.
	lastStats   pipeline.Statistics
	lastTraffic transport.TrafficStats

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics set instead of initialising the global OTel
// providers. Tests pair this with a manual-reader meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithStatsInterval overrides how often counters are exported. Tests shrink
// it to observe the bridge without waiting.
func WithStatsInterval(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.statsInterval = d
		}
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems around the given audio host.
// cfg must have passed [config.Validate]. The host stays owned by the
// caller: the app never closes it.
func New(ctx context.Context, cfg *config.Config, host audio.Host, opts ...Option) (*App, error) {
	a := &App{
		cfg:           cfg,
		host:          host,
		statsInterval: defaultStatsInterval,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Device manager ────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. Fallback player ───────────────────────────────────────────────
	a.player = resilience.NewPlayer(a.pipe, a.host, cfg.ToStreamConfig())

	// ── 5. Transport ─────────────────────────────────────────────────────
	if err := a.initTransport(); err != nil {
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	// ── 6. Health checkers ───────────────────────────────────────────────
	a.health = health.New(
		health.AudioHost(a.host),
		health.Pipeline(a.pipe),
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the global OTel providers and the instrument set,
// unless a metrics set was injected.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initDevices creates the device manager and points it at the devices the
// config names. Names resolve through the same fuzzy lookup the transport's
// set_device command uses, so "usb mic" finds "USB Microphone (C920)".
func (a *App) initDevices() error {
	mgr, err := devices.NewManager(a.host,
		devices.WithPollInterval(a.cfg.Devices.PollInterval.Std()),
	)
	if err != nil {
		return err
	}
	a.mgr = mgr

	if q := a.cfg.Stream.InputDevice; q != "" {
		dev, err := mgr.Find(q, audio.DeviceInput)
		if err != nil {
			return fmt.Errorf("input device %q: %w", q, err)
		}
		if err := mgr.SetDevice(dev.ID, audio.DeviceInput); err != nil {
			return err
		}
		slog.Info("input device selected", "query", q, "device", dev.Name)
	}
	if q := a.cfg.Stream.OutputDevice; q != "" {
		dev, err := mgr.Find(q, audio.DeviceOutput)
		if err != nil {
			return fmt.Errorf("output device %q: %w", q, err)
		}
		if err := mgr.SetDevice(dev.ID, audio.DeviceOutput); err != nil {
			return err
		}
		slog.Info("output device selected", "query", q, "device", dev.Name)
	}
	return nil
}

// initPipeline builds the audio pipeline with the configured processing
// tuning and hooks the stats bridge into it.
func (a *App) initPipeline() error {
	p, err := pipeline.New(a.host, a.mgr, a.cfg.ToStreamConfig(),
		pipeline.WithEchoOptions(echoOptions(a.cfg.Processing.Echo)...),
		pipeline.WithNoiseOptions(noiseOptions(a.cfg.Processing.Noise)...),
		pipeline.WithGainOptions(gainOptions(a.cfg.Processing.Gain)...),
		pipeline.WithErrorFunc(func(err error) {
			slog.Error("pipeline failure", "err", err)
		}),
		pipeline.WithStatsFunc(a.statsInterval, a.publishStats),
	)
	if err != nil {
		return err
	}
	a.pipe = p
	return nil
}

// initTransport builds the WebSocket server unless the config disables it.
// Inbound client audio goes through the fallback player, so it still plays
// when the pipeline is down.
func (a *App) initTransport() error {
	if !a.cfg.Transport.TransportEnabled() {
		slog.Info("transport disabled")
		return nil
	}

	ts, err := transport.NewServer(a.pipe, a.mgr,
		transport.WithEncoding(a.cfg.Transport.Encoding),
		transport.WithOpusBitrate(a.cfg.Transport.OpusBitrate),
		transport.WithPlayFunc(a.player.Play),
	)
	if err != nil {
		return err
	}
	a.ts = ts
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the pipeline, the device monitor, and the HTTP listeners, then
// blocks until ctx is cancelled or a listener fails. On a clean cancel it
// returns context.Canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.pipe.Start(ctx); err != nil {
		return fmt.Errorf("app: start pipeline: %w", err)
	}
	if err := a.mgr.StartMonitoring(a.onDeviceChange); err != nil {
		return fmt.Errorf("app: start device monitor: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.ts != nil {
		streamSrv := &http.Server{
			Addr:    a.cfg.Server.ListenAddr,
			Handler: a.ts.Handler(),
		}
		serve(ctx, g, streamSrv, "stream")
		g.Go(func() error {
			return a.ts.Run(ctx)
		})
	}

	// The ops listener carries everything that is not audio: health, ready,
	// metrics. Only this mux goes through the tracing middleware; the
	// stream endpoint needs the raw connection for the WebSocket hijack.
	opsMux := http.NewServeMux()
	a.health.Register(opsMux)
	opsMux.Handle("GET /metrics", promhttp.Handler())
	opsSrv := &http.Server{
		Addr:    a.cfg.Server.OpsAddr,
		Handler: observe.Middleware(a.metrics)(opsMux),
	}
	serve(ctx, g, opsSrv, "ops")

	if d := a.cfg.CalibrationWindow(); d > 0 {
		g.Go(func() error {
			slog.Info("calibrating noise profile, keep the room quiet", "duration", d)
			if err := a.pipe.CalibrateNoise(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("startup noise calibration failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"ops_addr", a.cfg.Server.OpsAddr,
		"transport", a.ts != nil,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// serve runs srv inside g and shuts it down when ctx ends.
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, name string) {
	g.Go(func() error {
		slog.Info("http server listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: %s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), serverStopGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: stop %s server: %w", name, err)
		}
		return nil
	})
}

// onDeviceChange counts hot-plug events and lets the pipeline retarget.
func (a *App) onDeviceChange(added, removed []audio.DeviceInfo) {
	ctx := context.Background()
	for _, d := range added {
		a.metrics.RecordDeviceChange(ctx, "added", d.Type().String())
	}
	for _, d := range removed {
		a.metrics.RecordDeviceChange(ctx, "removed", d.Type().String())
	}
	a.pipe.HandleDeviceChange(added, removed)
}

// publishStats converts cumulative pipeline and transport counters into OTel
// measurements. It runs on the pipeline's stats goroutine, so the snapshot
// fields need no locking.
func (a *App) publishStats(s pipeline.Statistics) {
	ctx := context.Background()
	prev := a.lastStats
	a.lastStats = s

	a.metrics.RecordFrames(ctx, "capture", int64(s.FramesCaptured-prev.FramesCaptured))
	a.metrics.RecordFrames(ctx, "playback", int64(s.FramesPlayed-prev.FramesPlayed))
	a.metrics.RecordProcessingFailures(ctx, "dsp", int64(s.ProcessingFailures-prev.ProcessingFailures))
	a.metrics.RecordProcessingFailures(ctx, "callback", int64(s.Panics-prev.Panics))
	a.metrics.RecordBufferDrops(ctx, "capture",
		int64(s.Input.Overflows-prev.Input.Overflows),
		int64(s.Input.Underflows-prev.Input.Underflows))
	a.metrics.RecordBufferDrops(ctx, "playback",
		int64(s.Output.Overflows-prev.Output.Overflows),
		int64(s.Output.Underflows-prev.Output.Underflows))

	if dc := s.Callbacks - prev.Callbacks; dc > 0 {
		mean := (s.CallbackTime - prev.CallbackTime).Seconds() / float64(dc)
		a.metrics.RecordCallbackDuration(ctx, mean)
	}

	if a.ts != nil {
		tr := a.ts.Traffic()
		prevTr := a.lastTraffic
		a.lastTraffic = tr
		a.metrics.RecordTransportMessages(ctx, "inbound", int64(tr.MessagesIn-prevTr.MessagesIn))
		a.metrics.RecordTransportMessages(ctx, "outbound", int64(tr.MessagesOut-prevTr.MessagesOut))
		a.metrics.AddTransportClients(ctx, int64(tr.Clients-prevTr.Clients))
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the monitor and the pipeline, then runs the closers in
// order. It respects the context deadline: if ctx expires, remaining closers
// are skipped and the context error is returned. Safe to call repeatedly.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		a.mgr.StopMonitoring()
		if err := a.pipe.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
			slog.Warn("pipeline stop", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Processing tuning ───────────────────────────────────────────────────────

// echoOptions translates config tuning into canceller options. Zero values
// keep the canceller's defaults.
func echoOptions(c config.EchoConfig) []dsp.EchoOption {
	var opts []dsp.EchoOption
	if c.FilterLength > 0 {
		opts = append(opts, dsp.WithFilterLength(c.FilterLength))
	}
	if c.StepSize > 0 {
		opts = append(opts, dsp.WithStepSize(c.StepSize))
	}
	return opts
}

func noiseOptions(c config.NoiseConfig) []dsp.NoiseOption {
	var opts []dsp.NoiseOption
	if c.OverSubtraction > 0 {
		opts = append(opts, dsp.WithOverSubtraction(c.OverSubtraction))
	}
	if c.SpectralFloor > 0 {
		opts = append(opts, dsp.WithSpectralFloor(c.SpectralFloor))
	}
	return opts
}

func gainOptions(c config.GainConfig) []dsp.GainOption {
	var opts []dsp.GainOption
	if c.TargetLevel > 0 {
		opts = append(opts, dsp.WithTargetLevel(c.TargetLevel))
	}
	if c.Attack > 0 {
		opts = append(opts, dsp.WithAttack(c.Attack.Std().Seconds()))
	}
	if c.Release > 0 {
		opts = append(opts, dsp.WithRelease(c.Release.Std().Seconds()))
	}
	return opts
}

// Command duplexa is the main entry point for the Duplexa audio server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/duplexa/internal/app"
	"github.com/MrWong99/duplexa/internal/config"
	"github.com/MrWong99/duplexa/pkg/audio"
	"github.com/MrWong99/duplexa/pkg/audio/portaudio"
)

// version is stamped at build time via -ldflags "-X main.version=v1.2.3".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available audio devices and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("duplexa", version)
		return 0
	}
	if *listDevices {
		return runListDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplexa: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplexa: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("duplexa starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Audio host ────────────────────────────────────────────────────────────
	host, err := portaudio.NewHost()
	if err != nil {
		slog.Error("failed to initialise audio host", "err", err)
		return 1
	}
	defer func() {
		if err := host.Close(); err != nil {
			slog.Warn("audio host close error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, host)

	application, err := app.New(ctx, cfg, host)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Device listing ────────────────────────────────────────────────────────────

// runListDevices prints every device the audio backend reports.
func runListDevices() int {
	host, err := portaudio.NewHost()
	if err != nil {
		fmt.Fprintf(os.Stderr, "duplexa: %v\n", err)
		return 1
	}
	defer host.Close()

	devs, err := host.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "duplexa: list devices: %v\n", err)
		return 1
	}
	if len(devs) == 0 {
		fmt.Println("no audio devices found")
		return 0
	}

	for _, d := range devs {
		marks := ""
		if d.DefaultInput {
			marks += " [default in]"
		}
		if d.DefaultOutput {
			marks += " [default out]"
		}
		fmt.Printf("%-12s  in:%-3d out:%-3d  %6.0f Hz  %s (%s)%s\n",
			d.ID, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate,
			d.Name, d.HostAPI, marks)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, host audio.Host) {
	deviceCount := "unknown"
	if devs, err := host.Devices(); err == nil {
		deviceCount = fmt.Sprintf("%d", len(devs))
	}

	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║         Duplexa — startup summary      ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Stream", fmt.Sprintf("%d Hz x%d %s", cfg.Stream.SampleRate, cfg.Stream.Channels, cfg.Stream.Format))
	printRow("Frame", fmt.Sprintf("%d samples x%d", cfg.Stream.FrameSize, cfg.Stream.BufferDepth))
	printRow("Duplex", onOff(cfg.Stream.DuplexEnabled()))
	printRow("Echo cancel", onOff(cfg.Processing.EchoCancel))
	printRow("Noise suppress", onOff(cfg.Processing.NoiseSuppress))
	printRow("Auto gain", onOff(cfg.Processing.AutoGain))
	if cfg.Transport.TransportEnabled() {
		printRow("Transport", cfg.Transport.Encoding)
	} else {
		printRow("Transport", "(disabled)")
	}
	printRow("Audio devices", deviceCount)
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Ops addr", cfg.Server.OpsAddr)
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

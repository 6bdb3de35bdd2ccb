// Command loopcast captures what the machine is playing and streams it to
// browsers on the local network over WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/loopcast/internal/app"
	"github.com/MrWong99/loopcast/internal/config"
	"github.com/MrWong99/loopcast/internal/observe"
	"github.com/MrWong99/loopcast/pkg/audio"
	"github.com/MrWong99/loopcast/pkg/audio/loopback"
	"github.com/MrWong99/loopcast/pkg/audio/sine"
)

var version = "dev"

const (
	defaultConfigPath = "loopcast.yaml"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options holds the flags shared by every subcommand.
type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "loopcast",
		Short:        "Stream system audio to browsers on the local network",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")

	root.AddCommand(newServeCmd(opts), newDevicesCmd(opts))
	return root
}

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCmd(opts *options) *cobra.Command {
	var start app.StartOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Capture the selected device and serve the stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts, start)
		},
	}
	cmd.Flags().StringVarP(&start.Device, "device", "d", "", `device to capture: "default", a device id or an index (overrides capture.device)`)
	cmd.Flags().IntVarP(&start.Port, "port", "p", 0, "TCP port to listen on (overrides the port of server.listen_addr)")
	return cmd
}

func serve(cmd *cobra.Command, opts *options, start app.StartOptions) error {
	if start.Port < 0 || start.Port > 65535 {
		return fmt.Errorf("invalid port %d", start.Port)
	}

	cfg, watchable, err := loadConfig(cmd, opts.configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := newLogger(cmd.ErrOrStderr(), &level)
	slog.SetDefault(logger)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		PrometheusBridge: cfg.Telemetry.MetricsEnabled(),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	application, err := app.New(cfg, reg, app.WithLevelVar(&level), app.WithLogger(logger))
	if err != nil {
		return err
	}

	if watchable {
		w, err := config.NewWatcher(opts.configPath, application.ApplyConfig,
			config.WithErrorHandler(func(err error) {
				slog.Warn("config reload rejected, keeping previous configuration", "err", err)
			}),
		)
		if err != nil {
			return err
		}
		defer w.Stop()
		slog.Info("watching config for changes", "path", w.Path())
	}

	if err := application.Start(ctx, start); err != nil {
		if errors.Is(err, app.ErrPortInUse) {
			return fmt.Errorf("%w; choose another with --port", err)
		}
		return err
	}
	printStartupSummary(cmd.OutOrStdout(), cfg, application)
	slog.Info("server ready, press Ctrl+C to shut down")

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case runErr = <-application.Failures():
		slog.Error("streaming stopped", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Close(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		runErr = errors.Join(runErr, err)
	}
	slog.Info("goodbye")
	return runErr
}

// loadConfig loads path. A missing file at the default location falls back
// to built-in defaults; watchable reports whether the file exists and can be
// hot-reloaded.
func loadConfig(cmd *cobra.Command, path string) (cfg *config.Config, watchable bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		return config.Default(), false, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	default:
		return nil, false, err
	}
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the capture backends that ship with loopcast
// into reg.
func registerBuiltinBackends(reg *config.Registry) {
	for _, name := range []string{
		loopback.NameAuto, loopback.NameWASAPI, loopback.NamePulseAudio,
		loopback.NameALSA, loopback.NameCoreAudio,
	} {
		reg.RegisterBackend(name, func(config.CaptureConfig) (audio.Backend, error) {
			b, err := loopback.New(name)
			if err != nil {
				return nil, err
			}
			return b, nil
		})
	}

	reg.RegisterBackend(config.SineBackend, func(c config.CaptureConfig) (audio.Backend, error) {
		return sine.New(
			sine.WithFrequency(c.SineFrequency),
			sine.WithFormat(c.SineSampleRate, c.SineChannels),
		), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered capture backend", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, a *app.App) {
	device, rate := "(none)", 0
	if info, ok := a.Controller().Info(); ok {
		device, rate = info.Device.Name, info.Format.SampleRate
	}
	metrics := "(disabled)"
	if cfg.Telemetry.MetricsEnabled() {
		metrics = "/metrics"
	}
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║            loopcast · startup summary         ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════════════╣")
	printRow(w, "Backend", cfg.Capture.Backend)
	printRow(w, "Device", device)
	printRow(w, "Sample rate", fmt.Sprintf("%d Hz → stereo s16le", rate))
	printRow(w, "Send timeout", cfg.Dispatch.SendTimeout.String())
	printRow(w, "Metrics", metrics)
	printRow(w, "Listen on", a.URL())
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if r := []rune(value); len(r) > 29 {
		value = string(r[:28]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s : %-29s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

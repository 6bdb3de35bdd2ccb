package config_test

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/loopcast/internal/config"
	"github.com/MrWong99/loopcast/pkg/audio"
	"github.com/MrWong99/loopcast/pkg/audio/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  public_host: studio.local
  allowed_origins:
    - "*.studio.local"
  tls:
    cert_file: /etc/loopcast/cert.pem
    key_file: /etc/loopcast/key.pem

capture:
  backend: sine
  device: sine
  period_frames: 480
  sine_frequency: 880
  sine_sample_rate: 48000
  sine_channels: 2

dispatch:
  send_timeout: 8ms

telemetry:
  metrics: false
  service_name: loopcast-test
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9000")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Server.PublicHost != "studio.local" {
		t.Errorf("server.public_host: got %q", cfg.Server.PublicHost)
	}
	if want := []string{"*.studio.local"}; !reflect.DeepEqual(cfg.Server.AllowedOrigins, want) {
		t.Errorf("server.allowed_origins: got %v, want %v", cfg.Server.AllowedOrigins, want)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "/etc/loopcast/cert.pem" {
		t.Errorf("server.tls: got %+v", cfg.Server.TLS)
	}
	if cfg.Capture.Backend != "sine" || cfg.Capture.Device != "sine" {
		t.Errorf("capture: got %+v", cfg.Capture)
	}
	if cfg.Capture.PeriodFrames != 480 {
		t.Errorf("capture.period_frames: got %d, want 480", cfg.Capture.PeriodFrames)
	}
	if cfg.Capture.SineFrequency != 880 || cfg.Capture.SineChannels != 2 {
		t.Errorf("capture sine settings: got %+v", cfg.Capture)
	}
	if cfg.Dispatch.SendTimeout != 8*time.Millisecond {
		t.Errorf("dispatch.send_timeout: got %v, want 8ms", cfg.Dispatch.SendTimeout)
	}
	if cfg.Telemetry.MetricsEnabled() {
		t.Error("telemetry.metrics: got enabled, want disabled")
	}
	if cfg.Telemetry.ServiceName != "loopcast-test" {
		t.Errorf("telemetry.service_name: got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
		}
		if cfg.Capture.Backend != "auto" || cfg.Capture.Device != "default" {
			t.Errorf("capture: got %+v", cfg.Capture)
		}
		if cfg.Dispatch.SendTimeout != 15*time.Millisecond {
			t.Errorf("send_timeout: got %v, want 15ms", cfg.Dispatch.SendTimeout)
		}
		if !cfg.Telemetry.MetricsEnabled() {
			t.Error("metrics disabled by default")
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("capture:\n  devise: default\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if !cfg.Telemetry.MetricsEnabled() {
		t.Error("example config disables metrics")
	}
	got, want := *cfg, *config.Default()
	got.Telemetry.Metrics, want.Telemetry.Metrics = nil, nil
	if !reflect.DeepEqual(got, want) {
		t.Errorf("example config = %+v, want defaults %+v", got, want)
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := config.Validate(config.Default()); err != nil {
		t.Fatalf("Default() is invalid: %v", err)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"listen addr", "server:\n  listen_addr: localhost\n", "listen_addr"},
		{"half tls", "server:\n  tls:\n    cert_file: a.pem\n", "tls"},
		{"origin pattern", "server:\n  allowed_origins: [\"[studio\"]\n", "allowed_origins"},
		{"backend", "capture:\n  backend: jack\n", "capture.backend"},
		{"negative period", "capture:\n  period_frames: -1\n", "period_frames"},
		{"sine channels", "capture:\n  sine_channels: 6\n", "sine_channels"},
		{"negative timeout", "dispatch:\n  send_timeout: -1ms\n", "send_timeout"},
		{"timeout above default period", "dispatch:\n  send_timeout: 25ms\n", "shorter than the capture period"},
		{"timeout above sine period", "capture:\n  backend: sine\n  period_frames: 240\ndispatch:\n  send_timeout: 6ms\n", "shorter than the capture period"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.mention) {
				t.Errorf("error should mention %q, got: %v", tc.mention, err)
			}
		})
	}
}

func TestValidate_UnknownDevicePeriodSkipsTimeoutCheck(t *testing.T) {
	// The period of an explicit frame count depends on the device rate,
	// which is unknown until capture starts.
	yaml := "capture:\n  period_frames: 256\ndispatch:\n  send_timeout: 50ms\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Capture.Backend = "jack"
	cfg.Capture.PeriodFrames = -5

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "capture.backend", "period_frames"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.SlogLevel(); got != tc.want {
			t.Errorf("%q.SlogLevel() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCaptureConfig_Period(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.CaptureConfig
		want   time.Duration
		wantOK bool
	}{
		{"default", config.CaptureConfig{}, 20 * time.Millisecond, true},
		{"sine frames", config.CaptureConfig{Backend: "sine", PeriodFrames: 480, SineSampleRate: 48000}, 10 * time.Millisecond, true},
		{"device frames", config.CaptureConfig{Backend: "wasapi", PeriodFrames: 480}, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.cfg.Period()
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("Period() = %v, %v; want %v, %v", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownBackend(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateBackend(config.CaptureConfig{Backend: "jack"})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("expected ErrBackendNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredBackend(t *testing.T) {
	reg := config.NewRegistry()
	want := &mock.Backend{NameResult: "stub"}
	var got config.CaptureConfig
	reg.RegisterBackend("stub", func(cfg config.CaptureConfig) (audio.Backend, error) {
		got = cfg
		return want, nil
	})

	b, err := reg.CreateBackend(config.CaptureConfig{Backend: "stub", SineFrequency: 220})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != want {
		t.Error("CreateBackend returned a different backend")
	}
	if got.SineFrequency != 220 {
		t.Errorf("factory received %+v", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	boom := errors.New("no audio subsystem")
	reg.RegisterBackend("broken", func(config.CaptureConfig) (audio.Backend, error) {
		return nil, boom
	})

	_, err := reg.CreateBackend(config.CaptureConfig{Backend: "broken"})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped factory error, got %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := config.NewRegistry()
	for _, n := range []string{"sine", "alsa", "wasapi"} {
		reg.RegisterBackend(n, func(config.CaptureConfig) (audio.Backend, error) { return nil, nil })
	}
	got := strings.Join(reg.Names(), ",")
	if got != "alsa,sine,wasapi" {
		t.Errorf("Names() = %s, want alsa,sine,wasapi", got)
	}
}

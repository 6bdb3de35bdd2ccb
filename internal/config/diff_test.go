package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/loopcast/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(config.Default(), config.Default())
	if d.LogLevelChanged || d.CaptureChanged || d.DispatchChanged || d.ServerChanged || d.TelemetryChanged {
		t.Errorf("expected no changes, got %+v", d)
	}
	if d.RestartSession() || d.RequiresProcessRestart() {
		t.Error("no-op diff requests a restart")
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	off := false
	tests := []struct {
		name           string
		mutate         func(*config.Config)
		check          func(config.ConfigDiff) bool
		restart        bool
		processRestart bool
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(d config.ConfigDiff) bool {
				return d.LogLevelChanged && d.NewLogLevel == config.LogDebug
			},
		},
		{
			name:    "capture device",
			mutate:  func(c *config.Config) { c.Capture.Device = "3" },
			check:   func(d config.ConfigDiff) bool { return d.CaptureChanged },
			restart: true,
		},
		{
			name:    "sine tone",
			mutate:  func(c *config.Config) { c.Capture.SineFrequency = 220 },
			check:   func(d config.ConfigDiff) bool { return d.CaptureChanged },
			restart: true,
		},
		{
			name:    "send timeout",
			mutate:  func(c *config.Config) { c.Dispatch.SendTimeout = 5 * time.Millisecond },
			check:   func(d config.ConfigDiff) bool { return d.DispatchChanged },
			restart: true,
		},
		{
			name:           "listen addr",
			mutate:         func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			check:          func(d config.ConfigDiff) bool { return d.ServerChanged },
			processRestart: true,
		},
		{
			name:           "allowed origins",
			mutate:         func(c *config.Config) { c.Server.AllowedOrigins = []string{"*.lan"} },
			check:          func(d config.ConfigDiff) bool { return d.ServerChanged },
			processRestart: true,
		},
		{
			name:           "tls added",
			mutate:         func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} },
			check:          func(d config.ConfigDiff) bool { return d.ServerChanged },
			processRestart: true,
		},
		{
			name:           "metrics disabled",
			mutate:         func(c *config.Config) { c.Telemetry.Metrics = &off },
			check:          func(d config.ConfigDiff) bool { return d.TelemetryChanged },
			processRestart: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, updated := config.Default(), config.Default()
			tc.mutate(updated)
			d := config.Diff(old, updated)
			if !tc.check(d) {
				t.Errorf("diff = %+v", d)
			}
			if d.RestartSession() != tc.restart {
				t.Errorf("RestartSession() = %v, want %v", d.RestartSession(), tc.restart)
			}
			if d.RequiresProcessRestart() != tc.processRestart {
				t.Errorf("RequiresProcessRestart() = %v, want %v", d.RequiresProcessRestart(), tc.processRestart)
			}
		})
	}
}

func TestDiff_EqualTLSIsNoChange(t *testing.T) {
	t.Parallel()
	old, updated := config.Default(), config.Default()
	old.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	updated.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	if d := config.Diff(old, updated); d.ServerChanged {
		t.Error("identical TLS settings reported as changed")
	}
}

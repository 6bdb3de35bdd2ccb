package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CaptureChanged is true if any capture setting changed.
	CaptureChanged bool

	// DispatchChanged is true if any dispatch setting changed.
	DispatchChanged bool

	// ServerChanged is true if the listen address, public host, allowed
	// origins or TLS settings changed. These need a process restart to take
	// effect.
	ServerChanged bool

	// TelemetryChanged is true if telemetry settings changed. These need a
	// process restart to take effect.
	TelemetryChanged bool
}

// RestartSession reports whether a running capture session must be
// restarted to pick up the change.
func (d ConfigDiff) RestartSession() bool {
	return d.CaptureChanged || d.DispatchChanged
}

// RequiresProcessRestart reports whether the change cannot be applied to a
// running process.
func (d ConfigDiff) RequiresProcessRestart() bool {
	return d.ServerChanged || d.TelemetryChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.CaptureChanged = old.Capture != new.Capture
	d.DispatchChanged = old.Dispatch != new.Dispatch

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.PublicHost != new.Server.PublicHost ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) ||
		!equalTLS(old.Server.TLS, new.Server.TLS) {
		d.ServerChanged = true
	}

	if old.Telemetry.MetricsEnabled() != new.Telemetry.MetricsEnabled() ||
		old.Telemetry.ServiceName != new.Telemetry.ServiceName {
		d.TelemetryChanged = true
	}

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

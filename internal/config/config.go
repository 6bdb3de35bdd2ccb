// Package config provides the configuration schema, loader, file watcher and
// capture backend registry for loopcast.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the loopcast server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the corresponding [slog.Level]. Unknown or empty
// levels map to [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8000"
	DefaultBackend        = "auto"
	DefaultDevice         = "default"
	DefaultSineFrequency  = 440.0
	DefaultSineSampleRate = 48000
	DefaultSineChannels   = 1
	DefaultSendTimeout    = 15 * time.Millisecond
	DefaultServiceName    = "loopcast"
)

// DefaultPeriod is the capture period used when capture.period_frames is 0.
const DefaultPeriod = 20 * time.Millisecond

// Config is the root configuration structure for loopcast.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicHost is the host shown in the connection URL. When empty the
	// machine's LAN address is detected.
	PublicHost string `yaml:"public_host"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns (path.Match syntax) of pages on
	// other origins allowed to open the stream. Same-origin connections are
	// always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds paths to TLS certificate and key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CaptureConfig selects the audio backend and device.
type CaptureConfig struct {
	// Backend names a registered capture backend (see [Registry]).
	Backend string `yaml:"backend"`

	// Device is "default", a device ID, or a native device index.
	Device string `yaml:"device"`

	// PeriodFrames is the number of frames per capture period. Zero selects
	// 20 ms of audio at the device's sample rate.
	PeriodFrames int `yaml:"period_frames"`

	// SineFrequency is the tone frequency in Hz of the sine backend.
	SineFrequency float64 `yaml:"sine_frequency"`

	// SineSampleRate is the sample rate of the sine backend.
	SineSampleRate int `yaml:"sine_sample_rate"`

	// SineChannels is the channel count of the sine backend.
	SineChannels int `yaml:"sine_channels"`
}

// DispatchConfig tunes frame delivery.
type DispatchConfig struct {
	// SendTimeout is the per-subscriber deadline for one frame. It must be
	// shorter than the capture period.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// TelemetryConfig controls metrics export.
type TelemetryConfig struct {
	// Metrics enables the /metrics endpoint. Defaults to true.
	Metrics *bool `yaml:"metrics"`

	// ServiceName is the service name reported in telemetry.
	ServiceName string `yaml:"service_name"`
}

// MetricsEnabled reports whether /metrics should be served.
func (t TelemetryConfig) MetricsEnabled() bool {
	return t.Metrics == nil || *t.Metrics
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = DefaultBackend
	}
	if cfg.Capture.Device == "" {
		cfg.Capture.Device = DefaultDevice
	}
	if cfg.Capture.SineFrequency == 0 {
		cfg.Capture.SineFrequency = DefaultSineFrequency
	}
	if cfg.Capture.SineSampleRate == 0 {
		cfg.Capture.SineSampleRate = DefaultSineSampleRate
	}
	if cfg.Capture.SineChannels == 0 {
		cfg.Capture.SineChannels = DefaultSineChannels
	}
	if cfg.Dispatch.SendTimeout == 0 {
		cfg.Dispatch.SendTimeout = DefaultSendTimeout
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

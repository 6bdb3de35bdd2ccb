package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the capture backends registered by the loopcast
// binary. Used by [Validate] to reject typos early.
var ValidBackendNames = []string{"auto", "wasapi", "pulseaudio", "alsa", "coreaudio", "sine"}

// SineBackend is the name of the synthetic test backend.
const SineBackend = "sine"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes parses an in-memory config document.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", cfg.Server.ListenAddr, err))
		}
	}
	if tls := cfg.Server.TLS; tls != nil {
		if (tls.CertFile == "") != (tls.KeyFile == "") {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	for _, pattern := range cfg.Server.AllowedOrigins {
		if _, err := path.Match(pattern, ""); err != nil {
			errs = append(errs, fmt.Errorf("server.allowed_origins pattern %q is invalid: %w", pattern, err))
		}
	}

	// Capture
	c := cfg.Capture
	if c.Backend != "" && !slices.Contains(ValidBackendNames, c.Backend) {
		errs = append(errs, fmt.Errorf("capture.backend %q is invalid; valid values: %v", c.Backend, ValidBackendNames))
	}
	if c.PeriodFrames < 0 {
		errs = append(errs, fmt.Errorf("capture.period_frames %d must not be negative", c.PeriodFrames))
	}
	if c.SineFrequency < 0 {
		errs = append(errs, fmt.Errorf("capture.sine_frequency %.1f must be positive", c.SineFrequency))
	}
	if c.SineSampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sine_sample_rate %d must be positive", c.SineSampleRate))
	}
	if c.SineChannels < 0 || c.SineChannels > 2 {
		errs = append(errs, fmt.Errorf("capture.sine_channels %d is invalid; valid values: 1, 2", c.SineChannels))
	}
	if c.Backend == SineBackend && c.SineSampleRate > 0 && c.SineFrequency*2 > float64(c.SineSampleRate) {
		slog.Warn("capture.sine_frequency is above the Nyquist frequency and will alias",
			"frequency", c.SineFrequency,
			"sample_rate", c.SineSampleRate,
		)
	}

	// Dispatch
	timeout := cfg.Dispatch.SendTimeout
	if timeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.send_timeout %v must not be negative", timeout))
	} else if period, ok := c.Period(); ok && timeout >= period {
		errs = append(errs, fmt.Errorf("dispatch.send_timeout %v must be shorter than the capture period %v", timeout, period))
	}

	return errors.Join(errs...)
}

// Period returns the capture period implied by c. ok is false when the
// period depends on a device sample rate that is not known until capture
// starts.
func (c CaptureConfig) Period() (period time.Duration, ok bool) {
	if c.PeriodFrames == 0 {
		return DefaultPeriod, true
	}
	if c.Backend == SineBackend && c.SineSampleRate > 0 {
		return time.Duration(c.PeriodFrames) * time.Second / time.Duration(c.SineSampleRate), true
	}
	return 0, false
}

// Package loopback implements [audio.Backend] on top of miniaudio (through
// github.com/gen2brain/malgo) for capturing what the system is rendering.
//
// Loopback support differs per audio API:
//
//   - WASAPI captures any render endpoint directly; every playback device is
//     loopback-capable and is opened with the loopback device type.
//   - PulseAudio (and PipeWire's Pulse server) exposes a "Monitor of …"
//     capture source for each sink.
//   - ALSA and CoreAudio need a virtual loopback device (snd-aloop,
//     BlackHole, Soundflower); capture devices whose names match those are
//     reported as loopback-capable.
package loopback

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/loopcast/pkg/audio"
)

// ErrDeviceStopped is returned by Read when the device stops on its own,
// e.g. because the endpoint was unplugged or reconfigured.
var ErrDeviceStopped = errors.New("loopback: device stopped unexpectedly")

// periodQueueDepth is how many completed periods may wait for the reader
// before the oldest is discarded.
const periodQueueDepth = 4

// Names accepted by [New].
const (
	NameAuto       = "auto"
	NameWASAPI     = "wasapi"
	NamePulseAudio = "pulseaudio"
	NameALSA       = "alsa"
	NameCoreAudio  = "coreaudio"
)

// virtualLoopbackHints are substrings identifying virtual loopback capture
// devices on APIs without native loopback.
var virtualLoopbackHints = []string{"loopback", "monitor", "blackhole", "soundflower", "stereo mix"}

// Backend is a miniaudio-backed [audio.Backend]. The miniaudio context is
// created lazily on first use so that constructing a Backend never touches
// the audio subsystem.
type Backend struct {
	name     string
	backends []malgo.Backend

	mu   sync.Mutex
	mctx *malgo.AllocatedContext
}

// New returns a backend for the named audio API. "auto" (or "") selects the
// platform's native API.
func New(name string) (*Backend, error) {
	if name == "" || name == NameAuto {
		name = platformDefault()
	}
	var b []malgo.Backend
	switch name {
	case NameWASAPI:
		b = []malgo.Backend{malgo.BackendWasapi}
	case NamePulseAudio:
		b = []malgo.Backend{malgo.BackendPulseaudio}
	case NameALSA:
		b = []malgo.Backend{malgo.BackendAlsa}
	case NameCoreAudio:
		b = []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil, fmt.Errorf("loopback: unknown audio API %q", name)
	}
	return &Backend{name: name, backends: b}, nil
}

func platformDefault() string {
	switch runtime.GOOS {
	case "windows":
		return NameWASAPI
	case "darwin":
		return NameCoreAudio
	default:
		return NamePulseAudio
	}
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return b.name }

// context returns the miniaudio context, initialising it on first call.
func (b *Backend) context() (*malgo.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mctx != nil {
		return b.mctx, nil
	}
	mctx, err := malgo.InitContext(b.backends, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "backend", b.name, "msg", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("loopback: init %s context: %w", b.name, err)
	}
	b.mctx = mctx
	return mctx, nil
}

// nativeLoopback reports whether the API captures render endpoints directly.
func (b *Backend) nativeLoopback() bool {
	return b.name == NameWASAPI
}

// LoopbackDevices implements [audio.Backend].
func (b *Backend) LoopbackDevices(_ context.Context) ([]audio.DeviceDescriptor, error) {
	mctx, err := b.context()
	if err != nil {
		return nil, err
	}

	kind := malgo.Capture
	if b.nativeLoopback() {
		kind = malgo.Playback
	}
	infos, err := mctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("loopback: enumerate devices: %w", err)
	}

	out := make([]audio.DeviceDescriptor, 0, len(infos))
	for i := range infos {
		d := b.describe(mctx, kind, infos[i], i)
		if !b.nativeLoopback() && !looksLikeLoopback(d.Name) {
			continue
		}
		d.Loopback = true
		d.IsDefault = false
		out = append(out, d)
	}
	return out, nil
}

// DefaultOutput implements [audio.Backend].
func (b *Backend) DefaultOutput(_ context.Context) (audio.DeviceDescriptor, error) {
	mctx, err := b.context()
	if err != nil {
		return audio.DeviceDescriptor{}, err
	}
	infos, err := mctx.Devices(malgo.Playback)
	if err != nil {
		return audio.DeviceDescriptor{}, fmt.Errorf("loopback: enumerate playback devices: %w", err)
	}
	for i := range infos {
		if infos[i].IsDefault != 0 {
			d := b.describe(mctx, malgo.Playback, infos[i], i)
			d.IsDefault = true
			return d, nil
		}
	}
	return audio.DeviceDescriptor{}, errors.New("loopback: system reports no default output device")
}

// describe converts a miniaudio device info into a descriptor, querying the
// detailed info for the native format.
func (b *Backend) describe(mctx *malgo.AllocatedContext, kind malgo.DeviceType, info malgo.DeviceInfo, index int) audio.DeviceDescriptor {
	d := audio.DeviceDescriptor{
		ID:        hex.EncodeToString(info.ID[:]),
		Index:     index,
		Name:      info.Name(),
		IsDefault: info.IsDefault != 0,
	}
	full, err := mctx.DeviceInfo(kind, info.ID, malgo.Shared)
	if err != nil {
		slog.Debug("loopback: device info unavailable", "device", d.Name, "err", err)
		full = info
	}
	for i := 0; i < int(full.FormatCount) && i < len(full.Formats); i++ {
		f := full.Formats[i]
		if f.Channels > 0 && d.Channels == 0 {
			d.Channels = int(f.Channels)
		}
		if f.SampleRate > 0 && d.SampleRate == 0 {
			d.SampleRate = int(f.SampleRate)
		}
	}
	return d
}

func looksLikeLoopback(name string) bool {
	lower := strings.ToLower(name)
	for _, h := range virtualLoopbackHints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// Open implements [audio.Backend]. The device is configured for signed
// 16-bit samples at its native channel count and sample rate; a zero rate
// or channel count lets miniaudio pick the native value.
func (b *Backend) Open(_ context.Context, dev audio.DeviceDescriptor, periodFrames int) (audio.CaptureStream, error) {
	if periodFrames <= 0 {
		return nil, fmt.Errorf("loopback: period must be positive, got %d", periodFrames)
	}
	mctx, err := b.context()
	if err != nil {
		return nil, err
	}

	var id malgo.DeviceID
	raw, err := hex.DecodeString(dev.ID)
	if err != nil || len(raw) != len(id) {
		return nil, fmt.Errorf("loopback: malformed device id %q", dev.ID)
	}
	copy(id[:], raw)

	kind := malgo.Capture
	if b.nativeLoopback() {
		kind = malgo.Loopback
	}
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(dev.Channels)
	cfg.Capture.DeviceID = id.Pointer()
	cfg.SampleRate = uint32(dev.SampleRate)
	cfg.PeriodSizeInFrames = uint32(periodFrames)

	s := &stream{
		periodFrames: periodFrames,
		stopped:      make(chan struct{}),
		closed:       make(chan struct{}),
	}
	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if s.chunks != nil {
				s.chunks.write(input)
			}
		},
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("loopback: init device %q: %w", dev.Name, err)
	}

	s.device = device
	s.format = audio.Format{
		SampleRate: int(device.SampleRate()),
		Channels:   int(device.CaptureChannels()),
	}
	s.chunks = newChunker(periodFrames*s.format.Channels*audio.BytesPerSample, periodQueueDepth)

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("loopback: start device %q: %w", dev.Name, err)
	}
	slog.Info("loopback: device opened",
		"device", dev.Name,
		"format", s.format.String(),
		"period_frames", periodFrames,
	)
	return s, nil
}

// Close implements [audio.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mctx == nil {
		return nil
	}
	err := b.mctx.Uninit()
	b.mctx.Free()
	b.mctx = nil
	if err != nil {
		return fmt.Errorf("loopback: uninit context: %w", err)
	}
	return nil
}

// stream is an open miniaudio capture device.
type stream struct {
	device       *malgo.Device
	format       audio.Format
	periodFrames int
	chunks       *chunker

	stopOnce  sync.Once
	stopped   chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) PeriodFrames() int { return s.periodFrames }

func (s *stream) Read(ctx context.Context) ([]byte, error) {
	select {
	case p := <-s.chunks.out:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, audio.ErrStreamClosed
	case <-s.stopped:
		select {
		case <-s.closed:
			return nil, audio.ErrStreamClosed
		default:
			return nil, ErrDeviceStopped
		}
	}
}

// onStop runs on the audio thread whenever the device stops, including
// during Close.
func (s *stream) onStop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if e := s.device.Stop(); e != nil {
			err = fmt.Errorf("loopback: stop device: %w", e)
		}
		s.device.Uninit()
		if n := s.chunks.overruns.Load(); n > 0 {
			slog.Warn("loopback: capture overruns", "periods_dropped", n)
		}
	})
	return err
}

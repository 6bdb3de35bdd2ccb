// Package sine provides a synthetic [audio.Backend] that renders a pure tone
// in real time. It exposes a single loopback-capable device and lets the
// streaming engine run on machines without audio hardware.
package sine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/loopcast/pkg/audio"
)

const (
	defaultFrequency  = 440
	defaultSampleRate = 48000
	defaultChannels   = 1

	// amplitude keeps the tone well clear of clipping.
	amplitude = 0.5 * math.MaxInt16
)

// Option configures a [Backend].
type Option func(*Backend)

// WithFrequency sets the tone frequency in Hz.
func WithFrequency(hz float64) Option {
	return func(b *Backend) {
		if hz > 0 {
			b.frequency = hz
		}
	}
}

// WithFormat sets the native sample rate and channel count of the device.
func WithFormat(sampleRate, channels int) Option {
	return func(b *Backend) {
		if sampleRate > 0 {
			b.sampleRate = sampleRate
		}
		if channels > 0 {
			b.channels = channels
		}
	}
}

// WithClock replaces the wall clock used for real-time pacing. Tests pass a
// clock that never sleeps.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Backend) {
		b.now = now
		b.sleep = sleep
	}
}

// Backend is an [audio.Backend] with a single synthetic tone device.
type Backend struct {
	frequency  float64
	sampleRate int
	channels   int
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// New returns a sine backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		frequency:  defaultFrequency,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "sine" }

func (b *Backend) device() audio.DeviceDescriptor {
	return audio.DeviceDescriptor{
		ID:         "sine",
		Index:      0,
		Name:       fmt.Sprintf("Sine Generator %gHz [Loopback]", b.frequency),
		Channels:   b.channels,
		SampleRate: b.sampleRate,
		Loopback:   true,
		IsDefault:  true,
	}
}

// LoopbackDevices implements [audio.Backend].
func (b *Backend) LoopbackDevices(_ context.Context) ([]audio.DeviceDescriptor, error) {
	return []audio.DeviceDescriptor{b.device()}, nil
}

// DefaultOutput implements [audio.Backend]. The render endpoint's name is a
// prefix of the loopback device name, the same relation real systems show.
func (b *Backend) DefaultOutput(_ context.Context) (audio.DeviceDescriptor, error) {
	d := b.device()
	d.Name = fmt.Sprintf("Sine Generator %gHz", b.frequency)
	d.Loopback = false
	return d, nil
}

// Open implements [audio.Backend].
func (b *Backend) Open(_ context.Context, dev audio.DeviceDescriptor, periodFrames int) (audio.CaptureStream, error) {
	if dev.ID != "sine" {
		return nil, fmt.Errorf("sine: unknown device %q", dev.ID)
	}
	if periodFrames <= 0 {
		return nil, fmt.Errorf("sine: period must be positive, got %d", periodFrames)
	}
	return &stream{
		format:       audio.Format{SampleRate: b.sampleRate, Channels: b.channels},
		periodFrames: periodFrames,
		step:         2 * math.Pi * b.frequency / float64(b.sampleRate),
		start:        b.now(),
		now:          b.now,
		sleep:        b.sleep,
		closed:       make(chan struct{}),
	}, nil
}

// Close implements [audio.Backend].
func (b *Backend) Close() error { return nil }

type stream struct {
	format       audio.Format
	periodFrames int
	step         float64
	start        time.Time
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	phase     float64
	periods   int64
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) PeriodFrames() int { return s.periodFrames }

// Read renders the next period and returns once the wall clock has reached
// the end of it, so the stream produces audio at the device rate.
func (s *stream) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, audio.ErrStreamClosed
	default:
	}

	s.mu.Lock()
	s.periods++
	due := s.start.Add(time.Duration(s.periods) * time.Duration(s.periodFrames) * time.Second / time.Duration(s.format.SampleRate))
	buf := make([]byte, s.periodFrames*s.format.Channels*audio.BytesPerSample)
	for i := range s.periodFrames {
		v := uint16(int16(amplitude * math.Sin(s.phase)))
		for ch := range s.format.Channels {
			binary.LittleEndian.PutUint16(buf[(i*s.format.Channels+ch)*audio.BytesPerSample:], v)
		}
		s.phase += s.step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	s.mu.Unlock()

	if wait := due.Sub(s.now()); wait > 0 {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-s.closed:
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := s.sleep(ctx, wait); err != nil {
			select {
			case <-s.closed:
				return nil, audio.ErrStreamClosed
			default:
			}
			return nil, err
		}
	}
	return buf, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package audio defines the types and interfaces shared between loopcast's
// capture backends and the streaming engine.
//
// The two primary abstractions are:
//
//   - [Backend]: enumerates loopback-capable devices and opens them.
//   - [CaptureStream]: an open device delivering fixed-size periods of PCM
//     through a blocking, context-aware Read.
//
// Implementations live in backend-specific packages (audio/loopback for the
// miniaudio-backed system devices, audio/sine for a synthetic test source).
// The interfaces are intentionally narrow so the engine stays decoupled from
// any native audio API.
package audio

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by [CaptureStream.Read] after the stream has
// been closed.
var ErrStreamClosed = errors.New("audio: stream closed")

// DeviceDescriptor identifies a capture-capable device and its native format.
// Descriptors are resolved once per session and treated as immutable.
type DeviceDescriptor struct {
	// ID is the backend-specific stable identifier of the device.
	ID string

	// Index is the position of the device in the backend's enumeration.
	Index int

	// Name is the human-readable device name reported by the backend.
	Name string

	// Channels is the native channel count the device delivers.
	Channels int

	// SampleRate is the native sample rate in Hz.
	SampleRate int

	// Loopback reports whether the device can capture rendered output.
	Loopback bool

	// IsDefault reports whether the device is the system's default output.
	IsDefault bool
}

// Format returns the native stream format of the device.
func (d DeviceDescriptor) Format() Format {
	return Format{SampleRate: d.SampleRate, Channels: d.Channels}
}

// Backend is the entry point for an audio subsystem.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name returns the registered backend name (e.g. "wasapi", "sine").
	Name() string

	// LoopbackDevices lists every device that supports loopback capture, in
	// the backend's native enumeration order.
	LoopbackDevices(ctx context.Context) ([]DeviceDescriptor, error)

	// DefaultOutput returns the system's current default output device. The
	// returned descriptor is the render endpoint, which may differ from the
	// loopback device that captures it.
	DefaultOutput(ctx context.Context) (DeviceDescriptor, error)

	// Open starts capturing from dev in periods of periodFrames frames. The
	// stream is configured with the device's native channel count and rate;
	// the actually negotiated format is reported by [CaptureStream.Format].
	Open(ctx context.Context, dev DeviceDescriptor, periodFrames int) (CaptureStream, error)

	// Close releases backend resources. Streams opened from the backend must
	// be closed first.
	Close() error
}

// CaptureStream is an open capture device. It is exclusively owned by a
// single reader; only Close may be called concurrently with Read.
type CaptureStream interface {
	// Format returns the format actually configured on the device.
	Format() Format

	// PeriodFrames returns the number of frames delivered per Read.
	PeriodFrames() int

	// Read blocks until one full period of interleaved 16-bit PCM is
	// available and returns it. The returned slice is owned by the caller.
	// Read returns ctx.Err() when ctx is cancelled and [ErrStreamClosed]
	// after Close.
	Read(ctx context.Context) ([]byte, error)

	// Close stops the device and releases it. Safe to call more than once.
	Close() error
}

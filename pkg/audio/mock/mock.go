// Package mock provides in-memory mock implementations of the [audio.Backend]
// and [audio.CaptureStream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.Format{SampleRate: 44100, Channels: 1}, 512)
//	backend := &mock.Backend{
//	    DefaultResult: audio.DeviceDescriptor{Name: "Speakers"},
//	    DevicesResult: []audio.DeviceDescriptor{{ID: "lb-0", Name: "Speakers [Loopback]", Loopback: true}},
//	    OpenResult:    stream,
//	}
//	stream.Push(pcm) // delivered by the next Read
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/loopcast/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.CaptureStream]. Read blocks until
// a period is pushed with [Stream.Push], an error is injected with
// [Stream.Fail], the context is cancelled, or the stream is closed.
type Stream struct {
	mu sync.Mutex

	// FormatResult is returned by Format.
	FormatResult audio.Format

	// PeriodFramesResult is returned by PeriodFrames.
	PeriodFramesResult int

	// CloseError is returned by Close.
	CloseError error

	callCountRead  int
	callCountClose int

	periods   chan []byte
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStream returns a Stream reporting format and periodFrames. Up to 64
// periods may be pushed before Push blocks.
func NewStream(format audio.Format, periodFrames int) *Stream {
	return &Stream{
		FormatResult:       format,
		PeriodFramesResult: periodFrames,
		periods:            make(chan []byte, 64),
		errs:               make(chan error, 1),
		closed:             make(chan struct{}),
	}
}

// Push queues pcm for delivery by a future Read.
func (s *Stream) Push(pcm []byte) {
	s.periods <- pcm
}

// Fail makes the next Read with no pending period return err.
func (s *Stream) Fail(err error) {
	s.errs <- err
}

// Format implements [audio.CaptureStream].
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// PeriodFrames implements [audio.CaptureStream].
func (s *Stream) PeriodFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PeriodFramesResult
}

// Read implements [audio.CaptureStream].
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	s.callCountRead++
	s.mu.Unlock()

	select {
	case p := <-s.periods:
		return p, nil
	default:
	}
	select {
	case p := <-s.periods:
		return p, nil
	case err := <-s.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, audio.ErrStreamClosed
	}
}

// Close implements [audio.CaptureStream]. Returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.callCountClose++
	err := s.CloseError
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return err
}

// Reads returns how many times Read was called.
func (s *Stream) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountRead
}

// Closes returns how many times Close was called.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountClose
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Backend.Open] invocation.
type OpenCall struct {
	// Device is the descriptor passed to Open.
	Device audio.DeviceDescriptor

	// PeriodFrames is the period size passed to Open.
	PeriodFrames int
}

// Backend is a mock implementation of [audio.Backend].
// Set the exported Result fields before use; inspect the calls after.
type Backend struct {
	mu sync.Mutex

	// NameResult is returned by Name. Defaults to "mock".
	NameResult string

	// DevicesResult is returned by LoopbackDevices.
	DevicesResult []audio.DeviceDescriptor

	// DevicesError is returned by LoopbackDevices.
	DevicesError error

	// DefaultResult is returned by DefaultOutput.
	DefaultResult audio.DeviceDescriptor

	// DefaultError is returned by DefaultOutput.
	DefaultError error

	// OpenResult is returned by Open when OpenFunc is nil.
	OpenResult audio.CaptureStream

	// OpenError is returned by Open when OpenFunc is nil.
	OpenError error

	// OpenFunc, when set, overrides OpenResult and OpenError.
	OpenFunc func(dev audio.DeviceDescriptor, periodFrames int) (audio.CaptureStream, error)

	// CloseError is returned by Close.
	CloseError error

	openCalls        []OpenCall
	callCountDevices int
	callCountDefault int
	callCountClose   int
}

// Name implements [audio.Backend].
func (b *Backend) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NameResult == "" {
		return "mock"
	}
	return b.NameResult
}

// LoopbackDevices implements [audio.Backend]. Returns a copy of DevicesResult.
func (b *Backend) LoopbackDevices(_ context.Context) ([]audio.DeviceDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callCountDevices++
	if b.DevicesError != nil {
		return nil, b.DevicesError
	}
	out := make([]audio.DeviceDescriptor, len(b.DevicesResult))
	copy(out, b.DevicesResult)
	return out, nil
}

// DefaultOutput implements [audio.Backend].
func (b *Backend) DefaultOutput(_ context.Context) (audio.DeviceDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callCountDefault++
	return b.DefaultResult, b.DefaultError
}

// Open implements [audio.Backend]. Records the call and returns the configured
// stream or error.
func (b *Backend) Open(_ context.Context, dev audio.DeviceDescriptor, periodFrames int) (audio.CaptureStream, error) {
	b.mu.Lock()
	b.openCalls = append(b.openCalls, OpenCall{Device: dev, PeriodFrames: periodFrames})
	fn, res, err := b.OpenFunc, b.OpenResult, b.OpenError
	b.mu.Unlock()
	if fn != nil {
		return fn(dev, periodFrames)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Close implements [audio.Backend]. Returns CloseError.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callCountClose++
	return b.CloseError
}

// OpenCalls returns a copy of every recorded Open invocation.
func (b *Backend) OpenCalls() []OpenCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OpenCall, len(b.openCalls))
	copy(out, b.openCalls)
	return out
}

// DeviceQueries returns how many times LoopbackDevices was called.
func (b *Backend) DeviceQueries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCountDevices
}

// Closes returns how many times Close was called.
func (b *Backend) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCountClose
}

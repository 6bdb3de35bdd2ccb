// Package capture runs the read side of a streaming session: it pulls
// fixed-size periods from an open [audio.CaptureStream], normalizes them to
// interleaved stereo and hands each resulting frame to a [Sink].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/MrWong99/loopcast/internal/observe"
	"github.com/MrWong99/loopcast/pkg/audio"
)

// ErrCaptureFailed is matched (via errors.Is) by every error that ends a
// running capture loop other than cancellation.
var ErrCaptureFailed = errors.New("capture: failed")

// CaptureError describes a fatal capture failure.
type CaptureError struct {
	// Device is the name of the device being captured.
	Device string

	// Seq is the sequence number of the last frame produced before the
	// failure (0 when nothing was captured).
	Seq uint64

	// Err is the underlying cause.
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture: %q after frame %d: %v", e.Device, e.Seq, e.Err)
}

// Unwrap exposes both [ErrCaptureFailed] and the cause.
func (e *CaptureError) Unwrap() []error { return []error{ErrCaptureFailed, e.Err} }

// Sink receives normalized frames. Post must not block.
type Sink interface {
	Post(frame audio.AudioFrame)
}

// Option configures a [Loop].
type Option func(*Loop)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithDevice sets the device name reported in logs and errors.
func WithDevice(name string) Option {
	return func(l *Loop) { l.device = name }
}

// WithClock overrides the clock used for frame timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// Loop owns an open capture stream for the lifetime of one session.
type Loop struct {
	stream  audio.CaptureStream
	sink    Sink
	device  string
	metrics *observe.Metrics
	now     func() time.Time
}

// New returns a Loop reading from stream and posting to sink. The Loop takes
// ownership of stream and closes it when [Loop.Run] returns.
func New(stream audio.CaptureStream, sink Sink, opts ...Option) *Loop {
	l := &Loop{
		stream: stream,
		sink:   sink,
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// Run reads periods until ctx is cancelled or the stream fails. It returns
// nil after cancellation and a [*CaptureError] otherwise. Run pins the
// calling goroutine to its OS thread for the duration; call it on a
// dedicated goroutine.
func (l *Loop) Run(ctx context.Context) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if cerr := l.stream.Close(); cerr != nil {
			slog.Warn("capture: close stream", "device", l.device, "err", cerr)
		}
	}()

	format := l.stream.Format()
	if cerr := audio.CheckChannels(format.Channels); cerr != nil {
		return &CaptureError{Device: l.device, Err: cerr}
	}

	slog.Debug("capture: loop started",
		"device", l.device,
		"format", format.String(),
		"period_frames", l.stream.PeriodFrames(),
	)

	start := l.now()
	var seq uint64
	for {
		pcm, rerr := l.stream.Read(ctx)
		if rerr != nil {
			if ctx.Err() != nil {
				slog.Debug("capture: loop stopped", "device", l.device, "frames", seq)
				return nil
			}
			return &CaptureError{Device: l.device, Seq: seq, Err: rerr}
		}

		stereo, cerr := audio.ToStereo(pcm, format.Channels)
		if cerr != nil {
			return &CaptureError{Device: l.device, Seq: seq, Err: cerr}
		}

		seq++
		l.sink.Post(audio.AudioFrame{
			Data:       stereo,
			SampleRate: format.SampleRate,
			Channels:   2,
			Seq:        seq,
			Timestamp:  l.now().Sub(start),
		})
		l.metrics.CapturedFrames.Add(ctx, 1)
	}
}

// Package session orchestrates the lifecycle of one capture-and-broadcast
// session: resolving the device, opening it, running the capture loop and
// the dispatcher, and tearing everything down again.
//
// At most one session runs at a time. The controller's state machine is
//
//	Idle → Starting → Running → Stopping → Idle
//
// with Starting falling straight back to Idle when the start fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/loopcast/internal/broadcast"
	"github.com/MrWong99/loopcast/internal/capture"
	"github.com/MrWong99/loopcast/internal/device"
	"github.com/MrWong99/loopcast/internal/observe"
	"github.com/MrWong99/loopcast/pkg/audio"
)

var (
	// ErrSessionActive is returned by Start while a session is starting,
	// running or stopping.
	ErrSessionActive = errors.New("session: already active")

	// ErrNotRunning is returned by Subscribe outside the Running state.
	ErrNotRunning = errors.New("session: not running")

	// ErrSendTimeoutTooLong is returned by Start when the delivery deadline
	// is not shorter than the period of the opened stream.
	ErrSendTimeoutTooLong = errors.New("session: send timeout not shorter than capture period")
)

// defaultPeriod is the capture period used when no explicit frame count is
// configured.
const defaultPeriod = 20 * time.Millisecond

// fallbackSampleRate sizes the default period for devices that do not
// report a native rate.
const fallbackSampleRate = 48000

// State is the lifecycle state of a [Controller].
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Info describes the running session.
type Info struct {
	// Selection is the device selection the session was started with.
	Selection string

	// Device is the resolved capture device.
	Device audio.DeviceDescriptor

	// Format is the format configured on the open stream. Frames leaving
	// the capture loop are always stereo at Format.SampleRate.
	Format audio.Format

	// PeriodFrames is the number of frames captured per period.
	PeriodFrames int

	// StartedAt is when capture began.
	StartedAt time.Time
}

// Config holds the tunables applied to every session a controller starts.
type Config struct {
	// PeriodFrames is the number of frames read per capture period. Zero
	// selects 20 ms of audio at the device's sample rate.
	PeriodFrames int

	// SendTimeout is the per-subscriber delivery deadline. Zero selects
	// [broadcast.DefaultSendTimeout].
	SendTimeout time.Duration
}

// Option configures a [Controller].
type Option func(*Controller)

// WithConfig sets the session tunables.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRegistry sets the subscriber registry. Defaults to a new registry.
func WithRegistry(r *broadcast.Registry) Option {
	return func(c *Controller) { c.registry = r }
}

// run is the state of one started session.
type run struct {
	info    Info
	backend string
	disp    *broadcast.Dispatcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	captureErr  error
	captureDone chan struct{}

	// done is closed once the session has fully stopped.
	done chan struct{}
}

// Controller starts and stops sessions and admits subscribers to the
// running one. All methods are safe for concurrent use.
type Controller struct {
	backend  audio.Backend
	resolver *device.Resolver
	registry *broadcast.Registry
	metrics  *observe.Metrics

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu      sync.Mutex
	cfg     Config
	state   State
	cur     *run
	lastErr error
	idle    chan struct{}
}

// New returns an idle Controller capturing through backend.
func New(backend audio.Backend, opts ...Option) *Controller {
	c := &Controller{
		backend:  backend,
		resolver: device.NewResolver(backend),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.registry == nil {
		c.registry = broadcast.NewRegistry(broadcast.WithRegistryMetrics(c.metrics))
	}
	c.idle = make(chan struct{})
	close(c.idle)
	return c
}

// Start resolves selection, opens the device and starts capturing and
// broadcasting. It returns once capture has begun. ctx bounds only the
// start itself; the session runs until [Controller.Stop] or a capture
// failure.
func (c *Controller) Start(ctx context.Context, selection string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.state = StateStarting
	c.lastErr = nil
	cfg := c.cfg
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(attribute.String("selection", selection)),
	)
	defer span.End()

	r, err := c.start(ctx, selection, cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateIdle
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		return err
	}
	c.cur = r
	c.state = StateRunning
	c.metrics.ActiveSessions.Add(context.Background(), 1)
	go c.monitor(r)

	observe.Logger(ctx).Info("session: started",
		"selection", selection,
		"device", r.info.Device.Name,
		"format", r.info.Format.String(),
		"period_frames", r.info.PeriodFrames,
	)
	return nil
}

func (c *Controller) start(ctx context.Context, selection string, cfg Config) (*run, error) {
	c.mu.Lock()
	backend, resolver := c.backend, c.resolver
	c.mu.Unlock()

	dev, err := resolver.Resolve(ctx, selection)
	if err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}

	period := cfg.PeriodFrames
	if period <= 0 {
		rate := dev.SampleRate
		if rate <= 0 {
			rate = fallbackSampleRate
		}
		period = int(time.Duration(rate) * defaultPeriod / time.Second)
	}

	stream, err := backend.Open(ctx, dev, period)
	if err != nil {
		return nil, fmt.Errorf("session: open %q: %w", dev.Name, err)
	}
	format := stream.Format()
	if err := audio.CheckChannels(format.Channels); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("session: open %q: %w", dev.Name, err)
	}

	disp := broadcast.NewDispatcher(c.registry,
		broadcast.WithSendTimeout(cfg.SendTimeout),
		broadcast.WithMetrics(c.metrics),
	)
	if format.SampleRate > 0 && stream.PeriodFrames() > 0 {
		actual := time.Duration(stream.PeriodFrames()) * time.Second / time.Duration(format.SampleRate)
		if disp.SendTimeout() >= actual {
			_ = stream.Close()
			return nil, fmt.Errorf("%w: %v >= %v (%d frames at %d Hz)",
				ErrSendTimeoutTooLong, disp.SendTimeout(), actual, stream.PeriodFrames(), format.SampleRate)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loop := capture.New(stream, disp,
		capture.WithDevice(dev.Name),
		capture.WithMetrics(c.metrics),
	)

	r := &run{
		info: Info{
			Selection:    selection,
			Device:       dev,
			Format:       format,
			PeriodFrames: stream.PeriodFrames(),
			StartedAt:    time.Now(),
		},
		backend:     backend.Name(),
		disp:        disp,
		cancel:      cancel,
		captureDone: make(chan struct{}),
		done:        make(chan struct{}),
	}
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer close(r.captureDone)
		r.captureErr = loop.Run(runCtx)
	}()
	go func() {
		defer r.wg.Done()
		_ = disp.Run(runCtx)
	}()
	return r, nil
}

// monitor force-stops r if its capture loop fails.
func (c *Controller) monitor(r *run) {
	select {
	case <-r.done:
		return
	case <-r.captureDone:
	}
	if r.captureErr == nil {
		return
	}
	slog.Error("session: capture failed, stopping", "device", r.info.Device.Name, "err", r.captureErr)
	c.metrics.RecordCaptureError(context.Background(), r.backend)

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop(r, r.captureErr)
}

// Stop ends the running session: capture and in-flight sends are cancelled,
// every subscriber is disconnected and the device is released. Stop is a
// no-op when no session is running.
func (c *Controller) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r != nil {
		c.stop(r, nil)
	}
}

// stop tears down r if it is still the current session. Caller must hold
// c.lifecycle.
func (c *Controller) stop(r *run, cause error) {
	c.mu.Lock()
	if c.cur != r || c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	c.mu.Lock()
	n := c.registry.Clear(broadcast.ReasonSessionDone)
	c.cur = nil
	c.state = StateIdle
	c.lastErr = cause
	c.mu.Unlock()
	close(r.done)
	c.metrics.ActiveSessions.Add(context.Background(), -1)

	slog.Info("session: stopped",
		"device", r.info.Device.Name,
		"uptime", time.Since(r.info.StartedAt).Round(time.Millisecond),
		"subscribers_disconnected", n,
	)
}

// Subscribe registers sub with the running session.
func (c *Controller) Subscribe(sub broadcast.Subscriber) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return ErrNotRunning
	}
	c.registry.Register(sub)
	return nil
}

// Unsubscribe removes sub and reports whether it was registered.
func (c *Controller) Unsubscribe(sub broadcast.Subscriber) bool {
	return c.registry.Unregister(sub)
}

// SampleRate returns the sample rate of the open stream, or 0 when no
// stream is open.
func (c *Controller) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return 0
	}
	return c.cur.info.Format.SampleRate
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info describes the current session. ok is false when none is active.
func (c *Controller) Info() (info Info, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return Info{}, false
	}
	return c.cur.info, true
}

// Err returns the capture error that ended the last session, if any. It is
// reset by a successful Start.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done returns a channel closed when the current session ends for any
// reason. With no active session the returned channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return c.idle
	}
	return c.cur.done
}

// ShedFrames returns how many frames the running session dropped because a
// newer frame arrived before the previous one was dispatched.
func (c *Controller) ShedFrames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return 0
	}
	return c.cur.disp.Shed()
}

// Subscribers returns the number of registered subscribers.
func (c *Controller) Subscribers() int {
	return c.registry.Len()
}

// SetBackend replaces the backend used by the next Start and returns the
// previous one. A running session keeps capturing from the backend it was
// started with.
func (c *Controller) SetBackend(b audio.Backend) audio.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.backend
	c.backend = b
	c.resolver = device.NewResolver(b)
	return prev
}

// Backend returns the backend used by the next Start.
func (c *Controller) Backend() audio.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

// SetConfig replaces the tunables used by the next Start. A running session
// keeps its configuration.
func (c *Controller) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

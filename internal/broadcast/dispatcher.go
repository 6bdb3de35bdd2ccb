package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/loopcast/internal/observe"
	"github.com/MrWong99/loopcast/pkg/audio"
)

// DefaultSendTimeout is the per-send deadline used when none is configured.
// It must stay below the capture period (20 ms by default).
const DefaultSendTimeout = 15 * time.Millisecond

// Close reasons passed to [Subscriber.Close].
const (
	ReasonTooSlow     = "subscriber too slow"
	ReasonSendFailed  = "send failed"
	ReasonSessionDone = "session stopped"
)

// Result summarizes one dispatch cycle.
type Result struct {
	// Targets is the number of subscribers in the snapshot the cycle used.
	Targets int

	// Delivered is the number of sends that completed successfully.
	Delivered int

	// Dropped holds one error per evicted subscriber.
	Dropped []*DeliveryError
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithSendTimeout sets the per-send deadline. Non-positive values are
// ignored.
func WithSendTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// Dispatcher delivers frames to the subscribers of a [Registry].
//
// Frames arrive through [Dispatcher.Post], which never blocks: a single-slot
// mailbox keeps only the newest frame not yet picked up by
// [Dispatcher.Run]. Each cycle sends to all subscribers concurrently and
// waits for every send, so a subscriber sees frames in capture order.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	metrics  *observe.Metrics
	mailbox  chan audio.AudioFrame
	shed     atomic.Uint64
}

// NewDispatcher returns a Dispatcher sending to the members of reg.
func NewDispatcher(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		timeout:  DefaultSendTimeout,
		mailbox:  make(chan audio.AudioFrame, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// SendTimeout returns the configured per-send deadline.
func (d *Dispatcher) SendTimeout() time.Duration { return d.timeout }

// Shed returns how many frames were superseded in the mailbox before being
// dispatched.
func (d *Dispatcher) Shed() uint64 { return d.shed.Load() }

// Post hands frame to the dispatcher. If an earlier frame is still waiting
// it is discarded and counted as shed. Safe for concurrent use.
func (d *Dispatcher) Post(frame audio.AudioFrame) {
	for {
		select {
		case d.mailbox <- frame:
			return
		default:
		}
		select {
		case old := <-d.mailbox:
			d.shed.Add(1)
			d.metrics.ShedFrames.Add(context.Background(), 1)
			slog.Debug("broadcast: frame shed", "seq", old.Seq, "superseded_by", frame.Seq)
		default:
		}
	}
}

// Run dispatches posted frames until ctx is cancelled. It always returns
// nil; cancellation also aborts in-flight sends.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-d.mailbox:
			d.Dispatch(ctx, frame)
		}
	}
}

// outcome of a single send.
type outcome struct {
	sub       Subscriber
	err       *DeliveryError
	cancelled bool
}

// Dispatch sends frame to every current subscriber and returns once each
// send has completed or missed its deadline. Subscribers whose send failed
// are unregistered before Dispatch returns and closed asynchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, frame audio.AudioFrame) Result {
	subs := d.registry.Snapshot()
	res := Result{Targets: len(subs)}
	if len(subs) == 0 {
		return res
	}

	start := time.Now()
	outcomes := make([]outcome, len(subs))
	var g errgroup.Group
	for i, sub := range subs {
		g.Go(func() error {
			outcomes[i] = d.send(ctx, sub, frame)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch {
		case o.cancelled:
		case o.err == nil:
			res.Delivered++
		default:
			res.Dropped = append(res.Dropped, o.err)
			d.evict(o.sub, o.err)
		}
	}

	if res.Delivered > 0 {
		d.metrics.DeliveredFrames.Add(ctx, int64(res.Delivered))
	}
	d.metrics.CycleDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	return res
}

// send delivers one frame to one subscriber under the send deadline. The
// deadline is enforced here as well, so a subscriber ignoring ctx cannot
// hold up the cycle.
func (d *Dispatcher) send(ctx context.Context, sub Subscriber, frame audio.AudioFrame) outcome {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sub.Send(sctx, frame.Data) }()

	var err error
	select {
	case err = <-done:
	case <-sctx.Done():
		err = sctx.Err()
	}
	d.metrics.SendDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())

	if err == nil {
		return outcome{sub: sub}
	}
	if ctx.Err() != nil {
		return outcome{sub: sub, cancelled: true}
	}

	kind := ErrDeliveryFailed
	if errors.Is(sctx.Err(), context.DeadlineExceeded) {
		kind = ErrDeliveryTimeout
	}
	return outcome{sub: sub, err: &DeliveryError{
		Subscriber: sub.ID(),
		Seq:        frame.Seq,
		Kind:       kind,
		Err:        err,
	}}
}

func (d *Dispatcher) evict(sub Subscriber, derr *DeliveryError) {
	if !d.registry.Unregister(sub) {
		return
	}
	reason, metricReason := ReasonSendFailed, observe.ReasonFailed
	if derr.Timeout() {
		reason, metricReason = ReasonTooSlow, observe.ReasonTimeout
	}
	d.metrics.RecordDrop(context.Background(), metricReason)
	slog.Warn("broadcast: subscriber dropped", "subscriber", derr.Subscriber, "seq", derr.Seq, "err", derr)
	go sub.Close(reason)
}
